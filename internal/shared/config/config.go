package config

import (
	"os"

	"gopkg.in/ini.v1"

	"liuproxy_rotator/internal/shared/types"
)

// LoadIni 只加载 rotator.ini 行为配置文件。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	applyDefaults(cfg)
	overrideFromEnvString(&cfg.LocalConf.ListenHost, "ROTATOR_LISTEN_HOST")
	return nil
}

func applyDefaults(cfg *types.Config) {
	if cfg.LocalConf.ListenHost == "" {
		cfg.LocalConf.ListenHost = "127.0.0.1"
	}
	if cfg.LocalConf.ListenPort == 0 {
		cfg.LocalConf.ListenPort = 8888
	}
	if cfg.LocalConf.ConnectTimeout <= 0 {
		cfg.LocalConf.ConnectTimeout = 10
	}
	if cfg.CommonConf.MaxConnections <= 0 {
		cfg.CommonConf.MaxConnections = 256
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
