package types

// CommonConf 包含共有的配置
type CommonConf struct {
	MaxConnections int `ini:"maxConnections"`
}

// LocalConf 包含本地代理监听相关的配置
type LocalConf struct {
	ListenHost     string `ini:"listen_host"`
	ListenPort     int    `ini:"listen_port"`
	WebPort        int    `ini:"web_port"`
	WebUser        string `ini:"web_user"`
	WebPassword    string `ini:"web_password"`
	StartOnLoad    bool   `ini:"start_on_load"`
	ConnectTimeout int    `ini:"connect_timeout"` // seconds, upstream dial ceiling
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// Config 是统一配置结构体。只包含行为配置；运行时可变配置在 settings.json。
type Config struct {
	CommonConf `ini:"common"`
	LocalConf  `ini:"local"`
	LogConf    `ini:"log"`
}
