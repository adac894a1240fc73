package settings

// ConfigurableModule 是所有希望其配置能被在线管理的模块必须实现的接口。
// 它定义了一个标准的回调方法，当相关配置发生变更时，SettingsManager会调用此方法。
type ConfigurableModule interface {
	// OnSettingsUpdate 在配置变更时被 SettingsManager 调用。
	// moduleKey: 告知是哪个模块的配置发生了变化 (e.g., "upstream", "access")。
	// newSettings: 是对应模块的、已经解析好的新配置结构体指针。
	OnSettingsUpdate(moduleKey string, newSettings interface{}) error
}

// RuntimeSettings 是 settings.json 文件的顶层结构。
// 它以模块化的方式组织了所有可以在运行时被动态修改的配置。
// 使用指针类型确保了当JSON文件中缺少某个模块时，对应的字段为nil，而不是一个空的结构体。
type RuntimeSettings struct {
	Upstream *UpstreamSettings `json:"upstream"`
	Access   *AccessSettings   `json:"access"`
}

// UpstreamSettings 对应 settings.json 中的 "upstream" 模块。
// 它描述了 IP 租用服务和存活验证的行为。
type UpstreamSettings struct {
	APIURL                    string `json:"api_url"`                     // 租用服务地址, 返回 "ip:port"
	ValidationURL             string `json:"validation_url"`              // 通过候选代理访问的探测地址
	ValidationTimeoutSeconds  int    `json:"validation_timeout_seconds"`  // 单次探测超时
	ValidationIntervalSeconds int    `json:"validation_interval_seconds"` // 验证结果的缓存期
	IPExpirationSeconds       int    `json:"ip_expiration_seconds"`       // 0 = 永不强制失效
}

// AccessSettings 对应 settings.json 中的 "access" 模块。
type AccessSettings struct {
	AllowedDomains []string `json:"allowed_domains"` // 域名白名单；为空时拒绝所有连接
}

func createDefaultSettings() *RuntimeSettings {
	return &RuntimeSettings{
		Upstream: &UpstreamSettings{
			ValidationURL:             "http://www.baidu.com",
			ValidationTimeoutSeconds:  5,
			ValidationIntervalSeconds: 60,
			IPExpirationSeconds:       300,
		},
		Access: &AccessSettings{AllowedDomains: []string{}},
	}
}

func ensureDefaultModules(s *RuntimeSettings) {
	if s.Upstream == nil {
		s.Upstream = &UpstreamSettings{}
	}
	if s.Access == nil {
		s.Access = &AccessSettings{AllowedDomains: []string{}}
	}
}
