package relay

import (
	"net"
	"strings"
)

// ParseHost 从客户端的初始字节中提取目标主机名。
// 优先匹配 "CONNECT host:port" 请求行，其次匹配 "Host:" 头。
// 两者都是大小写不敏感；返回的主机名统一转为小写，不含端口。
// 找不到时返回空串，表示未知主机。
func ParseHost(initial []byte) string {
	lines := strings.Split(string(initial), "\n")

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) < 8 {
			continue
		}
		if strings.EqualFold(trimmed[:8], "CONNECT ") {
			target := strings.Fields(trimmed[8:])
			if len(target) == 0 {
				continue
			}
			return normalizeHost(target[0])
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) < 5 {
			continue
		}
		if strings.EqualFold(trimmed[:5], "Host:") {
			return normalizeHost(strings.TrimSpace(trimmed[5:]))
		}
	}

	return ""
}

// normalizeHost 去掉端口并转为小写。
func normalizeHost(hostport string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSpace(host))
}

// hostAllowed 检查主机名是否在白名单内。
// 空白名单或未知主机一律拒绝：这是在消耗任何上游资源之前做出的可达性决策。
func hostAllowed(host string, allowed []string) bool {
	if host == "" || len(allowed) == 0 {
		return false
	}
	for _, d := range allowed {
		if strings.EqualFold(strings.TrimSpace(d), host) {
			return true
		}
	}
	return false
}
