package pool

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"liuproxy_rotator/internal/shared/logger"
)

const leaseRequestTimeout = 10 * time.Second

// apiURLPlaceholder 出现在 api_url 中说明用户还没有填入真实的 token。
const apiURLPlaceholder = "YOUR_TOKEN"

// LeaseClient 负责从远程租用服务获取候选端点。
// 它持有一个长生命周期的 http.Client，跨调用复用连接。
type LeaseClient struct {
	client *http.Client
}

// NewLeaseClient 创建租用服务客户端。
func NewLeaseClient() *LeaseClient {
	return &LeaseClient{
		client: &http.Client{Timeout: leaseRequestTimeout},
	}
}

// Lease 请求租用服务，期望返回 "ip:port" 形式的纯文本。
// 任何其它响应形态都视为无候选。
func (c *LeaseClient) Lease(ctx context.Context, apiURL string) (string, int, error) {
	l := logger.WithComponent("Pool/Lease")

	if apiURL == "" || strings.Contains(apiURL, apiURLPlaceholder) {
		return "", 0, fmt.Errorf("api_url is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to build lease request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("lease request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("lease service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", 0, fmt.Errorf("failed to read lease response: %w", err)
	}

	ip, port, err := parseEndpointLine(string(body))
	if err != nil {
		l.Warn().Str("body", strings.TrimSpace(string(body))).Msg("Lease service returned malformed endpoint.")
		return "", 0, err
	}

	return ip, port, nil
}

// parseEndpointLine 解析 "ip:port"。要求恰好一个冒号分隔的两段。
func parseEndpointLine(s string) (string, int, error) {
	trimmed := strings.TrimSpace(s)
	parts := strings.Split(trimmed, ":")
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("malformed endpoint %q", trimmed)
	}

	ip := strings.TrimSpace(parts[0])
	if ip == "" {
		return "", 0, fmt.Errorf("malformed endpoint %q: empty host", trimmed)
	}

	port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("malformed endpoint %q: invalid port", trimmed)
	}

	return ip, port, nil
}

// joinEndpoint 将 ip 和 port 组合为拨号地址。
func joinEndpoint(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}
