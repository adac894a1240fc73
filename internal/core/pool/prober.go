package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Prober 通过"把候选端点当作 HTTP 代理去访问探测地址"来验证其存活。
// 只有在超时内拿到 200 才算成功；其它状态码和任何传输错误都算失败。
//
// 它持有一个长生命周期的 http.Client；代理地址通过 Transport 的 Proxy
// 回调动态解析，因此跨候选切换时无需重建客户端。
type Prober struct {
	mu     sync.Mutex
	target *url.URL
	client *http.Client
}

// NewProber 创建探测器。
func NewProber() *Prober {
	p := &Prober{}
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}
	p.client = &http.Client{
		Transport: &http.Transport{
			Proxy: func(*http.Request) (*url.URL, error) {
				p.mu.Lock()
				defer p.mu.Unlock()
				return p.target, nil
			},
			DialContext:           dialer.DialContext,
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
			DisableKeepAlives:     true,
			ExpectContinueTimeout: 1 * time.Second,
		},
		// 重定向不跟随：第一个响应的状态码就是判定依据
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return p
}

// Check 通过 proxyAddr 指向的端点请求 probeURL，strict 200 判定。
func (p *Prober) Check(ctx context.Context, proxyAddr, probeURL string, timeout time.Duration) error {
	if probeURL == "" {
		return fmt.Errorf("validation_url is not configured")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	proxyURL, err := url.Parse("http://" + proxyAddr)
	if err != nil {
		return fmt.Errorf("invalid proxy address %q: %w", proxyAddr, err)
	}

	p.mu.Lock()
	p.target = proxyURL
	p.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, probeURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}
