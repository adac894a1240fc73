package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"liuproxy_rotator/internal/shared/logger"
	"liuproxy_rotator/internal/shared/settings"
)

const (
	acquireAttempts = 3
	acquireBackoff  = 1 * time.Second
)

// Endpoint 是从租用服务获得的一个上游代理地址。
// 整体替换，从不部分修改；唯一的"当前"实例由 Pool 独占持有。
type Endpoint struct {
	IP              string
	Port            int
	AcquiredAt      time.Time
	LastValidatedAt time.Time
}

// Addr 返回可用于拨号的 "ip:port"。
func (e *Endpoint) Addr() string {
	return joinEndpoint(e.IP, e.Port)
}

// Config 是池的运行参数，由 settings.json 的 upstream 模块派生。
type Config struct {
	APIURL             string
	ValidationURL      string
	ValidationTimeout  time.Duration
	ValidationInterval time.Duration
	Expiration         time.Duration // 0 = 永不强制失效
}

// LeaseRecorder 是池对账本的唯一依赖：每次成功租用记一笔。
type LeaseRecorder interface {
	RecordLease()
}

// Pool 管理唯一的当前端点。所有调用者在同一把锁上串行：
// 这是有意为之，避免两个连接在一个端点就够用时各自租用一个，
// 代价是换租期间的排头阻塞。
type Pool struct {
	mu       sync.Mutex
	cur      *Endpoint
	cfg      Config
	leases   *LeaseClient
	prober   *Prober
	recorder LeaseRecorder

	// 可注入，便于测试
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New 创建端点池。
func New(cfg Config, recorder LeaseRecorder) *Pool {
	return &Pool{
		cfg:      cfg,
		leases:   NewLeaseClient(),
		prober:   NewProber(),
		recorder: recorder,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

var _ settings.ConfigurableModule = (*Pool)(nil)

// OnSettingsUpdate 在 upstream 配置变更时被 SettingsManager 调用。
// API 地址变化时丢弃当前端点，下一个连接会重新租用；探测地址变化时
// 同样丢弃：旧端点的存活结论是对旧探测目标做出的。
func (p *Pool) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	up, ok := newSettings.(*settings.UpstreamSettings)
	if !ok {
		return fmt.Errorf("unexpected settings type for module %s", moduleKey)
	}

	cfg := ConfigFromSettings(up)

	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.APIURL != p.cfg.APIURL || cfg.ValidationURL != p.cfg.ValidationURL {
		p.cur = nil
	}
	p.cfg = cfg
	return nil
}

// ConfigFromSettings 将运行时配置转换为池的内部参数。
func ConfigFromSettings(up *settings.UpstreamSettings) Config {
	return Config{
		APIURL:             up.APIURL,
		ValidationURL:      up.ValidationURL,
		ValidationTimeout:  time.Duration(up.ValidationTimeoutSeconds) * time.Second,
		ValidationInterval: time.Duration(up.ValidationIntervalSeconds) * time.Second,
		Expiration:         time.Duration(up.IPExpirationSeconds) * time.Second,
	}
}

// Current 返回当前端点的一份拷贝（可能为 nil），仅用于状态上报。
func (p *Pool) Current() *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return nil
	}
	cp := *p.cur
	return &cp
}

// Invalidate 丢弃当前端点，下一个连接会触发重新租用。
func (p *Pool) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur = nil
}

// GetValidEndpoint 返回一个当前有效的端点，必要时租用并验证新端点。
// 返回 nil 表示多次尝试后仍无可用端点，由调用方上报，不致命。
func (p *Pool) GetValidEndpoint(ctx context.Context) *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := logger.WithComponent("Pool")
	now := p.now()

	if p.cur != nil {
		// 1. 绝对失效检查：使用时长超过 expiration 的端点强制换新
		if p.cfg.Expiration > 0 && now.Sub(p.cur.AcquiredAt) > p.cfg.Expiration {
			l.Info().Str("endpoint", p.cur.Addr()).Msg("Endpoint exceeded absolute expiration, forcing refresh.")
			p.cur = nil
		} else if now.Sub(p.cur.LastValidatedAt) < p.cfg.ValidationInterval {
			// 2. 验证缓存期内直接复用，不发探测请求
			cp := *p.cur
			return &cp
		} else {
			// 3. 超过验证间隔，重新探测
			if err := p.prober.Check(ctx, p.cur.Addr(), p.cfg.ValidationURL, p.cfg.ValidationTimeout); err == nil {
				p.cur.LastValidatedAt = p.now()
				cp := *p.cur
				return &cp
			}
			l.Info().Str("endpoint", p.cur.Addr()).Msg("Endpoint failed re-validation, acquiring a new one.")
			p.cur = nil
		}
	}

	// 4. 租用新端点，最多尝试 acquireAttempts 次
	for attempt := 1; attempt <= acquireAttempts; attempt++ {
		ip, port, err := p.leases.Lease(ctx, p.cfg.APIURL)
		if err != nil {
			l.Warn().Err(err).Int("attempt", attempt).Msg("Failed to lease a new endpoint.")
		} else {
			addr := joinEndpoint(ip, port)
			if err := p.prober.Check(ctx, addr, p.cfg.ValidationURL, p.cfg.ValidationTimeout); err == nil {
				now := p.now()
				p.cur = &Endpoint{
					IP:              ip,
					Port:            port,
					AcquiredAt:      now,
					LastValidatedAt: now,
				}
				p.recorder.RecordLease()
				l.Info().Str("endpoint", addr).Msg("Adopted new upstream endpoint.")
				cp := *p.cur
				return &cp
			}
			l.Warn().Str("endpoint", addr).Int("attempt", attempt).Msg("Leased endpoint failed validation.")
		}

		if attempt < acquireAttempts {
			if err := p.sleep(ctx, acquireBackoff); err != nil {
				return nil
			}
		}
	}

	l.Error().Int("attempts", acquireAttempts).Msg("No valid endpoint available after all attempts.")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
