package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"liuproxy_rotator/internal/core/pool"
	"liuproxy_rotator/internal/ledger"
	"liuproxy_rotator/internal/service/web"
	"liuproxy_rotator/internal/shared/logger"
	"liuproxy_rotator/internal/shared/settings"
)

const (
	// defaultInitialReadTimeout 是等待客户端第一批字节的上限。
	defaultInitialReadTimeout = 10 * time.Second
	// chunkSize 是转发循环单次读取的最大字节数。
	chunkSize = 4096
)

// Relay 负责将一条已接受的客户端连接端到端地服务完：
// 解析首包、白名单检查、向池索取端点、拨号上游、双向转发并逐块记账。
type Relay struct {
	pool               *pool.Pool
	ledger             *ledger.Ledger
	settings           *settings.SettingsManager
	hub                *web.Hub
	connectTimeout     time.Duration
	initialReadTimeout time.Duration

	// onQuotaExhausted 在首包记账触发限额时调用，由上层接成整个服务的停止。
	// 中途转发触发限额只结束当前连接，不走这条路径。
	onQuotaExhausted func()
}

// New 创建连接转发器。hub 可为 nil（测试场景）。
func New(p *pool.Pool, lg *ledger.Ledger, sm *settings.SettingsManager, hub *web.Hub, connectTimeout time.Duration) *Relay {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &Relay{
		pool:               p,
		ledger:             lg,
		settings:           sm,
		hub:                hub,
		connectTimeout:     connectTimeout,
		initialReadTimeout: defaultInitialReadTimeout,
	}
}

// SetQuotaExhaustedFunc 注册首包限额触发时的整体停止回调。
func (r *Relay) SetQuotaExhaustedFunc(fn func()) {
	r.onQuotaExhausted = fn
}

// Handle 服务一条客户端连接。所有退出路径都会关闭两侧套接字并把账本落盘。
func (r *Relay) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer r.ledger.Persist()

	traceID := uuid.NewString()
	clientIP := conn.RemoteAddr().String()
	l := logger.WithComponent("Relay").With().Str("trace_id", traceID).Str("client_ip", clientIP).Logger()

	// 上下文被取消时关闭客户端套接字，让首包读取等阻塞点立即返回。
	// 转发阶段由 relayBoth 自己的监视器接管。
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	// 1. 限额前置检查：已超限的服务不再做任何工作
	if r.ledger.QuotaExceeded() {
		writeStatus(conn, 503, "Service Unavailable")
		r.logTraffic(traceID, clientIP, "", "QuotaExceeded", "")
		return
	}

	// 2. 带超时读取首包
	buf := make([]byte, chunkSize)
	_ = conn.SetReadDeadline(time.Now().Add(r.initialReadTimeout))
	n, err := conn.Read(buf)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil || n == 0 {
		if isTimeout(err) {
			// 超时视为一次失败的请求；普通 EOF 不记
			r.ledger.RecordOutcome(false)
			l.Warn().Msg("Timed out waiting for the initial client bytes.")
		}
		return
	}
	initial := buf[:n]

	// 3. 解析目标主机并检查白名单
	host := ParseHost(initial)
	allowed := r.settings.Get().Access.AllowedDomains
	if !hostAllowed(host, allowed) {
		l.Debug().Str("host", host).Msg("Rejected by domain whitelist.")
		writeStatus(conn, 403, "Forbidden")
		r.logTraffic(traceID, clientIP, host, "Rejected", "")
		return
	}

	// 4. 向池索取一个有效端点
	ep := r.pool.GetValidEndpoint(ctx)
	if ep == nil {
		r.ledger.RecordOutcome(false)
		writeStatus(conn, 502, "Bad Gateway")
		r.logTraffic(traceID, clientIP, host, "NoEndpoint", "")
		return
	}

	// 5. 带超时拨号上游，上下文取消时同样中止
	dialer := &net.Dialer{Timeout: r.connectTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		r.ledger.RecordOutcome(false)
		l.Warn().Err(err).Str("endpoint", ep.Addr()).Msg("Failed to dial upstream endpoint.")
		r.logTraffic(traceID, clientIP, host, "DialFailed", ep.Addr())
		return
	}
	defer upstream.Close()

	// 6. 拨号成功即记一次成功结果；首包计入流量
	r.ledger.RecordOutcome(true)
	if r.ledger.AddTraffic(uint64(len(initial))) {
		// 首包就打穿限额：响应 503 并停掉整个服务，而不只是这条连接
		writeStatus(conn, 503, "Service Unavailable")
		l.Warn().Msg("Traffic quota exhausted by the initial chunk, stopping the whole service.")
		r.logTraffic(traceID, clientIP, host, "QuotaExceeded", ep.Addr())
		if r.onQuotaExhausted != nil {
			go r.onQuotaExhausted()
		}
		return
	}

	// 7. 把首包转发给上游，然后进入双向转发
	if _, err := upstream.Write(initial); err != nil {
		l.Debug().Err(err).Msg("Failed to forward the initial bytes upstream.")
		return
	}

	r.logTraffic(traceID, clientIP, host, "Forwarded", ep.Addr())
	r.relayBoth(ctx, conn, upstream, l)
	l.Debug().Msg("Connection finished.")
}

// relayBoth 并发运行两个方向的转发循环；任一方向先结束（EOF、错误或
// 限额触发）就取消另一方向，并通过关闭套接字让阻塞的读写立即返回。
func (r *Relay) relayBoth(ctx context.Context, client, upstream net.Conn, l zerolog.Logger) {
	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-relayCtx.Done()
		client.Close()
		upstream.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		r.pipe(client, upstream)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		r.pipe(upstream, client)
	}()
	wg.Wait()
}

// pipe 以 chunkSize 为上限逐块搬运数据，并把每一块计入账本。
// 限额在中途被触发时只停掉本连接的剩余流量，不影响服务整体。
func (r *Relay) pipe(src, dst net.Conn) {
	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			if r.ledger.AddTraffic(uint64(n)) {
				dst.Close()
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// writeStatus 发出一个无 body 的合成响应。
func writeStatus(conn net.Conn, code int, text string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nConnection: close\r\n\r\n", code, text)
}

func (r *Relay) logTraffic(traceID, clientIP, host, action, endpoint string) {
	if r.hub == nil {
		return
	}
	r.hub.BroadcastTrafficLog(&web.TrafficLogEntry{
		Timestamp:   time.Now(),
		TraceID:     traceID,
		ClientIP:    clientIP,
		Destination: host,
		Action:      action,
		Endpoint:    endpoint,
	})
}

func isTimeout(err error) bool {
	nerr, ok := err.(net.Error)
	return ok && nerr.Timeout()
}
