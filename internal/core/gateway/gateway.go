package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/netutil"

	"liuproxy_rotator/internal/shared/logger"
)

// State 描述监听服务的生命周期状态。
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// ConnHandler 是每条已接受连接的处理入口。
type ConnHandler interface {
	Handle(ctx context.Context, conn net.Conn)
}

// Gateway 拥有绑定的套接字和 accept 循环。一个实例只走一轮
// Stopped → Starting → Running → Stopping → Stopped；重启由上层创建新实例。
type Gateway struct {
	listenHost string
	listenPort int
	maxConns   int
	handler    ConnHandler

	state     atomic.Int32
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	waitGroup sync.WaitGroup
}

// New 创建一个新的 Gateway 实例。
func New(listenHost string, listenPort, maxConns int, handler ConnHandler) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		listenHost: listenHost,
		listenPort: listenPort,
		maxConns:   maxConns,
		handler:    handler,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 绑定监听地址并启动 accept 循环。绑定失败时状态回到 Stopped
// 并返回错误，不做自动重试。
func (g *Gateway) Start() error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("gateway already started")
	}

	listenAddr := net.JoinHostPort(g.listenHost, fmt.Sprintf("%d", g.listenPort))
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("gateway failed to listen on %s: %w", listenAddr, err)
	}
	if g.maxConns > 0 {
		listener = netutil.LimitListener(listener, g.maxConns)
	}
	g.listener = listener
	g.state.Store(int32(StateRunning))
	logger.Info().Str("listen_addr", listener.Addr().String()).Msg(">>> Gateway is listening.")

	g.waitGroup.Add(1)
	go g.acceptLoop()
	return nil
}

// State 返回当前生命周期状态。
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// Addr 返回实际监听地址（动态端口时有用），未监听时为空串。
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

func (g *Gateway) acceptLoop() {
	defer g.waitGroup.Done()
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Info().Msg("Gateway listener is closing.")
				return
			}
			logger.Warn().Err(err).Msg("Gateway failed to accept connection")
			continue
		}
		g.waitGroup.Add(1)
		go func() {
			defer g.waitGroup.Done()
			g.handler.Handle(g.ctx, conn)
		}()
	}
}

// Close 取消所有在途连接并关闭监听套接字，等待它们完成清理后返回。
// 可重复调用。
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.state.Store(int32(StateStopping))
		g.cancel()
		if g.listener != nil {
			g.listener.Close()
		}
		g.waitGroup.Wait()
		g.state.Store(int32(StateStopped))
		logger.Info().Msg("Gateway has been shut down")
	})
}
