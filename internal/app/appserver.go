package app

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"liuproxy_rotator/internal/core/gateway"
	"liuproxy_rotator/internal/core/pool"
	"liuproxy_rotator/internal/core/relay"
	"liuproxy_rotator/internal/ledger"
	"liuproxy_rotator/internal/service/web"
	"liuproxy_rotator/internal/shared/logger"
	"liuproxy_rotator/internal/shared/settings"
	"liuproxy_rotator/internal/shared/types"
)

const dashboardInterval = 2 * time.Second

// AppServer is the application's main struct.
// 它拥有进程级状态：至多一个存活的监听实例、端点池和流量账本。
type AppServer struct {
	cfg *types.Config

	settingsManager *settings.SettingsManager
	settingsWatcher *settings.Watcher
	ledger          *ledger.Ledger
	pool            *pool.Pool
	relay           *relay.Relay
	hub             *web.Hub

	// gatewayLock 保护当前 gateway 实例的创建和销毁
	gatewayLock sync.Mutex
	gateway     *gateway.Gateway

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
	stopChan  chan struct{}
}

// AppServer must implement the control surface used by the web handler.
var _ web.ServerController = (*AppServer)(nil)

// New creates the AppServer and wires all components together.
func New(cfg *types.Config, configDir string) *AppServer {
	s := &AppServer{
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}

	settingsPath := filepath.Join(configDir, "settings.json")
	sm, err := settings.NewSettingsManager(settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to initialize settings manager: %v\n", err)
		os.Exit(1)
	}
	s.settingsManager = sm

	ledgerPath := filepath.Join(configDir, "stats.json")
	s.ledger = ledger.New(ledger.NewFileStore(ledgerPath))

	s.pool = pool.New(pool.ConfigFromSettings(sm.Get().Upstream), s.ledger)
	sm.Register("upstream", s.pool)

	s.hub = web.NewHub()

	connectTimeout := time.Duration(cfg.LocalConf.ConnectTimeout) * time.Second
	s.relay = relay.New(s.pool, s.ledger, sm, s.hub, connectTimeout)
	// 首包打穿限额是全服务停止，不只是断开当前连接
	s.relay.SetQuotaExhaustedFunc(func() {
		if err := s.StopProxy(); err != nil {
			logger.Warn().Err(err).Msg("Quota-triggered stop: proxy was not running.")
		}
	})

	watcher, err := settings.NewWatcher(sm)
	if err != nil {
		logger.Warn().Err(err).Msg("Settings hot reload disabled: failed to create file watcher.")
	} else {
		s.settingsWatcher = watcher
	}

	return s
}

// Run 启动所有后台服务并阻塞到收到终止信号。
func (s *AppServer) Run() {
	go s.hub.Run()
	web.StartServer(&s.waitGroup, s.cfg, s.settingsManager, s, s.hub)

	if s.settingsWatcher != nil {
		s.settingsWatcher.Start()
	}

	s.waitGroup.Add(1)
	go s.dashboardLoop()

	if s.cfg.LocalConf.StartOnLoad {
		logger.Info().Msg("start_on_load is set, starting the proxy service.")
		if err := s.StartProxy(); err != nil {
			logger.Error().Err(err).Msg("Auto-start failed; the service stays stopped.")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received.")

	s.Shutdown()
}

// Shutdown 优雅地停止所有组件：在途连接跑完清理、账本最后落盘。
func (s *AppServer) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if err := s.StopProxy(); err != nil {
			logger.Debug().Err(err).Msg("Proxy was not running at shutdown.")
		}
		if s.settingsWatcher != nil {
			s.settingsWatcher.Stop()
		}
		s.ledger.Persist()
		logger.Info().Msg("AppServer gracefully stopped.")
	})
}

// dashboardLoop 周期性地向 WebSocket 客户端广播实时状态。
func (s *AppServer) dashboardLoop() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(dashboardInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			status := s.Status()
			s.hub.BroadcastDashboardUpdate(&web.DashboardStats{
				Timestamp:         time.Now(),
				ServiceState:      status.State,
				CurrentEndpoint:   status.CurrentEndpoint,
				TotalLeases:       status.Ledger.TotalLeases,
				TodaySucceeded:    status.Ledger.TodaySucceeded,
				TodayFailed:       status.Ledger.TodayFailed,
				TotalTrafficBytes: status.Ledger.TotalTrafficBytes,
				TodayTrafficBytes: status.Ledger.TodayTrafficBytes,
			})
		case <-s.stopChan:
			return
		}
	}
}
