package app

import (
	"fmt"

	"liuproxy_rotator/internal/core/gateway"
	"liuproxy_rotator/internal/service/web"
	"liuproxy_rotator/internal/shared"
	"liuproxy_rotator/internal/shared/logger"
)

// StartProxy 启动监听服务。已在运行时返回错误。
func (s *AppServer) StartProxy() error {
	s.gatewayLock.Lock()
	defer s.gatewayLock.Unlock()

	if s.gateway != nil && s.gateway.State() != gateway.StateStopped {
		return fmt.Errorf("proxy service is already running")
	}

	g := gateway.New(
		s.cfg.LocalConf.ListenHost,
		s.cfg.LocalConf.ListenPort,
		s.cfg.CommonConf.MaxConnections,
		s.relay,
	)
	if err := g.Start(); err != nil {
		return err
	}
	s.gateway = g
	return nil
}

// StopProxy 停止监听服务并等待在途连接完成清理。未运行时返回错误。
func (s *AppServer) StopProxy() error {
	s.gatewayLock.Lock()
	g := s.gateway
	s.gateway = nil
	s.gatewayLock.Unlock()

	if g == nil || g.State() == gateway.StateStopped {
		return fmt.Errorf("proxy service is not running")
	}

	g.Close()
	s.ledger.Persist()
	logger.Info().Msg("Proxy service stopped.")
	return nil
}

// Status 汇总当前服务状态，供控制面和仪表盘使用。
func (s *AppServer) Status() web.StatusReport {
	s.gatewayLock.Lock()
	g := s.gateway
	s.gatewayLock.Unlock()

	state := gateway.StateStopped
	listenAddr := ""
	if g != nil {
		state = g.State()
		listenAddr = g.Addr()
	}

	endpoint := ""
	if ep := s.pool.Current(); ep != nil {
		endpoint = ep.Addr()
	}

	snap := s.ledger.Snapshot()
	report := web.StatusReport{
		State:             state.String(),
		ListenAddr:        listenAddr,
		CurrentEndpoint:   endpoint,
		Ledger:            snap,
		TotalTrafficHuman: shared.FormatByteSize(snap.TotalTrafficBytes),
		TodayTrafficHuman: shared.FormatByteSize(snap.TodayTrafficBytes),
	}
	if snap.TotalTrafficLimitBytes > 0 {
		report.TrafficLimitHuman = shared.FormatByteSize(snap.TotalTrafficLimitBytes)
	}
	return report
}

// SetTrafficLimit 设置总流量限额，0 表示不限量。管理操作直写账本。
func (s *AppServer) SetTrafficLimit(limitBytes uint64) {
	s.ledger.SetTrafficLimit(limitBytes)
	logger.Info().Uint64("limit_bytes", limitBytes).Msg("Traffic limit updated.")
}

// ResetTotalTraffic 清零累计流量计数。
func (s *AppServer) ResetTotalTraffic() {
	s.ledger.SetTotalTraffic(0)
	logger.Info().Msg("Total traffic counter reset.")
}
