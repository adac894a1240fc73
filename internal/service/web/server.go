package web

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"liuproxy_rotator/internal/shared/logger"
	"liuproxy_rotator/internal/shared/settings"
	"liuproxy_rotator/internal/shared/types"
)

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartServer 启动控制面 HTTP 服务。web_port 为 0 时整个控制面禁用。
func StartServer(
	wg *sync.WaitGroup,
	cfg *types.Config,
	settingsManager *settings.SettingsManager,
	controller ServerController,
	hub *Hub,
) {
	if cfg.LocalConf.WebPort <= 0 {
		logger.Info().Msg("Control API is disabled (web_port is 0 or not set).")
		return
	}

	handler := NewHandler(settingsManager, controller)
	mux := http.NewServeMux()

	webUser := cfg.LocalConf.WebUser
	webPassword := cfg.LocalConf.WebPassword

	// 生命周期与管理 API（认证保护）
	mux.Handle("/api/start", basicAuthMiddleware(http.HandlerFunc(handler.HandleStart), webUser, webPassword))
	mux.Handle("/api/stop", basicAuthMiddleware(http.HandlerFunc(handler.HandleStop), webUser, webPassword))
	mux.Handle("/api/settings", basicAuthMiddleware(http.HandlerFunc(handler.HandleGetSettings), webUser, webPassword))
	mux.Handle("/api/settings/", basicAuthMiddleware(http.HandlerFunc(handler.HandleUpdateSettings), webUser, webPassword))
	mux.Handle("/api/traffic/limit", basicAuthMiddleware(http.HandlerFunc(handler.HandleTrafficLimit), webUser, webPassword))
	mux.Handle("/api/traffic/reset", basicAuthMiddleware(http.HandlerFunc(handler.HandleTrafficReset), webUser, webPassword))

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	// 公开的状态 API
	mux.HandleFunc("/api/status", handler.HandleStatus)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.LocalConf.WebPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error().Err(err).Str("addr", addr).Msg("Failed to start control API listener.")
		return
	}

	logger.Info().Msgf("Control API is listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := http.Serve(listener, mux); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Control API server error.")
		}
		logger.Info().Msg("Control API server stopped.")
	}()
}
