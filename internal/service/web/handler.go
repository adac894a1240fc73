package web

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"liuproxy_rotator/internal/ledger"
	"liuproxy_rotator/internal/shared"
	"liuproxy_rotator/internal/shared/settings"
)

// ServerController defines the interface that the web handler uses to interact with the AppServer.
// This decouples the web package from the app package.
type ServerController interface {
	StartProxy() error
	StopProxy() error
	Status() StatusReport
	SetTrafficLimit(limitBytes uint64)
	ResetTotalTraffic()
}

// StatusReport 是 /api/status 返回的完整服务状态。
type StatusReport struct {
	State             string          `json:"state"`
	ListenAddr        string          `json:"listen_addr"`
	CurrentEndpoint   string          `json:"current_endpoint,omitempty"`
	Ledger            ledger.Snapshot `json:"ledger"`
	TotalTrafficHuman string          `json:"total_traffic_human"`
	TodayTrafficHuman string          `json:"today_traffic_human"`
	TrafficLimitHuman string          `json:"traffic_limit_human,omitempty"`
}

type Handler struct {
	settingsManager *settings.SettingsManager
	controller      ServerController
	mu              sync.Mutex
}

func NewHandler(settingsManager *settings.SettingsManager, controller ServerController) *Handler {
	return &Handler{
		settingsManager: settingsManager,
		controller:      controller,
	}
}

// HandleStatus 处理 GET /api/status 请求
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.controller.Status())
}

// HandleStart 处理 POST /api/start 请求，启动代理服务。
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.controller.StartProxy(); err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSONOK(w)
}

// HandleStop 处理 POST /api/stop 请求，停止代理服务。
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.controller.StopProxy(); err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSONOK(w)
}

// HandleGetSettings 处理 GET /api/settings 请求
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	currentSettings := h.settingsManager.Get()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(currentSettings)
}

// HandleUpdateSettings 处理 POST /api/settings/{module} 请求
func (h *Handler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	moduleKey := strings.TrimPrefix(r.URL.Path, "/api/settings/")
	if moduleKey == "" {
		http.Error(w, "Module key is missing in URL path", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	if err := h.settingsManager.Update(moduleKey, body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSONOK(w)
}

// HandleTrafficLimit 处理 POST /api/traffic/limit 请求。
// body: {"limit": "5GB"}; "0" 或空串表示不限量。
func (h *Handler) HandleTrafficLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		Limit string `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var limitBytes uint64
	if strings.TrimSpace(payload.Limit) != "" {
		parsed, err := shared.ParseByteSize(payload.Limit)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		limitBytes = parsed
	}

	h.controller.SetTrafficLimit(limitBytes)
	writeJSONOK(w)
}

// HandleTrafficReset 处理 POST /api/traffic/reset 请求，清零累计流量。
func (h *Handler) HandleTrafficReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.controller.ResetTotalTraffic()
	writeJSONOK(w)
}

func writeJSONOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
