package handler

import (
	"encoding/json"
	"net/http"

	"dukapos-offline-core/internal/connectivity"
	"dukapos-offline-core/pkg/response"
)

type ConnectivityHandler struct {
	monitor *connectivity.Monitor
}

func NewConnectivityHandler(monitor *connectivity.Monitor) *ConnectivityHandler {
	return &ConnectivityHandler{monitor: monitor}
}

func (h *ConnectivityHandler) Get(w http.ResponseWriter, r *http.Request) {
	response.Success(w, h.monitor.State())
}

// Hint accepts the renderer's raw online/offline signal. The monitor
// debounces it together with its own probe results.
func (h *ConnectivityHandler) Hint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	h.monitor.Hint(req.Online)
	response.Success(w, h.monitor.State())
}
