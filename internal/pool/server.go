package pool

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// APIHandler exposes the pool manager over HTTP so dashboards and scripts can
// drive it remotely.
//
//	GET    /api/config        - Current hub URL and base port
//	POST   /api/config        - Update config
//	GET    /api/workers       - Worker statuses
//	POST   /api/workers       - Add worker(s) ({"count": n}, default 1)
//	DELETE /api/workers       - Stop all workers
//	DELETE /api/workers/{id}  - Stop one worker
//	POST   /api/scale         - Scale to a target size ({"target": n})
type APIHandler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewAPIHandler creates the pool HTTP handler.
func NewAPIHandler(manager *Manager, logger *slog.Logger) *APIHandler {
	return &APIHandler{manager: manager, logger: logger}
}

func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	method := r.Method

	switch {
	case method == http.MethodGet && path == "/api/config":
		h.handleGetConfig(w, r)
	case method == http.MethodPost && path == "/api/config":
		h.handleSetConfig(w, r)
	case method == http.MethodGet && path == "/api/workers":
		h.handleListWorkers(w, r)
	case method == http.MethodPost && path == "/api/workers":
		h.handleAddWorkers(w, r)
	case method == http.MethodDelete && path == "/api/workers":
		h.handleRemoveAll(w, r)
	case method == http.MethodDelete && strings.HasPrefix(path, "/api/workers/"):
		h.handleRemoveWorker(w, r, strings.TrimPrefix(path, "/api/workers/"))
	case method == http.MethodPost && path == "/api/scale":
		h.handleScale(w, r)
	default:
		writeError(w, http.StatusNotFound, "endpoint not found")
	}
}

type configBody struct {
	HubURL   string `json:"hub_url"`
	BasePort int    `json:"base_port"`
}

func (h *APIHandler) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, configBody{
		HubURL:   h.manager.HubURL(),
		BasePort: h.manager.BasePort(),
	})
}

func (h *APIHandler) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var body configBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.HubURL == "" {
		body.HubURL = h.manager.HubURL()
	}
	if err := h.manager.SetConfig(body.HubURL, body.BasePort); err != nil {
		h.logger.Error("saving pool config", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save config")
		return
	}
	writeJSON(w, http.StatusOK, configBody{
		HubURL:   h.manager.HubURL(),
		BasePort: h.manager.BasePort(),
	})
}

func (h *APIHandler) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Status(r.Context()))
}

func (h *APIHandler) handleAddWorkers(w http.ResponseWriter, r *http.Request) {
	count := 1
	if r.ContentLength != 0 {
		var body struct {
			Count int `json:"count"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if body.Count > 0 {
			count = body.Count
		}
	}

	added := make([]WorkerEntry, 0, count)
	for i := 0; i < count; i++ {
		entry, err := h.manager.AddWorker()
		if err != nil {
			h.logger.Error("adding worker", "error", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		added = append(added, entry)
	}
	writeJSON(w, http.StatusCreated, added)
}

func (h *APIHandler) handleRemoveWorker(w http.ResponseWriter, _ *http.Request, id string) {
	ok, err := h.manager.RemoveWorker(id)
	if err != nil {
		h.logger.Error("removing worker", "worker_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to remove worker")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) handleRemoveAll(w http.ResponseWriter, _ *http.Request) {
	if _, err := h.manager.RemoveAll(); err != nil {
		h.logger.Error("removing all workers", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to remove workers")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) handleScale(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Target int `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := h.manager.ScaleTo(body.Target)
	if err != nil {
		h.logger.Error("scaling pool", "target", body.Target, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
