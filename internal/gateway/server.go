package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ChuLiYu/extask-gateway/internal/dispatcher"
	"github.com/ChuLiYu/extask-gateway/internal/metrics"
	"github.com/ChuLiYu/extask-gateway/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxRequestBytes = 8 << 20

// NewRouter serves POST /process-task in front of delegate, plus /healthz and
// /metrics.
func NewRouter(delegate dispatcher.Delegate, collector *metrics.Collector) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post(ProcessTaskPath, func(w http.ResponseWriter, r *http.Request) {
		var req ProcessTaskRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(string(req.TaskID)) == "" || strings.TrimSpace(req.Topic) == "" {
			http.Error(w, `invalid body: {"task_id": "...", "topic": "...", "variables": {...}}`, http.StatusBadRequest)
			return
		}
		if req.Variables == nil {
			req.Variables = types.Variables{}
		}

		out := delegate.Delegate(r.Context(), req.Topic, req.TaskID, req.Variables)
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", collector.Handler())

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
