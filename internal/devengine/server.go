package devengine

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/extask-gateway/internal/engine"
	"github.com/ChuLiYu/extask-gateway/internal/metrics"
	"github.com/ChuLiYu/extask-gateway/pkg/types"
)

const maxRequestBytes = 8 << 20

// EnqueueResponse answers POST /tasks.
type EnqueueResponse struct {
	Keys []string `json:"keys"`
}

// NewRouter serves the external-task protocol of e, plus:
//
//	POST /tasks        enqueue one task or a JSON array of tasks
//	GET  /tasks/{key}  task snapshot
//	GET  /stats        task counts per state
//	GET  /healthz
//	GET  /metrics
func NewRouter(e *Engine, collector *metrics.Collector) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post(engine.PathClaim, func(w http.ResponseWriter, r *http.Request) {
		var req engine.ClaimRequest
		if !decode(w, r, &req) {
			return
		}
		tasks, err := e.Claim(r.Context(), types.ClaimRequest{
			Topics:       req.Topics,
			MaxTasks:     req.MaxTasks,
			LockDuration: time.Duration(req.LockDurationMs) * time.Millisecond,
			WorkerID:     req.WorkerID,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		payloads := make([]engine.TaskPayload, 0, len(tasks))
		for _, t := range tasks {
			payloads = append(payloads, engine.TaskPayload{
				ID:               t.ID,
				Topic:            t.Topic,
				Variables:        t.Variables,
				LockExpiresAt:    &t.LockExpiresAt,
				RetriesRemaining: &t.RetriesRemaining,
			})
		}
		writeJSON(w, http.StatusOK, payloads)
	})

	r.Post(engine.PathExtendLock, func(w http.ResponseWriter, r *http.Request) {
		var req engine.ExtendLockRequest
		if !decode(w, r, &req) {
			return
		}
		reply(w, e.ExtendLock(r.Context(), req.TaskID, time.Duration(req.LockDurationMs)*time.Millisecond))
	})

	r.Post(engine.PathComplete, func(w http.ResponseWriter, r *http.Request) {
		var req engine.CompleteRequest
		if !decode(w, r, &req) {
			return
		}
		reply(w, e.Complete(r.Context(), req.TaskID, req.ResultVariables))
	})

	r.Post(engine.PathReportBusinessError, func(w http.ResponseWriter, r *http.Request) {
		var req engine.BusinessErrorRequest
		if !decode(w, r, &req) {
			return
		}
		reply(w, e.ReportBusinessError(r.Context(), req.TaskID, req.ErrorCode, req.Message))
	})

	r.Post(engine.PathReportRetryableFailure, func(w http.ResponseWriter, r *http.Request) {
		var req engine.RetryableFailureRequest
		if !decode(w, r, &req) {
			return
		}
		reply(w, e.ReportRetryableFailure(r.Context(), req.TaskID, req.Message, req.RetriesRemaining, time.Duration(req.RetryAfterMs)*time.Millisecond))
	})

	r.Post(engine.PathReportIncident, func(w http.ResponseWriter, r *http.Request) {
		var req engine.IncidentRequest
		if !decode(w, r, &req) {
			return
		}
		reply(w, e.ReportIncident(r.Context(), req.TaskID, req.Message))
	})

	r.Post("/tasks", func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		if !decode(w, r, &raw) {
			return
		}
		var batch []NewTask
		if len(raw) > 0 && raw[0] == '[' {
			if err := json.Unmarshal(raw, &batch); err != nil {
				http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
				return
			}
		} else {
			var one NewTask
			if err := json.Unmarshal(raw, &one); err != nil {
				http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
				return
			}
			batch = append(batch, one)
		}

		resp := EnqueueResponse{Keys: make([]string, 0, len(batch))}
		for _, t := range batch {
			key, err := e.Enqueue(t)
			if err != nil {
				writeError(w, err)
				return
			}
			resp.Keys = append(resp.Keys, key)
		}
		writeJSON(w, http.StatusCreated, resp)
	})

	r.Get("/tasks/{key}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := e.Get(chi.URLParam(r, "key"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.Stats())
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", collector.Handler())

	return r
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(v); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func reply(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrTaskNotLocked):
		status = http.StatusConflict
	case errors.Is(err, ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidTask):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
