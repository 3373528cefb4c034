package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-backfill/internal/bulk"
	"github.com/sells-group/supplier-backfill/internal/model"
	"github.com/sells-group/supplier-backfill/internal/sweep"
)

type concurrencyRequest struct {
	Concurrency int `json:"concurrency"`
}

func (s *Server) handleBulkStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Bulk == nil {
		writeError(w, http.StatusServiceUnavailable, "bulk backfill not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Bulk.Progress())
}

func (s *Server) handleBulkStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bulk == nil {
		writeError(w, http.StatusServiceUnavailable, "bulk backfill not configured")
		return
	}
	n, err := s.concurrency(r, s.opts.DefaultConcurrency)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.deps.Bulk.Start(r.Context(), n)
	s.bulkResult(w, p, err)
}

func (s *Server) handleBulkPause(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Bulk == nil {
		writeError(w, http.StatusServiceUnavailable, "bulk backfill not configured")
		return
	}
	p, err := s.deps.Bulk.Pause()
	s.bulkResult(w, p, err)
}

func (s *Server) handleBulkResume(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bulk == nil {
		writeError(w, http.StatusServiceUnavailable, "bulk backfill not configured")
		return
	}
	n, err := s.concurrency(r, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.deps.Bulk.Resume(r.Context(), n)
	s.bulkResult(w, p, err)
}

func (s *Server) handleBulkStop(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Bulk == nil {
		writeError(w, http.StatusServiceUnavailable, "bulk backfill not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Bulk.Stop())
}

func (s *Server) bulkResult(w http.ResponseWriter, p model.JobProgress, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, p)
	case eris.Is(err, bulk.ErrAlreadyRunning), eris.Is(err, bulk.ErrDraining),
		eris.Is(err, bulk.ErrNotPaused), eris.Is(err, bulk.ErrNotRunning):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Progress: p})
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Progress: p})
	}
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweep == nil {
		writeError(w, http.StatusServiceUnavailable, "sweep not configured")
		return
	}
	res, err := s.deps.Sweep.RunBatch(r.Context())
	if err != nil {
		if eris.Is(err, sweep.ErrInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.log.Error("sweep batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sweep batch failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not configured")
		return
	}
	snap, err := s.deps.Metrics.Collect(r.Context())
	if err != nil {
		s.log.Error("collect metrics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "collect metrics failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// concurrency reads ?concurrency= or a JSON body, falling back to def.
func (s *Server) concurrency(r *http.Request, def int) (int, error) {
	if v := r.URL.Query().Get("concurrency"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, eris.New("concurrency must be an integer")
		}
		return n, nil
	}
	if r.ContentLength > 0 {
		var req concurrencyRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&req); err != nil {
			return 0, eris.New("invalid request body")
		}
		if req.Concurrency != 0 {
			return req.Concurrency, nil
		}
	}
	return def, nil
}
