package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/FairForge/assetvault/internal/blob"
	"github.com/FairForge/assetvault/internal/engine"
	"github.com/FairForge/assetvault/internal/health"
	"github.com/FairForge/assetvault/internal/record"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Version is set at build time
var Version = "dev"

type errorResponse struct {
	Error string   `json:"error"`
	Paths []string `json:"paths,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Paths: pathsOf(err)})
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	var permanent *engine.PermanentAssetError
	var consistency *engine.ConsistencyError
	switch {
	case errors.As(err, &consistency):
		return http.StatusConflict
	case errors.Is(err, engine.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &permanent),
		errors.Is(err, engine.ErrInvalidInput),
		errors.Is(err, engine.ErrInlinePayload):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Monitor.Report()
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		health.Report
		Version  string  `json:"version"`
		Uptime   float64 `json:"uptime"`
		Requests int64   `json:"requests"`
		Errors   int64   `json:"errors"`
	}{report, Version, time.Since(s.startTime).Seconds(), s.requestCount.Load(), s.errorCount.Load()})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version,
		"go":      runtime.Version(),
	})
}

func (s *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.Snapshot())
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Registry.Reset(id) {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown breaker %q", id))
		return
	}
	s.logger.Info("breaker reset via api", zap.String("operation", id))
	writeJSON(w, http.StatusOK, s.deps.Registry.Breaker(id).Snapshot())
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.Recover(r.Context()))
}

func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxRecordBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	raw, err := record.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.deps.Pipeline.Persist(r.Context(), key, raw)
	if err != nil {
		status := statusFor(err)
		if res == nil || res.FailedStage == "" {
			writeError(w, status, err)
			return
		}
		writeJSON(w, status, struct {
			errorResponse
			Result any `json:"result"`
		}{errorResponse{Error: err.Error(), Paths: pathsOf(err)}, res})
		return
	}

	status := http.StatusOK
	if res.Persisted != nil && res.Persisted.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	ref := s.deps.Blobs.Classifier().Reference(chi.URLParam(r, "hash"))
	data, err := s.deps.Blobs.Get(r.Context(), ref)
	switch {
	case errors.Is(err, blob.ErrForeignReference):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, blob.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = w.Write(data)
}

func pathsOf(err error) []string {
	var permanent *engine.PermanentAssetError
	if errors.As(err, &permanent) {
		return permanent.Paths
	}
	return nil
}
