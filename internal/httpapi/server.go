package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatferry/chatferry/internal/ferry"
)

const (
	scopeFilesRead   = "files:read"
	scopeFilesReport = "files:report"
)

type ServerConfig struct {
	// TokenSecret signs pull-agent bearer tokens. When empty, authentication
	// is disabled; intended for local development only.
	TokenSecret  string
	MaxBodyBytes int64
}

type Server struct {
	store   *ferry.Store
	cfg     ServerConfig
	metrics http.Handler
}

func NewServer(store *ferry.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *ferry.Store, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		store:   store,
		cfg:     cfg,
		metrics: promhttp.Handler(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "files" && parts[2] == "pending" && r.Method == http.MethodGet:
		requiredScope = scopeFilesRead
		route = "pending"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "files" && parts[3] == "download" && r.Method == http.MethodGet:
		requiredScope = scopeFilesRead
		route = "download"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "files" && parts[2] == "status" && r.Method == http.MethodPost:
		requiredScope = scopeFilesReport
		route = "status"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	if s.cfg.TokenSecret != "" {
		if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.TokenSecret, requiredScope, time.Now().UTC()); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
	}
	correlationID := getCorrelationID(r)

	switch route {
	case "pending":
		s.handlePending(w, correlationID)
	case "download":
		s.handleDownload(w, r, parts[2], correlationID)
	case "status":
		s.handleStatus(w, r, correlationID)
	}
}

func (s *Server) handlePending(w http.ResponseWriter, correlationID string) {
	records, err := s.store.GetPending()
	if err != nil {
		log.Printf("list pending failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list pending files", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, fileKey, correlationID string) {
	path, err := s.store.BlobPath(fileKey)
	if errors.Is(err, ferry.ErrNotFound) {
		ferry.DownloadOutcome("not_found")
		writeError(w, http.StatusNotFound, "not_found", "unknown file key", correlationID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to resolve blob", correlationID)
		return
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		ferry.DownloadOutcome("not_found")
		writeError(w, http.StatusNotFound, "not_found", "blob no longer available", correlationID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to open blob", correlationID)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to stat blob", correlationID)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name()))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		// The record stays pending; the puller retries on its next cycle.
		ferry.DownloadOutcome("aborted")
		log.Printf("download of %s aborted: %v", fileKey, err)
		return
	}
	ferry.DownloadOutcome("ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		FileKey string `json:"fileKey"`
		Status  string `json:"status"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.FileKey) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "fileKey is required", correlationID)
		return
	}
	status, err := ferry.ParseStatus(req.Status)
	if err != nil || (status != ferry.StatusCompleted && status != ferry.StatusFailed) {
		writeError(w, http.StatusBadRequest, "bad_request", "status must be COMPLETED or FAILED", correlationID)
		return
	}
	rec, err := s.store.UpdateStatus(req.FileKey, status)
	if errors.Is(err, ferry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown file key", correlationID)
		return
	}
	if errors.Is(err, ferry.ErrInvalidInput) {
		writeError(w, http.StatusConflict, "conflict", "record is already in a terminal status", correlationID)
		return
	}
	if err != nil {
		log.Printf("status update for %s failed: %v", req.FileKey, err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to update status", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fileKey": rec.FileKey,
		"status":  rec.Status,
	})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
