package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"richimport/internal/auth"
	"richimport/internal/blob"
	"richimport/internal/importer"
	"richimport/internal/metrics"
	"richimport/internal/progress"
	"richimport/internal/search"
	"richimport/internal/store"
)

const maxImportBody = 32 << 20

type HTTPServer struct {
	service    *Service
	verifier   *auth.Verifier
	metrics    *metrics.Metrics
	corsOrigin string
	log        *zap.Logger
}

// NewHTTPServer serves the import API. A nil verifier disables API key checks.
func NewHTTPServer(service *Service, verifier *auth.Verifier, m *metrics.Metrics, corsOrigin string, log *zap.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		verifier:   verifier,
		metrics:    m,
		corsOrigin: corsOrigin,
		log:        log.Named("http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

type importRequest struct {
	Schema          string         `json:"schema"`
	Rows            []importer.Row `json:"rows"`
	ContinueOnError bool           `json:"continueOnError"`
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/files/") {
		s.handleFile(w, r, strings.TrimPrefix(r.URL.Path, "/files/"))
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/api/") {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	if !s.authorize(w, r) {
		return
	}

	parts := splitPath(r.URL.Path)
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/imports":
		s.handleStartImport(w, r)
		return

	case r.Method == http.MethodGet && len(parts) == 3 && parts[1] == "imports":
		snap, err := s.service.ImportStatus(r.Context(), parts[2])
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return

	case r.Method == http.MethodGet && r.URL.Path == "/api/search":
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		writeJSON(w, http.StatusOK, s.service.Search(search.Query{
			Text:     r.URL.Query().Get("q"),
			SchemaID: r.URL.Query().Get("schema"),
			Limit:    limit,
			Offset:   offset,
		}))
		return

	case r.Method == http.MethodGet && len(parts) >= 3 && parts[1] == "entries":
		s.handleEntry(w, r, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleStartImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBody)

	var req importRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "text/csv" {
		rows, err := importer.ReadCSV(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		continueOnError, _ := strconv.ParseBool(r.URL.Query().Get("continueOnError"))
		req = importRequest{
			Schema:          r.URL.Query().Get("schema"),
			Rows:            rows,
			ContinueOnError: continueOnError,
		}
	} else if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	run, err := s.service.StartImport(r.Context(), strings.TrimSpace(req.Schema), req.Rows, req.ContinueOnError)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"runId":  run.ID,
		"schema": run.SchemaID,
		"status": run.Status,
		"total":  run.Total,
	})
}

func (s *HTTPServer) handleEntry(w http.ResponseWriter, r *http.Request, entryID string, rest []string) {
	switch {
	case len(rest) == 0:
		entry, err := s.service.FetchEntry(r.Context(), entryID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entryResponse(entry))

	case len(rest) == 1 && rest[0] == "preview":
		body, err := s.service.PreviewEntry(r.Context(), entryID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))

	case len(rest) == 1 && rest[0] == "history":
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		history, err := s.service.EntryHistory(r.Context(), entryID, limit)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entryId": entryID, "history": history})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleFile(w http.ResponseWriter, r *http.Request, key string) {
	if key == "" || strings.Contains(key, "..") {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	obj, data, err := s.service.OpenFile(r.Context(), key)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *HTTPServer) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.verifier == nil {
		return true
	}
	key := auth.BearerToken(r.Header.Get("Authorization"))
	if err := s.verifier.Verify(key); err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return false
	}
	return true
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func entryResponse(entry store.Entry) map[string]any {
	return map[string]any{
		"id":               entry.ID,
		"schema":           entry.SchemaID,
		"title":            entry.Title,
		"status":           entry.Status,
		"version":          entry.Version,
		"publishedVersion": entry.PublishedVersion,
		"fields":           entry.Fields,
		"createdAt":        entry.CreatedAt,
		"updatedAt":        entry.UpdatedAt,
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Duration("duration", time.Since(started)),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validationErr *importer.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validationErr.Reason, map[string]any{"row": validationErr.Row}
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, progress.ErrNotFound) || errors.Is(err, blob.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrVersionConflict) {
		return http.StatusConflict, "VERSION_CONFLICT", "Version conflict", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
