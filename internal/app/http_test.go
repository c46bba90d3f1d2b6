package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"richimport/internal/auth"
	"richimport/internal/importer"
	"richimport/internal/metrics"
	"richimport/internal/store"
)

func newTestServer(t *testing.T, env testEnv, verifier *auth.Verifier) http.Handler {
	t.Helper()
	return NewHTTPServer(env.svc, verifier, metrics.New(), "*", zap.NewNop()).Handler()
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestServer(t, newTestEnv(t), nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS header")
	}
}

func TestReadyEndpointReportsDatabaseFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.pingErr = errors.New("connection refused")
	handler := newTestServer(t, env, nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	body := decodeResponse(t, rr)
	if body["status"] != "not_ready" {
		t.Fatalf("expected not_ready, got %v", body["status"])
	}
}

func TestAPIKeyRequired(t *testing.T) {
	key, err := auth.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	hash, err := auth.HashKey(key)
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	handler := newTestServer(t, newTestEnv(t), auth.NewVerifier(hash))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/search?q=x", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=x", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health must not require a key, got %d", rr.Code)
	}
}

func TestStartImportJSON(t *testing.T) {
	env := newTestEnv(t)
	handler := newTestServer(t, env, nil)

	payload := `{"schema":"componentCard","rows":[{"Association ID":"a1","EN Section Name":"One"}]}`
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/imports", strings.NewReader(payload)))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeResponse(t, rr)
	runID, _ := body["runId"].(string)
	if runID == "" {
		t.Fatalf("expected run id in %v", body)
	}
	env.svc.Wait()

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/imports/"+runID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	status := decodeResponse(t, rr)
	if status["status"] != "completed" || status["percentage"] != float64(100) {
		t.Fatalf("unexpected status %v", status)
	}
}

func TestStartImportCSV(t *testing.T) {
	env := newTestEnv(t)
	handler := newTestServer(t, env, nil)

	csv := "Association ID,EN Section Name\na1,One\na2,Two\n"
	req := httptest.NewRequest(http.MethodPost, "/api/imports?schema=componentCard&continueOnError=true", strings.NewReader(csv))
	req.Header.Set("Content-Type", "text/csv; charset=utf-8")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if total := decodeResponse(t, rr)["total"]; total != float64(2) {
		t.Fatalf("expected 2 rows, got %v", total)
	}
	env.svc.Wait()
	if got := len(env.store.entryList()); got != 2 {
		t.Fatalf("expected 2 entries, got %d", got)
	}
}

func TestStartImportValidationError(t *testing.T) {
	handler := newTestServer(t, newTestEnv(t), nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/imports", strings.NewReader(`{"schema":"unknown","rows":[{"a":"b"}]}`)))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	if code := decodeResponse(t, rr)["code"]; code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/imports", strings.NewReader(`{`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", rr.Code)
	}
}

func TestImportStatusNotFound(t *testing.T) {
	handler := newTestServer(t, newTestEnv(t), nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/imports/imp_missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestEntryEndpoints(t *testing.T) {
	env := newTestEnv(t)
	handler := newTestServer(t, env, nil)

	result, err := env.svc.RunImport(context.Background(), "informationHelpshift",
		[]importer.Row{faqRow("Q", `<p>Answer</p><img src="https://cdn.test/e.png">`)}, importer.Options{})
	if err != nil {
		t.Fatalf("run import: %v", err)
	}
	entryID := result.Entries[0].ID

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/entries/"+entryID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	entry := decodeResponse(t, rr)
	if entry["status"] != string(store.EntryPublished) {
		t.Fatalf("expected published entry, got %v", entry["status"])
	}
	fields := entry["fields"].(map[string]any)
	doc := fields["helpshiftDetails"].(map[string]any)["en-US"].(map[string]any)
	if doc["nodeType"] != "document" {
		t.Fatalf("expected document field, got %v", doc)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/entries/"+entryID+"/preview", nil))
	if rr.Code != http.StatusOK || !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("expected html preview, got %d %s", rr.Code, rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Body.String(), "<p>Answer</p>") {
		t.Fatalf("unexpected preview %q", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/entries/"+entryID+"/history", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	history := decodeResponse(t, rr)["history"].([]any)
	if len(history) != 1 {
		t.Fatalf("expected one archived revision, got %d", len(history))
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/entries/ent_missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestFileEndpointServesStoredAsset(t *testing.T) {
	env := newTestEnv(t)
	handler := newTestServer(t, env, nil)
	ctx := context.Background()

	asset, _ := env.svc.CreateAsset(ctx, "https://cdn.test/logo.png")
	if err := env.svc.ProcessAsset(ctx, asset.ID); err != nil {
		t.Fatalf("process asset: %v", err)
	}
	processed, _ := env.svc.FetchAsset(ctx, asset.ID)
	file, _ := processed.File("en-US")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files/"+file.ObjectKey, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("expected image/png, got %s", rr.Header().Get("Content-Type"))
	}
	if rr.Body.Len() != len(pngHeader) {
		t.Fatalf("expected %d bytes, got %d", len(pngHeader), rr.Body.Len())
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files/assets/none/en-US/x.png", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	handler := newTestServer(t, newTestEnv(t), nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatal("expected go collector output")
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrVersionConflict, http.StatusConflict},
		{&importer.ValidationError{Row: 2, Reason: "empty"}, http.StatusUnprocessableEntity},
		{domainError(http.StatusConflict, "IMPORT_RUNNING", "busy", nil), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if status, _, _, _ := mapError(tc.err); status != tc.status {
			t.Errorf("mapError(%v) = %d, want %d", tc.err, status, tc.status)
		}
	}
}
