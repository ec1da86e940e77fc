package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clocksys "github.com/applypilot/applypilot/internal/clock/system"
	"github.com/applypilot/applypilot/internal/config"
	"github.com/applypilot/applypilot/internal/engine"
	sha256hash "github.com/applypilot/applypilot/internal/hash/sha256"
	uuidgen "github.com/applypilot/applypilot/internal/id/uuid"
	"github.com/applypilot/applypilot/internal/quota"
	"github.com/applypilot/applypilot/internal/ratelimit"
	"github.com/applypilot/applypilot/internal/search"
	"github.com/applypilot/applypilot/internal/storage/memory"
	"github.com/applypilot/applypilot/internal/worker"
)

type emptyBoard struct{}

func (emptyBoard) FetchSearchPage(context.Context, string) (engine.SearchPage, error) {
	return engine.SearchPage{StatusCode: http.StatusOK}, nil
}

func (emptyBoard) FetchPosting(context.Context, string) (engine.JobPosting, error) {
	return engine.JobPosting{}, engine.ErrNotFound
}

type noAutomation struct{}

func (noAutomation) Scrape(context.Context, string, bool, int) (<-chan engine.LinkBatch, error) {
	return nil, engine.ErrAutomationUnconfigured
}

func (noAutomation) Introspect(context.Context, string) ([]engine.FormField, error) {
	return nil, engine.ErrAutomationUnconfigured
}

func (noAutomation) Submit(context.Context, string, map[string]string) (engine.SubmitResult, error) {
	return engine.SubmitResult{}, engine.ErrAutomationUnconfigured
}

func (noAutomation) Status(context.Context) (engine.AutomationStatus, error) {
	return engine.AutomationStatus{}, engine.ErrAutomationUnconfigured
}

type staticScorer struct{}

func (staticScorer) Score(context.Context, engine.UserProfile, engine.JobPosting) (int, []string, error) {
	return 50, nil, nil
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	clock := clocksys.New()
	idGen := uuidgen.New()

	states := search.NewStateStore(idGen, clock, 24*time.Hour, nil)
	governor := ratelimit.New(ratelimit.Config{MaxConcurrent: 4})
	scheduler := search.NewScheduler(
		emptyBoard{}, noAutomation{}, governor, states, store, staticScorer{},
		nil, sha256hash.New(), idGen, clock,
		search.Config{BoardBaseURL: "https://board.example.com"}, nil,
	)

	quotas, err := quota.New(store, clock, "UTC", nil)
	require.NoError(t, err)
	w := worker.New(store, quotas, noAutomation{}, emptyBoard{}, staticScorer{},
		nil, clock, idGen, worker.Config{Tick: 50 * time.Millisecond}, nil)
	t.Cleanup(w.Stop)

	return NewServer(context.Background(), scheduler, w, store, cfg, nil), store
}

func seedUser(store *memory.Store, id string) {
	store.PutUser(engine.User{ID: id, Email: id + "@example.com", Tier: engine.TierFree, AutoApplyEnabled: true})
	store.PutProfile(engine.UserProfile{UserID: id, RoleTitles: []string{"Backend Engineer"}})
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, config.Config{})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, config.Config{})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "applypilot")
}

func TestRunSearchValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, config.Config{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/search", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/search", map[string]any{"user_id": "nobody"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunSearchReturnsTokenAndProgress(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t, config.Config{})
	seedUser(store, "user-1")

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/search", map[string]any{
		"user_id": "user-1", "max_pages": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result search.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotEmpty(t, result.Token)
	assert.Equal(t, 2, result.PagesFetched)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/search/"+result.Token+"/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var progress struct {
		Events  []search.ProgressEvent `json:"events"`
		Dropped int64                  `json:"dropped"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &progress))
	assert.NotEmpty(t, progress.Events)

	// A second drain returns only events emitted since the first.
	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/search/"+result.Token+"/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestContinueSearchRequiresToken(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t, config.Config{})
	seedUser(store, "user-1")

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/search/continue", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// An expired token with a user_id fallback starts a fresh session.
	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/search/continue", map[string]any{
		"token": "expired-token", "user_id": "user-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var result search.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEqual(t, "expired-token", result.Token)
}

func TestContinueSearchResumesSession(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t, config.Config{})
	seedUser(store, "user-1")

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/search", map[string]any{
		"user_id": "user-1", "max_pages": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var first search.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/search/continue", map[string]any{
		"token": first.Token,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var second search.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, first.Token, second.Token)
}

func TestProgressUnknownToken(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, config.Config{})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/search/nope/progress", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkerLifecycle(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t, config.Config{})
	seedUser(store, "user-1")

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/worker/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"running":false}`, rec.Body.String())

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/worker/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"running":true}`, rec.Body.String())

	// Starting twice is a no-op.
	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/worker/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"running":true}`, rec.Body.String())

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/worker/status?user_id=user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report worker.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Running)
	assert.True(t, report.AutoApplyEnabled)
	assert.Equal(t, 5, report.DailyLimit)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/worker/status?user_id=nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/worker/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"running":false}`, rec.Body.String())
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, config.Config{
		Auth: config.AuthConfig{Enabled: true, APIKey: "secret"},
	})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	got := httptest.NewRecorder()
	s.Handler().ServeHTTP(got, req)
	assert.Equal(t, http.StatusOK, got.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz?api_key=secret", nil)
	got = httptest.NewRecorder()
	s.Handler().ServeHTTP(got, req)
	assert.Equal(t, http.StatusOK, got.Code)
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, config.Config{})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
