package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulehub/capsuled/internal/api/auth"
	blobmemory "github.com/capsulehub/capsuled/pkg/blob/memory"
	"github.com/capsulehub/capsuled/pkg/bundle"
	"github.com/capsulehub/capsuled/pkg/compiler"
	"github.com/capsulehub/capsuled/pkg/feed"
	kvmemory "github.com/capsulehub/capsuled/pkg/kvcache/memory"
	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/proxy"
	"github.com/capsulehub/capsuled/pkg/runs"
	"github.com/capsulehub/capsuled/pkg/shard"
	"github.com/capsulehub/capsuled/pkg/store"
	"github.com/capsulehub/capsuled/pkg/telemetry"
)

// stubVerifier treats the bearer token as the user id.
type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (*auth.Claims, error) {
	if token == "invalid" {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: token}}, nil
}

// syncCounters applies deltas immediately instead of buffering, so
// assertions see the result without waiting for a flush.
type syncCounters struct{ st *store.GORMStore }

func (c syncCounters) Add(ctx context.Context, d shard.CounterDelta) error {
	switch d.Entity {
	case shard.EntityUser:
		return c.st.ApplyUserCounterDelta(ctx, d.ID, d.Column, d.Delta)
	case shard.EntityPost:
		return c.st.ApplyPostCounterDelta(ctx, d.ID, d.Column, d.Delta)
	}
	return nil
}

// recordingEvents captures ingested runtime events.
type recordingEvents struct {
	mu     sync.Mutex
	events []*models.RuntimeEvent
}

func (r *recordingEvents) Append(_ context.Context, event *models.RuntimeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// roundTripFunc stubs upstream responses for the egress proxy.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func upstreamOK() *http.Client {
	return &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
		}, nil
	})}
}

type testEnv struct {
	store  *store.GORMStore
	blobs  *blobmemory.MemoryStore
	events *recordingEvents
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	blobs := blobmemory.New()
	cache := kvmemory.New()
	t.Cleanup(func() { _ = cache.Close() })

	analytics := telemetry.NewRecordingSink()
	counters := syncCounters{st: st}
	events := &recordingEvents{}

	pipeline := compiler.NewPipeline(st, blobs, cache, nil, analytics)
	coordinator := compiler.NewCoordinator(pipeline, cache)
	t.Cleanup(coordinator.Stop)

	ingestor := bundle.New(st, blobs, nil, analytics, nil)

	manager := runs.NewManager(st, counters, analytics, runs.Config{
		MaxConcurrentActive: 10,
		SessionMaxMs:        5000,
	})

	egress := proxy.New(st, shard.NewRateLimiter(), upstreamOK(), nil, proxy.Config{
		Enabled:        true,
		FreeEnabled:    true,
		AllowlistHosts: []string{"api.github.com"},
		RateLimit:      2,
		RateWindow:     time.Minute,
	})

	feedSvc := feed.New(st, cache, nil, analytics, feed.Config{})

	router := NewRouter(Deps{
		Store:             st,
		Blobs:             blobs,
		Cache:             cache,
		Verifier:          stubVerifier{},
		Ingestor:          ingestor,
		GitHub:            bundle.NewGitHubFetcher(nil),
		Coordinator:       coordinator,
		Runs:              manager,
		Proxy:             egress,
		Feed:              feedSvc,
		Counters:          counters,
		Events:            events,
		BundleNetworkMode: "strict",
		DevMode:           true,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{store: st, blobs: blobs, events: events, server: server}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) doJSON(t *testing.T, method, path, token string, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return e.do(t, method, path, token, bytes.NewReader(data), "application/json")
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) seedUser(t *testing.T, id string) *models.User {
	t.Helper()
	user, err := e.store.EnsureUser(context.Background(), &models.User{
		ID:     id,
		Handle: id,
		Plan:   string(models.PlanFree),
	})
	require.NoError(t, err)
	return user
}

const validManifest = `{"version":"1.0","runner":"client-static","entry":"index.html","capabilities":{"net":["api.github.com"]}}`

func (e *testEnv) seedCapsule(t *testing.T, id, ownerID string) *models.Capsule {
	t.Helper()
	capsule := &models.Capsule{
		ID:           id,
		OwnerID:      ownerID,
		Title:        "test capsule",
		ManifestJSON: validManifest,
		ContentHash:  strings.Repeat("a", 64),
	}
	require.NoError(t, e.store.CreateCapsule(context.Background(), capsule, nil))
	return capsule
}

func TestManifestValidate(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/manifest/validate", "",
		strings.NewReader(`{"version":"1.0","runner":"client-static","entry":"index.html"}`),
		"application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["valid"])
}

func TestManifestValidate_ReportsErrors(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/manifest/validate", "",
		strings.NewReader(`{"version":"1.0","runner":"server-side"}`),
		"application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, false, body["valid"])
	assert.NotEmpty(t, body["errors"])
}

func publishBundle(t *testing.T, env *testEnv, token string, files map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	return env.do(t, http.MethodPost, "/capsules/publish", token, &buf, mw.FormDataContentType())
}

func TestPublish_StorageAccounting(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1")

	files := map[string]string{
		"index.html":    "<html></html>",
		"manifest.json": validManifest,
	}
	resp := publishBundle(t, env, "u1", files)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	capsule, ok := body["capsule"].(map[string]any)
	require.True(t, ok, "response carries the capsule")
	assert.NotEmpty(t, capsule["id"])
	assert.NotEmpty(t, capsule["contentHash"])
	artifact, ok := body["artifact"].(map[string]any)
	require.True(t, ok, "response carries the draft artifact")
	assert.NotEmpty(t, artifact["id"])

	var total int64
	for _, content := range files {
		total += int64(len(content))
	}
	user, err := env.store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, total, user.StorageUsageBytes)
	assert.GreaterOrEqual(t, user.StorageVersion, int64(1))
}

func TestPublish_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	resp := publishBundle(t, env, "", map[string]string{"manifest.json": validManifest})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRunStart_QuotaExceeded(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1")
	env.seedCapsule(t, "c1", "u1")

	// Over the free plan monthly allowance before the call.
	seeded := make([]*models.Run, 0, 6000)
	now := time.Now()
	for i := 0; i < 6000; i++ {
		duration := int64(10)
		seeded = append(seeded, &models.Run{
			ID:         uuid.NewString(),
			CapsuleID:  "c1",
			UserID:     "u1",
			Status:     string(models.RunCompleted),
			StartedAt:  now,
			DurationMs: &duration,
		})
	}
	require.NoError(t, env.store.DB().CreateInBatches(seeded, 500).Error)

	resp := env.doJSON(t, http.MethodPost, "/runs/start", "u1", map[string]any{
		"capsuleId": "c1",
		"runId":     "r1",
	})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, runs.CodeRunQuota, body["code"])

	details, ok := body["details"].(map[string]any)
	require.True(t, ok, "quota details present")
	assert.Equal(t, "free", details["plan"])
	limits := details["limits"].(map[string]any)
	assert.Equal(t, float64(5000), limits["maxRuns"])
	usage := details["usage"].(map[string]any)
	assert.Equal(t, float64(6000), usage["runs"])
}

func TestRunComplete_BudgetExceeded(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1")
	env.seedCapsule(t, "c1", "u1")

	resp := env.doJSON(t, http.MethodPost, "/runs/start", "u1", map[string]any{
		"capsuleId": "c1",
		"runId":     "r-long",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodPost, "/runs/complete", "u1", map[string]any{
		"runId":      "r-long",
		"capsuleId":  "c1",
		"durationMs": 20000,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "BUDGET_EXCEEDED", body["code"])

	run, err := env.store.GetRun(context.Background(), "r-long")
	require.NoError(t, err)
	assert.Equal(t, string(models.RunFailed), run.Status)
	require.NotNil(t, run.DurationMs)
	assert.Equal(t, int64(5000), *run.DurationMs)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, "runtime_budget_exceeded", *run.ErrorMessage)
}

func TestRunStart_IdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1")
	env.seedCapsule(t, "c1", "u1")

	payload := map[string]any{"capsuleId": "c1", "runId": "r1"}

	resp := env.doJSON(t, http.MethodPost, "/runs/start", "u1", payload)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodPost, "/runs/start", "u1", payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["created"])
}

func TestProxy_AllowedHostThenRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1")
	env.seedCapsule(t, "c1", "u1")

	path := "/proxy?url=" + "https%3A%2F%2Fapi.github.com%2Frepos" + "&capsuleId=c1"

	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodGet, path, "u1", nil, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, "call %d", i+1)
		assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))
		resp.Body.Close()
	}

	resp := env.do(t, http.MethodGet, path, "u1", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	resp.Body.Close()
}

func TestProxy_DisallowedHost(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1")
	env.seedCapsule(t, "c1", "u1")

	path := "/proxy?url=" + "https%3A%2F%2Fevil.example.com%2Fx" + "&capsuleId=c1"
	resp := env.do(t, http.MethodGet, path, "u1", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestProxy_NonOwnerForbidden(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1")
	env.seedUser(t, "u2")
	env.seedCapsule(t, "c1", "u1")

	path := "/proxy?url=" + "https%3A%2F%2Fapi.github.com%2Frepos" + "&capsuleId=c1"
	resp := env.do(t, http.MethodGet, path, "u2", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func (e *testEnv) createPost(t *testing.T, token, title string) string {
	t.Helper()
	resp := e.doJSON(t, http.MethodPost, "/posts", token, map[string]any{"title": title})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	id, ok := body["id"].(string)
	require.True(t, ok, "response carries the post id")
	return id
}

func TestRunComplete_CapsuleMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1")
	env.seedCapsule(t, "c1", "u1")
	env.seedCapsule(t, "c2", "u1")

	resp := env.doJSON(t, http.MethodPost, "/runs/start", "u1", map[string]any{
		"capsuleId": "c1",
		"runId":     "r1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodPost, "/runs/complete", "u1", map[string]any{
		"runId":      "r1",
		"capsuleId":  "c2",
		"durationMs": 100,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "CAPSULE_MISMATCH", body["code"])
}

func TestCreateComment_FieldBounds(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1")
	postID := env.createPost(t, "u1", "p")

	cases := []struct {
		name    string
		payload map[string]any
	}{
		{"body too long", map[string]any{"body": strings.Repeat("x", 2001)}},
		{"whitespace-only body", map[string]any{"body": "   "}},
		{"negative atMs", map[string]any{"body": "hi", "atMs": -5}},
		{"oversized bbox", map[string]any{"body": "hi", "bbox": strings.Repeat("b", 501)}},
	}
	for _, tc := range cases {
		resp := env.doJSON(t, http.MethodPost, "/posts/"+postID+"/comments", "u1", tc.payload)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, tc.name)
		body := decodeBody(t, resp)
		assert.Equal(t, "VALIDATION", body["code"], tc.name)
	}

	resp := env.doJSON(t, http.MethodPost, "/posts/"+postID+"/comments", "u1",
		map[string]any{"body": "  hello  "})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "hello", body["body"], "body is stored trimmed")
}

func TestLikeAndComment_NoSelfNotification(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1")
	env.seedUser(t, "u2")
	postID := env.createPost(t, "u1", "p")

	resp := env.doJSON(t, http.MethodPost, "/posts/"+postID+"/like", "u1", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = env.doJSON(t, http.MethodPost, "/posts/"+postID+"/comments", "u1", map[string]any{"body": "mine"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	notifications, err := env.store.ListNotifications(context.Background(), "u1", false, 10)
	require.NoError(t, err)
	assert.Empty(t, notifications, "own actions never notify")

	resp = env.doJSON(t, http.MethodPost, "/posts/"+postID+"/like", "u2", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	notifications, err = env.store.ListNotifications(context.Background(), "u1", false, 10)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, "u2", notifications[0].ActorID)
}

func TestListComments_QuarantinedHiddenFromNonModerators(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1")
	env.seedUser(t, "u2")
	env.seedUser(t, "mod")
	require.NoError(t, env.store.DB().Exec(
		"UPDATE users SET moderator = true WHERE id = 'mod'").Error)

	postID := env.createPost(t, "u1", "p")
	resp := env.doJSON(t, http.MethodPost, "/posts/"+postID+"/comments", "u2", map[string]any{"body": "spam"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	commentID := decodeBody(t, resp)["id"].(string)

	resp = env.doJSON(t, http.MethodPost, "/moderation/comments/"+commentID+"/quarantine", "mod", map[string]any{})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	listed := func(token string) int {
		resp := env.do(t, http.MethodGet, "/posts/"+postID+"/comments", token, nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return len(decodeBody(t, resp)["comments"].([]any))
	}

	assert.Zero(t, listed(""), "hidden from anonymous viewers")
	assert.Zero(t, listed("u1"), "hidden from the post author")
	assert.Equal(t, 1, listed("u2"), "the comment author still sees it")
	assert.Equal(t, 1, listed("mod"), "moderators still see it")
}

func TestRecipes_NameTooLong(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1")
	env.seedCapsule(t, "c1", "u1")

	resp := env.doJSON(t, http.MethodPost, "/capsules/c1/recipes", "u1", map[string]any{
		"name":   strings.Repeat("n", 81),
		"params": map[string]any{},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "VALIDATION", body["code"])
	assert.Contains(t, body["error"], "name exceeds 80")

	recipe := &models.Recipe{ID: "rec1", CapsuleID: "c1", AuthorID: "u1", Name: "short"}
	require.NoError(t, recipe.SetParams(map[string]any{"speed": 1}))
	_, err := env.store.CreateRecipe(context.Background(), recipe)
	require.NoError(t, err)

	resp = env.doJSON(t, http.MethodPut, "/capsules/c1/recipes/rec1", "u1", map[string]any{
		"name": strings.Repeat("n", 81),
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "VALIDATION", body["code"])
}

func TestEvents_Ingest(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1")

	resp := env.doJSON(t, http.MethodPost, "/events", "u1", map[string]any{
		"events": []map[string]any{
			{"eventName": "capsule_view", "capsuleId": "c1"},
			{"eventName": "run_start"},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["accepted"])
	assert.Len(t, env.events.events, 2)
}

func TestAuth_InvalidToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doJSON(t, http.MethodPost, "/runs/start", "invalid", map[string]any{"capsuleId": "c1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_SuspendedUser(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1")
	require.NoError(t, env.store.SetModerationFlags(context.Background(), "u1", true, false))

	resp := env.doJSON(t, http.MethodPost, "/runs/start", "u1", map[string]any{"capsuleId": "c1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestModeration_RequiresModerator(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1")

	resp := env.doJSON(t, http.MethodPost, "/moderation/posts/p1/quarantine", "u1", map[string]any{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health", "", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ready := env.do(t, http.MethodGet, "/health/ready", "", nil, "")
	defer ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)
}
