package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-endpoint/internal/dispatcher"
	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
	"github.com/JakeFAU/indieweb-endpoint/internal/micropub"
	queuememory "github.com/JakeFAU/indieweb-endpoint/internal/queue/memory"
	storagememory "github.com/JakeFAU/indieweb-endpoint/internal/storage/memory"
)

const siteBase = "http://mysite.example"

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n), nil
}

type fakeSite struct{}

func (fakeSite) BaseURL() string       { return siteBase }
func (fakeSite) MediaEndpoint() string { return siteBase + "/media" }
func (fakeSite) SyndicationTargets() []indieweb.SyndicationTarget {
	return []indieweb.SyndicationTarget{{UID: "https://social.example/@me", Name: "Social"}}
}
func (fakeSite) DiscoveryLinks() map[string]string {
	return map[string]string{
		"webmention": siteBase + "/webmention",
		"micropub":   siteBase + "/micropub",
	}
}

// fakeVerifier accepts "Bearer good" with create/update/delete scopes.
type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, authorization string) (indieweb.Identity, error) {
	switch authorization {
	case "":
		return indieweb.Identity{}, indieweb.ErrMissingToken
	case "Bearer good":
		return indieweb.Identity{Me: siteBase + "/", Scopes: []string{"create", "update", "delete"}}, nil
	case "Bearer stranger":
		return indieweb.Identity{}, indieweb.ErrForbidden
	case "Bearer readonly":
		return indieweb.Identity{Me: siteBase + "/", Scopes: []string{"read"}}, nil
	default:
		return indieweb.Identity{}, indieweb.ErrTokenInvalid
	}
}

func (v fakeVerifier) Authorize(ctx context.Context, authorization, scope string) (indieweb.Identity, error) {
	identity, err := v.Verify(ctx, authorization)
	if err != nil {
		return identity, err
	}
	if !identity.HasScope(scope) {
		return indieweb.Identity{}, indieweb.ErrInsufficientScope
	}
	return identity, nil
}

// recordingStore counts every PostStore call.
type recordingStore struct {
	inner   *storagememory.PostStore
	mu      sync.Mutex
	calls   int
	creates []indieweb.Post
	failAll bool
}

func (s *recordingStore) record() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failAll {
		return fmt.Errorf("insert post: %w: connection reset", indieweb.ErrStorage)
	}
	return nil
}

func (s *recordingStore) Create(ctx context.Context, post indieweb.Post) (indieweb.Post, error) {
	if err := s.record(); err != nil {
		return indieweb.Post{}, err
	}
	s.mu.Lock()
	s.creates = append(s.creates, post)
	s.mu.Unlock()
	return s.inner.Create(ctx, post)
}

func (s *recordingStore) Get(ctx context.Context, id string) (indieweb.Post, error) {
	if err := s.record(); err != nil {
		return indieweb.Post{}, err
	}
	return s.inner.Get(ctx, id)
}

func (s *recordingStore) GetByURL(ctx context.Context, permalink string) (indieweb.Post, error) {
	if err := s.record(); err != nil {
		return indieweb.Post{}, err
	}
	return s.inner.GetByURL(ctx, permalink)
}

func (s *recordingStore) Update(ctx context.Context, post indieweb.Post) (indieweb.Post, error) {
	if err := s.record(); err != nil {
		return indieweb.Post{}, err
	}
	return s.inner.Update(ctx, post)
}

func (s *recordingStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testEnv struct {
	server *Server
	queue  *queuememory.Queue
	store  *recordingStore
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	clock := fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	q := queuememory.NewQueue(&seqIDs{prefix: "m"}, clock, indieweb.NewBackoffPolicy(), 20*time.Second)
	store := &recordingStore{inner: storagememory.NewPostStore()}
	svc := micropub.NewService(store, fakeVerifier{}, fakeSite{}, micropub.NewRenderer(true), &seqIDs{prefix: "p"}, clock, zap.NewNop())
	server := NewServer(dispatcher.New(q, nil), svc, fakeSite{}, opts, zap.NewNop())
	return &testEnv{server: server, queue: q, store: store}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func formRequest(method, target string, values url.Values) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestWebmentionAccepted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(formRequest(http.MethodPost, "/webmention", url.Values{
		"source": {"http://external.example/post1"},
		"target": {"http://mysite.example/p/1"},
	}))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "/webmention/m-1", rec.Header().Get("Location"))
	body := decodeBody(t, rec)
	require.Equal(t, "accepted", body["status"])
	require.Equal(t, "m-1", body["id"])

	m, err := env.queue.Get(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, indieweb.MentionPending, m.State)
	require.Equal(t, "http://external.example/post1", m.Source)
}

func TestWebmentionAcceptsJSON(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/webmention",
		bytes.NewBufferString(`{"source":" http://external.example/post1 ","target":"http://mysite.example/p/1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	m, err := env.queue.Get(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, "http://external.example/post1", m.Source)
}

func TestWebmentionValidationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		source string
		target string
		code   string
	}{
		{name: "foreign target", source: "http://external.example/post1", target: "http://other.example/p/1", code: "invalid_target"},
		{name: "missing source", source: "", target: "http://mysite.example/p/1", code: "missing_parameter"},
		{name: "blank target", source: "http://external.example/post1", target: "   ", code: "missing_parameter"},
		{name: "malformed source", source: "not a url", target: "http://mysite.example/p/1", code: "malformed_url"},
		{name: "self mention", source: "http://mysite.example/p/1", target: "http://mysite.example/p/1", code: "invalid_target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, Options{})
			rec := env.do(formRequest(http.MethodPost, "/webmention", url.Values{
				"source": {tt.source},
				"target": {tt.target},
			}))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody(t, rec)
			require.Equal(t, tt.code, body["error"])
			require.NotEmpty(t, body["message"])

			_, err := env.queue.Get(context.Background(), "m-1")
			require.ErrorIs(t, err, indieweb.ErrNotFound)
		})
	}
}

func TestWebmentionInvalidJSON(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/webmention", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", decodeBody(t, rec)["error"])
}

func TestWebmentionStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.do(formRequest(http.MethodPost, "/webmention", url.Values{
		"source": {"http://external.example/post1"},
		"target": {"http://mysite.example/p/1"},
	}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/webmention/m-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "pending", decodeBody(t, rec)["state"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/webmention/unknown", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMicropubCreateRequiresToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/micropub", bytes.NewBufferString(`{"name":"Hello","content":"World"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthorized", decodeBody(t, rec)["error"])
	require.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	require.Zero(t, env.store.callCount())
}

func TestMicropubCreate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/micropub", bytes.NewBufferString(`{"name":"Hello","content":"World"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer good")
	rec := env.do(req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, siteBase+"/2024/06/hello", rec.Header().Get("Location"))
	require.Equal(t, siteBase+"/2024/06/hello", decodeBody(t, rec)["url"])

	require.Len(t, env.store.creates, 1)
	require.Equal(t, "Hello", env.store.creates[0].Title)
	require.Equal(t, "World", env.store.creates[0].Content)
}

func TestMicropubAuthFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		authorization string
		status        int
		code          string
	}{
		{name: "invalid", authorization: "Bearer bogus", status: http.StatusUnauthorized, code: "unauthorized"},
		{name: "other site", authorization: "Bearer stranger", status: http.StatusForbidden, code: "forbidden"},
		{name: "no create scope", authorization: "Bearer readonly", status: http.StatusForbidden, code: "insufficient_scope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, Options{})
			req := formRequest(http.MethodPost, "/micropub", url.Values{"h": {"entry"}, "content": {"hi"}})
			req.Header.Set("Authorization", tt.authorization)
			rec := env.do(req)
			require.Equal(t, tt.status, rec.Code)
			require.Equal(t, tt.code, decodeBody(t, rec)["error"])
			require.Empty(t, env.store.creates)
		})
	}
}

func TestMicropubParseErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{MaxBodyBytes: 64})

	req := httptest.NewRequest(http.MethodPost, "/micropub", bytes.NewBufferString("hello"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer good")
	require.Equal(t, http.StatusUnsupportedMediaType, env.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/micropub", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer good")
	require.Equal(t, http.StatusBadRequest, env.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/micropub", bytes.NewBufferString(`{"content":"`+strings.Repeat("x", 100)+`"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer good")
	require.Equal(t, http.StatusRequestEntityTooLarge, env.do(req).Code)

	require.Zero(t, env.store.callCount())
}

func TestMicropubStorageFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.store.failAll = true
	req := httptest.NewRequest(http.MethodPost, "/micropub", bytes.NewBufferString(`{"name":"Hello"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer good")
	rec := env.do(req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "server_error", body["error"])
	require.NotContains(t, body["message"], "connection reset")
}

func TestMicropubUpdateAndDelete(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/micropub", bytes.NewBufferString(`{"name":"Hello","content":"World"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer good")
	permalink := env.do(req).Header().Get("Location")

	update := fmt.Sprintf(`{"action":"update","url":%q,"replace":{"content":["Updated"]}}`, permalink)
	req = httptest.NewRequest(http.MethodPost, "/micropub", bytes.NewBufferString(update))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer good")
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, permalink, decodeBody(t, rec)["url"])

	req = formRequest(http.MethodPost, "/micropub", url.Values{"action": {"delete"}, "url": {permalink}})
	req.Header.Set("Authorization", "Bearer good")
	require.Equal(t, http.StatusNoContent, env.do(req).Code)

	post, err := env.store.inner.GetByURL(context.Background(), permalink)
	require.NoError(t, err)
	require.Equal(t, indieweb.PostDeleted, post.Status)
	require.Equal(t, "Updated", post.Content)

	req = formRequest(http.MethodPost, "/micropub", url.Values{"action": {"delete"}, "url": {siteBase + "/missing"}})
	req.Header.Set("Authorization", "Bearer good")
	require.Equal(t, http.StatusNotFound, env.do(req).Code)
}

func TestMicropubCapabilityQueriesSkipPostStore(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/micropub?q=config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]any{"media-endpoint": siteBase + "/media"}, decodeBody(t, rec))

	rec = env.do(httptest.NewRequest(http.MethodGet, "/micropub?q=syndicate-to", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	targets, ok := decodeBody(t, rec)["syndicate-to"].([]any)
	require.True(t, ok)
	require.Len(t, targets, 1)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/micropub?q=unknown", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", decodeBody(t, rec)["error"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/micropub", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Zero(t, env.store.callCount())
}

func TestMicropubSourceQuery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/micropub", bytes.NewBufferString(`{"name":"Hello","content":"World"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer good")
	permalink := env.do(req).Header().Get("Location")

	req = httptest.NewRequest(http.MethodGet, "/micropub?q=source&url="+url.QueryEscape(permalink), nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, []any{"h-entry"}, body["type"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/micropub?q=source&access_token=good&url="+url.QueryEscape(permalink), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/micropub?q=source&url="+url.QueryEscape(permalink), nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/micropub?q=source&url="+url.QueryEscape(siteBase+"/nope"), nil)
	req.Header.Set("Authorization", "Bearer good")
	require.Equal(t, http.StatusNotFound, env.do(req).Code)
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	for _, target := range []string{"/micropub", "/webmention"} {
		rec := env.do(httptest.NewRequest(http.MethodPut, target, nil))
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code, target)
		require.Equal(t, "method_not_allowed", decodeBody(t, rec)["error"])
	}
}

func TestDiscoveryLinks(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(httptest.NewRequest(http.MethodGet, "/micropub?q=config", nil))
	require.Equal(t, []string{
		`<http://mysite.example/micropub>; rel="micropub"`,
		`<http://mysite.example/webmention>; rel="webmention"`,
	}, rec.Header().Values("Link"))

	rec = env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Empty(t, rec.Header().Values("Link"))
}

func TestHealthReadyAndMetrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
	require.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)).Code)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")

	down := newTestEnv(t, Options{Ready: func(context.Context) error { return errors.New("db down") }})
	require.Equal(t, http.StatusServiceUnavailable, down.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)).Code)
}

func TestRecovererReturnsJSON(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	handler := env.server.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "server_error", decodeBody(t, rec)["error"])
}
