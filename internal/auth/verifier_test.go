package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-endpoint/internal/hash/sha256"
	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

// tokenEndpoint fakes an IndieAuth token endpoint. Responses are keyed by the
// bearer token.
type tokenEndpoint struct {
	mu        sync.Mutex
	responses map[string]any
	status    int
	delay     time.Duration
	calls     atomic.Int32
}

func (e *tokenEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.calls.Add(1)
	e.mu.Lock()
	delay, status := e.delay, e.status
	body, ok := e.responses[bearerToken(r.Header.Get("Authorization"))]
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if raw, isRaw := body.(string); isRaw {
		_, _ = w.Write([]byte(raw))
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (e *tokenEndpoint) set(token string, body any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses[token] = body
}

func (e *tokenEndpoint) configure(status int, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
	e.delay = delay
}

func newVerifier(t *testing.T, me string) (*Verifier, *tokenEndpoint) {
	t.Helper()
	endpoint := &tokenEndpoint{responses: map[string]any{}}
	srv := httptest.NewServer(endpoint)
	t.Cleanup(srv.Close)

	v, err := New(Config{
		TokenEndpoint: srv.URL + "/token",
		Me:            me,
		Timeout:       200 * time.Millisecond,
	}, srv.Client(), sha256.New(), fixedClock{}, zap.NewNop())
	require.NoError(t, err)
	return v, endpoint
}

func TestVerifyValidTokenIsCached(t *testing.T) {
	t.Parallel()

	v, endpoint := newVerifier(t, "https://mysite.example/")
	endpoint.set("good", map[string]any{"me": "https://MYSITE.example", "client_id": "https://app.example/", "scope": "create update"})

	identity, err := v.Verify(context.Background(), "Bearer good")
	require.NoError(t, err)
	require.Equal(t, "https://MYSITE.example", identity.Me)
	require.Equal(t, []string{"create", "update"}, identity.Scopes)

	_, err = v.Verify(context.Background(), "bearer good")
	require.NoError(t, err)
	require.EqualValues(t, 1, endpoint.calls.Load(), "second verification should hit the cache")
}

func TestVerifyFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		header string
		body   any
		want   error
	}{
		{"missing header", "", nil, indieweb.ErrMissingToken},
		{"wrong scheme", "Basic dXNlcjpwYXNz", nil, indieweb.ErrMissingToken},
		{"bearer without token", "Bearer ", nil, indieweb.ErrMissingToken},
		{"unknown token", "Bearer nope", nil, indieweb.ErrTokenInvalid},
		{"inactive", "Bearer t", map[string]any{"active": false, "me": "https://mysite.example/"}, indieweb.ErrTokenInvalid},
		{"missing me", "Bearer t", map[string]any{"scope": "create"}, indieweb.ErrTokenInvalid},
		{"malformed json", "Bearer t", "{not json", indieweb.ErrTokenInvalid},
		{"other owner", "Bearer t", map[string]any{"me": "https://intruder.example/", "scope": "create"}, indieweb.ErrForbidden},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v, endpoint := newVerifier(t, "https://mysite.example/")
			if tc.body != nil {
				endpoint.set("t", tc.body)
			}
			_, err := v.Verify(context.Background(), tc.header)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestVerifyNon2xxAndTimeout(t *testing.T) {
	t.Parallel()

	v, endpoint := newVerifier(t, "")
	endpoint.configure(http.StatusInternalServerError, 0)
	_, err := v.Verify(context.Background(), "Bearer any")
	require.ErrorIs(t, err, indieweb.ErrTokenInvalid)

	slow, slowEndpoint := newVerifier(t, "")
	slowEndpoint.configure(0, time.Second)
	slowEndpoint.set("slow", map[string]any{"me": "https://mysite.example/"})
	start := time.Now()
	_, err = slow.Verify(context.Background(), "Bearer slow")
	require.ErrorIs(t, err, indieweb.ErrTokenInvalid)
	require.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestFailedVerificationIsNotCached(t *testing.T) {
	t.Parallel()

	v, endpoint := newVerifier(t, "")
	_, err := v.Verify(context.Background(), "Bearer later")
	require.ErrorIs(t, err, indieweb.ErrTokenInvalid)

	endpoint.set("later", map[string]any{"me": "https://mysite.example/", "scope": "create"})
	_, err = v.Verify(context.Background(), "Bearer later")
	require.NoError(t, err)
	require.EqualValues(t, 2, endpoint.calls.Load())
}

func TestAuthorizeScopes(t *testing.T) {
	t.Parallel()

	v, endpoint := newVerifier(t, "")
	endpoint.set("legacy", map[string]any{"me": "https://mysite.example/", "scope": "post"})
	endpoint.set("narrow", map[string]any{"me": "https://mysite.example/", "scope": "create"})

	_, err := v.Authorize(context.Background(), "Bearer legacy", "create")
	require.NoError(t, err, "post scope satisfies create")

	_, err = v.Authorize(context.Background(), "Bearer narrow", "delete")
	require.ErrorIs(t, err, indieweb.ErrInsufficientScope)
}

func TestAuthorizeReintrospectsWhenCachedScopeMissing(t *testing.T) {
	t.Parallel()

	v, endpoint := newVerifier(t, "")
	endpoint.set("grow", map[string]any{"me": "https://mysite.example/", "scope": "create"})

	_, err := v.Authorize(context.Background(), "Bearer grow", "create")
	require.NoError(t, err)
	require.EqualValues(t, 1, endpoint.calls.Load())

	// The grant is widened at the token endpoint; the cached identity is stale.
	endpoint.set("grow", map[string]any{"me": "https://mysite.example/", "scope": "create update"})
	identity, err := v.Authorize(context.Background(), "Bearer grow", "update")
	require.NoError(t, err)
	require.True(t, identity.HasScope("update"))
	require.EqualValues(t, 2, endpoint.calls.Load())

	// The refreshed identity is cached again.
	_, err = v.Authorize(context.Background(), "Bearer grow", "update")
	require.NoError(t, err)
	require.EqualValues(t, 2, endpoint.calls.Load())
}

func TestNewRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, sha256.New(), fixedClock{}, nil)
	require.Error(t, err)
}

func TestNormalizeMe(t *testing.T) {
	t.Parallel()

	require.Equal(t, normalizeMe("https://mysite.example/"), normalizeMe("HTTPS://MySite.example"))
	require.NotEqual(t, normalizeMe("https://mysite.example/"), normalizeMe("https://mysite.example/alice"))
}
