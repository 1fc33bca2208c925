package indieweb

import (
	"context"
	"io"
	"time"
)

// MentionQueue is the durable queue of received mentions.
type MentionQueue interface {
	// Enqueue records a validated mention in pending state.
	Enqueue(ctx context.Context, source, target string) (Mention, error)
	// DequeueBatch claims up to limit due mentions. A claimed mention is not
	// returned again until it is marked or its claim expires.
	DequeueBatch(ctx context.Context, limit int) ([]Mention, error)
	// Renew extends the claim identified by claimToken. It fails with
	// ErrClaimLost once another claim has replaced it or the mention left
	// the pending state.
	Renew(ctx context.Context, id, claimToken string) (Mention, error)
	// Mark applies the outcome of a verification attempt and releases the
	// claim. outcome.ClaimToken must be the current claim's token.
	Mark(ctx context.Context, id string, outcome Outcome) (Mention, error)
	// Get returns a mention by ID.
	Get(ctx context.Context, id string) (Mention, error)
}

// PostStore persists Micropub posts.
type PostStore interface {
	Create(ctx context.Context, post Post) (Post, error)
	Get(ctx context.Context, id string) (Post, error)
	GetByURL(ctx context.Context, permalink string) (Post, error)
	Update(ctx context.Context, post Post) (Post, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes mention outcome events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HostPolicy gates outbound fetches per host.
type HostPolicy interface {
	Allow(rawURL string) error
	Wait(ctx context.Context, rawURL string) error
}

// TokenVerifier authenticates Micropub bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, authorization string) (Identity, error)
	Authorize(ctx context.Context, authorization string, scope string) (Identity, error)
}

// SiteMetadata supplies site-level configuration owned outside this service.
type SiteMetadata interface {
	BaseURL() string
	MediaEndpoint() string
	SyndicationTargets() []SyndicationTarget
	DiscoveryLinks() map[string]string
}

// Hasher computes digests for cache keys and snapshots.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces mention and post IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
