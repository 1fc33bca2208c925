package indieweb

import (
	"net/http"
	"time"
)

// MentionState represents the lifecycle state of a received Webmention.
type MentionState string

// Mention states persisted by the queue.
const (
	MentionPending  MentionState = "pending"
	MentionVerified MentionState = "verified"
	MentionRejected MentionState = "rejected"
	MentionFailed   MentionState = "failed"
)

// Terminal reports whether no further transition is allowed out of the state.
func (s MentionState) Terminal() bool {
	switch s {
	case MentionVerified, MentionRejected, MentionFailed:
		return true
	default:
		return false
	}
}

// MentionKind classifies how the source refers to the target.
type MentionKind string

// Mention kinds derived from h-entry properties.
const (
	KindMention  MentionKind = "mention"
	KindReply    MentionKind = "reply"
	KindLike     MentionKind = "like"
	KindRepost   MentionKind = "repost"
	KindBookmark MentionKind = "bookmark"
)

// Mention is a received Webmention and its verification audit trail.
type Mention struct {
	ID            string           `json:"id"`
	Source        string           `json:"source"`
	Target        string           `json:"target"`
	State         MentionState     `json:"state"`
	Attempts      int              `json:"attempts"`
	LastError     string           `json:"last_error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	VerifiedAt    *time.Time       `json:"verified_at,omitempty"`
	NextAttemptAt time.Time        `json:"next_attempt_at"`
	Metadata      *MentionMetadata `json:"metadata,omitempty"`
	SnapshotURI   string           `json:"snapshot_uri,omitempty"`
	ClaimToken    string           `json:"-"` // empty when unclaimed
}

// MentionMetadata is the microformats2 summary extracted from a verified source.
type MentionMetadata struct {
	Type        string      `json:"type,omitempty"`
	Kind        MentionKind `json:"kind"`
	Name        string      `json:"name,omitempty"`
	Content     string      `json:"content,omitempty"`
	URL         string      `json:"url,omitempty"`
	Published   string      `json:"published,omitempty"`
	AuthorName  string      `json:"author_name,omitempty"`
	AuthorURL   string      `json:"author_url,omitempty"`
	AuthorPhoto string      `json:"author_photo,omitempty"`
}

// OutcomeKind selects the transition requested through Mark.
type OutcomeKind string

// Outcomes a worker can report for a claimed mention.
const (
	OutcomeVerified OutcomeKind = "verified"
	OutcomeRejected OutcomeKind = "rejected"
	OutcomeRetry    OutcomeKind = "retry"
	OutcomeFailed   OutcomeKind = "failed"
)

// Outcome is the result of one verification attempt.
type Outcome struct {
	Kind        OutcomeKind
	ClaimToken  string // token of the claim the attempt ran under
	Err         string
	Metadata    *MentionMetadata
	SnapshotURI string
}

// PostStatus is the publication status of a Post.
type PostStatus string

// Post statuses.
const (
	PostPublished PostStatus = "published"
	PostDraft     PostStatus = "draft"
	PostDeleted   PostStatus = "deleted"
)

// Post is a content entry created through Micropub.
type Post struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	ContentHTML string     `json:"content_html,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Author      string     `json:"author"`
	Status      PostStatus `json:"status"`
	Permalink   string     `json:"permalink"`
	Slug        string     `json:"slug"`
	Categories  []string   `json:"categories,omitempty"`
	Syndication []string   `json:"syndication,omitempty"`
	SyndicateTo []string   `json:"syndicate_to,omitempty"`
	InReplyTo   []string   `json:"in_reply_to,omitempty"`
	LikeOf      []string   `json:"like_of,omitempty"`
	RepostOf    []string   `json:"repost_of,omitempty"`
	BookmarkOf  []string   `json:"bookmark_of,omitempty"`
	Photos      []string   `json:"photos,omitempty"`
	Published   time.Time  `json:"published"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CanonicalPost is the normalized form of a Micropub create payload.
type CanonicalPost struct {
	Type        string
	Name        string
	Content     string
	ContentHTML string
	Summary     string
	Categories  []string
	Slug        string
	Status      PostStatus
	Published   *time.Time
	SyndicateTo []string
	Syndication []string
	InReplyTo   []string
	LikeOf      []string
	RepostOf    []string
	BookmarkOf  []string
	Photos      []string
}

// Identity is the verified owner of a bearer token.
type Identity struct {
	Me       string    `json:"me"`
	ClientID string    `json:"client_id"`
	Scopes   []string  `json:"scopes"`
	IssuedAt time.Time `json:"-"`
}

// HasScope reports whether the identity was granted the scope. The legacy
// "post" scope satisfies "create".
func (i Identity) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope || (scope == "create" && s == "post") {
			return true
		}
	}
	return false
}

// SyndicationTarget is an entry advertised through q=syndicate-to.
type SyndicationTarget struct {
	UID  string `json:"uid" mapstructure:"uid"`
	Name string `json:"name" mapstructure:"name"`
}

// FetchRequest captures everything needed to fetch a mention source.
type FetchRequest struct {
	MentionID string
	URL       string
	Headers   http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
	Duration    time.Duration
}
