package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

// PostStore keeps Micropub posts in memory for development and tests.
type PostStore struct {
	mu          sync.RWMutex
	posts       map[string]indieweb.Post
	byPermalink map[string]string
}

// NewPostStore constructs a PostStore.
func NewPostStore() *PostStore {
	return &PostStore{
		posts:       make(map[string]indieweb.Post),
		byPermalink: make(map[string]string),
	}
}

// Create stores post. Duplicate IDs or permalinks are rejected.
func (s *PostStore) Create(_ context.Context, post indieweb.Post) (indieweb.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.posts[post.ID]; exists {
		return indieweb.Post{}, fmt.Errorf("post id %s: %w", post.ID, indieweb.ErrConflict)
	}
	if _, exists := s.byPermalink[post.Permalink]; exists {
		return indieweb.Post{}, fmt.Errorf("permalink %s: %w", post.Permalink, indieweb.ErrConflict)
	}
	stored := clonePost(post)
	s.posts[post.ID] = stored
	s.byPermalink[post.Permalink] = post.ID
	return clonePost(stored), nil
}

// Get fetches a post by ID.
func (s *PostStore) Get(_ context.Context, id string) (indieweb.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	post, ok := s.posts[id]
	if !ok {
		return indieweb.Post{}, fmt.Errorf("post %s: %w", id, indieweb.ErrNotFound)
	}
	return clonePost(post), nil
}

// GetByURL fetches a post by permalink.
func (s *PostStore) GetByURL(ctx context.Context, permalink string) (indieweb.Post, error) {
	s.mu.RLock()
	id, ok := s.byPermalink[permalink]
	s.mu.RUnlock()
	if !ok {
		return indieweb.Post{}, fmt.Errorf("post %s: %w", permalink, indieweb.ErrNotFound)
	}
	return s.Get(ctx, id)
}

// Update replaces a stored post. The permalink cannot change.
func (s *PostStore) Update(_ context.Context, post indieweb.Post) (indieweb.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.posts[post.ID]
	if !ok {
		return indieweb.Post{}, fmt.Errorf("post %s: %w", post.ID, indieweb.ErrNotFound)
	}
	if current.Permalink != post.Permalink {
		return indieweb.Post{}, fmt.Errorf("post %s: %w", post.ID, indieweb.ErrPermalinkImmutable)
	}
	post.CreatedAt = current.CreatedAt
	s.posts[post.ID] = clonePost(post)
	return clonePost(post), nil
}

func clonePost(p indieweb.Post) indieweb.Post {
	p.Categories = cloneStrings(p.Categories)
	p.Syndication = cloneStrings(p.Syndication)
	p.SyndicateTo = cloneStrings(p.SyndicateTo)
	p.InReplyTo = cloneStrings(p.InReplyTo)
	p.LikeOf = cloneStrings(p.LikeOf)
	p.RepostOf = cloneStrings(p.RepostOf)
	p.BookmarkOf = cloneStrings(p.BookmarkOf)
	p.Photos = cloneStrings(p.Photos)
	return p
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
