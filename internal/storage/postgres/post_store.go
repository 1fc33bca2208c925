package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

const postColumns = `id, type, title, content, content_html, summary, author, status, permalink, slug,
	categories, syndication, syndicate_to, in_reply_to, like_of, repost_of, bookmark_of, photos,
	published, created_at, updated_at`

// PostStore persists Micropub posts in Postgres.
type PostStore struct {
	pool Pool
}

// NewPostStore constructs a PostStore over pool.
func NewPostStore(pool Pool) (*PostStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PostStore{pool: pool}, nil
}

// Create inserts post. A duplicate ID or permalink yields ErrConflict.
func (s *PostStore) Create(ctx context.Context, post indieweb.Post) (indieweb.Post, error) {
	query := `
INSERT INTO posts (` + postColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`

	if _, err := s.pool.Exec(ctx, query, postArgs(post)...); err != nil {
		if isUniqueViolation(err) {
			return indieweb.Post{}, fmt.Errorf("post %s: %w", post.Permalink, indieweb.ErrConflict)
		}
		return indieweb.Post{}, storageErr("insert post", err)
	}
	return post, nil
}

// Get loads a post by ID.
func (s *PostStore) Get(ctx context.Context, id string) (indieweb.Post, error) {
	return s.getBy(ctx, "id", id)
}

// GetByURL loads a post by permalink.
func (s *PostStore) GetByURL(ctx context.Context, permalink string) (indieweb.Post, error) {
	return s.getBy(ctx, "permalink", permalink)
}

func (s *PostStore) getBy(ctx context.Context, column, value string) (indieweb.Post, error) {
	post, err := scanPost(s.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE `+column+` = $1`, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return indieweb.Post{}, fmt.Errorf("post %s: %w", value, indieweb.ErrNotFound)
	}
	if err != nil {
		return indieweb.Post{}, storageErr("get post", err)
	}
	return post, nil
}

// Update overwrites every mutable field of post. The stored permalink must
// match post.Permalink.
func (s *PostStore) Update(ctx context.Context, post indieweb.Post) (indieweb.Post, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return indieweb.Post{}, storageErr("begin update", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var permalink string
	err = tx.QueryRow(ctx, `SELECT permalink FROM posts WHERE id = $1 FOR UPDATE`, post.ID).Scan(&permalink)
	if errors.Is(err, pgx.ErrNoRows) {
		return indieweb.Post{}, fmt.Errorf("post %s: %w", post.ID, indieweb.ErrNotFound)
	}
	if err != nil {
		return indieweb.Post{}, storageErr("lock post", err)
	}
	if permalink != post.Permalink {
		return indieweb.Post{}, fmt.Errorf("post %s: %w", post.ID, indieweb.ErrPermalinkImmutable)
	}

	_, err = tx.Exec(ctx, `
UPDATE posts SET
	type = $2, title = $3, content = $4, content_html = $5, summary = $6, author = $7,
	status = $8, slug = $9, categories = $10, syndication = $11, syndicate_to = $12,
	in_reply_to = $13, like_of = $14, repost_of = $15, bookmark_of = $16, photos = $17,
	published = $18, updated_at = $19
WHERE id = $1`, updateArgs(post)...)
	if err != nil {
		return indieweb.Post{}, storageErr("update post", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return indieweb.Post{}, storageErr("commit update", err)
	}
	return post, nil
}

func postArgs(p indieweb.Post) []any {
	return []any{
		p.ID, p.Type, p.Title, p.Content, p.ContentHTML, p.Summary, p.Author, string(p.Status),
		p.Permalink, p.Slug,
		nonNil(p.Categories), nonNil(p.Syndication), nonNil(p.SyndicateTo), nonNil(p.InReplyTo),
		nonNil(p.LikeOf), nonNil(p.RepostOf), nonNil(p.BookmarkOf), nonNil(p.Photos),
		p.Published, p.CreatedAt, p.UpdatedAt,
	}
}

func updateArgs(p indieweb.Post) []any {
	return []any{
		p.ID, p.Type, p.Title, p.Content, p.ContentHTML, p.Summary, p.Author, string(p.Status), p.Slug,
		nonNil(p.Categories), nonNil(p.Syndication), nonNil(p.SyndicateTo), nonNil(p.InReplyTo),
		nonNil(p.LikeOf), nonNil(p.RepostOf), nonNil(p.BookmarkOf), nonNil(p.Photos),
		p.Published, p.UpdatedAt,
	}
}

func scanPost(row pgx.Row) (indieweb.Post, error) {
	var (
		p      indieweb.Post
		status string
	)
	err := row.Scan(
		&p.ID, &p.Type, &p.Title, &p.Content, &p.ContentHTML, &p.Summary, &p.Author, &status,
		&p.Permalink, &p.Slug,
		&p.Categories, &p.Syndication, &p.SyndicateTo, &p.InReplyTo,
		&p.LikeOf, &p.RepostOf, &p.BookmarkOf, &p.Photos,
		&p.Published, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return indieweb.Post{}, err
	}
	p.Status = indieweb.PostStatus(status)
	return p, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
