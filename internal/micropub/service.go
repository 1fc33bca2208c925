package micropub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-endpoint/internal/id/uuid"
	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

// Result describes what a Micropub POST did.
type Result struct {
	Action  Action
	Post    indieweb.Post
	Changed bool
}

// Service applies authorized Micropub requests to the post store.
type Service struct {
	store    indieweb.PostStore
	verifier indieweb.TokenVerifier
	site     indieweb.SiteMetadata
	renderer *Renderer
	ids      indieweb.IDGenerator
	clock    indieweb.Clock
	logger   *zap.Logger
}

// NewService wires a Service.
func NewService(
	store indieweb.PostStore,
	verifier indieweb.TokenVerifier,
	site indieweb.SiteMetadata,
	renderer *Renderer,
	ids indieweb.IDGenerator,
	clock indieweb.Clock,
	logger *zap.Logger,
) *Service {
	if renderer == nil {
		renderer = NewRenderer(true)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		verifier: verifier,
		site:     site,
		renderer: renderer,
		ids:      ids,
		clock:    clock,
		logger:   logger,
	}
}

// Config answers q=config.
func (s *Service) Config() map[string]any {
	return map[string]any{"media-endpoint": s.site.MediaEndpoint()}
}

// SyndicateTo answers q=syndicate-to.
func (s *Service) SyndicateTo() map[string]any {
	targets := s.site.SyndicationTargets()
	if targets == nil {
		targets = []indieweb.SyndicationTarget{}
	}
	return map[string]any{"syndicate-to": targets}
}

// Handle authorizes and executes a parsed request. authorization is the raw
// Authorization header; the request's access_token is used when it is empty.
func (s *Service) Handle(ctx context.Context, authorization string, req Request) (Result, error) {
	credential := credentials(authorization, req.AccessToken)
	switch req.Action {
	case ActionCreate, "":
		return s.create(ctx, credential, req)
	case ActionUpdate:
		return s.update(ctx, credential, req)
	case ActionDelete:
		return s.setStatus(ctx, credential, req, "delete", indieweb.PostDeleted)
	case ActionUndelete:
		return s.setStatus(ctx, credential, req, "undelete", indieweb.PostPublished)
	default:
		return Result{}, fmt.Errorf("%w: unknown action %q", indieweb.ErrInvalidRequest, req.Action)
	}
}

func credentials(authorization, accessToken string) string {
	if strings.TrimSpace(authorization) == "" && accessToken != "" {
		return "Bearer " + accessToken
	}
	return authorization
}

func (s *Service) create(ctx context.Context, credential string, req Request) (Result, error) {
	identity, err := s.verifier.Authorize(ctx, credential, "create")
	if err != nil {
		return Result{}, fmt.Errorf("authorize create: %w", err)
	}
	canonical, err := req.Canonical()
	if err != nil {
		return Result{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("generate post id: %w", err)
	}

	now := s.clock.Now()
	post := indieweb.Post{
		ID:          id,
		Type:        canonical.Type,
		Title:       canonical.Name,
		Content:     canonical.Content,
		ContentHTML: canonical.ContentHTML,
		Summary:     canonical.Summary,
		Author:      identity.Me,
		Status:      canonical.Status,
		Categories:  canonical.Categories,
		Syndication: canonical.Syndication,
		SyndicateTo: canonical.SyndicateTo,
		InReplyTo:   canonical.InReplyTo,
		LikeOf:      canonical.LikeOf,
		RepostOf:    canonical.RepostOf,
		BookmarkOf:  canonical.BookmarkOf,
		Photos:      canonical.Photos,
		Published:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if canonical.Published != nil {
		post.Published = *canonical.Published
	}
	if err := s.render(&post); err != nil {
		return Result{}, err
	}

	post.Slug = chooseSlug(canonical, id)
	post.Permalink = Permalink(s.site.BaseURL(), post.Published, post.Slug)
	created, err := s.store.Create(ctx, post)
	if errors.Is(err, indieweb.ErrConflict) {
		post.Slug = post.Slug + "-" + uuid.Short(id)
		post.Permalink = Permalink(s.site.BaseURL(), post.Published, post.Slug)
		s.logger.Info("permalink taken, retrying with suffix", zap.String("permalink", post.Permalink))
		created, err = s.store.Create(ctx, post)
	}
	if err != nil {
		return Result{}, fmt.Errorf("create post: %w", err)
	}
	s.logger.Info("post created",
		zap.String("post_id", created.ID),
		zap.String("permalink", created.Permalink),
		zap.String("me", identity.Me),
	)
	return Result{Action: ActionCreate, Post: created, Changed: true}, nil
}

// render fills ContentHTML from Markdown unless the client supplied HTML.
func (s *Service) render(post *indieweb.Post) error {
	if post.ContentHTML != "" || strings.TrimSpace(post.Content) == "" {
		return nil
	}
	rendered, err := s.renderer.Render(post.Content)
	if err != nil {
		return err
	}
	post.ContentHTML = rendered
	return nil
}

func (s *Service) update(ctx context.Context, credential string, req Request) (Result, error) {
	if _, err := s.verifier.Authorize(ctx, credential, "update"); err != nil {
		return Result{}, fmt.Errorf("authorize update: %w", err)
	}
	post, err := s.store.GetByURL(ctx, req.URL)
	if err != nil {
		return Result{}, fmt.Errorf("load post: %w", err)
	}

	contentChanged := false
	for name, values := range req.Replace {
		if err := replaceProperty(&post, name, values); err != nil {
			return Result{}, err
		}
		contentChanged = contentChanged || name == "content"
	}
	for name, values := range req.Add {
		if err := addProperty(&post, name, values); err != nil {
			return Result{}, err
		}
		contentChanged = contentChanged || name == "content"
	}
	for name, values := range req.DeleteValues {
		if err := deleteValues(&post, name, values); err != nil {
			return Result{}, err
		}
	}
	for _, name := range req.DeleteProperties {
		if err := replaceProperty(&post, name, nil); err != nil {
			return Result{}, err
		}
		contentChanged = contentChanged || name == "content"
	}
	if contentChanged {
		if err := s.render(&post); err != nil {
			return Result{}, err
		}
	}

	post.UpdatedAt = s.clock.Now()
	updated, err := s.store.Update(ctx, post)
	if err != nil {
		return Result{}, fmt.Errorf("update post: %w", err)
	}
	s.logger.Info("post updated", zap.String("post_id", updated.ID), zap.String("permalink", updated.Permalink))
	return Result{Action: ActionUpdate, Post: updated, Changed: true}, nil
}

func (s *Service) setStatus(
	ctx context.Context,
	credential string,
	req Request,
	scope string,
	status indieweb.PostStatus,
) (Result, error) {
	if _, err := s.verifier.Authorize(ctx, credential, scope); err != nil {
		return Result{}, fmt.Errorf("authorize %s: %w", scope, err)
	}
	post, err := s.store.GetByURL(ctx, req.URL)
	if err != nil {
		return Result{}, fmt.Errorf("load post: %w", err)
	}
	if status == indieweb.PostPublished && post.Status != indieweb.PostDeleted {
		return Result{Action: req.Action, Post: post}, nil
	}
	if post.Status == status {
		return Result{Action: req.Action, Post: post}, nil
	}

	post.Status = status
	post.UpdatedAt = s.clock.Now()
	updated, err := s.store.Update(ctx, post)
	if err != nil {
		return Result{}, fmt.Errorf("%s post: %w", scope, err)
	}
	s.logger.Info("post status changed", zap.String("post_id", updated.ID), zap.String("status", string(status)))
	return Result{Action: req.Action, Post: updated, Changed: true}, nil
}

// Source answers q=source. Any valid token may read. When properties is
// non-empty only those are returned, without the type.
func (s *Service) Source(ctx context.Context, authorization, permalink string, properties []string) (map[string]any, error) {
	if _, err := s.verifier.Verify(ctx, authorization); err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if strings.TrimSpace(permalink) == "" {
		return nil, fmt.Errorf("%w: url is required", indieweb.ErrInvalidRequest)
	}
	post, err := s.store.GetByURL(ctx, permalink)
	if err != nil {
		return nil, fmt.Errorf("load post: %w", err)
	}

	props := postProperties(post)
	if len(properties) > 0 {
		filtered := make(map[string][]any, len(properties))
		for _, name := range properties {
			if vals, ok := props[name]; ok {
				filtered[name] = vals
			}
		}
		return map[string]any{"properties": filtered}, nil
	}
	typ := post.Type
	if typ == "" {
		typ = "entry"
	}
	return map[string]any{"type": []string{"h-" + typ}, "properties": props}, nil
}
