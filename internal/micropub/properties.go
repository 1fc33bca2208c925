package micropub

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

// listFields maps multi-valued properties to their Post slice.
var listFields = map[string]func(*indieweb.Post) *[]string{
	"category":        func(p *indieweb.Post) *[]string { return &p.Categories },
	"syndication":     func(p *indieweb.Post) *[]string { return &p.Syndication },
	"mp-syndicate-to": func(p *indieweb.Post) *[]string { return &p.SyndicateTo },
	"in-reply-to":     func(p *indieweb.Post) *[]string { return &p.InReplyTo },
	"like-of":         func(p *indieweb.Post) *[]string { return &p.LikeOf },
	"repost-of":       func(p *indieweb.Post) *[]string { return &p.RepostOf },
	"bookmark-of":     func(p *indieweb.Post) *[]string { return &p.BookmarkOf },
	"photo":           func(p *indieweb.Post) *[]string { return &p.Photos },
}

func texts(values []Value) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s := strings.TrimSpace(v.Text); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// replaceProperty sets a property; nil values remove it.
func replaceProperty(post *indieweb.Post, name string, values []Value) error {
	if field, ok := listFields[name]; ok {
		*field(post) = texts(values)
		return nil
	}
	first := Value{}
	if len(values) > 0 {
		first = values[0]
	}
	switch name {
	case "name":
		post.Title = strings.TrimSpace(first.Text)
	case "content":
		post.Content = first.Text
		post.ContentHTML = first.HTML
	case "summary":
		post.Summary = strings.TrimSpace(first.Text)
	case "post-status":
		status, err := parseStatus(first.Text)
		if err != nil {
			return err
		}
		post.Status = status
	case "published":
		if strings.TrimSpace(first.Text) == "" {
			return fmt.Errorf("%w: published cannot be removed", indieweb.ErrInvalidRequest)
		}
		published, err := parsePublished(strings.TrimSpace(first.Text))
		if err != nil {
			return err
		}
		post.Published = published
	case "url", "mp-slug":
		return fmt.Errorf("%s: %w", name, indieweb.ErrPermalinkImmutable)
	default:
		return fmt.Errorf("%w: unsupported property %q", indieweb.ErrInvalidRequest, name)
	}
	return nil
}

// addProperty appends to list properties and sets single-valued ones.
func addProperty(post *indieweb.Post, name string, values []Value) error {
	field, ok := listFields[name]
	if !ok {
		return replaceProperty(post, name, values)
	}
	current := *field(post)
	for _, v := range texts(values) {
		if !slices.Contains(current, v) {
			current = append(current, v)
		}
	}
	*field(post) = current
	return nil
}

func deleteValues(post *indieweb.Post, name string, values []Value) error {
	field, ok := listFields[name]
	if !ok {
		return fmt.Errorf("%w: cannot delete values of %q", indieweb.ErrInvalidRequest, name)
	}
	remove := texts(values)
	var kept []string
	for _, v := range *field(post) {
		if !slices.Contains(remove, v) {
			kept = append(kept, v)
		}
	}
	*field(post) = kept
	return nil
}

// postProperties renders a Post as microformats2 JSON properties.
func postProperties(post indieweb.Post) map[string][]any {
	props := map[string][]any{
		"url":         {post.Permalink},
		"published":   {post.Published.UTC().Format(time.RFC3339)},
		"post-status": {string(post.Status)},
	}
	if post.Title != "" {
		props["name"] = []any{post.Title}
	}
	if post.Content != "" || post.ContentHTML != "" {
		content := map[string]string{"value": post.Content}
		if post.ContentHTML != "" {
			content["html"] = post.ContentHTML
		}
		props["content"] = []any{content}
	}
	if post.Summary != "" {
		props["summary"] = []any{post.Summary}
	}
	if post.Slug != "" {
		props["mp-slug"] = []any{post.Slug}
	}
	for name, field := range listFields {
		values := *field(&post)
		if len(values) == 0 {
			continue
		}
		list := make([]any, len(values))
		for i, v := range values {
			list[i] = v
		}
		props[name] = list
	}
	return props
}
