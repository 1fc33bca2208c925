// Package micropub parses Micropub requests and applies them to the post store.
package micropub

import (
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

// Action is the operation a Micropub POST asks for.
type Action string

// Supported actions.
const (
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionUndelete Action = "undelete"
)

// Value is one normalised property value. HTML is set only when the client
// sent an {"html": ...} object.
type Value struct {
	Text string
	HTML string
}

// Properties maps Micropub property names (without "[]") to their values.
type Properties map[string][]Value

// Request is the typed result of parsing a Micropub POST body.
type Request struct {
	Action Action
	// URL identifies the post for update, delete and undelete.
	URL string
	// Type is the h-* vocabulary without the prefix, "entry" by default.
	Type       string
	Properties Properties

	Replace          Properties
	Add              Properties
	DeleteValues     Properties
	DeleteProperties []string

	// AccessToken carries a form or JSON supplied token for clients that do
	// not send an Authorization header.
	AccessToken string
}

func (p Properties) first(name string) string {
	if vals := p[name]; len(vals) > 0 {
		return vals[0].Text
	}
	return ""
}

func (p Properties) strings(name string) []string {
	vals := p[name]
	if len(vals) == 0 {
		return nil
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s := strings.TrimSpace(v.Text); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Canonical converts create properties into a CanonicalPost.
func (r Request) Canonical() (indieweb.CanonicalPost, error) {
	props := r.Properties
	post := indieweb.CanonicalPost{
		Type:        r.Type,
		Name:        strings.TrimSpace(props.first("name")),
		Summary:     strings.TrimSpace(props.first("summary")),
		Slug:        strings.TrimSpace(props.first("mp-slug")),
		Categories:  props.strings("category"),
		SyndicateTo: props.strings("mp-syndicate-to"),
		Syndication: props.strings("syndication"),
		InReplyTo:   props.strings("in-reply-to"),
		LikeOf:      props.strings("like-of"),
		RepostOf:    props.strings("repost-of"),
		BookmarkOf:  props.strings("bookmark-of"),
		Photos:      props.strings("photo"),
	}
	if post.Type == "" {
		post.Type = "entry"
	}
	if vals := props["content"]; len(vals) > 0 {
		post.Content = vals[0].Text
		post.ContentHTML = vals[0].HTML
	}

	status, err := parseStatus(props.first("post-status"))
	if err != nil {
		return indieweb.CanonicalPost{}, err
	}
	post.Status = status

	if raw := strings.TrimSpace(props.first("published")); raw != "" {
		published, err := parsePublished(raw)
		if err != nil {
			return indieweb.CanonicalPost{}, err
		}
		post.Published = &published
	}
	return post, nil
}

func parseStatus(raw string) (indieweb.PostStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "published", "publish":
		return indieweb.PostPublished, nil
	case "draft":
		return indieweb.PostDraft, nil
	default:
		return "", fmt.Errorf("%w: unknown post-status %q", indieweb.ErrParse, raw)
	}
}

func parsePublished(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: invalid published date %q", indieweb.ErrParse, raw)
}
