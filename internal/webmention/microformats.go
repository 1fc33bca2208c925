package webmention

import (
	"bytes"
	"maps"
	"net/url"
	"slices"
	"strings"
	"unicode/utf8"

	"willnorris.com/go/microformats"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

const maxContentRunes = 1000

// kindProperties maps h-entry response properties to a mention kind, in
// precedence order.
var kindProperties = []struct {
	property string
	kind     indieweb.MentionKind
}{
	{"in-reply-to", indieweb.KindReply},
	{"like-of", indieweb.KindLike},
	{"repost-of", indieweb.KindRepost},
	{"bookmark-of", indieweb.KindBookmark},
}

// ExtractMetadata parses microformats2 markup from a verified source and
// summarises the h-entry that mentions target. It returns nil when the page
// carries neither an h-entry nor an h-card.
func ExtractMetadata(body []byte, pageURL, target string) *indieweb.MentionMetadata {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	data := microformats.Parse(bytes.NewReader(body), base)
	if data == nil {
		return nil
	}

	entries := collect(data.Items, "h-entry")
	cards := collect(data.Items, "h-card")
	if len(entries) == 0 && len(cards) == 0 {
		return nil
	}

	meta := &indieweb.MentionMetadata{Kind: indieweb.KindMention}
	if len(entries) == 0 {
		fillAuthor(meta, cards[0])
		return meta
	}

	want := stripFragment(target)
	entry := entries[0]
	for _, candidate := range entries {
		if kindFor(candidate, want) != indieweb.KindMention {
			entry = candidate
			break
		}
	}

	meta.Type = "h-entry"
	meta.Kind = kindFor(entry, want)
	meta.Name = firstString(entry, "name")
	meta.Content = truncate(firstString(entry, "content"), maxContentRunes)
	meta.URL = firstString(entry, "url")
	meta.Published = firstString(entry, "published")
	if meta.Name == meta.Content {
		meta.Name = ""
	}

	if author := firstMicroformat(entry, "author"); author != nil {
		fillAuthor(meta, author)
	} else if authorURL := firstString(entry, "author"); authorURL != "" {
		meta.AuthorURL = authorURL
	} else if len(cards) > 0 {
		fillAuthor(meta, cards[0])
	}
	return meta
}

func fillAuthor(meta *indieweb.MentionMetadata, card *microformats.Microformat) {
	meta.AuthorName = firstString(card, "name")
	meta.AuthorURL = firstString(card, "url")
	meta.AuthorPhoto = firstString(card, "photo")
	if meta.AuthorName == "" {
		meta.AuthorName = card.Value
	}
}

func kindFor(entry *microformats.Microformat, target string) indieweb.MentionKind {
	for _, kp := range kindProperties {
		for _, v := range entry.Properties[kp.property] {
			if stripFragment(valueURL(v)) == target {
				return kp.kind
			}
		}
	}
	return indieweb.KindMention
}

// collect walks items, their children and embedded property values looking
// for the given root type. Properties are visited in name order so the result
// is stable.
func collect(items []*microformats.Microformat, typ string) []*microformats.Microformat {
	var out []*microformats.Microformat
	var walk func(*microformats.Microformat)
	walk = func(mf *microformats.Microformat) {
		if mf == nil {
			return
		}
		if hasType(mf, typ) {
			out = append(out, mf)
		}
		for _, child := range mf.Children {
			walk(child)
		}
		for _, name := range slices.Sorted(maps.Keys(mf.Properties)) {
			for _, v := range mf.Properties[name] {
				if nested, ok := v.(*microformats.Microformat); ok {
					walk(nested)
				}
			}
		}
	}
	for _, item := range items {
		walk(item)
	}
	return out
}

func hasType(mf *microformats.Microformat, typ string) bool {
	for _, t := range mf.Type {
		if t == typ {
			return true
		}
	}
	return false
}

func firstString(mf *microformats.Microformat, property string) string {
	for _, v := range mf.Properties[property] {
		if s := stringValue(v); s != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func firstMicroformat(mf *microformats.Microformat, property string) *microformats.Microformat {
	for _, v := range mf.Properties[property] {
		if nested, ok := v.(*microformats.Microformat); ok {
			return nested
		}
	}
	return nil
}

// stringValue flattens the value shapes produced by the parser: plain
// strings, e-* and u-photo maps, and embedded microformats.
func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]string:
		return val["value"]
	case map[string]any:
		if s, ok := val["value"].(string); ok {
			return s
		}
	case *microformats.Microformat:
		return val.Value
	}
	return ""
}

func valueURL(v any) string {
	if nested, ok := v.(*microformats.Microformat); ok {
		if u := firstString(nested, "url"); u != "" {
			return u
		}
		return nested.Value
	}
	return stringValue(v)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
