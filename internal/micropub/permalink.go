package micropub

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-slug"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

const slugWords = 8

// chooseSlug picks the first usable candidate: mp-slug, the name, the opening
// words of the content, then the post ID.
func chooseSlug(post indieweb.CanonicalPost, id string) string {
	candidates := []string{post.Slug, post.Name, firstWords(post.Content, slugWords)}
	for _, candidate := range candidates {
		if s := normalizeSlug(candidate); s != "" {
			return s
		}
	}
	return id
}

func normalizeSlug(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	normalized, err := slug.Normalize(value)
	if err != nil {
		return ""
	}
	return normalized
}

func firstWords(text string, n int) string {
	fields := strings.Fields(text)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

// Permalink builds {base}/{yyyy}/{mm}/{slug}.
func Permalink(base string, published time.Time, slugValue string) string {
	return fmt.Sprintf("%s/%04d/%02d/%s",
		strings.TrimRight(base, "/"), published.Year(), int(published.Month()), slugValue)
}
