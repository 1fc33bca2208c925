package webmention

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

func TestExtractMetadataReply(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><body>
<div class="h-entry">
  <a class="p-author h-card" href="http://alice.example/">Alice</a>
  <div class="e-content">Great post about
    <a class="u-in-reply-to" href="http://mysite.example/p/1">this</a></div>
  <a class="u-url" href="http://external.example/post1">permalink</a>
  <time class="dt-published" datetime="2024-01-02T03:04:05Z">Jan 2</time>
</div>
</body></html>`)

	meta := ExtractMetadata(body, "http://external.example/post1", "http://mysite.example/p/1")
	require.NotNil(t, meta)
	require.Equal(t, "h-entry", meta.Type)
	require.Equal(t, indieweb.KindReply, meta.Kind)
	require.Equal(t, "Alice", meta.AuthorName)
	require.Equal(t, "http://alice.example/", meta.AuthorURL)
	require.Equal(t, "http://external.example/post1", meta.URL)
	require.Equal(t, "2024-01-02T03:04:05Z", meta.Published)
	require.True(t, strings.HasPrefix(meta.Content, "Great post about"))
}

func TestExtractMetadataPrefersEntryReferencingTarget(t *testing.T) {
	t.Parallel()

	body := []byte(`<div class="h-feed">
  <div class="h-entry"><p class="p-name">Unrelated</p></div>
  <div class="h-entry"><p class="p-name">Liked it</p>
    <a class="u-like-of" href="http://mysite.example/p/1">liked</a></div>
</div>`)

	meta := ExtractMetadata(body, "http://external.example/feed", "http://mysite.example/p/1")
	require.NotNil(t, meta)
	require.Equal(t, indieweb.KindLike, meta.Kind)
	require.Equal(t, "Liked it", meta.Name)
}

func TestExtractMetadataCardOnly(t *testing.T) {
	t.Parallel()

	body := []byte(`<div class="h-card"><a class="p-name u-url" href="http://bob.example/">Bob</a></div>
<a href="http://mysite.example/p/1">ref</a>`)

	meta := ExtractMetadata(body, "http://bob.example/", "http://mysite.example/p/1")
	require.NotNil(t, meta)
	require.Equal(t, indieweb.KindMention, meta.Kind)
	require.Equal(t, "Bob", meta.AuthorName)
	require.Empty(t, meta.Type)
}

func TestExtractMetadataCardNestedAsProperty(t *testing.T) {
	t.Parallel()

	body := []byte(`<div class="h-feed"><p class="p-name">Notes</p>
  <a class="p-author h-card" href="http://carol.example/">Carol</a>
  <a href="http://mysite.example/p/1">ref</a>
</div>`)

	meta := ExtractMetadata(body, "http://carol.example/notes", "http://mysite.example/p/1")
	require.NotNil(t, meta)
	require.Equal(t, indieweb.KindMention, meta.Kind)
	require.Equal(t, "Carol", meta.AuthorName)
	require.Equal(t, "http://carol.example/", meta.AuthorURL)
}

func TestExtractMetadataNoMicroformats(t *testing.T) {
	t.Parallel()

	body := []byte(`<p><a href="http://mysite.example/p/1">plain</a></p>`)
	require.Nil(t, ExtractMetadata(body, "http://external.example/post1", "http://mysite.example/p/1"))
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	require.Equal(t, "abc", truncate("abc", 5))
	require.Equal(t, "ab…", truncate("abcdef", 2))
}
