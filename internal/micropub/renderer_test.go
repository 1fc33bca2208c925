package micropub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRendererRender(t *testing.T) {
	t.Parallel()

	html, err := NewRenderer(false).Render("# Title\n\nSee https://example.com and <b>raw</b>")
	require.NoError(t, err)
	require.Contains(t, html, `<h1 id="title">Title</h1>`)
	require.Contains(t, html, `<a href="https://example.com">https://example.com</a>`)
	require.NotContains(t, html, "<b>raw</b>")

	html, err = NewRenderer(true).Render("<b>raw</b>")
	require.NoError(t, err)
	require.Contains(t, html, "<b>raw</b>")
}

func TestPermalink(t *testing.T) {
	t.Parallel()

	published := time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC)
	require.Equal(t, "http://mysite.example/2024/02/leap", Permalink("http://mysite.example/", published, "leap"))
	require.Equal(t, "https://a.example/blog/2024/02/x", Permalink("https://a.example/blog", published, "x"))
}
