package webmention

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// linkAttributes lists the attributes that may carry a reference to the
// target, keyed by element name.
var linkAttributes = map[string][]string{
	"a":          {"href"},
	"area":       {"href"},
	"link":       {"href"},
	"img":        {"src"},
	"video":      {"src", "poster"},
	"audio":      {"src"},
	"source":     {"src"},
	"iframe":     {"src"},
	"blockquote": {"cite"},
	"q":          {"cite"},
	"del":        {"cite"},
	"ins":        {"cite"},
}

// FindLink reports whether body references target. HTML bodies are parsed and
// every link-bearing attribute is resolved against pageURL; any other body is
// searched for the literal target.
func FindLink(body []byte, contentType, pageURL, target string) (bool, error) {
	want := stripFragment(target)
	if !isHTML(contentType, body) {
		return containsLiteral(body, target), nil
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return false, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("parse html: %w", err)
	}

	found := false
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found {
			return
		}
		if n.Type == html.ElementNode {
			for _, attr := range n.Attr {
				if !carriesLink(n.Data, attr.Key) {
					continue
				}
				if resolveRef(base, attr.Val) == want {
					found = true
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return found, nil
}

func carriesLink(element, attr string) bool {
	for _, candidate := range linkAttributes[element] {
		if strings.EqualFold(candidate, attr) {
			return true
		}
	}
	return false
}

func resolveRef(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	resolved.Fragment = ""
	resolved.RawFragment = ""
	return resolved.String()
}

func stripFragment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func isHTML(contentType string, body []byte) bool {
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func containsLiteral(body []byte, target string) bool {
	if bytes.Contains(body, []byte(target)) {
		return true
	}
	// JSON encoders may escape forward slashes.
	return bytes.Contains(body, []byte(strings.ReplaceAll(target, "/", `\/`)))
}
