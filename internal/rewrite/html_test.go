package rewrite

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestRewriteHTMLRewritesInOriginLinks(t *testing.T) {
	base := mustParseURL(t, "https://example.com/dir/page.html")
	out, err := RewriteHTML([]byte(`<html><head></head><body><a href="/x">link</a></body></html>`),
		base, "https://example.com", "example-com")
	require.NoError(t, err)
	assert.Contains(t, string(out), `href="/m/example-com/x"`)
}

func TestRewriteHTMLLeavesCrossOriginUntouched(t *testing.T) {
	base := mustParseURL(t, "https://example.com/")
	out, err := RewriteHTML([]byte(`<a href="https://other.com/x">link</a>`),
		base, "https://example.com", "example-com")
	require.NoError(t, err)
	assert.Contains(t, string(out), `href="https://other.com/x"`)
}

func TestRewriteHTMLSkipsSpecialSchemes(t *testing.T) {
	base := mustParseURL(t, "https://example.com/")
	src := `<a href="#anchor">a</a><a href="mailto:x@example.com">b</a>` +
		`<a href="tel:12345">c</a><a href="javascript:void(0)">d</a>` +
		`<img src="data:image/png;base64,AAA">`
	out, err := RewriteHTML([]byte(src), base, "https://example.com", "example-com")
	require.NoError(t, err)
	result := string(out)
	assert.Contains(t, result, `href="#anchor"`)
	assert.Contains(t, result, `href="mailto:x@example.com"`)
	assert.Contains(t, result, `href="tel:12345"`)
	assert.Contains(t, result, `href="javascript:void(0)"`)
	assert.Contains(t, result, `src="data:image/png;base64,AAA"`)
}

func TestRewriteHTMLRemovesBaseElements(t *testing.T) {
	base := mustParseURL(t, "https://example.com/")
	out, err := RewriteHTML([]byte(`<head><base href="https://example.com/other/"></head>`),
		base, "https://example.com", "example-com")
	require.NoError(t, err)
	assert.NotContains(t, string(out), "<base")
}

func TestRewriteHTMLInsertsRobotsMetaWhenAbsent(t *testing.T) {
	base := mustParseURL(t, "https://example.com/")
	out, err := RewriteHTML([]byte(`<html><head><title>t</title></head><body></body></html>`),
		base, "https://example.com", "example-com")
	require.NoError(t, err)
	assert.Contains(t, string(out), `name="robots" content="noindex,nofollow"`)
}

func TestRewriteHTMLPreservesExistingRobotsMeta(t *testing.T) {
	base := mustParseURL(t, "https://example.com/")
	src := `<html><head><meta name="robots" content="index,follow"></head></html>`
	out, err := RewriteHTML([]byte(src), base, "https://example.com", "example-com")
	require.NoError(t, err)
	result := string(out)
	assert.Equal(t, 1, strings.Count(result, `name="robots"`))
	assert.Contains(t, result, `content="index,follow"`)
}

func TestRewriteHTMLSrcsetSplitsAndRewrites(t *testing.T) {
	base := mustParseURL(t, "https://example.com/")
	src := `<img src="/a.png" srcset="/a.png 1x, /b.png 2x">`
	out, err := RewriteHTML([]byte(src), base, "https://example.com", "example-com")
	require.NoError(t, err)
	assert.Contains(t, string(out), `srcset="/m/example-com/a.png 1x, /m/example-com/b.png 2x"`)
}

func TestRewriteHTMLRootPathOmitted(t *testing.T) {
	base := mustParseURL(t, "https://example.com/")
	out, err := RewriteHTML([]byte(`<a href="/">home</a>`), base, "https://example.com", "example-com")
	require.NoError(t, err)
	assert.Contains(t, string(out), `href="/m/example-com"`)
}

func TestRewriteHTMLIdempotent(t *testing.T) {
	base := mustParseURL(t, "https://example.com/")
	src := []byte(`<html><head></head><body><a href="/x">link</a><img srcset="/a.png 1x, /b.png 2x"></body></html>`)
	first, err := RewriteHTML(src, base, "https://example.com", "example-com")
	require.NoError(t, err)

	// Values already of the form /m/<slug>/... are skipped by the mirror-path
	// guard, so a second pass must be a fixed point.
	second, err := RewriteHTML(first, base, "https://example.com", "example-com")
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}
