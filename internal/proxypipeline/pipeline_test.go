package proxypipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/webmirror/gateway/internal/allowlist"
	"github.com/webmirror/gateway/internal/apierr"
	"github.com/webmirror/gateway/internal/filecache"
	"github.com/webmirror/gateway/internal/registry"
	"github.com/webmirror/gateway/internal/servicectx"
	"github.com/webmirror/gateway/pkg/types"
)

type fakeUpstreamResponse struct {
	status      int
	location    string
	contentType string
	body        []byte
}

type harness struct {
	pipeline *Pipeline
	registry *registry.Registry
	svc      *servicectx.Context
	slug     string
}

// newHarness wires a Pipeline whose upstream calls are served from
// responses (keyed by request URI) instead of a real socket, and whose
// SSRF check always passes — this exercises the redirect/cache/rewrite
// state machine without depending on network access or the loopback block
// a real local test server would trip.
func newHarness(t *testing.T, targetOrigin string, responses map[string]fakeUpstreamResponse) *harness {
	t.Helper()
	dir := t.TempDir()

	list, err := allowlist.New(filepath.Join(dir, "allowlist.json"))
	require.NoError(t, err)
	_, err = list.Upsert(types.AllowlistEntry{
		Host: mustHost(t, targetOrigin), Enabled: true, AllowSubdomains: true, Schemes: []string{"http"},
	})
	require.NoError(t, err)

	reg, err := registry.Open(filepath.Join(dir, "registry.db"), list, true, zap.NewNop())
	require.NoError(t, err)

	cache, err := filecache.New(filepath.Join(dir, "cache"), 1<<20, 3600, zap.NewNop())
	require.NoError(t, err)

	res, err := reg.ResolveTargetURL(context.Background(), targetOrigin+"/")
	require.NoError(t, err)

	svc := servicectx.New()
	p := New(Config{
		AllowHTTP:       true,
		UpstreamTimeout: time.Second,
		MaxHTMLBytes:    1 << 20,
		MaxBinaryBytes:  1 << 20,
	}, list, cache, reg, svc, zap.NewNop())

	p.ssrfCheck = func(ctx context.Context, rawURL string, allowHTTP bool) error { return nil }
	p.doRequest = func(req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration) error {
		uri := string(req.RequestURI())
		fake, ok := responses[uri]
		if !ok {
			resp.SetStatusCode(404)
			return nil
		}
		resp.SetStatusCode(fake.status)
		if fake.contentType != "" {
			resp.Header.SetContentType(fake.contentType)
		}
		if fake.location != "" {
			resp.Header.Set("Location", fake.location)
		}
		resp.SetBody(fake.body)
		return nil
	}

	return &harness{pipeline: p, registry: reg, svc: svc, slug: res.Slug}
}

func mustHost(t *testing.T, rawURL string) string {
	t.Helper()
	u := mustParseURL(rawURL)
	return u.Hostname()
}

func TestHandleMirrorRequestCacheMissThenHit(t *testing.T) {
	h := newHarness(t, "http://93.184.216.34", map[string]fakeUpstreamResponse{
		"http://93.184.216.34/": {
			status:      200,
			contentType: "text/html",
			body:        []byte(`<html><head></head><body><a href="/x">link</a></body></html>`),
		},
	})
	ctx := context.Background()

	first, err := h.pipeline.HandleMirrorRequest(ctx, h.slug, "/", "", "GET", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, first.Status)
	assert.Equal(t, []string{"MISS"}, first.Headers["x-cache"])
	assert.Contains(t, string(first.Body), "/m/"+h.slug+"/x")

	second, err := h.pipeline.HandleMirrorRequest(ctx, h.slug, "/", "", "GET", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"HIT"}, second.Headers["x-cache"])
	assert.Equal(t, first.Body, second.Body)
}

func TestHandleMirrorRequestMethodNotAllowed(t *testing.T) {
	h := newHarness(t, "http://93.184.216.34", nil)
	_, err := h.pipeline.HandleMirrorRequest(context.Background(), h.slug, "/", "", "POST", nil)
	require.Error(t, err)
	assert.Equal(t, apierr.MethodNotAllowed, apierr.CodeOf(err))
}

func TestHandleMirrorRequestServiceDisabled(t *testing.T) {
	h := newHarness(t, "http://93.184.216.34", nil)
	h.svc.SetDisabled(true)
	_, err := h.pipeline.HandleMirrorRequest(context.Background(), h.slug, "/", "", "GET", nil)
	require.Error(t, err)
	assert.Equal(t, apierr.ServiceDisabled, apierr.CodeOf(err))
}

func TestHandleMirrorRequestMirrorNotFound(t *testing.T) {
	h := newHarness(t, "http://93.184.216.34", nil)
	_, err := h.pipeline.HandleMirrorRequest(context.Background(), "nonexistent-slug", "/", "", "GET", nil)
	require.Error(t, err)
	assert.Equal(t, apierr.MirrorNotFound, apierr.CodeOf(err))
}

func TestHandleMirrorRequestTooManyRedirects(t *testing.T) {
	h := newHarness(t, "http://93.184.216.34", map[string]fakeUpstreamResponse{
		"http://93.184.216.34/": {status: 301, location: "/"},
	})
	_, err := h.pipeline.HandleMirrorRequest(context.Background(), h.slug, "/", "", "GET", nil)
	require.Error(t, err)
	assert.Equal(t, apierr.TooManyRedirects, apierr.CodeOf(err))
}

func TestHandleMirrorRequestHTMLTooLarge(t *testing.T) {
	h := newHarness(t, "http://93.184.216.34", map[string]fakeUpstreamResponse{
		"http://93.184.216.34/": {status: 200, contentType: "text/html", body: make([]byte, 2<<20)},
	})
	h.pipeline.cfg.MaxHTMLBytes = 1024
	_, err := h.pipeline.HandleMirrorRequest(context.Background(), h.slug, "/", "", "GET", nil)
	require.Error(t, err)
	assert.Equal(t, apierr.HTMLTooLarge, apierr.CodeOf(err))
}

func TestHandleMirrorRequestHeadShortCircuit(t *testing.T) {
	h := newHarness(t, "http://93.184.216.34", map[string]fakeUpstreamResponse{
		"http://93.184.216.34/": {status: 200, contentType: "text/html", body: []byte("<html></html>")},
	})
	result, err := h.pipeline.HandleMirrorRequest(context.Background(), h.slug, "/", "", "HEAD", nil)
	require.NoError(t, err)
	assert.Nil(t, result.Body)
	assert.Equal(t, []string{"MISS"}, result.Headers["x-cache"])

	_, hit := h.pipeline.cache.Get(h.slug, filecache.CacheKey("GET", "http://93.184.216.34/"))
	assert.False(t, hit)
}

func TestHandleMirrorRequestDropsHopByHopAndSecurityHeaders(t *testing.T) {
	h := newHarness(t, "http://93.184.216.34", map[string]fakeUpstreamResponse{
		"http://93.184.216.34/": {status: 200, contentType: "text/html", body: []byte("<html></html>")},
	})
	result, err := h.pipeline.HandleMirrorRequest(context.Background(), h.slug, "/", "", "GET", nil)
	require.NoError(t, err)
	_, hasConnection := result.Headers["Connection"]
	_, hasSetCookie := result.Headers["Set-Cookie"]
	assert.False(t, hasConnection)
	assert.False(t, hasSetCookie)
}

func TestBuildUpstreamURL(t *testing.T) {
	u, err := buildUpstreamURL("https://example.com", "/x/y", "?a=1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/x/y?a=1", u)

	u, err = buildUpstreamURL("https://example.com", "", "")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", u)
}

func TestCheckSizeGuard(t *testing.T) {
	assert.NoError(t, checkSizeGuard("text/html", 100, 1000, 1000))
	assert.Error(t, checkSizeGuard("text/html", 2000, 1000, 1000))
	assert.NoError(t, checkSizeGuard("application/json", 1_000_000, 100, 100))
	assert.Error(t, checkSizeGuard("application/octet-stream", 2000, 1000, 1000))
}

func TestIsTextLike(t *testing.T) {
	assert.True(t, isTextLike("text/plain"))
	assert.True(t, isTextLike("application/javascript"))
	assert.True(t, isTextLike("application/json"))
	assert.False(t, isTextLike("application/octet-stream"))
}
