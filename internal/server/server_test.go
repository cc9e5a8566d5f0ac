package server

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/webmirror/gateway/internal/allowlist"
	"github.com/webmirror/gateway/internal/filecache"
	"github.com/webmirror/gateway/internal/metrics"
	"github.com/webmirror/gateway/internal/proxypipeline"
	"github.com/webmirror/gateway/internal/registry"
	"github.com/webmirror/gateway/internal/servicectx"
	"github.com/webmirror/gateway/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry, *servicectx.Context) {
	t.Helper()
	dir := t.TempDir()

	list, err := allowlist.New(filepath.Join(dir, "allowlist.json"))
	require.NoError(t, err)
	_, err = list.Upsert(types.AllowlistEntry{Host: "93.184.216.34", Enabled: true, Schemes: []string{"http"}})
	require.NoError(t, err)

	reg, err := registry.Open(filepath.Join(dir, "reg.db"), list, true, zap.NewNop())
	require.NoError(t, err)

	cache, err := filecache.New(filepath.Join(dir, "cache"), 1<<20, 3600, zap.NewNop())
	require.NoError(t, err)

	svc := servicectx.New()
	p := proxypipeline.New(proxypipeline.Config{AllowHTTP: true, UpstreamTimeout: time.Second, MaxHTMLBytes: 1 << 20, MaxBinaryBytes: 1 << 20}, list, cache, reg, svc, zap.NewNop())

	srv := New(reg, p, svc, nil, []byte("<html>launcher</html>"), zap.NewNop())
	return srv, reg, svc
}

func TestHandleHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/health")
	srv.Handler()(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var body map[string]any
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, false, body["serviceDisabled"])
	assert.Contains(t, body, "uptimeSec")
}

func TestHandleHealthReportsDisabled(t *testing.T) {
	srv, _, svc := newTestServer(t)
	svc.SetDisabled(true)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/health")
	srv.Handler()(ctx)

	var body map[string]any
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, true, body["serviceDisabled"])
}

func TestHandleLauncher(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/")
	srv.Handler()(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "launcher")
}

func TestHandleResolveMissingURL(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/api/resolve")
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetBody([]byte(`{"url":""}`))
	srv.Handler()(ctx)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandleResolveServiceDisabled(t *testing.T) {
	srv, _, svc := newTestServer(t)
	svc.SetDisabled(true)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/api/resolve")
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetBody([]byte(`{"url":"http://93.184.216.34/"}`))
	srv.Handler()(ctx)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
}

func TestHandleResolveSuccess(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/api/resolve")
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetBody([]byte(`{"url":"http://93.184.216.34/"}`))
	srv.Handler()(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `"slug"`)
}

func TestHandleResolveURLTooLong(t *testing.T) {
	srv, _, _ := newTestServer(t)
	longURL := "http://93.184.216.34/" + strings.Repeat("a", 2000)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/api/resolve")
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetBody([]byte(`{"url":"` + longURL + `"}`))
	srv.Handler()(ctx)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandleMirrorNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/m/nonexistent/")
	srv.Handler()(ctx)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestHandleUnknownPath(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/nope")
	srv.Handler()(ctx)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestHandleMirrorBracketsActiveRequestsGauge(t *testing.T) {
	dir := t.TempDir()
	list, err := allowlist.New(filepath.Join(dir, "allowlist.json"))
	require.NoError(t, err)
	_, err = list.Upsert(types.AllowlistEntry{Host: "93.184.216.34", Enabled: true, Schemes: []string{"http"}})
	require.NoError(t, err)

	reg, err := registry.Open(filepath.Join(dir, "reg.db"), list, true, zap.NewNop())
	require.NoError(t, err)
	cache, err := filecache.New(filepath.Join(dir, "cache"), 1<<20, 3600, zap.NewNop())
	require.NoError(t, err)
	svc := servicectx.New()
	p := proxypipeline.New(proxypipeline.Config{AllowHTTP: true, UpstreamTimeout: time.Second, MaxHTMLBytes: 1 << 20, MaxBinaryBytes: 1 << 20}, list, cache, reg, svc, zap.NewNop())

	promReg := prometheus.NewRegistry()
	mc := metrics.NewWithRegistry("test", promReg, zap.NewNop())
	srv := New(reg, p, svc, mc, []byte("<html>launcher</html>"), zap.NewNop())

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/m/nonexistent/")
	srv.Handler()(ctx)

	families, err := promReg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "test_mirror_active_requests" {
			continue
		}
		assert.Equal(t, float64(0), f.GetMetric()[0].GetGauge().GetValue())
	}
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(200))
	assert.Equal(t, "3xx", statusClass(301))
	assert.Equal(t, "4xx", statusClass(404))
	assert.Equal(t, "5xx", statusClass(500))
}
