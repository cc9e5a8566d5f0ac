// Package proxypipeline implements the end-to-end mirrored-request state
// machine (C7): cache lookup, guarded upstream fetch with bounded redirect
// revalidation, size guards, content rewriting, response header policy, and
// cache write-back.
//
// The fasthttp.Client wiring (AcquireRequest/AcquireResponse, DoTimeout,
// manual redirect handling via Location inspection rather than an
// auto-follow client) is grounded on the teacher's
// internal/edge/bypass/bypass_service.go; the header drop-list constants
// are grounded on internal/edge/orchestrator/headers.go.
package proxypipeline

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/webmirror/gateway/internal/allowlist"
	"github.com/webmirror/gateway/internal/apierr"
	"github.com/webmirror/gateway/internal/filecache"
	"github.com/webmirror/gateway/internal/metrics"
	"github.com/webmirror/gateway/internal/registry"
	"github.com/webmirror/gateway/internal/rewrite"
	"github.com/webmirror/gateway/internal/servicectx"
	"github.com/webmirror/gateway/internal/urlutil"
	"github.com/webmirror/gateway/pkg/types"
)

const maxRedirectHops = 5

// hopByHopHeaders are always dropped from the outgoing response.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"transfer-encoding":   true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"upgrade":             true,
}

// alwaysDropHeaders are dropped regardless of any allow-list, for security
// (content-security-policy would break rewritten in-origin links) or
// phase-1 scope (set-cookie: no session support).
var alwaysDropHeaders = map[string]bool{
	"content-security-policy": true,
	"set-cookie":              true,
}

// forwardedRequestHeaders is the exhaustive set of inbound headers relayed
// to the upstream.
var forwardedRequestHeaders = []string{"user-agent", "accept", "accept-language"}

// Config bundles the tunables the pipeline needs at request time.
type Config struct {
	AllowHTTP       bool
	UpstreamTimeout time.Duration
	MaxHTMLBytes    int64
	MaxBinaryBytes  int64
}

// Pipeline services mirrored requests end to end.
type Pipeline struct {
	cfg      Config
	list     *allowlist.List
	cache    *filecache.Cache
	registry *registry.Registry
	svc      *servicectx.Context
	client   *fasthttp.Client
	logger   *zap.Logger
	metrics  *metrics.Collector

	// ssrfCheck and doRequest are overridable so tests can exercise the
	// redirect/cache/rewrite state machine without opening real sockets or
	// tripping the loopback block a local test server would hit.
	ssrfCheck func(ctx context.Context, rawURL string, allowHTTP bool) error
	doRequest func(req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration) error
}

// New wires a Pipeline against its collaborators.
func New(cfg Config, list *allowlist.List, cache *filecache.Cache, reg *registry.Registry, svc *servicectx.Context, logger *zap.Logger) *Pipeline {
	maxBody := cfg.MaxHTMLBytes
	if cfg.MaxBinaryBytes > maxBody {
		maxBody = cfg.MaxBinaryBytes
	}
	client := &fasthttp.Client{
		ReadTimeout:         cfg.UpstreamTimeout,
		WriteTimeout:        cfg.UpstreamTimeout,
		MaxResponseBodySize: int(maxBody),
	}
	p := &Pipeline{
		cfg:      cfg,
		list:     list,
		cache:    cache,
		registry: reg,
		svc:      svc,
		logger:   logger,
		client:   client,
	}
	p.ssrfCheck = urlutil.AssertSafeURL
	p.doRequest = client.DoTimeout
	return p
}

// SetMetrics attaches a metrics collector; cache hit/miss counters are
// recorded through it when non-nil.
func (p *Pipeline) SetMetrics(mc *metrics.Collector) { p.metrics = mc }

// Result is the fully-assembled outbound response.
type Result struct {
	Status  int
	Headers map[string][]string
	Body    []byte
}

// HandleMirrorRequest services one mirrored request per the state machine
// in the content design: precondition checks, upstream URL construction,
// cache lookup, guarded fetch, size guard, rewriting, header policy, and
// cache write.
func (p *Pipeline) HandleMirrorRequest(ctx context.Context, slug, tailPath, rawQuery, method string, inboundHeaders map[string][]string) (*Result, error) {
	method = strings.ToUpper(method)
	if method != "GET" && method != "HEAD" {
		return nil, apierr.New(apierr.MethodNotAllowed)
	}
	if p.svc.IsDisabled() {
		return nil, apierr.New(apierr.ServiceDisabled)
	}

	record, ok, err := p.registry.GetBySlug(ctx, slug)
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, err)
	}
	if !ok || record.Disabled {
		return nil, apierr.New(apierr.MirrorNotFound)
	}

	upstreamURL, err := buildUpstreamURL(record.TargetOrigin, tailPath, rawQuery)
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, err)
	}

	cacheKey := filecache.CacheKey("GET", upstreamURL)

	if method == "GET" {
		if entry, hit := p.cache.Get(record.Slug, cacheKey); hit {
			p.registry.LogEvent(ctx, types.EventLevelInfo, types.EventCacheHit, record.Slug, upstreamURL, nil)
			if p.metrics != nil {
				p.metrics.RecordCacheHit(record.Slug)
			}
			headers := cloneHeaders(entry.Headers)
			headers["x-cache"] = []string{"HIT"}
			headers["x-robots-tag"] = []string{"noindex, nofollow"}
			return &Result{Status: entry.Status, Headers: headers, Body: entry.Body}, nil
		}
		p.registry.LogEvent(ctx, types.EventLevelInfo, types.EventCacheMiss, record.Slug, upstreamURL, nil)
		if p.metrics != nil {
			p.metrics.RecordCacheMiss(record.Slug)
		}
	}

	fetchMethod := method
	resp, finalURL, err := p.fetchWithRedirects(ctx, upstreamURL, fetchMethod, inboundHeaders)
	if err != nil {
		p.logUpstreamFailure(ctx, record.Slug, err)
		return nil, err
	}
	defer fasthttp.ReleaseResponse(resp)

	body := append([]byte(nil), resp.Body()...)
	contentType := string(resp.Header.ContentType())

	if err := checkSizeGuard(contentType, int64(len(body)), p.cfg.MaxHTMLBytes, p.cfg.MaxBinaryBytes); err != nil {
		return nil, err
	}

	if method == "HEAD" {
		headers := buildResponseHeaders(resp, contentType, false, len(body))
		return &Result{Status: resp.StatusCode(), Headers: headers, Body: nil}, nil
	}

	rewritten := false
	if isHTML(contentType) {
		if out, err := rewrite.RewriteHTML(body, mustParseURL(finalURL), record.TargetOrigin, record.Slug); err == nil {
			body = out
			rewritten = true
		}
	} else if isCSS(contentType) {
		body = rewrite.RewriteCSS(body, mustParseURL(finalURL), record.TargetOrigin, record.Slug)
		rewritten = true
	}

	headers := buildResponseHeaders(resp, contentType, rewritten, len(body))
	status := resp.StatusCode()

	if status >= 200 && status < 300 {
		cacheHeaders := cloneHeaders(headers)
		delete(cacheHeaders, "x-cache")
		delete(cacheHeaders, "x-robots-tag")
		_ = p.cache.Set(record.Slug, cacheKey, filecache.Entry{
			Status:      status,
			Headers:     cacheHeaders,
			ContentType: contentType,
			Body:        body,
		})
	}

	finalParsed := mustParseURL(finalURL)
	lastPath := finalParsed.Path
	if finalParsed.RawQuery != "" {
		lastPath += "?" + finalParsed.RawQuery
	}
	_ = p.registry.Touch(ctx, record.Slug, lastPath)

	return &Result{Status: status, Headers: headers, Body: body}, nil
}

func buildUpstreamURL(targetOrigin, tailPath, rawQuery string) (string, error) {
	base, err := url.Parse(targetOrigin)
	if err != nil {
		return "", err
	}
	trimmed := strings.TrimLeft(tailPath, "/")
	if trimmed == "" {
		base.Path = "/"
	} else {
		base.Path = "/" + trimmed
	}
	base.RawQuery = strings.TrimPrefix(rawQuery, "?")
	return base.String(), nil
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}

// fetchWithRedirects performs the guarded fetch with up to maxRedirectHops
// manual redirect follows, revalidating the SSRF guard and allowlist at
// each hop.
func (p *Pipeline) fetchWithRedirects(ctx context.Context, startURL, method string, inboundHeaders map[string][]string) (*fasthttp.Response, string, error) {
	current := startURL

	for hop := 0; hop < maxRedirectHops; hop++ {
		if err := p.ssrfCheck(ctx, current, p.cfg.AllowHTTP); err != nil {
			return nil, "", err
		}
		parsed, err := url.Parse(current)
		if err != nil {
			return nil, "", apierr.Wrap(apierr.InvalidURL, err)
		}
		if !p.list.IsAllowed(parsed) {
			return nil, "", apierr.New(apierr.DomainNotAllowed)
		}

		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		req.SetRequestURI(current)
		req.Header.SetMethod(method)
		req.Header.Set("cache-control", "no-cache")
		req.Header.Set("pragma", "no-cache")
		for _, name := range forwardedRequestHeaders {
			if values, ok := lookupHeaderCaseInsensitive(inboundHeaders, name); ok && len(values) > 0 {
				req.Header.Set(name, values[0])
			}
		}

		err = p.doRequest(req, resp, p.cfg.UpstreamTimeout)
		fasthttp.ReleaseRequest(req)
		if err != nil {
			fasthttp.ReleaseResponse(resp)
			return nil, "", apierr.Wrap(apierr.UpstreamError, err)
		}

		status := resp.StatusCode()
		if status >= 300 && status < 400 {
			location := string(resp.Header.Peek("Location"))
			if location != "" {
				next, err := parsed.Parse(location)
				fasthttp.ReleaseResponse(resp)
				if err != nil {
					return nil, "", apierr.Wrap(apierr.InvalidURL, err)
				}
				current = next.String()
				continue
			}
		}

		return resp, current, nil
	}

	return nil, "", apierr.New(apierr.TooManyRedirects)
}

func lookupHeaderCaseInsensitive(headers map[string][]string, name string) ([]string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// checkSizeGuard enforces the HTML vs binary byte ceilings.
func checkSizeGuard(contentType string, size, maxHTML, maxBinary int64) error {
	if isHTML(contentType) {
		if size > maxHTML {
			return apierr.New(apierr.HTMLTooLarge)
		}
		return nil
	}
	if isTextLike(contentType) {
		return nil
	}
	if size > maxBinary {
		return apierr.New(apierr.BinaryTooLarge)
	}
	return nil
}

func isHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

func isCSS(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/css")
}

// isTextLike matches HTML, CSS, any text/*, *javascript*, or *json*.
func isTextLike(contentType string) bool {
	lower := strings.ToLower(contentType)
	return strings.HasPrefix(lower, "text/") ||
		strings.Contains(lower, "javascript") ||
		strings.Contains(lower, "json")
}

// buildResponseHeaders applies the drop-list, rewrite-driven header
// invalidation, and the always-appended synthetic headers.
func buildResponseHeaders(resp *fasthttp.Response, contentType string, rewritten bool, bodyLen int) map[string][]string {
	headers := make(map[string][]string)
	for key, value := range resp.Header.All() {
		name := strings.ToLower(string(key))
		if hopByHopHeaders[name] || alwaysDropHeaders[name] {
			continue
		}
		if rewritten && (name == "content-length" || name == "content-encoding" || name == "etag") {
			continue
		}
		headers[string(key)] = append(headers[string(key)], string(value))
	}

	if rewritten {
		headers["Content-Length"] = []string{strconv.Itoa(bodyLen)}
	}

	headers["x-robots-tag"] = []string{"noindex, nofollow"}
	headers["x-cache"] = []string{"MISS"}
	return headers
}

func cloneHeaders(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (p *Pipeline) logUpstreamFailure(ctx context.Context, slug string, err error) {
	code := apierr.CodeOf(err)
	msg := fmt.Sprintf("%v", err)

	reason := "other"
	switch code {
	case apierr.SSRFBlocked:
		reason = "ssrf-blocked"
		p.registry.LogEvent(ctx, types.EventLevelWarn, types.EventSSRFBlocked, slug, msg, nil)
	case apierr.DNSResolutionFailed, apierr.UpstreamError:
		if strings.Contains(strings.ToLower(msg), "timeout") {
			reason = "timeout"
			p.registry.LogEvent(ctx, types.EventLevelError, types.EventUpstreamTimeout, slug, msg, nil)
		} else {
			reason = "upstream-error"
			p.registry.LogEvent(ctx, types.EventLevelError, types.EventProxyError, slug, msg, nil)
		}
	case apierr.TooManyRedirects:
		reason = "redirect-loop"
		p.registry.LogEvent(ctx, types.EventLevelError, types.EventProxyError, slug, msg, nil)
	default:
		p.registry.LogEvent(ctx, types.EventLevelError, types.EventProxyError, slug, msg, nil)
	}
	if p.metrics != nil {
		p.metrics.RecordUpstreamError(reason)
	}
}
