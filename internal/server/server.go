// Package server implements the public-facing HTTP surface (spec C8):
// the launcher page, health check, the resolve API, and the mirrored
// content path itself. Routing style (a Handler method switching on
// path/method, a per-request logger scoped with a request ID) is grounded
// on the teacher's
// internal/edge/server.Server.HandleRequest.
package server

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/webmirror/gateway/internal/apierr"
	"github.com/webmirror/gateway/internal/httputil"
	"github.com/webmirror/gateway/internal/metrics"
	"github.com/webmirror/gateway/internal/proxypipeline"
	"github.com/webmirror/gateway/internal/registry"
	"github.com/webmirror/gateway/internal/requestid"
	"github.com/webmirror/gateway/internal/servicectx"
)

const mirrorPrefix = "/m/"

// Server serves the public gateway surface.
type Server struct {
	registry  *registry.Registry
	pipeline  *proxypipeline.Pipeline
	svc       *servicectx.Context
	metrics   *metrics.Collector
	launcher  []byte
	startedAt time.Time
	logger    *zap.Logger
}

// New builds a Server. launcherHTML is served verbatim at GET /.
func New(reg *registry.Registry, pipeline *proxypipeline.Pipeline, svc *servicectx.Context, mc *metrics.Collector, launcherHTML []byte, logger *zap.Logger) *Server {
	return &Server{
		registry:  reg,
		pipeline:  pipeline,
		svc:       svc,
		metrics:   mc,
		launcher:  launcherHTML,
		startedAt: time.Now(),
		logger:    logger,
	}
}

// resolveRequest is the JSON body accepted by POST /api/resolve.
type resolveRequest struct {
	URL string `json:"url"`
}

// Handler returns the fasthttp entry point for this server.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		requestID := requestid.New(string(ctx.Request.Header.Peek("X-Request-ID")))
		ctx.Response.Header.Set("X-Request-ID", requestID)
		httputil.SetRobotsHeader(ctx)

		logger := s.logger.With(zap.String("request_id", requestID))
		path := string(ctx.Path())
		method := string(ctx.Method())

		switch {
		case path == "/health":
			s.handleHealth(ctx)
		case path == "/" && method == fasthttp.MethodGet:
			s.handleLauncher(ctx)
		case path == "/api/resolve" && method == fasthttp.MethodPost:
			s.handleResolve(ctx, logger)
		case strings.HasPrefix(path, mirrorPrefix):
			s.handleMirror(ctx, logger)
		default:
			httputil.Error(ctx, apierr.NotFound)
		}
	}
}

// handleHealth reports {ok, serviceDisabled, uptimeSec} at the top level,
// per spec.md §6 — this is the one response shape in the gateway that is
// not wrapped in the shared Envelope, since the health-check contract is
// fixed to these three flat fields.
func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	body, err := json.Marshal(map[string]any{
		"ok":              true,
		"serviceDisabled": s.svc.IsDisabled(),
		"uptimeSec":       s.svc.UptimeSeconds(),
	})
	if err != nil {
		httputil.Error(ctx, apierr.InternalError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
}

func (s *Server) handleLauncher(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/html; charset=utf-8")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(s.launcher)
}

func (s *Server) handleResolve(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	if s.svc.IsDisabled() {
		httputil.Error(ctx, apierr.ServiceDisabled)
		return
	}

	var req resolveRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		httputil.Error(ctx, apierr.InvalidBody)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		httputil.Error(ctx, apierr.MissingURL)
		return
	}
	if len(req.URL) > 2000 {
		httputil.Error(ctx, apierr.InvalidBody)
		return
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := s.registry.ResolveTargetURL(reqCtx, req.URL)
	if err != nil {
		logger.Warn("resolve failed", zap.String("url", req.URL), zap.Error(err))
		httputil.WriteErr(ctx, err)
		return
	}

	httputil.JSON(ctx, fasthttp.StatusOK, map[string]any{
		"slug":         result.Slug,
		"targetOrigin": result.TargetOrigin,
		"launchUrl":    result.LaunchURL,
		"created":      result.Created,
	})
}

// handleMirror serves /m/<slug>[/<tail>], the mirrored content path.
func (s *Server) handleMirror(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	if s.metrics != nil {
		s.metrics.IncActiveRequests()
		defer s.metrics.DecActiveRequests()
	}

	rest := strings.TrimPrefix(string(ctx.Path()), mirrorPrefix)
	slug, tail, _ := strings.Cut(rest, "/")
	if slug == "" {
		httputil.Error(ctx, apierr.MirrorNotFound)
		return
	}

	inbound := map[string][]string{}
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		inbound[string(k)] = append(inbound[string(k)], string(v))
	})

	start := time.Now()
	result, err := s.pipeline.HandleMirrorRequest(ctx, slug, tail, string(ctx.URI().QueryString()), string(ctx.Method()), inbound)
	status := "error"
	if err != nil {
		logger.Warn("mirror request failed", zap.String("slug", slug), zap.Error(err))
		if s.metrics != nil {
			s.metrics.RecordRequest(slug, status, time.Since(start))
		}
		httputil.WriteErr(ctx, err)
		return
	}

	for k, values := range result.Headers {
		for _, v := range values {
			ctx.Response.Header.Add(k, v)
		}
	}
	ctx.SetStatusCode(result.Status)
	if result.Body != nil {
		ctx.SetBody(result.Body)
	}

	if s.metrics != nil {
		s.metrics.RecordRequest(slug, statusClass(result.Status), time.Since(start))
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
