// Package adminserver implements the internal, token-protected admin
// listener (spec C9): allowlist CRUD, cache purge, service-wide and
// per-mirror disable/enable, allowlist reload, an operational summary,
// event-log tail, mirror listing, a test-resolve helper, and the
// Prometheus scrape endpoint. Routing (a method -> exact-path -> handler
// map with a separate prefix-match pass for path parameters, plus a
// single authenticate gate run before every handler) is grounded directly
// on the teacher's internal/edge/internal_server.InternalServer.
package adminserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/webmirror/gateway/internal/allowlist"
	"github.com/webmirror/gateway/internal/apierr"
	"github.com/webmirror/gateway/internal/filecache"
	"github.com/webmirror/gateway/internal/httputil"
	"github.com/webmirror/gateway/internal/metrics"
	"github.com/webmirror/gateway/internal/registry"
	"github.com/webmirror/gateway/internal/servicectx"
	"github.com/webmirror/gateway/pkg/types"
)

const (
	pathAllowlist       = "/internal/allowlist"
	pathCachePurge      = "/internal/cache/purge"
	pathServiceDisable  = "/internal/service/disable"
	pathServiceEnable   = "/internal/service/enable"
	pathAllowlistReload = "/internal/allowlist/reload"
	pathSummary         = "/internal/summary"
	pathLogs            = "/internal/logs"
	pathMirrors         = "/internal/mirrors"
	pathTestResolve     = "/internal/test-resolve"
	pathMetrics         = "/internal/metrics"
)

// Server is the internal admin HTTP surface.
type Server struct {
	token string

	list     *allowlist.List
	cache    *filecache.Cache
	registry *registry.Registry
	svc      *servicectx.Context
	metrics  *metrics.Collector

	cacheDir  string
	startedAt time.Time
	logger    *zap.Logger

	routes map[string]map[string]fasthttp.RequestHandler
}

// New wires an admin Server. token is the shared secret required via
// X-Internal-Token or an "Authorization: Bearer <token>" header.
func New(token string, list *allowlist.List, cache *filecache.Cache, reg *registry.Registry, svc *servicectx.Context, mc *metrics.Collector, cacheDir string, logger *zap.Logger) *Server {
	s := &Server{
		token:     token,
		list:      list,
		cache:     cache,
		registry:  reg,
		svc:       svc,
		metrics:   mc,
		cacheDir:  cacheDir,
		startedAt: time.Now(),
		logger:    logger,
		routes:    make(map[string]map[string]fasthttp.RequestHandler),
	}
	s.registerRoutes()
	return s
}

func (s *Server) register(method, path string, handler fasthttp.RequestHandler) {
	if s.routes[method] == nil {
		s.routes[method] = make(map[string]fasthttp.RequestHandler)
	}
	s.routes[method][path] = handler
}

func (s *Server) registerRoutes() {
	s.register(fasthttp.MethodGet, pathAllowlist, s.handleAllowlistList)
	s.register(fasthttp.MethodPost, pathAllowlist, s.handleAllowlistUpsert)
	s.register(fasthttp.MethodPut, pathAllowlist, s.handleAllowlistUpsert)
	s.register(fasthttp.MethodPost, pathAllowlistReload, s.handleAllowlistReload)
	s.register(fasthttp.MethodPost, pathCachePurge, s.handleCachePurgeAll)
	s.register(fasthttp.MethodPost, pathServiceDisable, s.handleServiceDisable)
	s.register(fasthttp.MethodPost, pathServiceEnable, s.handleServiceEnable)
	s.register(fasthttp.MethodGet, pathSummary, s.handleSummary)
	s.register(fasthttp.MethodGet, pathLogs, s.handleLogs)
	s.register(fasthttp.MethodGet, pathMirrors, s.handleMirrors)
	s.register(fasthttp.MethodPost, pathTestResolve, s.handleTestResolve)
	s.register(fasthttp.MethodGet, pathMetrics, s.handleMetrics)
}

// Handler returns the fasthttp entry point for this server.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !s.authenticate(ctx) {
			return
		}

		method := string(ctx.Method())
		path := string(ctx.Path())

		if methodRoutes, ok := s.routes[method]; ok {
			if handler, ok := methodRoutes[path]; ok {
				handler(ctx)
				return
			}
		}

		// Parameterized paths: /internal/allowlist/{id}, /internal/cache/purge/{slug},
		// /internal/mirrors/{slug}/disable, /internal/mirrors/{slug}/enable
		switch {
		case strings.HasPrefix(path, pathAllowlist+"/") && path != pathAllowlistReload:
			s.handleAllowlistByID(ctx, strings.TrimPrefix(path, pathAllowlist+"/"))
			return
		case strings.HasPrefix(path, pathCachePurge+"/"):
			s.handleCachePurgeSlug(ctx, strings.TrimPrefix(path, pathCachePurge+"/"))
			return
		case strings.HasPrefix(path, pathMirrors+"/") && strings.HasSuffix(path, "/disable"):
			s.handleMirrorSetDisabled(ctx, strings.TrimSuffix(strings.TrimPrefix(path, pathMirrors+"/"), "/disable"), true)
			return
		case strings.HasPrefix(path, pathMirrors+"/") && strings.HasSuffix(path, "/enable"):
			s.handleMirrorSetDisabled(ctx, strings.TrimSuffix(strings.TrimPrefix(path, pathMirrors+"/"), "/enable"), false)
			return
		}

		for _, methodRoutes := range s.routes {
			if _, ok := methodRoutes[path]; ok {
				httputil.Error(ctx, apierr.MethodNotAllowed)
				return
			}
		}
		httputil.Error(ctx, apierr.NotFound)
	}
}

func (s *Server) authenticate(ctx *fasthttp.RequestCtx) bool {
	presented := string(ctx.Request.Header.Peek("X-Internal-Token"))
	if presented == "" {
		auth := string(ctx.Request.Header.Peek("Authorization"))
		presented = strings.TrimPrefix(auth, "Bearer ")
	}
	if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
		s.logger.Warn("admin auth rejected", zap.String("path", string(ctx.Path())), zap.String("remote_addr", ctx.RemoteAddr().String()))
		httputil.Error(ctx, apierr.Unauthorized)
		return false
	}
	return true
}

func (s *Server) handleAllowlistList(ctx *fasthttp.RequestCtx) {
	httputil.JSON(ctx, fasthttp.StatusOK, s.list.List())
}

func (s *Server) handleAllowlistUpsert(ctx *fasthttp.RequestCtx) {
	var entry types.AllowlistEntry
	if err := decodeJSON(ctx, &entry); err != nil {
		httputil.Error(ctx, apierr.InvalidBody)
		return
	}
	saved, err := s.list.Upsert(entry)
	if err != nil {
		httputil.Error(ctx, apierr.InvalidBody)
		return
	}
	s.registry.LogEvent(context.Background(), types.EventLevelInfo, types.EventAdminAction, "", "allowlist upsert "+saved.Host, nil)
	httputil.JSON(ctx, fasthttp.StatusOK, saved)
}

func (s *Server) handleAllowlistByID(ctx *fasthttp.RequestCtx, id string) {
	switch string(ctx.Method()) {
	case fasthttp.MethodGet:
		entry, ok := s.list.GetByID(id)
		if !ok {
			httputil.Error(ctx, apierr.NotFound)
			return
		}
		httputil.JSON(ctx, fasthttp.StatusOK, entry)
	case fasthttp.MethodPatch:
		var patch types.AllowlistEntry
		if err := decodeJSON(ctx, &patch); err != nil {
			httputil.Error(ctx, apierr.InvalidBody)
			return
		}
		updated, err := s.list.Patch(id, func(e *types.AllowlistEntry) {
			if patch.Host != "" {
				e.Host = patch.Host
			}
			e.AllowSubdomains = patch.AllowSubdomains
			if len(patch.Schemes) > 0 {
				e.Schemes = patch.Schemes
			}
			e.Enabled = patch.Enabled
			if patch.Label != "" {
				e.Label = patch.Label
			}
		})
		if err != nil {
			httputil.Error(ctx, apierr.NotFound)
			return
		}
		httputil.JSON(ctx, fasthttp.StatusOK, updated)
	case fasthttp.MethodPut:
		var entry types.AllowlistEntry
		if err := decodeJSON(ctx, &entry); err != nil {
			httputil.Error(ctx, apierr.InvalidBody)
			return
		}
		entry.ID = id
		saved, err := s.list.Upsert(entry)
		if err != nil {
			httputil.Error(ctx, apierr.InvalidBody)
			return
		}
		s.registry.LogEvent(context.Background(), types.EventLevelInfo, types.EventAdminAction, "", "allowlist replace "+saved.Host, nil)
		httputil.JSON(ctx, fasthttp.StatusOK, saved)
	case fasthttp.MethodDelete:
		if err := s.list.Remove(id); err != nil {
			httputil.Error(ctx, apierr.InternalError)
			return
		}
		httputil.JSON(ctx, fasthttp.StatusOK, map[string]bool{"removed": true})
	default:
		httputil.Error(ctx, apierr.MethodNotAllowed)
	}
}

func (s *Server) handleAllowlistReload(ctx *fasthttp.RequestCtx) {
	if err := s.list.Reload(); err != nil {
		httputil.Error(ctx, apierr.InternalError)
		return
	}
	httputil.JSON(ctx, fasthttp.StatusOK, map[string]bool{"reloaded": true})
}

func (s *Server) handleCachePurgeAll(ctx *fasthttp.RequestCtx) {
	if err := s.cache.PurgeAll(); err != nil {
		httputil.Error(ctx, apierr.InternalError)
		return
	}
	s.registry.LogEvent(context.Background(), types.EventLevelInfo, types.EventCachePurge, "", "purge all", nil)
	httputil.JSON(ctx, fasthttp.StatusOK, map[string]bool{"purged": true})
}

func (s *Server) handleCachePurgeSlug(ctx *fasthttp.RequestCtx, slug string) {
	if string(ctx.Method()) != fasthttp.MethodPost {
		httputil.Error(ctx, apierr.MethodNotAllowed)
		return
	}
	if err := s.cache.PurgeSlug(slug); err != nil {
		httputil.Error(ctx, apierr.InternalError)
		return
	}
	s.registry.LogEvent(context.Background(), types.EventLevelInfo, types.EventCachePurge, slug, "purge slug", nil)
	httputil.JSON(ctx, fasthttp.StatusOK, map[string]bool{"purged": true})
}

func (s *Server) handleServiceDisable(ctx *fasthttp.RequestCtx) {
	s.svc.SetDisabled(true)
	s.registry.LogEvent(context.Background(), types.EventLevelWarn, types.EventAdminAction, "", "service disabled", nil)
	httputil.JSON(ctx, fasthttp.StatusOK, map[string]bool{"disabled": true})
}

func (s *Server) handleServiceEnable(ctx *fasthttp.RequestCtx) {
	s.svc.SetDisabled(false)
	s.registry.LogEvent(context.Background(), types.EventLevelInfo, types.EventAdminAction, "", "service enabled", nil)
	httputil.JSON(ctx, fasthttp.StatusOK, map[string]bool{"disabled": false})
}

func (s *Server) handleSummary(ctx *fasthttp.RequestCtx) {
	mirrors, err := s.registry.List(ctx)
	if err != nil {
		httputil.Error(ctx, apierr.InternalError)
		return
	}
	stats := s.cache.Stats()
	disk, diskErr := metrics.StatDiskUsage(s.cacheDir)

	summary := map[string]any{
		"uptimeSeconds": s.svc.UptimeSeconds(),
		"disabled":      s.svc.IsDisabled(),
		"mirrorCount":   len(mirrors),
		"cacheEntries":  stats.Entries,
		"cacheBytes":    stats.TotalSize,
	}
	if diskErr == nil {
		summary["disk"] = disk
	}
	httputil.JSON(ctx, fasthttp.StatusOK, summary)
}

func (s *Server) handleLogs(ctx *fasthttp.RequestCtx) {
	limit := 100
	if n := ctx.QueryArgs().GetUintOrZero("limit"); n > 0 {
		limit = n
	}
	events, err := s.registry.Events(ctx, limit)
	if err != nil {
		httputil.Error(ctx, apierr.InternalError)
		return
	}
	httputil.JSON(ctx, fasthttp.StatusOK, events)
}

// handleMirrorSetDisabled toggles one mirror record's disabled flag,
// distinct from handleServiceDisable which suspends the whole gateway.
// Disabling a mirror frees its target origin for a fresh active record on
// the next resolve, per the "unique among enabled records" invariant.
func (s *Server) handleMirrorSetDisabled(ctx *fasthttp.RequestCtx, slug string, disabled bool) {
	if string(ctx.Method()) != fasthttp.MethodPost {
		httputil.Error(ctx, apierr.MethodNotAllowed)
		return
	}
	if slug == "" {
		httputil.Error(ctx, apierr.MirrorNotFound)
		return
	}
	if err := s.registry.SetDisabled(ctx, slug, disabled); err != nil {
		httputil.Error(ctx, apierr.InternalError)
		return
	}
	action := "mirror enabled"
	if disabled {
		action = "mirror disabled"
	}
	s.registry.LogEvent(context.Background(), types.EventLevelInfo, types.EventAdminAction, slug, action, nil)
	httputil.JSON(ctx, fasthttp.StatusOK, map[string]bool{"disabled": disabled})
}

func (s *Server) handleMirrors(ctx *fasthttp.RequestCtx) {
	mirrors, err := s.registry.List(ctx)
	if err != nil {
		httputil.Error(ctx, apierr.InternalError)
		return
	}
	httputil.JSON(ctx, fasthttp.StatusOK, mirrors)
}

type testResolveRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleTestResolve(ctx *fasthttp.RequestCtx) {
	var req testResolveRequest
	if err := decodeJSON(ctx, &req); err != nil || req.URL == "" {
		httputil.Error(ctx, apierr.MissingURL)
		return
	}
	result, err := s.registry.ResolveTargetURL(ctx, req.URL)
	if err != nil {
		httputil.WriteErr(ctx, err)
		return
	}
	httputil.JSON(ctx, fasthttp.StatusOK, result)
}

func (s *Server) handleMetrics(ctx *fasthttp.RequestCtx) {
	if s.metrics == nil {
		httputil.Error(ctx, apierr.NotFound)
		return
	}
	s.metrics.ServeHTTP(ctx)
}

func decodeJSON(ctx *fasthttp.RequestCtx, v any) error {
	return json.Unmarshal(ctx.PostBody(), v)
}
