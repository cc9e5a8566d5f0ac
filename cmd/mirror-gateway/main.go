// Command mirror-gateway wires the allowlist, mirror registry, file cache,
// proxy pipeline, and both HTTP surfaces (public + internal admin)
// together and runs them until a shutdown signal arrives. The process
// lifecycle (a serverLifecycle helper wrapping fasthttp.Server.Serve /
// ListenAndServe with an error channel, a signal.Notify select, a bounded
// shutdown context) is grounded on the teacher's cmd/edge-gateway/main.go.
package main

import (
	"context"
	_ "embed"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/webmirror/gateway/internal/adminserver"
	"github.com/webmirror/gateway/internal/allowlist"
	"github.com/webmirror/gateway/internal/config"
	"github.com/webmirror/gateway/internal/events"
	"github.com/webmirror/gateway/internal/filecache"
	"github.com/webmirror/gateway/internal/logging"
	"github.com/webmirror/gateway/internal/metrics"
	"github.com/webmirror/gateway/internal/proxypipeline"
	"github.com/webmirror/gateway/internal/registry"
	"github.com/webmirror/gateway/internal/server"
	"github.com/webmirror/gateway/internal/servicectx"
)

//go:embed launcher.html
var embeddedLauncher []byte

const serverName = "MirrorGateway/1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LogFilePath)
	defer logger.Sync()

	logger.Info("starting mirror gateway", zap.String("port", cfg.Port))

	list, err := allowlist.New(cfg.AllowlistPath)
	if err != nil {
		logger.Fatal("failed to load allowlist", zap.Error(err))
	}

	reg, err := registry.Open(cfg.DBPath, list, cfg.EnableHTTP, logger)
	if err != nil {
		logger.Fatal("failed to open mirror registry", zap.Error(err))
	}

	fileCache, err := filecache.New(cfg.CacheDir, cfg.CacheMaxBytes, cfg.CacheTTLSeconds, logger)
	if err != nil {
		logger.Fatal("failed to open file cache", zap.Error(err))
	}

	svc := servicectx.New()
	if cfg.DisableServiceStart {
		svc.SetDisabled(true)
	}

	pipeline := proxypipeline.New(proxypipeline.Config{
		AllowHTTP:       cfg.EnableHTTP,
		UpstreamTimeout: cfg.UpstreamTimeout,
		MaxHTMLBytes:    cfg.MaxHTMLBytes,
		MaxBinaryBytes:  cfg.MaxBinaryBytes,
	}, list, fileCache, reg, svc, logger)

	metricsCollector := metrics.New("webmirror", logger)
	pipeline.SetMetrics(metricsCollector)

	if cfg.LogFilePath != "" {
		eventEmitter, err := events.NewFileEmitter(cfg.LogFilePath+".events.jsonl", logger)
		if err != nil {
			logger.Warn("failed to open event log file, continuing without it", zap.Error(err))
		} else {
			reg.SetEventSink(eventEmitter)
			defer eventEmitter.Close()
		}
	}

	diskUsageTicker := time.NewTicker(time.Minute)
	defer diskUsageTicker.Stop()
	go func() {
		for range diskUsageTicker.C {
			if usage, err := metrics.StatDiskUsage(cfg.CacheDir); err == nil {
				metricsCollector.SetDiskUsageBytes(float64(usage.UsedBytes))
			}
		}
	}()

	publicSrv := server.New(reg, pipeline, svc, metricsCollector, embeddedLauncher, logger)
	adminSrv := adminserver.New(cfg.InternalToken, list, fileCache, reg, svc, metricsCollector, cfg.CacheDir, logger)

	publicListen := net.JoinHostPort(cfg.Host, cfg.Port)
	adminListen := net.JoinHostPort("127.0.0.1", "8086")
	if v := os.Getenv("MIRROR_ADMIN_LISTEN"); v != "" {
		adminListen = v
	}

	serverErrors := make(chan error, 2)

	publicLifecycle := &serverLifecycle{
		server:  newFastHTTPServer(publicSrv.Handler(), 30*time.Second),
		name:    "public",
		address: publicListen,
		logger:  logger,
	}
	publicLifecycle.StartWithErrorChan(serverErrors)

	adminLifecycle := &serverLifecycle{
		server:  newFastHTTPServer(adminSrv.Handler(), 30*time.Second),
		name:    "admin",
		address: adminListen,
		logger:  logger,
	}
	adminLifecycle.StartWithErrorChan(serverErrors)

	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-serverErrors:
		logger.Fatal("server failed to start", zap.Error(err))
	default:
	}

	logger.Info("mirror gateway started",
		zap.String("public_addr", publicListen),
		zap.String("admin_addr", adminListen))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down mirror gateway")
	case err := <-serverErrors:
		logger.Error("server failed while running, initiating shutdown", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); publicLifecycle.Shutdown(shutdownCtx) }()
	go func() { defer wg.Done(); adminLifecycle.Shutdown(shutdownCtx) }()
	wg.Wait()

	logger.Info("mirror gateway stopped")
}

func newFastHTTPServer(handler fasthttp.RequestHandler, timeout time.Duration) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:                      handler,
		Name:                         serverName,
		ReadTimeout:                  timeout,
		WriteTimeout:                 timeout,
		IdleTimeout:                  timeout,
		DisablePreParseMultipartForm: true,
		NoDefaultServerHeader:        true,
	}
}

type serverLifecycle struct {
	server  *fasthttp.Server
	name    string
	address string
	logger  *zap.Logger
}

func (s *serverLifecycle) StartWithErrorChan(errChan chan<- error) {
	go func() {
		if err := s.server.ListenAndServe(s.address); err != nil {
			s.logger.Error("server exited", zap.String("server", s.name), zap.Error(err))
			select {
			case errChan <- err:
			default:
			}
		}
	}()
}

func (s *serverLifecycle) Shutdown(ctx context.Context) {
	if err := s.server.ShutdownWithContext(ctx); err != nil {
		s.logger.Error("server shutdown error", zap.String("server", s.name), zap.Error(err))
	}
}
