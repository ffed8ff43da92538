package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/wagnerlima/mapeo-server/internal/api"
	"github.com/wagnerlima/mapeo-server/internal/config"
	"github.com/wagnerlima/mapeo-server/internal/logging"
	"github.com/wagnerlima/mapeo-server/internal/observation"
	"github.com/wagnerlima/mapeo-server/internal/replication"
	"github.com/wagnerlima/mapeo-server/internal/server"
	"github.com/wagnerlima/mapeo-server/internal/storage"
	"github.com/wagnerlima/mapeo-server/internal/syncer"
	"github.com/wagnerlima/mapeo-server/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to a TOML config file")
	transport := flag.String("transport", "http", "Transport mode: http or stdio")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mapeo-server: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	logger := logging.New(logging.Options{
		App:   "mapeo-server",
		Level: cfg.LogLevel,
		JSON:  cfg.LogJSON,
	})

	if err := run(cfg, *transport, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config, transport string, logger zerolog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "mapeo-server", cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.Open(filepath.Join(cfg.DataDir, "store.db"))
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info().Str("path", store.Path()).Msg("store opened")
	media, err := storage.OpenMedia(filepath.Join(cfg.DataDir, "media.db"))
	if err != nil {
		return err
	}
	defer media.Close()

	discovery := ":" + strconv.Itoa(cfg.DiscoveryPort)
	engine := replication.New(store, replication.Config{
		DeviceID:       cfg.DeviceID,
		DeviceName:     cfg.DeviceName,
		SyncAddr:       ":" + strconv.Itoa(cfg.SyncPort),
		DiscoveryAddr:  discovery,
		BeaconAddr:     "255.255.255.255" + discovery,
		BeaconInterval: cfg.BeaconInterval,
		TargetTTL:      cfg.TargetTTL,
	}, logger)
	defer engine.Close()
	if err := engine.Start(ctx); err != nil {
		// Peers stay invisible but file sync and everything else still work.
		logger.Warn().Err(err).Msg("peer discovery disabled")
	}

	orch := syncer.New(engine, logger)
	defer orch.Close()
	obs := observation.NewService(store, logger)
	mcpServer := server.New(obs, orch)

	switch transport {
	case "stdio":
		logger.Info().Str("device", cfg.DeviceID).Msg("mapeo MCP server starting (stdio)")
		return mcpServer.Run(ctx, &mcp.StdioTransport{})
	case "http":
		return serveHTTP(ctx, cfg, logger, &api.Server{
			Observations: obs,
			Sync:         orch,
			Media:        media,
			StaticRoot:   cfg.StaticRoot,
			Log:          logger,
		}, mcpServer)
	default:
		return fmt.Errorf("unknown transport %q (use http or stdio)", transport)
	}
}

// serveHTTP runs the REST API with the MCP endpoint mounted at /mcp until
// ctx is cancelled.
func serveHTTP(ctx context.Context, cfg config.Config, logger zerolog.Logger, apiServer *api.Server, mcpServer *mcp.Server) error {
	gin.SetMode(gin.ReleaseMode)
	router := apiServer.Router()
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)
	router.Any("/mcp", gin.WrapH(mcpHandler))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Open sync streams only end once their sessions are aborted.
	srv.RegisterOnShutdown(func() { apiServer.Sync.Close() })

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("device", cfg.DeviceID).Msg("mapeo server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	return srv.Shutdown(sctx)
}
