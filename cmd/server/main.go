package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/vinodismyname/frictionlab/internal/dataset"
	"github.com/vinodismyname/frictionlab/internal/friction"
	"github.com/vinodismyname/frictionlab/internal/funnel"
	"github.com/vinodismyname/frictionlab/internal/registry"
	"github.com/vinodismyname/frictionlab/internal/runtime"
	"github.com/vinodismyname/frictionlab/internal/security"
	"github.com/vinodismyname/frictionlab/internal/telemetry"
	"github.com/vinodismyname/frictionlab/pkg/version"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var (
		useStdio           bool
		shutdownTimeout    time.Duration
		metricsAddr        string
		correctLostAtClose bool
	)

	flag.BoolVar(&useStdio, "stdio", false, "Run server over stdio transport")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful shutdown timeout")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090); disabled when empty")
	flag.BoolVar(&correctLostAtClose, "correct-lost-at-close", false, "Label Lost deals that reached Close as Close instead of Close/Won")
	flag.Parse()

	// Logs go to stderr; stdout carries the stdio transport.
	logger := zlog.Output(os.Stderr).With().Str("service", "frictionlab-server").Logger()
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background()))
	defer cancel()

	secMgr, err := security.NewManagerFromEnv()
	if err != nil {
		logger.Error().Err(err).Msg("security: failed to initialize manager from env")
		fmt.Fprintln(os.Stderr, "invalid security configuration; set FRICTIONLAB_ALLOWED_DIRS")
		os.Exit(1)
	}
	if err := secMgr.ValidateConfig(); err != nil {
		logger.Error().Err(err).Msg("security: invalid allow-list configuration")
		fmt.Fprintln(os.Stderr, "no allowed directories configured; set FRICTIONLAB_ALLOWED_DIRS")
		os.Exit(1)
	}
	logger.Info().Strs("allowed_dirs", secMgr.AllowedDirectories()).Msg("security allow-list configured")

	limits := runtime.NewLimits(10, 4)
	runtimeController := runtime.NewController(limits)
	runtimeMW := runtime.NewMiddleware(runtimeController)

	datasets := dataset.NewManager(0, 0, runtimeController, nil).WithValidator(secMgr)
	datasets.Start()

	svc := registry.NewService(ctx, datasets, registry.ServiceOptions{
		Limits:   limits,
		Logger:   logger,
		Training: friction.DefaultOptions(),
		Rollup:   funnel.RollupOptions{CorrectLostAtClose: correctLostAtClose},
	})
	toolRegistry := registry.New()

	srv := server.NewMCPServer(
		"Frictionlab Funnel Analytics Server",
		version.Version(),
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithHooks(telemetry.NewHooks(logger).Server()),
		server.WithToolHandlerMiddleware(runtimeMW.ToolMiddleware),
	)
	registry.RegisterTools(srv, toolRegistry, svc)

	catalogBytes, err := toolRegistry.CatalogBytes(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("tool catalog size unavailable")
	}

	logger.Info().
		Ctx(ctx).
		Str("version", version.Version()).
		Int("max_concurrent_requests", limits.MaxConcurrentRequests).
		Int("max_open_datasets", limits.MaxOpenDatasets).
		Int("max_rows_per_load", limits.MaxRowsPerLoad).
		Dur("training_debounce", limits.TrainingDebounce).
		Bool("correct_lost_at_close", correctLostAtClose).
		Int("model_context_size", toolRegistry.ModelContextSize("gpt-4o")).
		Int("tool_catalog_bytes", catalogBytes).
		Bool("stdio", useStdio).
		Msg("server bootstrap configured")

	var metricsSrv *http.Server
	if metricsAddr != "" {
		metricsSrv = telemetry.StartMetricsServer(metricsAddr, logger)
	}

	shutdown := func() {
		cancel()
		svc.Close()
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := datasets.Close(sctx); err != nil {
			logger.Warn().Err(err).Msg("dataset manager shutdown incomplete")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(sctx); err != nil {
				logger.Warn().Err(err).Msg("metrics server shutdown incomplete")
			}
		}
		logger.Info().Msg("server stopped")
	}

	if useStdio {
		err := server.ServeStdio(srv, server.WithStdioContextFunc(func(c context.Context) context.Context {
			return logger.WithContext(c)
		}))
		shutdown()
		if err != nil {
			// Use stderr for transport errors so clients don't misinterpret output
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	shutdown()
	fmt.Fprintln(os.Stderr, "no transport selected; use --stdio to run over stdio")
	os.Exit(2)
}
