package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/conductor/internal/actioninvoke"
	"github.com/oriys/conductor/internal/auditlog"
	"github.com/oriys/conductor/internal/barrier"
	"github.com/oriys/conductor/internal/circuitbreaker"
	"github.com/oriys/conductor/internal/compast"
	"github.com/oriys/conductor/internal/conductor"
	"github.com/oriys/conductor/internal/kvstore"
	"github.com/oriys/conductor/internal/logging"
	"github.com/oriys/conductor/internal/metrics"
	"github.com/oriys/conductor/internal/observability"
)

func serveCmd() *cobra.Command {
	var (
		astPath  string
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the conductor HTTP entrypoint (POST /invoke) for a compiled composition",
		Long:  "Exposes conductor.Handle over HTTP for local/integration testing of the suspend/resume cycle without a real serverless platform.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			ast, err := readAST(astPath)
			if err != nil {
				return err
			}

			store, err := kvstore.NewRedisStore(kvstore.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			br := barrier.New(store)

			invoker := actioninvoke.NewHTTPInvoker(actioninvoke.HTTPInvokerConfig{
				BaseURL: cfg.ActionInvoke.BaseURL,
				Timeout: cfg.ActionInvoke.Timeout,
				Breaker: circuitbreaker.Config{
					ErrorPct:       cfg.ActionInvoke.Breaker.ErrorPct,
					WindowDuration: cfg.ActionInvoke.Breaker.WindowDuration,
					OpenDuration:   cfg.ActionInvoke.Breaker.OpenDuration,
					HalfOpenProbes: cfg.ActionInvoke.Breaker.HalfOpenProbes,
				},
			})

			var audit *auditlog.Log
			if cfg.Postgres.DSN != "" {
				audit, err = auditlog.Open(context.Background(), cfg.Postgres.DSN)
				if err != nil {
					logging.Op().Warn("audit log unavailable, continuing without it", "error", err)
					audit = nil
				} else {
					defer audit.Close()
				}
			}

			c, err := conductor.New(ast, invoker, br, audit, cfg)
			if err != nil {
				return fmt.Errorf("build conductor: %w", err)
			}

			mux := http.NewServeMux()
			mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			})
			if cfg.Observability.Metrics.Enabled {
				mux.Handle("GET /metrics", metrics.PrometheusHandler())
			}
			mux.HandleFunc("POST /invoke", func(w http.ResponseWriter, r *http.Request) {
				body, err := io.ReadAll(r.Body)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				out, err := c.Handle(r.Context(), body)
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Write(out)
			})

			server := &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: mux}
			logging.Op().Info("conductor serve started", "addr", cfg.Daemon.HTTPAddr, "ast", astPath)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			errCh := make(chan error, 1)
			go func() { errCh <- server.ListenAndServe() }()

			select {
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
			case <-sigCh:
				logging.Op().Info("shutdown signal received")
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(ctx)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&astPath, "ast", "", "Path to the composition AST JSON file")
	cmd.Flags().StringVar(&httpAddr, "http", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.MarkFlagRequired("ast")

	return cmd
}

func readAST(path string) (*compast.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ast file: %w", err)
	}
	ast, err := compast.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse ast: %w", err)
	}
	return ast, nil
}
