package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/go-projsys"
	"github.com/MegaGrindStone/go-projsys/config"
	"github.com/MegaGrindStone/go-projsys/workspace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	configPath string
	rootFlag   string
	addrFlag   string
	logLevel   string

	shutdownTimeout = 5 * time.Second
)

var rootCmd = &cobra.Command{
	Use:     "projsys-host",
	Version: "dev",
	Short:   "Host project system plugins for a workspace",
	Long: `projsys-host starts every configured project system plugin on a workspace root,
executes their workspace calls against an in-memory workspace, and republishes their
events as Server-Sent Events.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "projsys.yaml", "path of the configuration file")
	rootCmd.Flags().StringVarP(&rootFlag, "root", "r", "", "workspace root, overrides the configuration")
	rootCmd.Flags().StringVar(&addrFlag, "addr", "", "HTTP listen address, overrides the configuration")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level, overrides the configuration")
}

func setVersion(v string) {
	if v == "" {
		return
	}
	rootCmd.Version = v
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

func execute() error {
	return rootCmd.Execute()
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}

	if cmd.Flags().Changed("root") {
		cfg.Root = rootFlag
	}
	if cmd.Flags().Changed("addr") {
		cfg.HTTP.Address = addrFlag
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to resolve root: %w", err)
	}
	cfg.Root = root
	return cfg, nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	plugins, err := cfg.Plugins()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := projsys.NewMetrics(reg)

	ws := workspace.NewMemory(workspace.WithLogger(logger))
	dispatcher := projsys.NewDispatcher(ws,
		projsys.WithDispatcherLogger(logger),
		projsys.WithDispatcherMetrics(metrics))
	stream := projsys.NewEventStream(projsys.WithEventStreamLogger(logger))
	defer stream.Close()

	manager := projsys.NewManager(dispatcher, stream,
		projsys.WithManagerLogger(logger),
		projsys.WithManagerMetrics(metrics),
		projsys.WithInformationTimeout(cfg.InformationTimeout))
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("failed to close plugins", "err", err)
		}
	}()

	if err := manager.Start(ctx, plugins, cfg.Root); err != nil {
		// Plugins that started keep serving; the failures are visible on /live.
		logger.Error("some plugins failed to start", "err", err)
	}
	logger.Info("host started",
		slog.String("root", cfg.Root),
		slog.Int("plugins", len(plugins)),
		slog.String("addr", cfg.HTTP.Address))

	srv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           newMux(manager, ws, stream, reg, logger),
		ReadHeaderTimeout: 15 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("failed to serve http: %w", err)
		}
	}

	// Subscribers hold their connections open until the stream closes.
	stream.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	return nil
}

func newMux(
	manager *projsys.Manager,
	ws *workspace.Memory,
	stream *projsys.EventStream,
	reg *prometheus.Registry,
	logger *slog.Logger,
) *http.ServeMux {
	health := manager.HealthHandler()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /live", health.LiveEndpoint)
	mux.HandleFunc("GET /ready", health.ReadyEndpoint)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("GET /events", stream)
	mux.HandleFunc("GET /workspace", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, ws.Snapshot(), logger)
	})
	mux.HandleFunc("GET /information", func(w http.ResponseWriter, r *http.Request) {
		var request json.RawMessage
		if q := r.URL.Query().Get("request"); q != "" {
			if !json.Valid([]byte(q)) {
				http.Error(w, "request must be JSON", http.StatusBadRequest)
				return
			}
			request = json.RawMessage(q)
		}

		models, err := manager.InformationModels(r.Context(), request)
		if err != nil {
			logger.Warn("partial workspace information", "err", err)
		}
		writeJSON(w, http.StatusOK, models, logger)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to write response", "err", err)
	}
}
