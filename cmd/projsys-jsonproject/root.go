package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/go-projsys/config"
	"github.com/MegaGrindStone/go-projsys/jsonproject"
	"github.com/MegaGrindStone/go-projsys/plugin"
	"github.com/spf13/cobra"
)

var (
	hostPID       int
	watchInterval time.Duration
	callTimeout   time.Duration
	logLevel      string
	logFormat     string
)

// stdout carries the protocol, so everything else goes to stderr where the host
// collects it.
var rootCmd = &cobra.Command{
	Use:           "projsys-jsonproject --host-pid PID",
	Version:       "dev",
	Short:         "Project system plugin for project.json projects",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().IntVar(&hostPID, "host-pid", 0, "process id of the host, the plugin exits when it does")
	rootCmd.Flags().DurationVar(&watchInterval, "host-watch-interval", time.Second, "how often the host process is checked")
	rootCmd.Flags().DurationVar(&callTimeout, "call-timeout", 5*time.Second, "timeout of workspace calls to the host")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "text", "log format, text or json")
	_ = rootCmd.MarkFlagRequired("host-pid")
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

func run(cmd *cobra.Command, _ []string) error {
	if hostPID <= 0 {
		return fmt.Errorf("invalid host pid %d", hostPID)
	}

	logger, err := config.LogConfig{Level: logLevel, Format: logFormat}.Logger(os.Stderr)
	if err != nil {
		return err
	}
	logger = logger.With(slog.String("plugin", "jsonproject"))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime := plugin.NewRuntime(jsonproject.Factory(),
		plugin.WithLogger(logger),
		plugin.WithHostPID(hostPID, watchInterval),
		plugin.WithCallTimeout(callTimeout))

	err = runtime.Run(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, plugin.ErrHostExited) {
		logger.Info("host exited, stopping")
		return nil
	}
	return err
}
