package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"claude-relay/internal/config"
	"claude-relay/internal/engine"
	"claude-relay/internal/realtime"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type serveOptions struct {
	configPath string
	host       string
	port       int
	dataDir    string
	policy     string
	logLevel   string
}

func main() {
	opts := &serveOptions{}

	rootCmd := &cobra.Command{
		Use:     "claude-relay",
		Short:   "Relay server for claude CLI sessions with checkpoint and rewind",
		Version: engine.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Flags(), opts)
		},
		SilenceUsage: true,
	}
	addServeFlags(rootCmd.Flags(), opts)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Flags(), opts)
		},
		SilenceUsage: true,
	}
	addServeFlags(serveCmd.Flags(), opts)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), engine.Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addServeFlags(fs *pflag.FlagSet, o *serveOptions) {
	fs.StringVarP(&o.configPath, "config", "c", os.Getenv("RELAY_CONFIG"), "path to a YAML config file")
	fs.StringVar(&o.host, "host", "", "listen host")
	fs.IntVarP(&o.port, "port", "p", 0, "listen port")
	fs.StringVar(&o.dataDir, "data-dir", "", "checkpoint storage directory")
	fs.StringVar(&o.policy, "policy", "", "checkpoint policy (manual, per_prompt, per_response, per_tool_use, smart)")
	fs.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(cfg *config.Config, fs *pflag.FlagSet, o *serveOptions) {
	if fs.Changed("host") {
		cfg.Server.Host = o.host
	}
	if fs.Changed("port") {
		cfg.Server.Port = o.port
	}
	if fs.Changed("data-dir") {
		cfg.Checkpoint.DataDir = o.dataDir
	}
	if fs.Changed("policy") {
		cfg.Checkpoint.Policy = o.policy
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
}

func runServe(fs *pflag.FlagSet, o *serveOptions) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlags(cfg, fs, o)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}

	rtServer := realtime.New(eng, realtime.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger.With("component", "http"),
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: rtServer.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("claude-relay listening", "addr", cfg.Addr(), "data_dir", cfg.Checkpoint.DataDir, "policy", cfg.Checkpoint.Policy)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			shutdownEngine(eng, cfg)
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}
	return nil
}

func shutdownEngine(eng *engine.Engine, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	eng.Shutdown(ctx)
}
