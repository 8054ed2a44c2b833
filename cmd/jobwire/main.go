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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aura-studio/jobwire"
	cfgpkg "github.com/aura-studio/jobwire/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "jobwire",
		Short:         "jobwire queue CLI",
		Long:          "jobwire runs queue workers and dispatches jobs over Redis.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("JOBWIRE_CONFIG"), "Config file (.json, .yaml)")
	rootCmd.PersistentFlags().String("queue", "", "Queue name (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text|json")

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker with a built-in handler and serve the health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			handlerName, _ := cmd.Flags().GetString("handler")
			handler, err := builtinHandler(handlerName)
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg, logger, handler)
		},
	}
	workerCmd.Flags().String("handler", "echo", "Built-in handler: echo|sleep|fail")
	rootCmd.AddCommand(workerCmd)

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Dispatch one job and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("name")
			payload, _ := cmd.Flags().GetString("payload")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if timeout > 0 {
				cfg.DispatchTimeoutMs = int(timeout / time.Millisecond)
			}
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			out, err := dispatchOnce(ctx, cfg, logger, name, json.RawMessage(payload))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	addCmd.Flags().String("name", "default", "Job name")
	addCmd.Flags().String("payload", "null", "Job payload (JSON)")
	addCmd.Flags().Duration("timeout", 0, "Dispatch timeout (overrides config)")
	rootCmd.AddCommand(addCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (cfgpkg.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	cfgpkg.FromEnv(&cfg)
	if v, _ := cmd.Flags().GetString("queue"); v != "" {
		cfg.Queue = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	if strings.TrimSpace(cfg.Queue) == "" {
		return cfg, nil, errors.New("queue name is required (--queue or JOBWIRE_QUEUE)")
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func runWorker(ctx context.Context, cfg cfgpkg.Config, logger *slog.Logger, handler jobwire.Handler) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	// A signal closes the worker, then lands here instead of os.Exit so the
	// health listener is shut down too.
	var exitCode atomic.Int32
	var signalled atomic.Bool
	w, err := jobwire.Bootstrap(ctx, cfg.Redis, cfg.Queue, handler,
		jobwire.WithConcurrency(cfg.Concurrency),
		jobwire.WithLockDuration(cfg.LockDuration()),
		jobwire.WithWorkerLogger(logger),
		jobwire.WithWorkerQueueOptions(jobwire.WithPrefix(cfg.Prefix)),
		jobwire.WithExitFunc(func(code int) {
			exitCode.Store(int32(code))
			signalled.Store(true)
			stop()
		}),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HealthAddr,
		Handler:           jobwire.HealthHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("health endpoint listening", slog.String("addr", cfg.HealthAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if signalled.Load() {
		if code := exitCode.Load(); code != 0 {
			return errors.Join(err, fmt.Errorf("worker shutdown exited with code %d", code))
		}
		return err
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.LockDuration())
	defer cancel()
	return errors.Join(err, w.Close(closeCtx))
}

func dispatchOnce(ctx context.Context, cfg cfgpkg.Config, logger *slog.Logger, name string, payload json.RawMessage) (json.RawMessage, error) {
	reg, err := jobwire.NewRegistry(cfg.Redis,
		jobwire.WithQueueOptions(jobwire.WithPrefix(cfg.Prefix)),
		jobwire.WithDispatcherOptions(jobwire.WithTimeout(cfg.DispatchTimeout())),
		jobwire.WithRegistryLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := reg.CloseAll(); err != nil {
			logger.Warn("close registry", slog.Any("error", err))
		}
	}()

	d, err := reg.Dispatcher(ctx, cfg.Queue)
	if err != nil {
		return nil, err
	}
	return d.Add(ctx, name, payload)
}
