// Command deepsearch submits research queries to a deep-research engine and
// follows their progress, from the terminal or through a local HTTP console.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/deepsearch-client/internal/api/deepsearch"
	"github.com/tjfontaine/deepsearch-client/internal/config"
	"github.com/tjfontaine/deepsearch-client/internal/session"
	"github.com/tjfontaine/deepsearch-client/internal/storage"
	"github.com/tjfontaine/deepsearch-client/internal/storage/memory"
	"github.com/tjfontaine/deepsearch-client/internal/storage/sqlite"
	"github.com/tjfontaine/deepsearch-client/internal/telemetry"
)

var (
	cfgPath string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "deepsearch",
	Short: "Deep research client",
	Long: `deepsearch sends a research question to a deep-research engine, streams
its progress (planning, searching, reflecting, reporting) and prints the
final report with its sources.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds what every command needs once config is loaded.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	recorder storage.Recorder
	tracer   trace.TracerProvider
	shutdown func(context.Context) error
}

func setup() (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	tp, shutdown, err := telemetry.InitTracer(cfg.Telemetry.Enabled, os.Stderr, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	recorder, err := newRecorder(cfg.Storage)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, recorder: recorder, tracer: tp, shutdown: shutdown}, nil
}

func (a *app) close() {
	if err := a.recorder.Close(); err != nil {
		a.logger.Error("failed to close recorder", slog.String("error", err.Error()))
	}
	if err := a.shutdown(context.Background()); err != nil {
		a.logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
	}
}

func (a *app) client() *deepsearch.Client {
	opts := []deepsearch.ClientOption{
		deepsearch.WithBaseURL(a.cfg.Client.BaseURL),
		deepsearch.WithUserAgent(a.cfg.Client.UserAgent),
	}
	if a.cfg.Client.APIKey != "" {
		opts = append(opts, deepsearch.WithAPIKey(a.cfg.Client.APIKey))
	}
	return deepsearch.NewClient(opts...)
}

func (a *app) orchestrator() *session.Orchestrator {
	return session.New(a.client(),
		session.WithLogger(a.logger),
		session.WithRecorder(a.recorder),
		session.WithTracerProvider(a.tracer),
		session.WithDefaults(a.cfg.Research),
	)
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func newRecorder(cfg config.StorageConfig) (storage.Recorder, error) {
	switch cfg.Type {
	case "sqlite":
		store, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite recorder: %w", err)
		}
		return store, nil
	case "none":
		return storage.Nop{}, nil
	default:
		return memory.New(), nil
	}
}
