package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/streamchat/internal/backend"
	"github.com/user/streamchat/internal/chat"
	"github.com/user/streamchat/internal/config"
	"github.com/user/streamchat/internal/state"
	"github.com/user/streamchat/internal/types"
	"github.com/user/streamchat/internal/usage"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "streamchat",
	Short:         "Streaming chat client for a chat backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file and sets up logging. It exits on failure.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg)
	return cfg
}

// backendConfig is loadConfig for commands that talk to the backend.
func backendConfig() (*config.Config, error) {
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config (run 'streamchat setup'): %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func newClient(cfg *config.Config) *backend.Client {
	return backend.New(cfg.Backend.BaseURL,
		backend.WithAPIKey(cfg.Backend.APIKey),
		backend.WithTimeout(cfg.Timeout()),
	)
}

func newCache(cfg *config.Config, client *backend.Client) *state.Cache {
	return state.NewCache(client, state.WithListingTTL(cfg.ListingTTL()))
}

func newController(cfg *config.Config, cache *state.Cache, client *backend.Client) *chat.Controller {
	retry := chat.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Retry.MaxAttempts
	retry.InitialDelay = cfg.RetryInitialDelay()

	return chat.New(cache, client,
		chat.WithMaxConcurrent(int64(cfg.MaxConcurrentTurns)),
		chat.WithRetryPolicy(retry),
		chat.WithTokenCounter(newCounter(cfg)),
	)
}

// newCounter uses the tokenizer for usage.model, or estimates counts when no
// model is configured.
func newCounter(cfg *config.Config) *usage.Counter {
	if cfg.Usage.Model == "" {
		return usage.Heuristic()
	}
	return usage.New(cfg.Usage.Model)
}

// sessionError turns a backend 404 into a plain "not found" message.
func sessionError(id types.SessionID, err error) error {
	if backend.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("session %s not found", id)
	}
	return err
}
