// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the docbatch CLI. Each pipeline phase
// is a subcommand; run composes them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/docbatch/internal/manifest"
	"github.com/pdiddy/docbatch/internal/pipeline"
	"github.com/pdiddy/docbatch/internal/remote"
	"github.com/pdiddy/docbatch/internal/secrets"
	"github.com/pdiddy/docbatch/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

// loadedSecrets holds API keys loaded from .secrets/ at startup.
var loadedSecrets secrets.Store

var rootCmd = &cobra.Command{
	Use:   "docbatch",
	Short: "Batch-extract study notes from documents into a knowledge vault",
	Long: `docbatch submits documents dropped into an inbox to the Anthropic Message
Batches API, tracks each multi-hour job in a manifest, downloads the results
when ready, and imports them into a Markdown vault as concept notes,
flashcards, and pareto summaries.

Each phase is a subcommand: submit, poll, fetch, and import. run executes
all of them once, or repeatedly with --watch.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(viper.GetString("log_level")); err != nil {
			return err
		}
		s, err := secrets.Load(".secrets/")
		if err != nil {
			return err
		}
		loadedSecrets = s
		if len(s) > 0 {
			slog.Debug("loaded secrets", "keys", s.Keys())
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (default: ./docbatch.yaml or ~/.config/docbatch/docbatch.yaml)")
	pf.String("root", "batch", "pipeline root containing inbox/, processing/, completed/")
	pf.String("vault", "vault", "knowledge vault directory")
	pf.String("manifest-backend", "file", "manifest store: file or sqlite")
	pf.Int("workers", 4, "documents processed concurrently within a phase")
	pf.String("log-level", "info", "diagnostic log level: debug, info, warn, error")

	viper.BindPFlag("root_dir", pf.Lookup("root"))
	viper.BindPFlag("vault.dir", pf.Lookup("vault"))
	viper.BindPFlag("manifest.backend", pf.Lookup("manifest-backend"))
	viper.BindPFlag("workers", pf.Lookup("workers"))
	viper.BindPFlag("log_level", pf.Lookup("log-level"))
}

func initConfig() {
	if err := registerDefaults(types.DefaultPipelineConfig()); err != nil {
		fmt.Fprintln(os.Stderr, "registering config defaults:", err)
	}

	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("docbatch")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "docbatch"))
		}
	}

	viper.SetEnvPrefix("DOCBATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.BindEnv("remote.api_key", "DOCBATCH_API_KEY", "DOCBATCH_REMOTE_API_KEY")

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// registerDefaults declares every config key with its default so that
// environment overrides reach keys absent from the config file.
func registerDefaults(cfg types.PipelineConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return err
	}
	setDefaults("", m)
	viper.SetDefault("manifest.path", "")
	viper.SetDefault("remote.api_key", "")
	return nil
}

func setDefaults(prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			setDefaults(key, sub)
			continue
		}
		viper.SetDefault(key, v)
	}
}

func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: use debug, info, warn, or error", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// loadConfig resolves the pipeline configuration from defaults, the config
// file, environment, and flags, in increasing precedence.
func loadConfig() (types.PipelineConfig, error) {
	cfg := types.DefaultPipelineConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("reading configuration: %w", err)
	}
	cfg.Remote.APIKey = loadedSecrets.Resolve(secrets.AnthropicAPIKey, cfg.Remote.APIKey)
	if cfg.Workers < 1 {
		return cfg, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	return cfg, nil
}

// openPipeline builds the orchestrator. Commands that talk to the remote
// service pass needRemote so a missing API key fails before any work.
func openPipeline(needRemote bool) (*pipeline.Orchestrator, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if needRemote && cfg.Remote.APIKey == "" {
		return nil, nil, fmt.Errorf("missing API key: set DOCBATCH_API_KEY, remote.api_key in docbatch.yaml, or .secrets/anthropic-api-key")
	}

	repo, err := manifest.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	client := remote.NewAnthropicClient(cfg.Remote, nil)
	orch := pipeline.New(cfg, repo, client)
	orch.Reporter = newReporter()

	slog.Debug("pipeline configured",
		"root", cfg.RootDir, "manifest", cfg.ManifestPath(), "backend", cfg.Manifest.Backend,
		"vault", cfg.Vault.Dir, "workers", cfg.Workers, "model", cfg.Remote.Model)

	return orch, func() {
		if err := repo.Close(); err != nil {
			slog.Warn("closing manifest", "error", err)
		}
	}, nil
}

// checkSummary fails the command only when every document in scope failed.
func checkSummary(sum types.RunSummary) error {
	if sum.AllFailed() {
		return fmt.Errorf("all %d document(s) failed", sum.Failed)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
