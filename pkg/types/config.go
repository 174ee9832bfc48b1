package types

import (
	"path/filepath"
	"time"
)

// HTTPConfig holds shared HTTP settings used by components that make network requests.
type HTTPConfig struct {
	// RequestTimeout bounds upload, submit, and output downloads.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout" mapstructure:"request_timeout"`

	// PollTimeout bounds a single job-status query. It is independent of the
	// multi-hour job turnaround.
	PollTimeout time.Duration `json:"poll_timeout" yaml:"poll_timeout" mapstructure:"poll_timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests.
	UserAgent string `json:"user_agent" yaml:"user_agent" mapstructure:"user_agent"`

	// MaxRetries bounds retries of transient failures (default 3).
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`

	// RateLimit is the sustained requests per second toward the remote API.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RemoteConfig holds settings for the batch inference service.
type RemoteConfig struct {
	HTTPConfig `yaml:",inline" mapstructure:",squash"`

	// BaseURL is the API root (default https://api.anthropic.com).
	BaseURL string `json:"base_url" yaml:"base_url" mapstructure:"base_url"`

	// APIKey is the authentication key for the API.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"`

	// Model is the model identifier used for all three requests.
	Model string `json:"model" yaml:"model" mapstructure:"model"`

	// MaxTokens caps each response.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`

	// InputPricePerMTok and OutputPricePerMTok convert reported token usage
	// into an actual cost (USD per million tokens, batch pricing).
	InputPricePerMTok  float64 `json:"input_price_per_mtok" yaml:"input_price_per_mtok" mapstructure:"input_price_per_mtok"`
	OutputPricePerMTok float64 `json:"output_price_per_mtok" yaml:"output_price_per_mtok" mapstructure:"output_price_per_mtok"`
}

// SubmissionConfig holds settings for discovery and submission.
type SubmissionConfig struct {
	// MaxFileSize rejects larger files before upload (default 2 GiB).
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size" mapstructure:"max_file_size"`

	// Extensions lists accepted document extensions, lowercase with dot.
	Extensions []string `json:"extensions" yaml:"extensions" mapstructure:"extensions"`

	// PricePerMB drives the estimated cost (USD per 2^20 bytes).
	PricePerMB float64 `json:"price_per_mb" yaml:"price_per_mb" mapstructure:"price_per_mb"`

	// Turnaround is the expected delay between submission and results.
	Turnaround time.Duration `json:"turnaround" yaml:"turnaround" mapstructure:"turnaround"`
}

// VaultConfig holds settings for the importer.
type VaultConfig struct {
	// Dir is the root of the knowledge vault.
	Dir string `json:"dir" yaml:"dir" mapstructure:"dir"`

	// ConceptsDir, FlashcardsDir, ParetoDir, and SourcesDir are relative to Dir.
	ConceptsDir   string `json:"concepts_dir" yaml:"concepts_dir" mapstructure:"concepts_dir"`
	FlashcardsDir string `json:"flashcards_dir" yaml:"flashcards_dir" mapstructure:"flashcards_dir"`
	ParetoDir     string `json:"pareto_dir" yaml:"pareto_dir" mapstructure:"pareto_dir"`
	SourcesDir    string `json:"sources_dir" yaml:"sources_dir" mapstructure:"sources_dir"`
}

// ManifestBackend selects the manifest repository implementation.
type ManifestBackend string

const (
	ManifestFile   ManifestBackend = "file"
	ManifestSQLite ManifestBackend = "sqlite"
)

// ManifestConfig selects and locates the manifest store.
type ManifestConfig struct {
	Backend ManifestBackend `json:"backend" yaml:"backend" mapstructure:"backend"`

	// Path overrides the default location under RootDir.
	Path string `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path"`
}

// PipelineConfig groups all component configurations.
type PipelineConfig struct {
	// RootDir contains inbox/, processing/, completed/ and the manifest.
	RootDir string `json:"root_dir" yaml:"root_dir" mapstructure:"root_dir"`

	// Workers bounds per-document concurrency within a phase (default 4).
	Workers int `json:"workers" yaml:"workers" mapstructure:"workers"`

	// MaxPollPasses caps repeated poll passes within one run (default 3).
	MaxPollPasses int `json:"max_poll_passes" yaml:"max_poll_passes" mapstructure:"max_poll_passes"`

	// WatchInterval is the delay between runs in watch mode.
	WatchInterval time.Duration `json:"watch_interval" yaml:"watch_interval" mapstructure:"watch_interval"`

	Manifest   ManifestConfig   `json:"manifest" yaml:"manifest" mapstructure:"manifest"`
	Submission SubmissionConfig `json:"submission" yaml:"submission" mapstructure:"submission"`
	Remote     RemoteConfig     `json:"remote" yaml:"remote" mapstructure:"remote"`
	Vault      VaultConfig      `json:"vault" yaml:"vault" mapstructure:"vault"`
}

// DefaultPipelineConfig returns the configuration used when nothing is set.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		RootDir:       "batch",
		Workers:       4,
		MaxPollPasses: 3,
		WatchInterval: 30 * time.Minute,
		Manifest:      ManifestConfig{Backend: ManifestFile},
		Submission: SubmissionConfig{
			MaxFileSize: 2 << 30,
			Extensions:  []string{".pdf", ".md", ".txt"},
			PricePerMB:  0.0027,
			Turnaround:  24 * time.Hour,
		},
		Remote: RemoteConfig{
			HTTPConfig: HTTPConfig{
				RequestTimeout: 5 * time.Minute,
				PollTimeout:    30 * time.Second,
				UserAgent:      "docbatch/0.1",
				MaxRetries:     3,
				RateLimit:      2,
			},
			BaseURL:            "https://api.anthropic.com",
			Model:              "claude-sonnet-4-5-20250929",
			MaxTokens:          16000,
			InputPricePerMTok:  1.5,
			OutputPricePerMTok: 7.5,
		},
		Vault: VaultConfig{
			Dir:           "vault",
			ConceptsDir:   "Concepts",
			FlashcardsDir: "Flashcards",
			ParetoDir:     "Pareto",
			SourcesDir:    "Sources",
		},
	}
}

// ManifestPath returns the manifest location for the configured backend.
func (c PipelineConfig) ManifestPath() string {
	if c.Manifest.Path != "" {
		return c.Manifest.Path
	}
	if c.Manifest.Backend == ManifestSQLite {
		return filepath.Join(c.RootDir, "manifest.db")
	}
	return filepath.Join(c.RootDir, "manifest.yaml")
}
