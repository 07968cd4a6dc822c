// Package config holds all ACMS configuration. Configuration loads from a
// YAML file with environment-variable overrides; a fsnotify watcher supports
// hot reload of the tunable scoring parameters.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"acms/internal/types"
)

// Config holds all ACMS configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Data directory for the SQLite database, key files, and logs
	DataDir string `yaml:"data_dir"`

	Crypto      CryptoConfig      `yaml:"crypto"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	CRS         types.CRSConfig   `yaml:"crs"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Rehydration RehydrationConfig `yaml:"rehydration"`
	Cache       CacheConfig       `yaml:"cache"`
	Compliance  ComplianceConfig  `yaml:"compliance"`
	RateLimits  RateLimitConfig   `yaml:"rate_limits"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Retention   RetentionConfig   `yaml:"retention"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// CryptoConfig configures the key manager.
type CryptoConfig struct {
	// Backend: "software", "tpm", or "enclave"
	Backend string `yaml:"backend"`
	// KeyDir holds the sealed master key material for the software backend
	KeyDir string `yaml:"key_dir"`
	// KeyCacheTTL bounds how long unwrapped topic keys stay in memory
	KeyCacheTTL string `yaml:"key_cache_ttl"`
}

// EmbeddingConfig configures the embedding and summarizer backends.
type EmbeddingConfig struct {
	// Provider: "ollama" or "genai"
	Provider string `yaml:"provider"`

	// Ollama configuration (local server)
	OllamaEndpoint   string `yaml:"ollama_endpoint"`    // Default: "http://localhost:11434"
	OllamaEmbedModel string `yaml:"ollama_embed_model"` // Default: "embeddinggemma"
	OllamaChatModel  string `yaml:"ollama_chat_model"`  // Default: "llama3.2"

	// GenAI configuration (cloud)
	GenAIAPIKey     string `yaml:"genai_api_key"`
	GenAIEmbedModel string `yaml:"genai_embed_model"` // Default: "gemini-embedding-001"
	GenAIChatModel  string `yaml:"genai_chat_model"`  // Default: "gemini-2.0-flash"

	// Dimensions of the embedding space (must match the model)
	Dimensions int `yaml:"dimensions"`

	// Timeout for a single backend call
	Timeout string `yaml:"timeout"`
}

// RetrievalConfig configures candidate retrieval and hybrid ranking.
type RetrievalConfig struct {
	KCandidates int           `yaml:"k_candidates"`
	MinScore    float64       `yaml:"min_score"`
	Hybrid      HybridWeights `yaml:"hybrid"`
	// IntentOverrides replaces individual hybrid weights per intent tag.
	IntentOverrides map[string]HybridWeights `yaml:"intent_overrides"`
	// ExtraIntents adds domain-specific intent tags with their patterns.
	ExtraIntents map[string][]string `yaml:"extra_intents"`
}

// HybridWeights are the four hybrid ranking coefficients.
type HybridWeights struct {
	Alpha float64 `yaml:"alpha"` // vector similarity
	Beta  float64 `yaml:"beta"`  // recency
	Gamma float64 `yaml:"gamma"` // outcome rate
	Delta float64 `yaml:"delta"` // current retention score
}

// RehydrationConfig configures bundle assembly.
type RehydrationConfig struct {
	TokenBudgetDefault     int `yaml:"token_budget_default"`
	OverheadReservePercent int `yaml:"overhead_reserve_percent"`
}

// CacheConfig configures the rehydration bundle cache.
type CacheConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
	MaxEntries int `yaml:"max_entries"`
}

// ComplianceConfig configures compliance-mode behavior.
type ComplianceConfig struct {
	ModeDefault bool `yaml:"mode_default"`
}

// RateLimitConfig holds per-user rate limits.
type RateLimitConfig struct {
	IngestPerMinute  int `yaml:"ingest_per_minute"`
	QueriesPerMinute int `yaml:"queries_per_minute"`
	ExportsPerDay    int `yaml:"exports_per_day"`
	// RehydrateConcurrency caps concurrent rehydrations; excess queues up to
	// QueueDepth then returns Overloaded.
	RehydrateConcurrency int `yaml:"rehydrate_concurrency"`
	QueueDepth           int `yaml:"queue_depth"`
}

// SchedulerConfig holds job cadences.
type SchedulerConfig struct {
	CRSRecomputeInterval string `yaml:"crs_recompute_interval"` // Default: 24h
	KeyRotationInterval  string `yaml:"key_rotation_interval"`  // Default: 168h
	ArchivePurgeInterval string `yaml:"archive_purge_interval"` // Default: 24h
	MaxRetries           int    `yaml:"max_retries"`
}

// RetentionConfig holds archive retention windows per tier.
type RetentionConfig struct {
	ShortArchiveDays int    `yaml:"short_archive_days"`
	MidArchiveDays   int    `yaml:"mid_archive_days"`
	LongArchiveDays  int    `yaml:"long_archive_days"`
	ExportHandleTTL  string `yaml:"export_handle_ttl"` // Default: 24h
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode bool `yaml:"debug_mode"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "acms",
		Version: "1.0.0",
		DataDir: "data",

		Crypto: CryptoConfig{
			Backend:     "software",
			KeyDir:      "data/keys",
			KeyCacheTTL: "60s",
		},

		Embedding: EmbeddingConfig{
			Provider:         "ollama",
			OllamaEndpoint:   "http://localhost:11434",
			OllamaEmbedModel: "embeddinggemma",
			OllamaChatModel:  "llama3.2",
			GenAIEmbedModel:  "gemini-embedding-001",
			GenAIChatModel:   "gemini-2.0-flash",
			Dimensions:       768,
			Timeout:          "30s",
		},

		CRS: types.DefaultCRSConfig(),

		Retrieval: RetrievalConfig{
			KCandidates: 100,
			MinScore:    0.25,
			Hybrid:      HybridWeights{Alpha: 0.5, Beta: 0.2, Gamma: 0.2, Delta: 0.1},
			IntentOverrides: map[string]HybridWeights{
				"code-assist": {Alpha: 0.4, Beta: 0.2, Gamma: 0.3, Delta: 0.1},
				"research":    {Alpha: 0.6, Beta: 0.1, Gamma: 0.2, Delta: 0.1},
			},
		},

		Rehydration: RehydrationConfig{
			TokenBudgetDefault:     2000,
			OverheadReservePercent: 10,
		},

		Cache: CacheConfig{
			TTLSeconds: 300,
			MaxEntries: 1024,
		},

		Compliance: ComplianceConfig{ModeDefault: false},

		RateLimits: RateLimitConfig{
			IngestPerMinute:      100,
			QueriesPerMinute:     100,
			ExportsPerDay:        10,
			RehydrateConcurrency: 8,
			QueueDepth:           32,
		},

		Scheduler: SchedulerConfig{
			CRSRecomputeInterval: "24h",
			KeyRotationInterval:  "168h",
			ArchivePurgeInterval: "24h",
			MaxRetries:           5,
		},

		Retention: RetentionConfig{
			ShortArchiveDays: 7,
			MidArchiveDays:   14,
			LongArchiveDays:  30,
			ExportHandleTTL:  "24h",
		},

		Logging: LoggingConfig{DebugMode: false},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
	}
	if dir := os.Getenv("ACMS_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if ep := os.Getenv("OLLAMA_ENDPOINT"); ep != "" {
		c.Embedding.OllamaEndpoint = ep
	}
	if p := os.Getenv("ACMS_EMBEDDING_PROVIDER"); p != "" {
		c.Embedding.Provider = p
	}
}

// weightTolerance is the floating-point slack allowed when checking that the
// CRS weights sum to 1.0.
const weightTolerance = 1e-6

// Validate validates the configuration.
func (c *Config) Validate() error {
	sum := c.CRS.WeightSim + c.CRS.WeightRecurrence + c.CRS.WeightOutcome +
		c.CRS.WeightCorrections + c.CRS.WeightRecency
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("crs weights must sum to 1.0, got %f", sum)
	}
	if c.CRS.DecayLambdaPerDay <= 0 {
		return fmt.Errorf("crs.decay_lambda_per_day must be positive, got %f", c.CRS.DecayLambdaPerDay)
	}
	if c.Embedding.Provider != "ollama" && c.Embedding.Provider != "genai" {
		return fmt.Errorf("invalid embedding provider: %s (use 'ollama' or 'genai')", c.Embedding.Provider)
	}
	if c.Rehydration.OverheadReservePercent < 0 || c.Rehydration.OverheadReservePercent > 50 {
		return fmt.Errorf("rehydration overhead reserve must be in [0,50], got %d", c.Rehydration.OverheadReservePercent)
	}
	if c.Retrieval.KCandidates <= 0 {
		return fmt.Errorf("retrieval.k_candidates must be positive")
	}
	return nil
}

// =============================================================================
// Duration accessors
// =============================================================================

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetEmbeddingTimeout returns the backend call timeout as a duration.
func (c *Config) GetEmbeddingTimeout() time.Duration {
	return parseDuration(c.Embedding.Timeout, 30*time.Second)
}

// GetKeyCacheTTL returns the key cache TTL as a duration.
func (c *Config) GetKeyCacheTTL() time.Duration {
	return parseDuration(c.Crypto.KeyCacheTTL, 60*time.Second)
}

// GetCacheTTL returns the rehydration cache TTL as a duration.
func (c *Config) GetCacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// GetCRSRecomputeInterval returns the CRS recompute cadence.
func (c *Config) GetCRSRecomputeInterval() time.Duration {
	return parseDuration(c.Scheduler.CRSRecomputeInterval, 24*time.Hour)
}

// GetKeyRotationInterval returns the key rotation cadence.
func (c *Config) GetKeyRotationInterval() time.Duration {
	return parseDuration(c.Scheduler.KeyRotationInterval, 7*24*time.Hour)
}

// GetArchivePurgeInterval returns the archive purge cadence.
func (c *Config) GetArchivePurgeInterval() time.Duration {
	return parseDuration(c.Scheduler.ArchivePurgeInterval, 24*time.Hour)
}

// GetExportHandleTTL returns how long export handles stay downloadable.
func (c *Config) GetExportHandleTTL() time.Duration {
	return parseDuration(c.Retention.ExportHandleTTL, 24*time.Hour)
}

// ArchiveWindow returns the archive retention window for a tier.
func (c *Config) ArchiveWindow(tier types.Tier) time.Duration {
	switch tier {
	case types.TierShort:
		return time.Duration(c.Retention.ShortArchiveDays) * 24 * time.Hour
	case types.TierMid:
		return time.Duration(c.Retention.MidArchiveDays) * 24 * time.Hour
	default:
		return time.Duration(c.Retention.LongArchiveDays) * 24 * time.Hour
	}
}

// HybridFor returns the hybrid ranking weights for an intent, falling back to
// the defaults when the intent has no override.
func (c *Config) HybridFor(intent string) HybridWeights {
	if w, ok := c.Retrieval.IntentOverrides[intent]; ok {
		return w
	}
	return c.Retrieval.Hybrid
}
