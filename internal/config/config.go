// Package config loads learnloop's TOML configuration, mirroring the
// section-per-concern layout of the teacher's agent.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration, one section per learning-loop
// subsystem (spec §6.3).
type Config struct {
	Store          StoreConfig          `toml:"store"`
	Index          IndexConfig          `toml:"index"`
	Fused          FusedConfig          `toml:"fused"`
	Hints          HintsConfig          `toml:"hints"`
	Pairing        PairingConfig        `toml:"pairing"`
	Trust          TrustConfig          `toml:"trust"`
	ObservedGate   ObservedGateConfig   `toml:"observed_gate"`
	TrajectoryGate TrajectoryGateConfig `toml:"trajectory_gate"`
	Holdout        HoldoutConfig        `toml:"holdout"`
	Bundle         BundleConfig         `toml:"bundle"`
	Telemetry      TelemetryConfig      `toml:"telemetry"`
}

// StoreConfig configures the append-only trace store.
type StoreConfig struct {
	DataDir string `toml:"data_dir"`
}

// IndexConfig configures the BM25 lexical index (spec §4.3 defaults).
type IndexConfig struct {
	K1            float64 `toml:"k1"`
	B             float64 `toml:"b"`
	MaxQueryTerms int     `toml:"max_query_terms"`
}

// FusedConfig configures the RRF composite index (spec §4.4 defaults).
type FusedConfig struct {
	RRFK            float64 `toml:"rrf_k"`
	PrimaryWeight   float64 `toml:"primary_weight"`
	SecondaryWeight float64 `toml:"secondary_weight"`
}

// HintsConfig configures hint synthesis (spec §4.8).
type HintsConfig struct {
	MaxSuggestions int    `toml:"max_suggestions"`
	HintMode       string `toml:"hint_mode"` // all | artifact_only
	QueryMaxChars  int    `toml:"query_max_chars"`
	PlanTimeoutMs  int    `toml:"plan_timeout_ms"`
	TotalTimeoutMs int    `toml:"total_timeout_ms"`
}

// PairingConfig configures OFF/ON episode pairing (spec §4.9).
type PairingConfig struct {
	MinOccurrencesPerFamily int     `toml:"min_occurrences_per_family"`
	RequireCrossSession     bool    `toml:"require_cross_session"`
	MaxWallTimeRatio        float64 `toml:"max_wall_time_ratio"`
	MaxTokenCountRatio      float64 `toml:"max_token_count_ratio"`
}

// TrustConfig configures the paired bootstrap (spec §4.10).
type TrustConfig struct {
	BootstrapSamples int     `toml:"bootstrap_samples"`
	ConfidenceLevel  float64 `toml:"confidence_level"`
	Seed             uint64  `toml:"seed"`
}

// ObservedGateConfig configures the observed A/B gate thresholds (spec §4.10).
type ObservedGateConfig struct {
	MinPairCount                   int     `toml:"min_pair_count"`
	MinRelativeDeadEndReduction     float64 `toml:"min_relative_dead_end_reduction"`
	MinRelativeWallTimeReduction    float64 `toml:"min_relative_wall_time_reduction"`
	MinRelativeTokenCountReduction  float64 `toml:"min_relative_token_count_reduction"`
	MinRelativeTokenProxyReduction  float64 `toml:"min_relative_token_proxy_reduction"`
	MinRecoverySuccessRateOn        float64 `toml:"min_recovery_success_rate_on"`
	MaxRecoverySuccessRateDrop      float64 `toml:"max_recovery_success_rate_drop"`
}

// TrajectoryGateConfig configures the trajectory-outcome gate (spec §4.11).
type TrajectoryGateConfig struct {
	MinRelativeHarmfulRetryReduction float64 `toml:"min_relative_harmful_retry_reduction"`
	MinJudgeableCoverage             float64 `toml:"min_judgeable_coverage"`
}

// HoldoutConfig configures the long-horizon holdout lane (spec §4.12).
type HoldoutConfig struct {
	EvalRatio                  float64 `toml:"eval_ratio"`
	MinFamilyDisjointPairCount int     `toml:"min_family_disjoint_pair_count"`
	Strict                     bool    `toml:"strict"`
}

// BundleConfig configures trace bundle shipping over NATS (spec §6.2).
type BundleConfig struct {
	NATSURL      string `toml:"nats_url"`
	BucketPrefix string `toml:"bucket_prefix"`
}

// TelemetryConfig configures the OTel tracer wrapper.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Protocol string `toml:"protocol"` // noop | otlp-grpc | otlp-http
}

// New returns a Config populated with every documented default.
func New() *Config {
	return &Config{
		Store: StoreConfig{DataDir: "~/.local/learnloop"},
		Index: IndexConfig{K1: 1.2, B: 0.75, MaxQueryTerms: 128},
		Fused: FusedConfig{RRFK: 60, PrimaryWeight: 1.25, SecondaryWeight: 1.0},
		Hints: HintsConfig{
			MaxSuggestions: 3,
			HintMode:       "all",
			QueryMaxChars:  1200,
			PlanTimeoutMs:  1500,
			TotalTimeoutMs: 4000,
		},
		Pairing: PairingConfig{
			MinOccurrencesPerFamily: 2,
			RequireCrossSession:     true,
			MaxWallTimeRatio:        4.0,
			MaxTokenCountRatio:      4.0,
		},
		Trust: TrustConfig{
			BootstrapSamples: 2000,
			ConfidenceLevel:  0.95,
			Seed:             1469598103934665603,
		},
		ObservedGate: ObservedGateConfig{
			MinPairCount:                   3,
			MinRelativeDeadEndReduction:    0.25,
			MinRelativeWallTimeReduction:   0.10,
			MinRelativeTokenCountReduction: 0.10,
			MinRelativeTokenProxyReduction: 0.10,
			MinRecoverySuccessRateOn:       0.90,
			MaxRecoverySuccessRateDrop:     0.0,
		},
		TrajectoryGate: TrajectoryGateConfig{
			MinRelativeHarmfulRetryReduction: 0.20,
			MinJudgeableCoverage:             0.60,
		},
		Holdout: HoldoutConfig{
			EvalRatio:                  0.30,
			MinFamilyDisjointPairCount: 20,
			Strict:                     false,
		},
		Bundle: BundleConfig{
			NATSURL:      "nats://127.0.0.1:4222",
			BucketPrefix: "learnloop",
		},
		Telemetry: TelemetryConfig{Protocol: "noop"},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file over New()'s defaults,
// so an absent section keeps its documented default.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads learnloop.toml from the current directory.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: getwd: %w", err)
	}
	return LoadFile(filepath.Join(cwd, "learnloop.toml"))
}

// ResolvedDataDir expands a leading "~" in Store.DataDir against the
// user's home directory.
func (c *Config) ResolvedDataDir() (string, error) {
	dir := c.Store.DataDir
	if dir == "" {
		dir = New().Store.DataDir
	}
	if dir == "~" || len(dir) >= 2 && dir[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: resolve home dir: %w", err)
		}
		if dir == "~" {
			return home, nil
		}
		return filepath.Join(home, dir[2:]), nil
	}
	return dir, nil
}
