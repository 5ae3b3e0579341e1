// Package config loads the settlement engine configuration from a YAML file
// with environment overrides. Every operational tunable lives here so the
// grace window, retry budget, and lock lease can be adjusted per deployment
// without a rebuild.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "90s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Ledger groups RPC connectivity. Two tiers: sweeps read from ReadEndpoint,
// the execute path simulates and submits through SubmitEndpoint.
type Ledger struct {
	ReadEndpoint   string   `yaml:"read_endpoint"`
	SubmitEndpoint string   `yaml:"submit_endpoint"`
	ProgramID      string   `yaml:"program_id"`
	Commitment     string   `yaml:"commitment"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// Reconcile holds the drift-detection tunables.
type Reconcile struct {
	// NotFoundGrace is the proposal age below which a ledger-side NotFound is
	// treated as visibility lag rather than a fatal construction defect.
	NotFoundGrace Duration `yaml:"not_found_grace"`
	// MinInterval rate-limits redundant ledger reads for terminal records.
	MinInterval Duration `yaml:"min_interval"`
	// ActivityLookback bounds the forensic signature search when an executed
	// proposal is missing its receipt.
	ActivityLookback int `yaml:"activity_lookback"`
	// OrphanScanSpan bounds how many transaction indices behind the vault's
	// current index the orphan walk inspects.
	OrphanScanSpan uint64 `yaml:"orphan_scan_span"`
}

// Execute holds the submission retry budget and lock lease settings.
type Execute struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	ConfirmTimeout  Duration `yaml:"confirm_timeout"`
	BackoffBase     Duration `yaml:"backoff_base"`
	PriorityFeeBase uint64   `yaml:"priority_fee_base"`
	PriorityFeeStep uint64   `yaml:"priority_fee_step"`
	ComputeLimit    uint32   `yaml:"compute_limit"`
	LockTTL         Duration `yaml:"lock_ttl"`
	KeyFile         string   `yaml:"key_file"`
}

// Sweep holds the scheduler cadence and the webhook listener.
type Sweep struct {
	Interval       Duration `yaml:"interval"`
	OrphanInterval Duration `yaml:"orphan_interval"`
	Concurrency    int      `yaml:"concurrency"`
	ListenAddr     string   `yaml:"listen_addr"`
	WebhookSecret  string   `yaml:"webhook_secret"`
}

// Config is the root of the settlement engine configuration.
type Config struct {
	DatabaseURL string    `yaml:"database_url"`
	RedisURL    string    `yaml:"redis_url"`
	FeeWallet   string    `yaml:"fee_wallet"`
	DebugLevel  string    `yaml:"debug_level"`
	Ledger      Ledger    `yaml:"ledger"`
	Reconcile   Reconcile `yaml:"reconcile"`
	Execute     Execute   `yaml:"execute"`
	Sweep       Sweep     `yaml:"sweep"`
}

// Default returns the built-in configuration; Load layers file and
// environment values on top of it.
func Default() Config {
	return Config{
		DebugLevel: "info",
		Ledger: Ledger{
			ReadEndpoint:   "https://api.mainnet-beta.solana.com",
			Commitment:     "confirmed",
			RequestTimeout: Duration(10 * time.Second),
		},
		Reconcile: Reconcile{
			NotFoundGrace:    Duration(90 * time.Second),
			MinInterval:      Duration(20 * time.Second),
			ActivityLookback: 25,
			OrphanScanSpan:   32,
		},
		Execute: Execute{
			MaxAttempts:     3,
			ConfirmTimeout:  Duration(45 * time.Second),
			BackoffBase:     Duration(2 * time.Second),
			PriorityFeeBase: 1_000,
			PriorityFeeStep: 5_000,
			ComputeLimit:    400_000,
			LockTTL:         Duration(5 * time.Minute),
		},
		Sweep: Sweep{
			Interval:       Duration(30 * time.Second),
			OrphanInterval: Duration(10 * time.Minute),
			Concurrency:    8,
			ListenAddr:     ":8429",
		},
	}
}

// Load reads the YAML file at path (optional; empty path skips the file),
// applies environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STAKESETTLE_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" && cfg.DatabaseURL == "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("STAKESETTLE_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("STAKESETTLE_RPC_READ"); v != "" {
		cfg.Ledger.ReadEndpoint = v
	}
	if v := os.Getenv("STAKESETTLE_RPC_SUBMIT"); v != "" {
		cfg.Ledger.SubmitEndpoint = v
	}
	if v := os.Getenv("STAKESETTLE_WEBHOOK_SECRET"); v != "" {
		cfg.Sweep.WebhookSecret = v
	}
	if v := os.Getenv("STAKESETTLE_LISTEN"); v != "" {
		cfg.Sweep.ListenAddr = v
	}
	if v := os.Getenv("STAKESETTLE_KEY_FILE"); v != "" {
		cfg.Execute.KeyFile = v
	}
	if v := os.Getenv("STAKESETTLE_DEBUG"); v != "" {
		cfg.DebugLevel = v
	}
	if v := os.Getenv("STAKESETTLE_SWEEP_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sweep.Concurrency = n
		}
	}
}

// Validate rejects configurations that violate operational invariants. The
// lock lease must outlive the worst-case submit budget: a crashed worker's
// lease has to expire only after any in-flight attempt it made could still
// land, and a live worker must never lose its lease mid-retry.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("config: database_url is required")
	}
	if c.Ledger.ReadEndpoint == "" {
		return errors.New("config: ledger.read_endpoint is required")
	}
	if c.Execute.MaxAttempts < 1 {
		return errors.New("config: execute.max_attempts must be at least 1")
	}
	if c.Reconcile.NotFoundGrace.Std() <= 0 {
		return errors.New("config: reconcile.not_found_grace must be positive")
	}
	if c.Reconcile.OrphanScanSpan == 0 {
		return errors.New("config: reconcile.orphan_scan_span must be positive")
	}
	if c.Sweep.Concurrency < 1 {
		return errors.New("config: sweep.concurrency must be at least 1")
	}

	budget := c.worstCaseSubmitBudget()
	if c.Execute.LockTTL.Std() <= budget {
		return fmt.Errorf("config: execute.lock_ttl %s must exceed the worst-case submit budget %s (max_attempts x confirm_timeout plus backoff)",
			c.Execute.LockTTL.Std(), budget)
	}
	return nil
}

// worstCaseSubmitBudget is the longest a single tryExecute can legitimately
// hold the lock: every attempt waits for confirmation, and each retry sleeps
// its exponential backoff first.
func (c Config) worstCaseSubmitBudget() time.Duration {
	budget := time.Duration(c.Execute.MaxAttempts) * c.Execute.ConfirmTimeout.Std()
	backoff := c.Execute.BackoffBase.Std()
	for i := 1; i < c.Execute.MaxAttempts; i++ {
		budget += backoff
		backoff *= 2
	}
	return budget
}

// SubmitEndpointOrRead returns the submit-tier endpoint, falling back to the
// read endpoint when no dedicated one is configured.
func (c Config) SubmitEndpointOrRead() string {
	if c.Ledger.SubmitEndpoint != "" {
		return c.Ledger.SubmitEndpoint
	}
	return c.Ledger.ReadEndpoint
}
