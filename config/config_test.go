package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsRequireDatabase(t *testing.T) {
	t.Setenv("STAKESETTLE_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error without database_url")
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settled.yaml")
	body := `
database_url: postgres://settled:pw@localhost/settled
ledger:
  read_endpoint: https://rpc.example.org
  request_timeout: 5s
reconcile:
  not_found_grace: 2m
execute:
  lock_ttl: 10m
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("STAKESETTLE_RPC_SUBMIT", "https://priority.example.org")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Ledger.ReadEndpoint != "https://rpc.example.org" {
		t.Errorf("read endpoint = %q", cfg.Ledger.ReadEndpoint)
	}
	if got := cfg.SubmitEndpointOrRead(); got != "https://priority.example.org" {
		t.Errorf("submit endpoint = %q, want env override", got)
	}
	if cfg.Reconcile.NotFoundGrace.Std() != 2*time.Minute {
		t.Errorf("grace = %s, want 2m", cfg.Reconcile.NotFoundGrace.Std())
	}
	if cfg.Ledger.RequestTimeout.Std() != 5*time.Second {
		t.Errorf("request timeout = %s, want 5s", cfg.Ledger.RequestTimeout.Std())
	}
	// Untouched keys keep defaults.
	if cfg.Execute.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want default 3", cfg.Execute.MaxAttempts)
	}
}

func TestValidateLockTTLCoversRetryBudget(t *testing.T) {
	cfg := Default()
	cfg.DatabaseURL = "postgres://x"

	// 3 attempts x 45s confirm + 2s + 4s backoff = 141s worst case.
	cfg.Execute.LockTTL = Duration(2 * time.Minute)
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected lock_ttl validation failure")
	}
	if !strings.Contains(err.Error(), "lock_ttl") {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Execute.LockTTL = Duration(3 * time.Minute)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected 3m lease to satisfy budget: %v", err)
	}
}

func TestSubmitEndpointFallsBackToRead(t *testing.T) {
	cfg := Default()
	cfg.Ledger.SubmitEndpoint = ""
	if got := cfg.SubmitEndpointOrRead(); got != cfg.Ledger.ReadEndpoint {
		t.Errorf("fallback endpoint = %q, want read endpoint", got)
	}
}
