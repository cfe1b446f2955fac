package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sha3xd.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
pool:
  wallet: "wallet123"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pool.URL != DefaultPoolURL {
		t.Errorf("Pool.URL = %q, want default %q", cfg.Pool.URL, DefaultPoolURL)
	}
	if cfg.Miner.Workers != DefaultWorkers {
		t.Errorf("Miner.Workers = %d, want default %d", cfg.Miner.Workers, DefaultWorkers)
	}
	if cfg.Miner.StopDeadline != DefaultStopDeadline {
		t.Errorf("Miner.StopDeadline = %v, want default %v", cfg.Miner.StopDeadline, DefaultStopDeadline)
	}
	if cfg.Miner.PauseAboveC != DefaultPauseAboveC || cfg.Miner.ResumeBelowC != DefaultResumeBelowC {
		t.Errorf("thermal thresholds = %v/%v, want defaults %v/%v",
			cfg.Miner.PauseAboveC, cfg.Miner.ResumeBelowC, DefaultPauseAboveC, DefaultResumeBelowC)
	}
	if cfg.Pool.ReconnectBaseDelay != time.Second || cfg.Pool.ReconnectMaxDelay != 30*time.Second {
		t.Errorf("reconnect delays = %v/%v, want 1s/30s",
			cfg.Pool.ReconnectBaseDelay, cfg.Pool.ReconnectMaxDelay)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
pool:
  url: "pool.example.com:4444"
  wallet: "wallet123"
  worker: "rig7"
miner:
  workers: 8
  pause_above_c: 90
  resume_below_c: 80
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pool.URL != "pool.example.com:4444" {
		t.Errorf("Pool.URL = %q", cfg.Pool.URL)
	}
	if cfg.Pool.Worker != "rig7" {
		t.Errorf("Pool.Worker = %q, want rig7", cfg.Pool.Worker)
	}
	if cfg.Miner.Workers != 8 {
		t.Errorf("Miner.Workers = %d, want 8", cfg.Miner.Workers)
	}
	if cfg.Miner.PauseAboveC != 90 {
		t.Errorf("Miner.PauseAboveC = %v, want 90", cfg.Miner.PauseAboveC)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SHA3XD_POOL_WALLET", "envwallet")
	t.Setenv("SHA3XD_POOL_WORKER", "envrig")

	path := writeConfig(t, `
pool:
  wallet: "filewallet"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pool.Wallet != "envwallet" {
		t.Errorf("Pool.Wallet = %q, want env override", cfg.Pool.Wallet)
	}
	if cfg.Pool.Worker != "envrig" {
		t.Errorf("Pool.Worker = %q, want env override", cfg.Pool.Worker)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Pool: PoolConfig{
				URL:                "pool:7039",
				Wallet:             "w",
				ReconnectBaseDelay: time.Second,
				ReconnectMaxDelay:  30 * time.Second,
			},
			Miner: MinerConfig{
				Workers:      2,
				BatchSize:    1000,
				PauseAboveC:  85,
				ResumeBelowC: 78,
				StopDeadline: 5 * time.Second,
			},
			Logging: LoggingConfig{Level: "info"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}, wantErr: false},
		{name: "missing wallet", mutate: func(c *Config) { c.Pool.Wallet = "" }, wantErr: true},
		{name: "missing pool url", mutate: func(c *Config) { c.Pool.URL = "" }, wantErr: true},
		{name: "zero workers", mutate: func(c *Config) { c.Miner.Workers = 0 }, wantErr: true},
		{name: "zero batch size", mutate: func(c *Config) { c.Miner.BatchSize = 0 }, wantErr: true},
		{
			name:    "inverted thermal thresholds",
			mutate:  func(c *Config) { c.Miner.PauseAboveC = 70; c.Miner.ResumeBelowC = 80 },
			wantErr: true,
		},
		{
			name:    "stop deadline too short",
			mutate:  func(c *Config) { c.Miner.StopDeadline = 100 * time.Millisecond },
			wantErr: true,
		},
		{
			name:    "reconnect max below base",
			mutate:  func(c *Config) { c.Pool.ReconnectMaxDelay = 10 * time.Millisecond },
			wantErr: true,
		},
		{
			name:    "kafka enabled without brokers",
			mutate:  func(c *Config) { c.Telemetry.Kafka.Enabled = true },
			wantErr: true,
		},
		{
			name:    "journal enabled without url",
			mutate:  func(c *Config) { c.Journal.Enabled = true },
			wantErr: true,
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `
pool:
  wallet: "w"
miner:
  workers: 0
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() accepted a config with zero workers")
	}
}
