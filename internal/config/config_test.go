package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		App: AppConfig{Environment: "test"},
		Provider: ProviderConfig{
			Source:        "ccxt",
			Exchange:      "binance",
			QuoteInterval: 3 * time.Second,
			Retry: RetryConfig{
				MaxAttempts: 3,
				MinDelay:    500 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
		},
		Watchlist: WatchlistConfig{Path: "configs/watchlist.json"},
		Analysis: AnalysisConfig{
			VWAPDeviationPct:      2.0,
			VWAPResetPct:          1.0,
			RapidMovePct:          1.0,
			RapidMoveWindow:       5,
			RapidMoveResetPct:     0.5,
			RapidMoveEfficiency:   0.6,
			RapidMoveMinChange:    0.05,
			AmplitudeBreakoutPct:  5.0,
			VolumeSpikeRatio:      3.0,
			VolumeResetRatio:      1.5,
			VolumeBaselineSecs:    300,
			VolumeMinBaselineSecs: 30,
			SignalDisplay:         5 * time.Minute,
		},
		Daily: DailyConfig{
			Enabled:              true,
			Days:                 120,
			RefreshInterval:      30 * time.Minute,
			IncrementalGapDays:   3,
			IncrementalFetchDays: 5,
			MaxCacheDays:         150,
			BatchSave:            10,
			CachePath:            "data/daily_cache.json",
		},
		Alerts: AlertsConfig{
			Enabled:          true,
			Cooldown:         5 * time.Minute,
			ChangeThresholds: []float64{3.0},
		},
		Logging: LoggingConfig{
			Level:            "info",
			Encoding:         "console",
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		},
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "unknown provider source",
			mutate:  func(c *Config) { c.Provider.Source = "futu" },
			wantMsg: "provider.source",
		},
		{
			name:    "vwap reset above trigger",
			mutate:  func(c *Config) { c.Analysis.VWAPResetPct = 3.0 },
			wantMsg: "vwap_reset_pct",
		},
		{
			name:    "rapid move reset above trigger",
			mutate:  func(c *Config) { c.Analysis.RapidMoveResetPct = 1.5 },
			wantMsg: "rapid_move_reset_pct",
		},
		{
			name:    "efficiency out of range",
			mutate:  func(c *Config) { c.Analysis.RapidMoveEfficiency = 1.2 },
			wantMsg: "rapid_move_efficiency",
		},
		{
			name:    "volume reset above spike ratio",
			mutate:  func(c *Config) { c.Analysis.VolumeResetRatio = 4.0 },
			wantMsg: "volume_reset_ratio",
		},
		{
			name:    "incremental fetch not beyond gap",
			mutate:  func(c *Config) { c.Daily.IncrementalFetchDays = 3 },
			wantMsg: "incremental_fetch_days",
		},
		{
			name:    "cache cap below horizon",
			mutate:  func(c *Config) { c.Daily.MaxCacheDays = 100 },
			wantMsg: "max_cache_days",
		},
		{
			name:    "negative change threshold",
			mutate:  func(c *Config) { c.Alerts.ChangeThresholds = []float64{-3} },
			wantMsg: "change_thresholds",
		},
		{
			name:    "target price without bounds",
			mutate:  func(c *Config) { c.Alerts.TargetPrices = []TargetPriceConfig{{Code: "HK.00700"}} },
			wantMsg: "target_prices",
		},
		{
			name:    "zero quote interval",
			mutate:  func(c *Config) { c.Provider.QuoteInterval = 0 },
			wantMsg: "quote_interval",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("error %q does not mention %q", err, tc.wantMsg)
			}
		})
	}
}

func TestValidateSkipsDisabledSections(t *testing.T) {
	cfg := validConfig()
	cfg.Daily = DailyConfig{Enabled: false}
	cfg.Alerts = AlertsConfig{Enabled: false}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled sections should not be validated: %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "app:\n  environment: test\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Provider.QuoteInterval != 3*time.Second {
		t.Errorf("quote_interval default = %v, want 3s", cfg.Provider.QuoteInterval)
	}
	if cfg.Daily.Days != 120 || cfg.Daily.MaxCacheDays != 150 {
		t.Errorf("daily defaults = %d/%d, want 120/150", cfg.Daily.Days, cfg.Daily.MaxCacheDays)
	}
	if cfg.Analysis.VWAPDeviationPct != 2.0 || cfg.Analysis.VWAPResetPct != 1.0 {
		t.Errorf("vwap defaults = %v/%v", cfg.Analysis.VWAPDeviationPct, cfg.Analysis.VWAPResetPct)
	}
	if cfg.Alerts.Cooldown != 5*time.Minute {
		t.Errorf("cooldown default = %v, want 5m", cfg.Alerts.Cooldown)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
