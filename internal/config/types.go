package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Watchlist WatchlistConfig `mapstructure:"watchlist"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Daily     DailyConfig     `mapstructure:"daily"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ProviderConfig 描述行情数据源。
type ProviderConfig struct {
	// 数据源类型: "ccxt" | "replay"
	Source        string        `mapstructure:"source"`
	Exchange      string        `mapstructure:"exchange"`
	APIKey        string        `mapstructure:"api_key"`
	APISecret     string        `mapstructure:"api_secret"`
	APIPass       string        `mapstructure:"api_password"`
	UseSandbox    bool          `mapstructure:"use_sandbox"`
	ReplayPath    string        `mapstructure:"replay_path"`
	QuoteInterval time.Duration `mapstructure:"quote_interval"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// WatchlistConfig 描述自选股来源。
type WatchlistConfig struct {
	Path     string        `mapstructure:"path"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// AnalysisConfig 管理分时信号检测阈值。
type AnalysisConfig struct {
	VWAPDeviationPct      float64       `mapstructure:"vwap_deviation_pct"`
	VWAPResetPct          float64       `mapstructure:"vwap_reset_pct"`
	RapidMovePct          float64       `mapstructure:"rapid_move_pct"`
	RapidMoveWindow       int           `mapstructure:"rapid_move_window"`
	RapidMoveResetPct     float64       `mapstructure:"rapid_move_reset_pct"`
	RapidMoveEfficiency   float64       `mapstructure:"rapid_move_efficiency"`
	RapidMoveMinChange    float64       `mapstructure:"rapid_move_min_change"`
	AmplitudeBreakoutPct  float64       `mapstructure:"amplitude_breakout_pct"`
	VolumeSpikeRatio      float64       `mapstructure:"volume_spike_ratio"`
	VolumeResetRatio      float64       `mapstructure:"volume_reset_ratio"`
	VolumeBaselineSecs    float64       `mapstructure:"volume_baseline_secs"`
	VolumeMinBaselineSecs float64       `mapstructure:"volume_min_baseline_secs"`
	WarmupTicks           int           `mapstructure:"warmup_ticks"`
	SignalDisplay         time.Duration `mapstructure:"signal_display"`
}

// DailyConfig 管理日K线缓存与拉取。
type DailyConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Days                 int           `mapstructure:"days"`
	RefreshInterval      time.Duration `mapstructure:"refresh_interval"`
	IncrementalGapDays   int           `mapstructure:"incremental_gap_days"`
	IncrementalFetchDays int           `mapstructure:"incremental_fetch_days"`
	MaxCacheDays         int           `mapstructure:"max_cache_days"`
	BatchSave            int           `mapstructure:"batch_save"`
	FetchPace            time.Duration `mapstructure:"fetch_pace"`
	CachePath            string        `mapstructure:"cache_path"`
}

// TargetPriceConfig 为单只标的的目标价规则。
type TargetPriceConfig struct {
	Code  string  `mapstructure:"code"`
	Upper float64 `mapstructure:"upper"`
	Lower float64 `mapstructure:"lower"`
}

// AlertsConfig 管理提醒规则。
type AlertsConfig struct {
	Enabled          bool                `mapstructure:"enabled"`
	Cooldown         time.Duration       `mapstructure:"cooldown"`
	ChangeThresholds []float64           `mapstructure:"change_thresholds"`
	TargetPrices     []TargetPriceConfig `mapstructure:"target_prices"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行校验。滞后阈值配置错误会破坏防抖正确性，必须在引擎启动前拦截。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	switch c.Provider.Source {
	case "ccxt":
		if c.Provider.Exchange == "" {
			err = multierr.Append(err, errors.New("provider.exchange 不能为空"))
		}
	case "replay":
	default:
		err = multierr.Append(err, fmt.Errorf("provider.source 必须为 ccxt 或 replay, 当前为 %q", c.Provider.Source))
	}
	if c.Provider.QuoteInterval <= 0 {
		err = multierr.Append(err, errors.New("provider.quote_interval 必须大于0"))
	}
	if c.Provider.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("provider.retry.max_attempts 必须大于0"))
	}
	if c.Provider.Retry.MinDelay <= 0 || c.Provider.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("provider.retry.delay 必须为正"))
	}
	if c.Provider.Retry.MinDelay > c.Provider.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("provider.retry.min_delay 不能大于 max_delay"))
	}
	if c.Watchlist.Path == "" {
		err = multierr.Append(err, errors.New("watchlist.path 不能为空"))
	}

	if c.Analysis.VWAPDeviationPct <= 0 {
		err = multierr.Append(err, errors.New("analysis.vwap_deviation_pct 必须大于0"))
	}
	if c.Analysis.VWAPResetPct <= 0 || c.Analysis.VWAPResetPct >= c.Analysis.VWAPDeviationPct {
		err = multierr.Append(err, errors.New("analysis.vwap_reset_pct 必须位于(0, vwap_deviation_pct)"))
	}
	if c.Analysis.RapidMovePct <= 0 {
		err = multierr.Append(err, errors.New("analysis.rapid_move_pct 必须大于0"))
	}
	if c.Analysis.RapidMoveResetPct <= 0 || c.Analysis.RapidMoveResetPct >= c.Analysis.RapidMovePct {
		err = multierr.Append(err, errors.New("analysis.rapid_move_reset_pct 必须位于(0, rapid_move_pct)"))
	}
	if c.Analysis.RapidMoveWindow <= 0 {
		err = multierr.Append(err, errors.New("analysis.rapid_move_window 必须大于0"))
	}
	if c.Analysis.RapidMoveEfficiency < 0 || c.Analysis.RapidMoveEfficiency > 1 {
		err = multierr.Append(err, errors.New("analysis.rapid_move_efficiency 必须位于[0,1]"))
	}
	if c.Analysis.AmplitudeBreakoutPct <= 0 {
		err = multierr.Append(err, errors.New("analysis.amplitude_breakout_pct 必须大于0"))
	}
	if c.Analysis.VolumeSpikeRatio <= 1 {
		err = multierr.Append(err, errors.New("analysis.volume_spike_ratio 必须大于1"))
	}
	if c.Analysis.VolumeResetRatio <= 0 || c.Analysis.VolumeResetRatio >= c.Analysis.VolumeSpikeRatio {
		err = multierr.Append(err, errors.New("analysis.volume_reset_ratio 必须位于(0, volume_spike_ratio)"))
	}
	if c.Analysis.WarmupTicks < 0 {
		err = multierr.Append(err, errors.New("analysis.warmup_ticks 不能为负"))
	}
	if c.Analysis.SignalDisplay <= 0 {
		err = multierr.Append(err, errors.New("analysis.signal_display 必须大于0"))
	}

	if c.Daily.Enabled {
		if c.Daily.Days <= 0 {
			err = multierr.Append(err, errors.New("daily.days 必须大于0"))
		}
		if c.Daily.IncrementalGapDays <= 0 {
			err = multierr.Append(err, errors.New("daily.incremental_gap_days 必须大于0"))
		}
		if c.Daily.IncrementalFetchDays <= c.Daily.IncrementalGapDays {
			err = multierr.Append(err, errors.New("daily.incremental_fetch_days 必须大于 incremental_gap_days"))
		}
		if c.Daily.MaxCacheDays < c.Daily.Days {
			err = multierr.Append(err, errors.New("daily.max_cache_days 不能小于 days"))
		}
		if c.Daily.BatchSave <= 0 {
			err = multierr.Append(err, errors.New("daily.batch_save 必须大于0"))
		}
		if c.Daily.FetchPace < 0 {
			err = multierr.Append(err, errors.New("daily.fetch_pace 不能为负"))
		}
		if c.Daily.CachePath == "" {
			err = multierr.Append(err, errors.New("daily.cache_path 不能为空"))
		}
	}

	if c.Alerts.Enabled {
		if c.Alerts.Cooldown <= 0 {
			err = multierr.Append(err, errors.New("alerts.cooldown 必须大于0"))
		}
		for _, t := range c.Alerts.ChangeThresholds {
			if t <= 0 {
				err = multierr.Append(err, fmt.Errorf("alerts.change_thresholds 必须为正, 存在 %v", t))
			}
		}
		for _, tp := range c.Alerts.TargetPrices {
			if tp.Code == "" {
				err = multierr.Append(err, errors.New("alerts.target_prices.code 不能为空"))
			}
			if tp.Upper <= 0 && tp.Lower <= 0 {
				err = multierr.Append(err, fmt.Errorf("alerts.target_prices[%s] 需要 upper 或 lower 至少一项", tp.Code))
			}
		}
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
