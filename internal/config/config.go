package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "qwatch"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("provider.source", "ccxt")
	v.SetDefault("provider.exchange", "binance")
	v.SetDefault("provider.use_sandbox", false)
	v.SetDefault("provider.quote_interval", "3s")
	v.SetDefault("provider.retry.max_attempts", 5)
	v.SetDefault("provider.retry.min_delay", "500ms")
	v.SetDefault("provider.retry.max_delay", "5s")

	v.SetDefault("watchlist.path", "configs/watchlist.json")
	v.SetDefault("watchlist.debounce", "500ms")

	v.SetDefault("analysis.vwap_deviation_pct", 2.0)
	v.SetDefault("analysis.vwap_reset_pct", 1.0)
	v.SetDefault("analysis.rapid_move_pct", 1.0)
	v.SetDefault("analysis.rapid_move_window", 5)
	v.SetDefault("analysis.rapid_move_reset_pct", 0.5)
	v.SetDefault("analysis.rapid_move_efficiency", 0.6)
	v.SetDefault("analysis.rapid_move_min_change", 0.05)
	v.SetDefault("analysis.amplitude_breakout_pct", 5.0)
	v.SetDefault("analysis.volume_spike_ratio", 3.0)
	v.SetDefault("analysis.volume_reset_ratio", 1.5)
	v.SetDefault("analysis.volume_baseline_secs", 300)
	v.SetDefault("analysis.volume_min_baseline_secs", 30)
	v.SetDefault("analysis.warmup_ticks", 3)
	v.SetDefault("analysis.signal_display", "5m")

	v.SetDefault("daily.enabled", true)
	v.SetDefault("daily.days", 120)
	v.SetDefault("daily.refresh_interval", "30m")
	v.SetDefault("daily.incremental_gap_days", 3)
	v.SetDefault("daily.incremental_fetch_days", 5)
	v.SetDefault("daily.max_cache_days", 150)
	v.SetDefault("daily.batch_save", 10)
	v.SetDefault("daily.fetch_pace", "200ms")
	v.SetDefault("daily.cache_path", "data/daily_cache.json")

	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.cooldown", "5m")
	v.SetDefault("alerts.change_thresholds", []float64{3.0})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
