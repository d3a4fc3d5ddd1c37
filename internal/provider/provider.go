package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"qwatch/internal/config"
	"qwatch/internal/market"
)

// Provider 为行情数据源的统一抽象。上层引擎只依赖该接口，
// 不感知底层是实时交易所还是回放脚本。
type Provider interface {
	// Connect 建立连接并完成必要的元数据加载。
	Connect(ctx context.Context) error
	// Close 释放连接资源。
	Close() error
	// Subscribe 登记订阅标的。
	Subscribe(ctx context.Context, codes []market.StockCode) error
	// Unsubscribe 取消订阅标的。
	Unsubscribe(ctx context.Context, codes []market.StockCode) error
	// Quotes 拉取一批标的的最新快照。
	Quotes(ctx context.Context, codes []market.StockCode) ([]market.QuoteSnapshot, error)
	// DailyKlines 拉取单只标的最近 days 根日K线，按日期升序返回。
	DailyKlines(ctx context.Context, code market.StockCode, days int) ([]market.DailyKline, error)
	// Name 返回数据源名称。
	Name() string
}

// New 按配置构造数据源。
func New(cfg config.ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Source {
	case "ccxt":
		return NewCCXTProvider(cfg, logger)
	case "replay":
		return NewReplayProvider(cfg.ReplayPath, logger)
	default:
		return nil, fmt.Errorf("未知数据源类型: %q", cfg.Source)
	}
}
