package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"qwatch/internal/config"
	"qwatch/internal/market"
)

// ccxtExchange 收敛本包用到的 ccxt 类型化方法，便于按配置切换交易所。
type ccxtExchange interface {
	LoadMarkets(params ...interface{}) (map[string]ccxt.MarketInterface, error)
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
	FetchOHLCV(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error)
	SetSandboxMode(enable bool)
}

// CCXTProvider 基于 ccxt 的实时数据源，带指数退避重试。
type CCXTProvider struct {
	cfg      config.ProviderConfig
	logger   *zap.Logger
	exchange ccxtExchange

	marketsMu     sync.Mutex
	marketsLoaded bool

	subMu      sync.Mutex
	subscribed map[market.StockCode]struct{}
}

// NewCCXTProvider 按配置构造 ccxt 数据源。
func NewCCXTProvider(cfg config.ProviderConfig, logger *zap.Logger) (*CCXTProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex, err := newExchange(cfg.Exchange, userConfig)
	if err != nil {
		return nil, err
	}
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &CCXTProvider{
		cfg:        cfg,
		logger:     logger,
		exchange:   ex,
		subscribed: make(map[market.StockCode]struct{}),
	}, nil
}

func newExchange(name string, userConfig map[string]interface{}) (ccxtExchange, error) {
	switch strings.ToLower(name) {
	case "binance":
		return ccxt.NewBinance(userConfig), nil
	case "binanceusdm":
		return ccxt.NewBinanceusdm(userConfig), nil
	case "okx":
		return ccxt.NewOkx(userConfig), nil
	case "bybit":
		return ccxt.NewBybit(userConfig), nil
	default:
		return nil, fmt.Errorf("不支持的交易所: %q", name)
	}
}

// Name 返回数据源名称。
func (p *CCXTProvider) Name() string {
	return "ccxt:" + p.cfg.Exchange
}

// Connect 预加载市场元数据。
func (p *CCXTProvider) Connect(ctx context.Context) error {
	return p.ensureMarketsLoaded(ctx)
}

// Close 释放资源。ccxt REST 客户端无长连接，仅清空订阅表。
func (p *CCXTProvider) Close() error {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	p.subscribed = make(map[market.StockCode]struct{})
	return nil
}

// Subscribe 登记订阅标的。REST 轮询模式下仅做登记。
func (p *CCXTProvider) Subscribe(ctx context.Context, codes []market.StockCode) error {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, code := range codes {
		p.subscribed[code] = struct{}{}
	}
	p.logger.Debug("已登记订阅", zap.Int("count", len(codes)))
	return nil
}

// Unsubscribe 取消订阅标的。
func (p *CCXTProvider) Unsubscribe(ctx context.Context, codes []market.StockCode) error {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, code := range codes {
		delete(p.subscribed, code)
	}
	return nil
}

// Quotes 逐只拉取最新行情快照。单只失败只记日志，不影响同批其它标的。
func (p *CCXTProvider) Quotes(ctx context.Context, codes []market.StockCode) ([]market.QuoteSnapshot, error) {
	if err := p.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	quotes := make([]market.QuoteSnapshot, 0, len(codes))
	for _, code := range codes {
		var ticker ccxt.Ticker
		err := p.callWithRetry(ctx, "fetch_ticker", func() error {
			result, err := p.exchange.FetchTicker(code.Symbol)
			if err != nil {
				return err
			}
			ticker = result
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return quotes, err
			}
			p.logger.Warn("行情快照拉取失败",
				zap.String("code", code.String()),
				zap.Error(err),
			)
			continue
		}
		quotes = append(quotes, convertTicker(code, ticker))
	}
	return quotes, nil
}

// DailyKlines 拉取最近 days 根日K线。
func (p *CCXTProvider) DailyKlines(ctx context.Context, code market.StockCode, days int) ([]market.DailyKline, error) {
	if days <= 0 {
		days = 1
	}
	if err := p.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	var raw []ccxt.OHLCV
	err := p.callWithRetry(ctx, "fetch_ohlcv_1d", func() error {
		result, err := p.exchange.FetchOHLCV(
			code.Symbol,
			ccxt.WithFetchOHLCVTimeframe("1d"),
			ccxt.WithFetchOHLCVLimit(int64(days)),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	klines := make([]market.DailyKline, 0, len(raw))
	for _, item := range raw {
		ts := time.UnixMilli(item.Timestamp).UTC()
		klines = append(klines, market.DailyKline{
			Date:     ts.Format("2006-01-02"),
			Open:     item.Open,
			High:     item.High,
			Low:      item.Low,
			Close:    item.Close,
			Volume:   int64(item.Volume),
			Turnover: item.Volume * item.Close,
		})
	}
	return klines, nil
}

func (p *CCXTProvider) ensureMarketsLoaded(ctx context.Context) error {
	if p.marketsLoaded {
		return nil
	}

	p.marketsMu.Lock()
	defer p.marketsMu.Unlock()

	if p.marketsLoaded {
		return nil
	}

	loadErr := p.callWithRetry(ctx, "load_markets", func() error {
		_, err := p.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	p.marketsLoaded = true
	p.logger.Info("已完成市场元数据加载", zap.String("exchange", p.cfg.Exchange))
	return nil
}

func (p *CCXTProvider) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := p.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := p.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				p.logger.Info("数据源调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)

		if errors.Is(normalizedErr, ErrUnauthorizedMarket) {
			p.logger.Warn("数据源权限不足",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= p.cfg.Retry.MaxAttempts {
			p.logger.Error("数据源调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		p.logger.Warn("数据源调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// classifyError 将底层错误归一化为本包哨兵，并给出是否可重试。
func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		message := strings.TrimSpace(ccxtErr.Message)
		switch ccxtErr.Type {
		case ccxt.RateLimitExceededErrType, ccxt.DDoSProtectionErrType:
			return fmt.Errorf("%w: %s", ErrRateLimited, message), true
		case ccxt.AuthenticationErrorErrType, ccxt.PermissionDeniedErrType:
			return fmt.Errorf("%w: %s", ErrUnauthorizedMarket, message), false
		case ccxt.ExchangeNotAvailableErrType, ccxt.OnMaintenanceErrType:
			return fmt.Errorf("%w: %s", ErrUnavailable, message), true
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func convertTicker(code market.StockCode, t ccxt.Ticker) market.QuoteSnapshot {
	quote := market.QuoteSnapshot{
		Code:      code,
		Name:      code.Symbol,
		LastPrice: fval(t.Last),
		PrevClose: fval(t.PreviousClose),
		OpenPrice: fval(t.Open),
		HighPrice: fval(t.High),
		LowPrice:  fval(t.Low),
		Volume:    int64(fval(t.BaseVolume)),
		Turnover:  fval(t.QuoteVolume),
		Change:    fval(t.Change),
		ChangePct: fval(t.Percentage),
		Bid:       fval(t.Bid),
		Ask:       fval(t.Ask),
		Timestamp: time.Now().UTC(),
	}
	if t.Timestamp != nil {
		quote.Timestamp = time.UnixMilli(int64(*t.Timestamp)).UTC()
	}
	if quote.PrevClose == 0 {
		quote.PrevClose = fval(t.Close)
	}
	if quote.PrevClose > 0 {
		quote.Amplitude = (quote.HighPrice - quote.LowPrice) / quote.PrevClose * 100
	}
	return quote
}

func fval(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
