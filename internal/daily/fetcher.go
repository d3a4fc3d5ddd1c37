package daily

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"qwatch/internal/config"
	"qwatch/internal/market"
	"qwatch/internal/provider"
)

// 限频后的额外退避时长。
const rateLimitBackoff = 2 * time.Second

// Fetcher 驱动日线引擎的一轮拉取：探测权限、逐只限速拉取、分批落盘。
type Fetcher struct {
	engine *Engine
	prov   provider.Provider
	cfg    config.DailyConfig
	logger *zap.Logger
}

// NewFetcher 构造拉取器。
func NewFetcher(engine *Engine, prov provider.Provider, cfg config.DailyConfig, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{engine: engine, prov: prov, cfg: cfg, logger: logger}
}

// Cycle 执行一轮日K线拉取。stillWatched 在引擎锁内复核标的仍在自选股中，
// 与同步器的清退串行执行，移除标的的在途结果不会写回缓存。返回成功拉取的标的数。
func (f *Fetcher) Cycle(ctx context.Context, codes []market.StockCode, stillWatched func(market.StockCode) bool) (int, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	if stillWatched == nil {
		stillWatched = func(market.StockCode) bool { return true }
	}

	today := time.Now().Format("2006-01-02")
	f.logger.Info("开始日K线拉取", zap.Int("total", len(codes)))

	noPermission := f.probeMarkets(ctx, codes)

	fetched := 0
	sinceSave := 0
	for i, code := range codes {
		if ctx.Err() != nil {
			break
		}
		if _, denied := noPermission[code.Market]; denied {
			continue
		}

		ok, err := f.fetchOne(ctx, code, today, stillWatched)
		switch {
		case err == nil:
			if ok {
				fetched++
				sinceSave++
			}
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return fetched, err
		case errors.Is(err, provider.ErrUnauthorizedMarket):
			f.logger.Warn("市场无权限，跳过该市场剩余标的",
				zap.String("market", string(code.Market)),
				zap.Error(err),
			)
			noPermission[code.Market] = struct{}{}
		case errors.Is(err, provider.ErrUnavailable):
			// 单标的失败不中断整轮，下个刷新周期重试
			f.logger.Warn("数据源暂不可用，跳过该标的",
				zap.String("code", code.String()),
				zap.Error(err),
			)
		default:
			f.logger.Warn("日K线拉取失败",
				zap.String("code", code.String()),
				zap.Error(err),
			)
		}

		// 每 batch_save 只存盘一次，进程中途被杀最多丢一批
		if sinceSave >= f.cfg.BatchSave {
			if err := f.engine.SaveCache(); err != nil {
				f.logger.Warn("保存K线缓存失败", zap.Error(err))
			}
			sinceSave = 0
		}

		if i+1 < len(codes) && f.cfg.FetchPace > 0 {
			select {
			case <-ctx.Done():
				return fetched, ctx.Err()
			case <-time.After(f.cfg.FetchPace):
			}
		}
	}

	if err := f.engine.SaveCache(); err != nil {
		f.logger.Warn("保存K线缓存失败", zap.Error(err))
	}

	f.logger.Info("日K线拉取完成",
		zap.Int("fetched", fetched),
		zap.Int("cached", f.engine.StockCount()),
	)
	return fetched, nil
}

// fetchOne 拉取单只标的并合并，返回是否拉到了新数据。
func (f *Fetcher) fetchOne(ctx context.Context, code market.StockCode, today string, stillWatched func(market.StockCode) bool) (bool, error) {
	// 今天已拉取过 → 跳过
	if date, ok := f.engine.LastFetchedDate(code); ok && date == today {
		return false, nil
	}

	plan := f.engine.DecideFetchPlan(code, today)
	lastDate, hadCache := f.engine.LastKlineDate(code)

	klines, err := f.fetchWithRateLimit(ctx, code, plan.Days)
	if err != nil {
		return false, err
	}
	if len(klines) == 0 {
		return false, nil
	}

	if hadCache && !plan.Full {
		// 验证连续性：缓存尾部日期必须出现在新数据中，否则丢弃旧缓存全量重拉
		if hasDate(klines, lastDate) {
			if !f.engine.MergeStock(code, klines, stillWatched) {
				f.logger.Debug("标的已移除，丢弃在途K线", zap.String("code", code.String()))
				return false, nil
			}
		} else {
			f.logger.Warn("缓存断裂，全量替换",
				zap.String("code", code.String()),
				zap.String("last_date", lastDate),
			)
			full, err := f.fetchWithRateLimit(ctx, code, f.cfg.Days)
			if err != nil {
				return false, err
			}
			// 空结果不能清掉现有缓存，保留旧数据下轮重试
			if len(full) == 0 {
				f.logger.Warn("全量重拉结果为空，保留原缓存", zap.String("code", code.String()))
				return false, nil
			}
			if !f.engine.ReplaceStock(code, full, stillWatched) {
				f.logger.Debug("标的已移除，丢弃在途K线", zap.String("code", code.String()))
				return false, nil
			}
		}
	} else {
		if !f.engine.MergeStock(code, klines, stillWatched) {
			f.logger.Debug("标的已移除，丢弃在途K线", zap.String("code", code.String()))
			return false, nil
		}
	}

	f.engine.MarkFetched(code, today)
	return true, nil
}

// fetchWithRateLimit 拉取日K线，限频时退避一次后重试。
func (f *Fetcher) fetchWithRateLimit(ctx context.Context, code market.StockCode, days int) ([]market.DailyKline, error) {
	klines, err := f.prov.DailyKlines(ctx, code, days)
	if err == nil || !errors.Is(err, provider.ErrRateLimited) {
		return klines, err
	}

	f.logger.Warn("触发限频，退避后重试",
		zap.String("code", code.String()),
		zap.Duration("backoff", rateLimitBackoff),
	)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(rateLimitBackoff):
	}
	return f.prov.DailyKlines(ctx, code, days)
}

// probeMarkets 每个市场试拉一只标的，返回无权限的市场集合。
func (f *Fetcher) probeMarkets(ctx context.Context, codes []market.StockCode) map[market.Market]struct{} {
	noPermission := make(map[market.Market]struct{})
	probed := make(map[market.Market]struct{})

	for _, code := range codes {
		if ctx.Err() != nil {
			break
		}
		if code.Market == market.MarketUnknown {
			continue
		}
		if _, done := probed[code.Market]; done {
			continue
		}
		probed[code.Market] = struct{}{}

		if _, err := f.prov.DailyKlines(ctx, code, 2); err != nil {
			if errors.Is(err, provider.ErrUnauthorizedMarket) {
				f.logger.Info("市场权限检测未通过", zap.String("market", string(code.Market)))
				noPermission[code.Market] = struct{}{}
			} else {
				f.logger.Warn("市场权限探测失败",
					zap.String("market", string(code.Market)),
					zap.Error(err),
				)
			}
		} else {
			f.logger.Debug("市场权限检测通过", zap.String("market", string(code.Market)))
		}

		if f.cfg.FetchPace > 0 {
			select {
			case <-ctx.Done():
				return noPermission
			case <-time.After(f.cfg.FetchPace):
			}
		}
	}
	return noPermission
}

func hasDate(klines []market.DailyKline, date string) bool {
	for _, k := range klines {
		if k.Date == date {
			return true
		}
	}
	return false
}
