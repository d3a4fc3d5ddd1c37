package daily

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"qwatch/internal/market"
	"qwatch/internal/provider"
)

// fakeProvider 按 code 返回预置K线或错误，并记录调用。
// byDays 按 "HK.00700:5" 形式区分拉取深度，优先于 klines。
type fakeProvider struct {
	klines map[string][]market.DailyKline
	byDays map[string][]market.DailyKline
	errs   map[string]error
	calls  []string
}

func (f *fakeProvider) Connect(ctx context.Context) error { return nil }
func (f *fakeProvider) Close() error                      { return nil }
func (f *fakeProvider) Name() string                      { return "fake" }
func (f *fakeProvider) Subscribe(ctx context.Context, codes []market.StockCode) error {
	return nil
}
func (f *fakeProvider) Unsubscribe(ctx context.Context, codes []market.StockCode) error {
	return nil
}
func (f *fakeProvider) Quotes(ctx context.Context, codes []market.StockCode) ([]market.QuoteSnapshot, error) {
	return nil, nil
}

func (f *fakeProvider) DailyKlines(ctx context.Context, code market.StockCode, days int) ([]market.DailyKline, error) {
	key := code.String()
	f.calls = append(f.calls, fmt.Sprintf("%s:%d", key, days))
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	if bars, ok := f.byDays[fmt.Sprintf("%s:%d", key, days)]; ok {
		return bars, nil
	}
	bars := f.klines[key]
	if days > 0 && len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	return bars, nil
}

var _ provider.Provider = (*fakeProvider)(nil)

func barsForDates(dates []string) []market.DailyKline {
	bars := make([]market.DailyKline, len(dates))
	for i, d := range dates {
		bars[i] = market.DailyKline{Date: d, Close: 100 + float64(i), Volume: 1000}
	}
	return bars
}

func TestCycleFetchesAndSaves(t *testing.T) {
	cfg := testDailyConfig(t)
	engine := NewEngine(cfg, zap.NewNop())
	code := market.NewStockCode(market.MarketHK, "00700")

	prov := &fakeProvider{klines: map[string][]market.DailyKline{
		"HK.00700": makeKlines(30, 100),
	}}
	fetcher := NewFetcher(engine, prov, cfg, zap.NewNop())

	fetched, err := fetcher.Cycle(context.Background(), []market.StockCode{code}, nil)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if fetched != 1 {
		t.Fatalf("fetched = %d, want 1", fetched)
	}
	if engine.CachedDays(code) != 30 {
		t.Fatalf("cached days = %d, want 30", engine.CachedDays(code))
	}

	// 落盘应已完成
	reloaded := NewEngine(cfg, zap.NewNop())
	if err := reloaded.LoadCache(); err != nil {
		t.Fatalf("load cache: %v", err)
	}
	if reloaded.CachedDays(code) != 30 {
		t.Fatal("cycle should checkpoint the cache")
	}
}

func TestCycleSkipsAlreadyFetchedToday(t *testing.T) {
	cfg := testDailyConfig(t)
	engine := NewEngine(cfg, zap.NewNop())
	code := market.NewStockCode(market.MarketHK, "00700")

	engine.MergeUpdate(map[market.StockCode][]market.DailyKline{code: makeKlines(30, 100)})
	engine.MarkFetched(code, time.Now().Format("2006-01-02"))

	prov := &fakeProvider{klines: map[string][]market.DailyKline{
		"HK.00700": makeKlines(30, 100),
	}}
	fetcher := NewFetcher(engine, prov, cfg, zap.NewNop())

	fetched, err := fetcher.Cycle(context.Background(), []market.StockCode{code}, nil)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if fetched != 0 {
		t.Fatalf("fetched = %d, want 0 when already fetched today", fetched)
	}
	// 除权限探测外不应有拉取调用
	if len(prov.calls) != 1 {
		t.Fatalf("expected only the probe call, got %v", prov.calls)
	}
}

func TestCycleDiscardsDiscontinuousCache(t *testing.T) {
	cfg := testDailyConfig(t)
	engine := NewEngine(cfg, zap.NewNop())
	code := market.NewStockCode(market.MarketHK, "00700")

	// 缓存尾部在增量窗口之外（伪造近期日期以落入增量分支）
	today := time.Now()
	cachedDate := today.AddDate(0, 0, -2).Format("2006-01-02")
	engine.MergeUpdate(map[market.StockCode][]market.DailyKline{code: {
		{Date: cachedDate, Close: 50, Volume: 1},
	}})

	// 新数据与缓存尾部无重叠 → 丢弃旧缓存并全量替换
	fresh := barsForDates([]string{
		today.AddDate(0, 0, -1).Format("2006-01-02"),
		today.Format("2006-01-02"),
	})
	prov := &fakeProvider{klines: map[string][]market.DailyKline{"HK.00700": fresh}}
	fetcher := NewFetcher(engine, prov, cfg, zap.NewNop())

	if _, err := fetcher.Cycle(context.Background(), []market.StockCode{code}, nil); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if got := engine.CachedDays(code); got != 2 {
		t.Fatalf("cached days = %d, want 2 after full replace", got)
	}
	if _, ok := engine.LastKlineDate(code); !ok {
		t.Fatal("expected fresh klines after replace")
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	for _, k := range engine.klines[code] {
		if k.Date == cachedDate {
			t.Fatal("stale disconnected bar should be discarded")
		}
	}
}

func TestCycleSkipsUnauthorizedMarket(t *testing.T) {
	cfg := testDailyConfig(t)
	engine := NewEngine(cfg, zap.NewNop())
	hk := market.NewStockCode(market.MarketHK, "00700")
	us := market.NewStockCode(market.MarketUS, "AAPL")

	prov := &fakeProvider{
		klines: map[string][]market.DailyKline{"HK.00700": makeKlines(10, 100)},
		errs:   map[string]error{"US.AAPL": provider.ErrUnauthorizedMarket},
	}
	fetcher := NewFetcher(engine, prov, cfg, zap.NewNop())

	fetched, err := fetcher.Cycle(context.Background(), []market.StockCode{hk, us}, nil)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if fetched != 1 {
		t.Fatalf("fetched = %d, want 1 (US market skipped)", fetched)
	}
	if engine.CachedDays(us) != 0 {
		t.Fatal("unauthorized market should not be cached")
	}
}

func TestCycleContinuesPastUnavailable(t *testing.T) {
	cfg := testDailyConfig(t)
	engine := NewEngine(cfg, zap.NewNop())
	bad := market.NewStockCode(market.MarketHK, "00001")
	good := market.NewStockCode(market.MarketHK, "00700")

	prov := &fakeProvider{
		klines: map[string][]market.DailyKline{"HK.00700": makeKlines(30, 100)},
		errs:   map[string]error{"HK.00001": provider.ErrUnavailable},
	}
	fetcher := NewFetcher(engine, prov, cfg, zap.NewNop())

	// 单标的不可用不得中断整轮，后续标的照常拉取
	fetched, err := fetcher.Cycle(context.Background(), []market.StockCode{bad, good}, nil)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if fetched != 1 {
		t.Fatalf("fetched = %d, want 1 (unavailable stock skipped, rest fetched)", fetched)
	}
	if engine.CachedDays(good) != 30 {
		t.Fatal("stocks after an unavailable one must still be fetched")
	}
	if engine.CachedDays(bad) != 0 {
		t.Fatal("unavailable stock should stay uncached until next cycle")
	}
}

func TestCycleKeepsCacheWhenFullRefetchEmpty(t *testing.T) {
	cfg := testDailyConfig(t)
	engine := NewEngine(cfg, zap.NewNop())
	code := market.NewStockCode(market.MarketHK, "00700")

	today := time.Now()
	cachedDate := today.AddDate(0, 0, -2).Format("2006-01-02")
	engine.MergeUpdate(map[market.StockCode][]market.DailyKline{code: {
		{Date: cachedDate, Close: 50, Volume: 1},
	}})

	// 增量结果与缓存无重叠触发全量重拉，但全量返回为空
	fresh := barsForDates([]string{
		today.AddDate(0, 0, -1).Format("2006-01-02"),
		today.Format("2006-01-02"),
	})
	prov := &fakeProvider{byDays: map[string][]market.DailyKline{
		fmt.Sprintf("HK.00700:%d", cfg.IncrementalFetchDays): fresh,
		fmt.Sprintf("HK.00700:%d", cfg.Days):                 {},
	}}
	fetcher := NewFetcher(engine, prov, cfg, zap.NewNop())

	fetched, err := fetcher.Cycle(context.Background(), []market.StockCode{code}, nil)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if fetched != 0 {
		t.Fatalf("fetched = %d, want 0 when full refetch came back empty", fetched)
	}

	// 原缓存保留，下轮重试；不得被空结果清空
	if got := engine.CachedDays(code); got != 1 {
		t.Fatalf("cached days = %d, want stale bar preserved", got)
	}
	if date, ok := engine.LastKlineDate(code); !ok || date != cachedDate {
		t.Fatalf("last kline date = %q, want stale %q preserved", date, cachedDate)
	}
	if _, ok := engine.LastFetchedDate(code); ok {
		t.Fatal("empty refetch must not be marked as fetched today")
	}
}

func TestCycleDropsInFlightResultForRemovedStock(t *testing.T) {
	cfg := testDailyConfig(t)
	engine := NewEngine(cfg, zap.NewNop())
	code := market.NewStockCode(market.MarketHK, "00700")

	prov := &fakeProvider{klines: map[string][]market.DailyKline{
		"HK.00700": makeKlines(10, 100),
	}}
	fetcher := NewFetcher(engine, prov, cfg, zap.NewNop())

	// 标的在拉取期间被移除
	fetched, err := fetcher.Cycle(context.Background(), []market.StockCode{code},
		func(market.StockCode) bool { return false })
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if fetched != 0 {
		t.Fatalf("fetched = %d, want 0 when stock was removed mid-cycle", fetched)
	}
	if engine.CachedDays(code) != 0 {
		t.Fatal("in-flight result for removed stock must not be merged")
	}
}
