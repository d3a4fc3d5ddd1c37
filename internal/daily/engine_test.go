package daily

import (
	"fmt"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"qwatch/internal/config"
	"qwatch/internal/indicator"
	"qwatch/internal/market"
)

func testDailyConfig(t *testing.T) config.DailyConfig {
	t.Helper()
	return config.DailyConfig{
		Enabled:              true,
		Days:                 120,
		IncrementalGapDays:   3,
		IncrementalFetchDays: 5,
		MaxCacheDays:         150,
		BatchSave:            10,
		CachePath:            filepath.Join(t.TempDir(), "daily_cache.json"),
	}
}

func makeKlines(count int, basePrice float64) []market.DailyKline {
	klines := make([]market.DailyKline, count)
	for i := 0; i < count; i++ {
		price := basePrice + float64(i)*0.3
		klines[i] = market.DailyKline{
			Date:     fmt.Sprintf("2025-%02d-%02d", i/28+1, i%28+1),
			Open:     price - 0.5,
			High:     price + 1,
			Low:      price - 1,
			Close:    price,
			Volume:   1_000_000 + int64(i)*10_000,
			Turnover: price * 1_000_000,
		}
	}
	return klines
}

func TestEngineComputesIndicators(t *testing.T) {
	engine := NewEngine(testDailyConfig(t), zap.NewNop())
	code := market.NewStockCode(market.MarketHK, "00700")

	engine.MergeUpdate(map[market.StockCode][]market.DailyKline{code: makeKlines(60, 380)})

	set, ok := engine.Indicators(code)
	if !ok {
		t.Fatal("expected indicators for cached stock")
	}
	if !validAll(set.MA5, set.MA20, set.MA60, set.MACDDif, set.RSI6) {
		t.Errorf("expected all indicators computed with 60 bars, got %+v", set)
	}
}

func TestAllSignalsTaggedDaily(t *testing.T) {
	engine := NewEngine(testDailyConfig(t), zap.NewNop())
	code := market.NewStockCode(market.MarketHK, "00700")

	klines := make([]market.DailyKline, 30)
	for i := range klines {
		price := 100.0 + float64(i)*2
		klines[i] = market.DailyKline{
			Date:   fmt.Sprintf("2025-01-%02d", i+1),
			Open:   price - 0.5,
			High:   price + 1,
			Low:    price - 1,
			Close:  price,
			Volume: 1_000_000,
		}
	}
	engine.MergeUpdate(map[market.StockCode][]market.DailyKline{code: klines})

	for _, sig := range engine.Signals() {
		if sig.Timeframe != market.TimeframeDaily {
			t.Errorf("signal %v should carry daily timeframe", sig.Signal.Kind)
		}
		if sig.Code != code {
			t.Errorf("signal should carry stock code, got %v", sig.Code)
		}
	}
}

func TestMergeUpdateDedupesByDate(t *testing.T) {
	engine := NewEngine(testDailyConfig(t), zap.NewNop())
	code := market.NewStockCode(market.MarketHK, "00700")

	initial := make([]market.DailyKline, 10)
	for i := range initial {
		initial[i] = market.DailyKline{
			Date:   fmt.Sprintf("2025-01-%02d", i+1),
			Close:  100 + float64(i),
			Volume: 1_000_000,
		}
	}
	engine.MergeUpdate(map[market.StockCode][]market.DailyKline{code: initial})

	if got := engine.CachedDays(code); got != 10 {
		t.Fatalf("cached days = %d, want 10", got)
	}

	// 增量：1 天重叠（覆盖）+ 2 天新增
	incremental := []market.DailyKline{
		{Date: "2025-01-10", Close: 200, Volume: 2_000_000},
		{Date: "2025-01-11", Close: 210, Volume: 2_000_000},
		{Date: "2025-01-12", Close: 220, Volume: 2_000_000},
	}
	engine.MergeUpdate(map[market.StockCode][]market.DailyKline{code: incremental})

	if got := engine.CachedDays(code); got != 12 {
		t.Fatalf("cached days = %d, want 12 after merge", got)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	for _, k := range engine.klines[code] {
		if k.Date == "2025-01-10" && k.Close != 200 {
			t.Errorf("overlapping bar should be overwritten by new data, close = %v", k.Close)
		}
	}
	for i := 1; i < len(engine.klines[code]); i++ {
		if engine.klines[code][i].Date <= engine.klines[code][i-1].Date {
			t.Fatal("klines should be sorted ascending by date")
		}
	}
}

func TestMergeStockDropsRemovedStock(t *testing.T) {
	engine := NewEngine(testDailyConfig(t), zap.NewNop())
	code := market.NewStockCode(market.MarketHK, "00700")

	// keep 在引擎锁内判定为已移除 → 结果丢弃，缓存不被写回
	if engine.MergeStock(code, makeKlines(10, 100), func(market.StockCode) bool { return false }) {
		t.Fatal("merge for a removed stock must be dropped")
	}
	if got := engine.CachedDays(code); got != 0 {
		t.Fatalf("cached days = %d, want 0 after dropped merge", got)
	}

	if engine.ReplaceStock(code, makeKlines(10, 100), func(market.StockCode) bool { return false }) {
		t.Fatal("replace for a removed stock must be dropped")
	}
	if got := engine.CachedDays(code); got != 0 {
		t.Fatalf("cached days = %d, want 0 after dropped replace", got)
	}

	// 仍在自选 → 正常合并
	if !engine.MergeStock(code, makeKlines(10, 100), func(market.StockCode) bool { return true }) {
		t.Fatal("merge for a watched stock should apply")
	}
	if got := engine.CachedDays(code); got != 10 {
		t.Fatalf("cached days = %d, want 10", got)
	}
}

func TestMergeUpdateEnforcesRetentionCap(t *testing.T) {
	cfg := testDailyConfig(t)
	cfg.MaxCacheDays = 150
	engine := NewEngine(cfg, zap.NewNop())
	code := market.NewStockCode(market.MarketHK, "00700")

	engine.MergeUpdate(map[market.StockCode][]market.DailyKline{code: makeKlines(160, 100)})

	if got := engine.CachedDays(code); got != 150 {
		t.Fatalf("cached days = %d, want capped at 150", got)
	}
	// 留下的应是最近的 150 根
	last, ok := engine.LastKlineDate(code)
	if !ok || last != makeKlines(160, 100)[159].Date {
		t.Errorf("retention should drop oldest bars, last = %q", last)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	cfg := testDailyConfig(t)
	engine := NewEngine(cfg, zap.NewNop())
	code := market.NewStockCode(market.MarketHK, "00700")

	engine.MergeUpdate(map[market.StockCode][]market.DailyKline{code: makeKlines(30, 100)})
	engine.MarkFetched(code, "2026-08-28")
	if err := engine.SaveCache(); err != nil {
		t.Fatalf("save cache: %v", err)
	}

	reloaded := NewEngine(cfg, zap.NewNop())
	if err := reloaded.LoadCache(); err != nil {
		t.Fatalf("load cache: %v", err)
	}

	if got := reloaded.CachedDays(code); got != 30 {
		t.Fatalf("reloaded cached days = %d, want 30", got)
	}
	if date, ok := reloaded.LastFetchedDate(code); !ok || date != "2026-08-28" {
		t.Errorf("last fetched = %q, want 2026-08-28", date)
	}
	// 加载后指标应已重算
	if _, ok := reloaded.Indicators(code); !ok {
		t.Error("indicators should be recomputed after load")
	}
}

func TestLoadCacheMissingFileIsNoop(t *testing.T) {
	engine := NewEngine(testDailyConfig(t), zap.NewNop())
	if err := engine.LoadCache(); err != nil {
		t.Fatalf("missing cache file should not error: %v", err)
	}
	if engine.StockCount() != 0 {
		t.Fatal("expected empty engine")
	}
}

func TestRemoveStocksPurgesAndPersists(t *testing.T) {
	cfg := testDailyConfig(t)
	engine := NewEngine(cfg, zap.NewNop())
	keep := market.NewStockCode(market.MarketHK, "00700")
	drop := market.NewStockCode(market.MarketHK, "09988")

	engine.MergeUpdate(map[market.StockCode][]market.DailyKline{
		keep: makeKlines(30, 100),
		drop: makeKlines(30, 50),
	})
	engine.RemoveStocks([]market.StockCode{drop})

	if engine.CachedDays(drop) != 0 {
		t.Fatal("removed stock should have no cached klines")
	}
	if _, ok := engine.Indicators(drop); ok {
		t.Fatal("removed stock should have no indicators")
	}

	// 移除立即落盘：重新加载后也不应回来
	reloaded := NewEngine(cfg, zap.NewNop())
	if err := reloaded.LoadCache(); err != nil {
		t.Fatalf("load cache: %v", err)
	}
	if reloaded.CachedDays(drop) != 0 {
		t.Fatal("removal should be persisted immediately")
	}
	if reloaded.CachedDays(keep) != 30 {
		t.Fatal("kept stock should survive removal save")
	}
}

func TestADVExported(t *testing.T) {
	engine := NewEngine(testDailyConfig(t), zap.NewNop())
	code := market.NewStockCode(market.MarketHK, "00700")

	klines := []market.DailyKline{
		{Date: "2025-01-01", Close: 100, Volume: 1000},
		{Date: "2025-01-02", Close: 101, Volume: 3000},
	}
	engine.MergeUpdate(map[market.StockCode][]market.DailyKline{code: klines})

	adv := engine.ADV()
	if got := adv[code]; got != 2000 {
		t.Errorf("ADV = %v, want 2000", got)
	}
}

func TestDecideFetchPlan(t *testing.T) {
	cfg := testDailyConfig(t)
	engine := NewEngine(cfg, zap.NewNop())
	code := market.NewStockCode(market.MarketHK, "00700")
	today := "2025-06-10"

	// 无缓存 → 全量
	plan := engine.DecideFetchPlan(code, today)
	if !plan.Full || plan.Days != cfg.Days {
		t.Fatalf("no cache should yield Full(%d), got %+v", cfg.Days, plan)
	}

	// 缺口 2 天 ≤ 3 → 增量
	engine.MergeUpdate(map[market.StockCode][]market.DailyKline{code: {
		{Date: "2025-06-08", Close: 100, Volume: 1},
	}})
	plan = engine.DecideFetchPlan(code, today)
	if plan.Full || plan.Days != cfg.IncrementalFetchDays {
		t.Fatalf("gap 2 should yield Incremental(%d), got %+v", cfg.IncrementalFetchDays, plan)
	}

	// 缺口恰好 3 天 → 仍为增量
	engine.ReplaceStock(code, []market.DailyKline{{Date: "2025-06-07", Close: 100, Volume: 1}}, nil)
	plan = engine.DecideFetchPlan(code, today)
	if plan.Full {
		t.Fatalf("gap at threshold should stay incremental, got %+v", plan)
	}

	// 缺口 4 天 → 全量
	engine.ReplaceStock(code, []market.DailyKline{{Date: "2025-06-06", Close: 100, Volume: 1}}, nil)
	plan = engine.DecideFetchPlan(code, today)
	if !plan.Full || plan.Days != cfg.Days {
		t.Fatalf("gap beyond threshold should yield Full(%d), got %+v", cfg.Days, plan)
	}

	// 日期解析失败 → 全量
	engine.ReplaceStock(code, []market.DailyKline{{Date: "garbage", Close: 100, Volume: 1}}, nil)
	plan = engine.DecideFetchPlan(code, today)
	if !plan.Full {
		t.Fatalf("unparseable cache date should yield full fetch, got %+v", plan)
	}
}

func validAll(values ...float64) bool {
	for _, v := range values {
		if !indicator.Valid(v) {
			return false
		}
	}
	return true
}
