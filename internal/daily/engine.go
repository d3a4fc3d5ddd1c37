package daily

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"qwatch/internal/config"
	"qwatch/internal/indicator"
	"qwatch/internal/market"
)

// stockKlineCache 单只标的的缓存数据。
type stockKlineCache struct {
	Klines []market.DailyKline `json:"klines"`
	// 最后成功拉取日期 (YYYY-MM-DD)
	LastFetched string `json:"last_fetched"`
}

// klineCache 缓存文件结构，key 为 "HK.00700" 形式。
type klineCache struct {
	Stocks map[string]stockKlineCache `json:"stocks"`
}

// Engine 日线引擎：维护每只标的的K线缓存、指标与信号。
// 拉取循环与自选股同步器都会进入，内部用互斥锁保护。
type Engine struct {
	mu sync.Mutex

	cfg    config.DailyConfig
	logger *zap.Logger

	klines      map[market.StockCode][]market.DailyKline
	lastFetched map[market.StockCode]string
	indicators  map[market.StockCode]indicator.Set
	// 上一根K线收盘时的指标，用于检测交叉
	prevIndicators map[market.StockCode]indicator.Set
	signals        map[market.StockCode][]market.TimedSignal
}

// NewEngine 构造日线引擎。
func NewEngine(cfg config.DailyConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:            cfg,
		logger:         logger,
		klines:         make(map[market.StockCode][]market.DailyKline),
		lastFetched:    make(map[market.StockCode]string),
		indicators:     make(map[market.StockCode]indicator.Set),
		prevIndicators: make(map[market.StockCode]indicator.Set),
		signals:        make(map[market.StockCode][]market.TimedSignal),
	}
}

// LoadCache 从缓存文件加载K线数据。文件不存在不算错误；
// 无法解析的 key 跳过并告警，保证向前兼容。
func (e *Engine) LoadCache() error {
	data, err := os.ReadFile(e.cfg.CachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取K线缓存失败: %w", err)
	}

	var cache klineCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return fmt.Errorf("解析K线缓存失败: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	count := 0
	for key, sc := range cache.Stocks {
		code, err := market.ParseStockCode(key)
		if err != nil {
			e.logger.Warn("跳过无法解析的缓存条目", zap.String("key", key))
			continue
		}
		count++
		e.klines[code] = sc.Klines
		if sc.LastFetched != "" {
			e.lastFetched[code] = sc.LastFetched
		}
	}

	if count > 0 {
		e.recomputeAllLocked()
		e.logger.Info("已加载K线缓存", zap.Int("stocks", count), zap.String("path", e.cfg.CachePath))
	}
	return nil
}

// SaveCache 将缓存落盘。先写临时文件再原子改名，进程中途被杀不会留下半个文件。
func (e *Engine) SaveCache() error {
	e.mu.Lock()
	cache := klineCache{Stocks: make(map[string]stockKlineCache, len(e.klines))}
	for code, klines := range e.klines {
		cache.Stocks[code.String()] = stockKlineCache{
			Klines:      klines,
			LastFetched: e.lastFetched[code],
		}
	}
	e.mu.Unlock()

	data, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("序列化K线缓存失败: %w", err)
	}

	dir := filepath.Dir(e.cfg.CachePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建缓存目录失败: %w", err)
	}

	tmp := e.cfg.CachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("写入缓存临时文件失败: %w", err)
	}
	if err := os.Rename(tmp, e.cfg.CachePath); err != nil {
		return fmt.Errorf("缓存文件改名失败: %w", err)
	}
	return nil
}

// MergeUpdate 合并新K线到已有缓存：按日期去重、新数据覆盖旧数据、
// 升序排序、保留最近 max_cache_days 天。
func (e *Engine) MergeUpdate(newData map[market.StockCode][]market.DailyKline) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for code, newKlines := range newData {
		e.mergeStockLocked(code, newKlines)
	}
	e.recomputeAllLocked()
}

// MergeStock 合并单只标的的新K线。keep 在引擎锁内执行，与 RemoveStocks 串行，
// 返回 false 表示标的已移出自选股，在途结果被丢弃。
func (e *Engine) MergeStock(code market.StockCode, klines []market.DailyKline, keep func(market.StockCode) bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if keep != nil && !keep(code) {
		return false
	}
	e.mergeStockLocked(code, klines)
	e.recomputeAllLocked()
	return true
}

func (e *Engine) mergeStockLocked(code market.StockCode, newKlines []market.DailyKline) {
	byDate := make(map[string]market.DailyKline, len(e.klines[code])+len(newKlines))
	for _, k := range e.klines[code] {
		byDate[k.Date] = k
	}
	for _, k := range newKlines {
		byDate[k.Date] = k
	}

	merged := make([]market.DailyKline, 0, len(byDate))
	for _, k := range byDate {
		merged = append(merged, k)
	}
	sortKlines(merged)
	if max := e.cfg.MaxCacheDays; max > 0 && len(merged) > max {
		merged = merged[len(merged)-max:]
	}
	e.klines[code] = merged
}

// ReplaceStock 替换单只标的的全部K线，缓存断裂时使用。
// keep 语义同 MergeStock，可为 nil。
func (e *Engine) ReplaceStock(code market.StockCode, klines []market.DailyKline, keep func(market.StockCode) bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if keep != nil && !keep(code) {
		return false
	}
	sortKlines(klines)
	if max := e.cfg.MaxCacheDays; max > 0 && len(klines) > max {
		klines = klines[len(klines)-max:]
	}
	e.klines[code] = klines
	e.recomputeAllLocked()
	return true
}

// RemoveStocks 移除标的的全部日线状态并立即落盘。
func (e *Engine) RemoveStocks(codes []market.StockCode) {
	e.mu.Lock()
	for _, code := range codes {
		delete(e.klines, code)
		delete(e.lastFetched, code)
		delete(e.indicators, code)
		delete(e.prevIndicators, code)
		delete(e.signals, code)
	}
	e.mu.Unlock()

	if err := e.SaveCache(); err != nil {
		e.logger.Warn("移除标的后保存缓存失败", zap.Error(err))
	}
}

// LastKlineDate 返回缓存中最后一条K线的日期。
func (e *Engine) LastKlineDate(code market.StockCode) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	klines := e.klines[code]
	if len(klines) == 0 {
		return "", false
	}
	return klines[len(klines)-1].Date, true
}

// MarkFetched 记录标的最后成功拉取日期。
func (e *Engine) MarkFetched(code market.StockCode, date string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastFetched[code] = date
}

// LastFetchedDate 返回标的最后成功拉取日期。
func (e *Engine) LastFetchedDate(code market.StockCode) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	date, ok := e.lastFetched[code]
	return date, ok
}

// StockCount 返回已缓存的标的数量。
func (e *Engine) StockCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.klines)
}

// CachedDays 返回标的的缓存K线天数。
func (e *Engine) CachedDays(code market.StockCode) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.klines[code])
}

// Indicators 返回标的的当前日线指标。
func (e *Engine) Indicators(code market.StockCode) (indicator.Set, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.indicators[code]
	return set, ok
}

// Signals 返回全部日线信号的快照。
func (e *Engine) Signals() []market.TimedSignal {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []market.TimedSignal
	for _, sigs := range e.signals {
		out = append(out, sigs...)
	}
	return out
}

// ADV 返回每只标的的日均成交量，供分时引擎的放量绝对量门槛使用。
func (e *Engine) ADV() map[market.StockCode]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	adv := make(map[market.StockCode]float64, len(e.klines))
	for code, klines := range e.klines {
		if len(klines) == 0 {
			continue
		}
		var sum float64
		for _, k := range klines {
			sum += float64(k.Volume)
		}
		adv[code] = sum / float64(len(klines))
	}
	return adv
}

// recomputeAllLocked 重算所有标的的指标与信号，调用方必须持锁。
func (e *Engine) recomputeAllLocked() {
	now := time.Now()
	for code, klines := range e.klines {
		if len(klines) < 2 {
			continue
		}

		series := indicator.NewSeries(klines)
		closes := series.Close

		prevSet := indicator.Compute(closes[:len(closes)-1])
		curSet := indicator.Compute(closes)
		e.prevIndicators[code] = prevSet
		e.indicators[code] = curSet

		raw := detectSignals(curSet, prevSet, closes, series.Volume)

		timed := make([]market.TimedSignal, len(raw))
		for i, sig := range raw {
			timed[i] = market.TimedSignal{
				Signal:      sig,
				Code:        code,
				Timeframe:   market.TimeframeDaily,
				TriggeredAt: now,
			}
		}
		e.signals[code] = timed
	}
}

// 日期为 YYYY-MM-DD，字典序即时间序。
func sortKlines(klines []market.DailyKline) {
	sort.Slice(klines, func(i, j int) bool {
		return klines[i].Date < klines[j].Date
	})
}
