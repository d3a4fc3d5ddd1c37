package analysis

import (
	"math"

	"qwatch/internal/config"
	"qwatch/internal/market"
)

// ADV 绝对量门槛除数：单 tick 增量 >= ADV / advDivisor 才算放量。
const advDivisor = 1000.0

// priceWindow 单只标的的价格历史窗口。
type priceWindow struct {
	prices  []float64
	maxSize int
}

func newPriceWindow(maxSize int) *priceWindow {
	return &priceWindow{prices: make([]float64, 0, maxSize), maxSize: maxSize}
}

func (w *priceWindow) push(price float64) {
	w.prices = append(w.prices, price)
	if len(w.prices) > w.maxSize {
		w.prices = w.prices[1:]
	}
}

// volumeTracker 单只标的的成交量跟踪器（时间戳 + 累计成交量）。
//
// 用时间归一化的量速率（股/秒）做基线，消除 tick 间隔抖动：
//
//	baselineRate = 基线窗口总量 / 基线窗口秒数
//	expected     = baselineRate × 当前 tick 间隔
//	ratio        = delta / expected
type volumeTracker struct {
	times           []float64
	volumes         []int64
	maxWindowSecs   float64
	minBaselineSecs float64
}

func newVolumeTracker(maxWindowSecs, minBaselineSecs float64) *volumeTracker {
	return &volumeTracker{maxWindowSecs: maxWindowSecs, minBaselineSecs: minBaselineSecs}
}

func (t *volumeTracker) push(timestamp float64, cumulativeVolume int64) {
	t.times = append(t.times, timestamp)
	t.volumes = append(t.volumes, cumulativeVolume)
	// 淘汰超出窗口的旧样本，保留至少 2 个
	for len(t.times) > 2 && timestamp-t.times[0] > t.maxWindowSecs {
		t.times = t.times[1:]
		t.volumes = t.volumes[1:]
	}
}

// computeRatio 计算当前 tick 的量能倍数与增量，基线不足时 ok 为 false。
func (t *volumeTracker) computeRatio() (ratio float64, delta int64, ok bool) {
	n := len(t.times)
	if n < 3 {
		return 0, 0, false
	}

	curTime, curVol := t.times[n-1], t.volumes[n-1]
	prevTime, prevVol := t.times[n-2], t.volumes[n-2]
	oldestTime, oldestVol := t.times[0], t.volumes[0]

	elapsed := curTime - prevTime
	if elapsed <= 0 {
		return 0, 0, false
	}
	delta = curVol - prevVol
	if delta < 0 {
		delta = 0
	}

	// 基线：从最早到倒数第二个样本，不含当前 tick
	baselineTime := prevTime - oldestTime
	if baselineTime < t.minBaselineSecs {
		return 0, 0, false
	}
	baselineVol := prevVol - oldestVol
	if baselineVol < 0 {
		baselineVol = 0
	}
	baselineRate := float64(baselineVol) / baselineTime
	if baselineRate <= 0 {
		return 0, 0, false
	}

	expected := baselineRate * elapsed
	if expected <= 0 {
		return 0, 0, false
	}

	return float64(delta) / expected, delta, true
}

// tickState 单只标的的事件状态，防止同一事件在 arm 周期内重复触发。
type tickState struct {
	tickCount int

	vwapAboveTriggered bool
	vwapBelowTriggered bool
	// 振幅突破日内仅一次
	amplitudeTriggered     bool
	rapidMoveUpTriggered   bool
	rapidMoveDownTriggered bool
	volumeSpikeTriggered   bool

	sessionHigh      float64
	sessionLow       float64
	newHighTriggered bool
	newLowTriggered  bool
}

// Engine 分时信号引擎：对每个 arm/reset 周期只发出一次事件型信号。
// 只为已登记的标的维护状态，移除后迟到的行情是空操作。
// 非并发安全，由行情轮询协程独占持有。
type Engine struct {
	watched     map[market.StockCode]struct{}
	windows     map[market.StockCode]*priceWindow
	volTrackers map[market.StockCode]*volumeTracker
	tickStates  map[market.StockCode]*tickState
	// 日均成交量，由日线引擎注入
	advMap map[market.StockCode]float64

	cfg config.AnalysisConfig
}

// NewEngine 构造分时信号引擎。
func NewEngine(cfg config.AnalysisConfig) *Engine {
	return &Engine{
		watched:     make(map[market.StockCode]struct{}),
		windows:     make(map[market.StockCode]*priceWindow),
		volTrackers: make(map[market.StockCode]*volumeTracker),
		tickStates:  make(map[market.StockCode]*tickState),
		advMap:      make(map[market.StockCode]float64),
		cfg:         cfg,
	}
}

// TrackStock 登记标的。未登记标的的行情不会建立任何状态，
// 保证引擎的按标的映射始终是当前成员的子集。
func (e *Engine) TrackStock(code market.StockCode) {
	e.watched[code] = struct{}{}
}

// UpdateADV 更新日均成交量数据，由日线引擎注入。
func (e *Engine) UpdateADV(adv map[market.StockCode]float64) {
	e.advMap = adv
}

// RemoveStock 移除标的的全部分时状态，可重复调用。
func (e *Engine) RemoveStock(code market.StockCode) {
	delete(e.watched, code)
	delete(e.windows, code)
	delete(e.volTrackers, code)
	delete(e.tickStates, code)
	delete(e.advMap, code)
}

// Process 处理一帧行情快照，返回本帧新触发的信号。
// 未登记（或已移除）标的的快照直接丢弃，不重建状态。
func (e *Engine) Process(quote market.QuoteSnapshot) []market.TimedSignal {
	if _, ok := e.watched[quote.Code]; !ok {
		return nil
	}

	var signals []market.Signal

	window, okW := e.windows[quote.Code]
	if !okW {
		window = newPriceWindow(e.cfg.RapidMoveWindow + 1)
		e.windows[quote.Code] = window
	}
	window.push(quote.LastPrice)

	tracker, okT := e.volTrackers[quote.Code]
	if !okT {
		tracker = newVolumeTracker(e.cfg.VolumeBaselineSecs, e.cfg.VolumeMinBaselineSecs)
		e.volTrackers[quote.Code] = tracker
	}
	tsSecs := float64(quote.Timestamp.UnixMilli()) / 1000.0
	tracker.push(tsSecs, quote.Volume)

	state, okS := e.tickStates[quote.Code]
	if !okS {
		state = &tickState{sessionHigh: math.Inf(-1), sessionLow: math.Inf(1)}
		e.tickStates[quote.Code] = state
	}

	// 预热：前 N 个 tick 仅记录数据，不产生信号
	state.tickCount++
	warming := state.tickCount <= e.cfg.WarmupTicks
	if !warming {
		signals = append(signals, e.detectVWAP(quote, state)...)
		signals = append(signals, e.detectRapidMove(quote, window, state)...)
		signals = append(signals, e.detectAmplitude(quote, state)...)
		signals = append(signals, e.detectVolumeSpike(quote, tracker, state)...)
		signals = append(signals, e.detectNewExtreme(quote, state)...)
	}
	e.trackExtremes(quote, state)

	if len(signals) == 0 {
		return nil
	}
	timed := make([]market.TimedSignal, len(signals))
	for i, sig := range signals {
		timed[i] = market.TimedSignal{
			Signal:      sig,
			Code:        quote.Code,
			Timeframe:   market.TimeframeTick,
			TriggeredAt: quote.Timestamp,
		}
	}
	return timed
}

// detectVWAP VWAP 偏离检测。指数的 turnover/volume 与指数点位不可比，跳过。
func (e *Engine) detectVWAP(quote market.QuoteSnapshot, state *tickState) []market.Signal {
	if quote.Code.IsIndex() || quote.Volume <= 0 || quote.Turnover <= 0 || quote.LastPrice <= 0 {
		return nil
	}

	vwap := quote.Turnover / float64(quote.Volume)
	deviation := (quote.LastPrice - vwap) / vwap * 100

	var signals []market.Signal
	if deviation >= e.cfg.VWAPDeviationPct && !state.vwapAboveTriggered {
		signals = append(signals, market.Signal{Kind: market.SignalVWAPDeviation, Value: deviation, Price: quote.LastPrice})
		state.vwapAboveTriggered = true
	} else if deviation <= -e.cfg.VWAPDeviationPct && !state.vwapBelowTriggered {
		signals = append(signals, market.Signal{Kind: market.SignalVWAPDeviation, Value: deviation, Price: quote.LastPrice})
		state.vwapBelowTriggered = true
	}

	// 滞后重置
	if math.Abs(deviation) < e.cfg.VWAPResetPct {
		state.vwapAboveTriggered = false
		state.vwapBelowTriggered = false
	}
	return signals
}

// detectRapidMove 急涨急跌检测：停滞检查 + 方向效率 + 绝对变动门槛 + 滞后重置。
func (e *Engine) detectRapidMove(quote market.QuoteSnapshot, window *priceWindow, state *tickState) []market.Signal {
	prices := window.prices
	if len(prices) <= e.cfg.RapidMoveWindow {
		return nil
	}

	// 第一层：价格停滞检查，当前价与上一快照一致则跳过
	prevPrice := prices[len(prices)-2]
	if prevPrice > 0 && math.Abs(quote.LastPrice-prevPrice)/prevPrice*100 < 0.01 {
		return nil
	}

	windowStart := len(prices) - 1 - e.cfg.RapidMoveWindow
	oldPrice := prices[windowStart]
	if oldPrice <= 0 {
		return nil
	}

	netChange := quote.LastPrice - oldPrice
	changePct := netChange / oldPrice * 100

	// 第二层：方向效率 = |净变动| / 总路径
	totalPath := 0.0
	for i := windowStart + 1; i < len(prices); i++ {
		totalPath += math.Abs(prices[i] - prices[i-1])
	}
	efficiency := 0.0
	if totalPath > 0 {
		efficiency = math.Abs(netChange) / totalPath
	}

	// 第三层：幅度达标 + 效率达标 + 绝对变动达标 + 未被抑制
	absChange := math.Abs(netChange)
	var signals []market.Signal
	if changePct >= e.cfg.RapidMovePct &&
		efficiency >= e.cfg.RapidMoveEfficiency &&
		absChange >= e.cfg.RapidMoveMinChange &&
		!state.rapidMoveUpTriggered {
		signals = append(signals, market.Signal{Kind: market.SignalRapidMove, Value: changePct, Price: quote.LastPrice})
		state.rapidMoveUpTriggered = true
	} else if changePct <= -e.cfg.RapidMovePct &&
		efficiency >= e.cfg.RapidMoveEfficiency &&
		absChange >= e.cfg.RapidMoveMinChange &&
		!state.rapidMoveDownTriggered {
		signals = append(signals, market.Signal{Kind: market.SignalRapidMove, Value: changePct, Price: quote.LastPrice})
		state.rapidMoveDownTriggered = true
	}

	// 重置：窗口变动回落到 reset 阈值内
	if changePct < e.cfg.RapidMoveResetPct {
		state.rapidMoveUpTriggered = false
	}
	if changePct > -e.cfg.RapidMoveResetPct {
		state.rapidMoveDownTriggered = false
	}
	return signals
}

// detectAmplitude 振幅突破检测，日内仅触发一次。
func (e *Engine) detectAmplitude(quote market.QuoteSnapshot, state *tickState) []market.Signal {
	if quote.Amplitude >= e.cfg.AmplitudeBreakoutPct && !state.amplitudeTriggered {
		state.amplitudeTriggered = true
		return []market.Signal{{Kind: market.SignalAmplitudeBreak, Value: quote.Amplitude, Price: quote.LastPrice}}
	}
	return nil
}

// detectVolumeSpike 量能突变检测：时间归一化量速率 + ADV 绝对量门槛。指数跳过。
func (e *Engine) detectVolumeSpike(quote market.QuoteSnapshot, tracker *volumeTracker, state *tickState) []market.Signal {
	if quote.Code.IsIndex() {
		return nil
	}
	ratio, delta, ok := tracker.computeRatio()
	if !ok {
		return nil
	}

	// 绝对量门槛：有 ADV 时要求 delta >= ADV / advDivisor，无 ADV 时仅看倍数
	advOK := true
	if adv, exists := e.advMap[quote.Code]; exists && adv > 0 {
		advOK = float64(delta) >= adv/advDivisor
	}

	var signals []market.Signal
	if ratio >= e.cfg.VolumeSpikeRatio && advOK && !state.volumeSpikeTriggered {
		signals = append(signals, market.Signal{Kind: market.SignalVolumeSpike, Value: ratio, Price: quote.LastPrice, Delta: delta})
		state.volumeSpikeTriggered = true
	}
	// 滞后重置：量速率回落后允许再次触发
	if ratio < e.cfg.VolumeResetRatio {
		state.volumeSpikeTriggered = false
	}
	return signals
}

// detectNewExtreme 盘中创新高/新低检测。每次刷新极值只触发一次，
// 价格离开极值后重新武装。
func (e *Engine) detectNewExtreme(quote market.QuoteSnapshot, state *tickState) []market.Signal {
	if quote.LastPrice <= 0 || state.tickCount <= 1 {
		return nil
	}

	var signals []market.Signal
	if quote.LastPrice > state.sessionHigh && !math.IsInf(state.sessionHigh, -1) {
		if !state.newHighTriggered {
			signals = append(signals, market.Signal{Kind: market.SignalNewHigh, Price: quote.LastPrice})
			state.newHighTriggered = true
		}
	} else if quote.LastPrice < state.sessionHigh {
		state.newHighTriggered = false
	}

	if quote.LastPrice < state.sessionLow && !math.IsInf(state.sessionLow, 1) {
		if !state.newLowTriggered {
			signals = append(signals, market.Signal{Kind: market.SignalNewLow, Price: quote.LastPrice})
			state.newLowTriggered = true
		}
	} else if quote.LastPrice > state.sessionLow {
		state.newLowTriggered = false
	}
	return signals
}

func (e *Engine) trackExtremes(quote market.QuoteSnapshot, state *tickState) {
	if quote.LastPrice <= 0 {
		return
	}
	if quote.LastPrice > state.sessionHigh {
		state.sessionHigh = quote.LastPrice
	}
	if quote.LastPrice < state.sessionLow {
		state.sessionLow = quote.LastPrice
	}
}
