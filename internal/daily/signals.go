package daily

import (
	"math"

	"qwatch/internal/indicator"
	"qwatch/internal/market"
)

const (
	rsiOverbought = 70.0
	rsiOversold   = 30.0
	// 日线放量：最近一根 vs 前 5 根均量
	dailyVolumeSpikeRatio = 2.0
	// 动能拐点回看的K线数
	momentumLookback = 5
)

// detectSignals 基于当前与上一根K线收盘时的指标检测日线信号。
func detectSignals(cur, prev indicator.Set, closes, volumes []float64) []market.Signal {
	var signals []market.Signal

	detectMACross(cur, prev, 5, 10, &signals)
	detectMACross(cur, prev, 5, 20, &signals)
	detectMACross(cur, prev, 10, 20, &signals)
	detectMACross(cur, prev, 20, 60, &signals)

	detectMACDCross(cur, prev, &signals)
	detectRSISignals(cur, &signals)
	detectDailyVolumeSpike(volumes, &signals)

	dif, dea := indicator.MACDSeries(closes, indicator.MACDFast, indicator.MACDSlow, indicator.MACDSignal)
	signals = append(signals, detectMomentumTurn(dif, dea, momentumLookback)...)

	return signals
}

// detectMACross MA 金叉/死叉：短线穿越长线。
func detectMACross(cur, prev indicator.Set, short, long int, signals *[]market.Signal) {
	cs, cl := cur.MA(short), cur.MA(long)
	ps, pl := prev.MA(short), prev.MA(long)
	if !indicator.Valid(cs) || !indicator.Valid(cl) || !indicator.Valid(ps) || !indicator.Valid(pl) {
		return
	}

	if ps <= pl && cs > cl {
		*signals = append(*signals, market.Signal{Kind: market.SignalMAGoldenCross, Short: short, Long: long})
	}
	if ps >= pl && cs < cl {
		*signals = append(*signals, market.Signal{Kind: market.SignalMADeathCross, Short: short, Long: long})
	}
}

// detectMACDCross MACD 金叉/死叉：DIF 穿越 DEA。
func detectMACDCross(cur, prev indicator.Set, signals *[]market.Signal) {
	if !indicator.Valid(cur.MACDDif) || !indicator.Valid(cur.MACDDea) ||
		!indicator.Valid(prev.MACDDif) || !indicator.Valid(prev.MACDDea) {
		return
	}

	if prev.MACDDif <= prev.MACDDea && cur.MACDDif > cur.MACDDea {
		*signals = append(*signals, market.Signal{Kind: market.SignalMACDGoldenCross})
	}
	if prev.MACDDif >= prev.MACDDea && cur.MACDDif < cur.MACDDea {
		*signals = append(*signals, market.Signal{Kind: market.SignalMACDDeathCross})
	}
}

// detectRSISignals RSI 超买/超卖。
func detectRSISignals(cur indicator.Set, signals *[]market.Signal) {
	for _, p := range []struct {
		period int
		value  float64
	}{{6, cur.RSI6}, {12, cur.RSI12}} {
		if !indicator.Valid(p.value) {
			continue
		}
		if p.value >= rsiOverbought {
			*signals = append(*signals, market.Signal{Kind: market.SignalRSIOverbought, Period: p.period, Value: p.value})
		} else if p.value <= rsiOversold {
			*signals = append(*signals, market.Signal{Kind: market.SignalRSIOversold, Period: p.period, Value: p.value})
		}
	}
}

// detectDailyVolumeSpike 日线放量：最近一根成交量相对前 5 根均量的倍数。
func detectDailyVolumeSpike(volumes []float64, signals *[]market.Signal) {
	if len(volumes) < 6 {
		return
	}

	last := volumes[len(volumes)-1]
	var sum float64
	for _, v := range volumes[len(volumes)-6 : len(volumes)-1] {
		sum += v
	}
	avg := sum / 5

	if avg > 0 && last/avg >= dailyVolumeSpikeRatio {
		*signals = append(*signals, market.Signal{Kind: market.SignalVolumeSpike, Value: last / avg})
	}
}

// detectMomentumTurn 扫描 DIF/DEA 序列，检测最近一次动能拐点首日。
//
// 卖出：当天 DIFF > DEA > 0 且 DIFF 相对前一天缩短，而前一天不满足；
// 买入：当天 DIFF < DEA < 0 且 |DIFF| 相对前一天缩短，而前一天不满足。
// 只在拐点首日恰好是最后一根K线时才触发，避免历史拐点反复上报。
func detectMomentumTurn(dif, dea []float64, lookback int) []market.Signal {
	var signals []market.Signal
	n := len(dif)
	if len(dea) < n {
		n = len(dea)
	}
	if n < 3 {
		return signals
	}

	start := n - lookback
	if start < 2 {
		start = 2
	}

	isSell := func(i int) bool {
		cd, ce, pd := dif[i], dea[i], dif[i-1]
		if math.IsNaN(cd) || math.IsNaN(ce) || math.IsNaN(pd) {
			return false
		}
		return cd > 0 && ce > 0 && cd > ce && pd > 0 && cd < pd
	}
	isBuy := func(i int) bool {
		cd, ce, pd := dif[i], dea[i], dif[i-1]
		if math.IsNaN(cd) || math.IsNaN(ce) || math.IsNaN(pd) {
			return false
		}
		return cd < 0 && ce < 0 && cd < ce && pd < 0 && math.Abs(cd) < math.Abs(pd)
	}

	last := n - 1
	for i := last; i >= start; i-- {
		if isSell(i) && !isSell(i-1) {
			if i == last {
				signals = append(signals, market.Signal{Kind: market.SignalMomentumTurnDown})
			}
			break
		}
	}
	for i := last; i >= start; i-- {
		if isBuy(i) && !isBuy(i-1) {
			if i == last {
				signals = append(signals, market.Signal{Kind: market.SignalMomentumTurnUp})
			}
			break
		}
	}

	return signals
}
