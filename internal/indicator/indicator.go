package indicator

import (
	"errors"
	"math"

	talib "github.com/markcheno/go-talib"
)

// ErrInsufficientData 表示输入长度不足以计算指标。调用方应等待窗口补齐，
// 而不是拿到一个不完整的值。
var ErrInsufficientData = errors.New("indicator: insufficient data")

// SMA 计算最新的 n 周期简单移动平均。
func SMA(values []float64, n int) (float64, error) {
	if n <= 0 || len(values) < n {
		return 0, ErrInsufficientData
	}
	out := talib.Sma(values, n)
	return out[len(out)-1], nil
}

// EMA 计算最新的 n 周期指数移动平均，首值用 SMA(n) 播种。
func EMA(values []float64, n int) (float64, error) {
	if n <= 0 || len(values) < n {
		return 0, ErrInsufficientData
	}
	out := talib.Ema(values, n)
	return out[len(out)-1], nil
}

// RSI 计算最新的 n 周期相对强弱指标（Wilder 平滑），平均跌幅为零时为 100。
func RSI(values []float64, n int) (float64, error) {
	if n <= 0 || len(values) < n+1 {
		return 0, ErrInsufficientData
	}
	out := talib.Rsi(values, n)
	return out[len(out)-1], nil
}

// MACDSeries 计算完整的 DIFF/DEA 序列，与输入等长，预热区间为 NaN。
//
// DIFF = EMA(fast) − EMA(slow)，自下标 slow−1 起有效；
// DEA 为 DIFF 有效段的 signal 周期 EMA，自下标 slow+signal−2 起有效。
func MACDSeries(values []float64, fast, slow, signal int) (dif, dea []float64) {
	n := len(values)
	dif = nanSlice(n)
	dea = nanSlice(n)
	if fast <= 0 || slow <= 0 || signal <= 0 || n < slow {
		return dif, dea
	}

	emaFast := talib.Ema(values, fast)
	emaSlow := talib.Ema(values, slow)
	for i := slow - 1; i < n; i++ {
		dif[i] = emaFast[i] - emaSlow[i]
	}

	if n-(slow-1) < signal {
		return dif, dea
	}
	deaTail := talib.Ema(dif[slow-1:], signal)
	for i := signal - 1; i < len(deaTail); i++ {
		dea[slow-1+i] = deaTail[i]
	}
	return dif, dea
}

// MACD 计算最新的 MACD 三元组。柱状图取 2×(DIFF − DEA)。
func MACD(values []float64, fast, slow, signal int) (dif, dea, hist float64, err error) {
	if fast <= 0 || slow <= 0 || signal <= 0 || len(values) < slow+signal-1 {
		return 0, 0, 0, ErrInsufficientData
	}
	difs, deas := MACDSeries(values, fast, slow, signal)
	dif = difs[len(difs)-1]
	dea = deas[len(deas)-1]
	return dif, dea, 2 * (dif - dea), nil
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}
