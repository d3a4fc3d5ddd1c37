package indicator

import "math"

// 日线指标的标准参数。
const (
	MACDFast   = 12
	MACDSlow   = 26
	MACDSignal = 9
)

// Set 为一次计算得到的日线指标快照。预热期内取不到的值为 NaN，
// 永不落盘，始终可由K线序列重算。
type Set struct {
	MA5  float64
	MA10 float64
	MA20 float64
	MA60 float64

	MACDDif  float64
	MACDDea  float64
	MACDHist float64

	RSI6  float64
	RSI12 float64
	RSI24 float64
}

// Compute 依据收盘价序列计算指标快照。
func Compute(closes []float64) Set {
	set := Set{
		MA5:      latestOrNaN(SMA(closes, 5)),
		MA10:     latestOrNaN(SMA(closes, 10)),
		MA20:     latestOrNaN(SMA(closes, 20)),
		MA60:     latestOrNaN(SMA(closes, 60)),
		MACDDif:  math.NaN(),
		MACDDea:  math.NaN(),
		MACDHist: math.NaN(),
		RSI6:     latestOrNaN(RSI(closes, 6)),
		RSI12:    latestOrNaN(RSI(closes, 12)),
		RSI24:    latestOrNaN(RSI(closes, 24)),
	}
	if dif, dea, hist, err := MACD(closes, MACDFast, MACDSlow, MACDSignal); err == nil {
		set.MACDDif = dif
		set.MACDDea = dea
		set.MACDHist = hist
	}
	return set
}

// MA 返回指定周期的均线值，未知周期返回 NaN。
func (s Set) MA(n int) float64 {
	switch n {
	case 5:
		return s.MA5
	case 10:
		return s.MA10
	case 20:
		return s.MA20
	case 60:
		return s.MA60
	default:
		return math.NaN()
	}
}

// Valid 判断指标值是否已度过预热期。
func Valid(v float64) bool {
	return !math.IsNaN(v)
}

func latestOrNaN(v float64, err error) float64 {
	if err != nil {
		return math.NaN()
	}
	return v
}
