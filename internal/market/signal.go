package market

import (
	"fmt"
	"time"
)

// SignalKind 信号种类。新增种类只需扩展常量与 Sentiment/String，消费方按默认分支兜底。
type SignalKind string

const (
	SignalMAGoldenCross   SignalKind = "ma_golden_cross"
	SignalMADeathCross    SignalKind = "ma_death_cross"
	SignalMACDGoldenCross SignalKind = "macd_golden_cross"
	SignalMACDDeathCross  SignalKind = "macd_death_cross"
	SignalRSIOverbought   SignalKind = "rsi_overbought"
	SignalRSIOversold     SignalKind = "rsi_oversold"
	SignalMomentumTurnUp  SignalKind = "momentum_turn_up"
	SignalMomentumTurnDown SignalKind = "momentum_turn_down"
	SignalVWAPDeviation   SignalKind = "vwap_deviation"
	SignalRapidMove       SignalKind = "rapid_move"
	SignalAmplitudeBreak  SignalKind = "amplitude_breakout"
	SignalVolumeSpike     SignalKind = "volume_spike"
	SignalNewHigh         SignalKind = "new_high"
	SignalNewLow          SignalKind = "new_low"
)

// Signal 交易信号，Kind 为标签，其余字段按种类取用。
type Signal struct {
	Kind SignalKind
	// MA 交叉周期
	Short int
	Long  int
	// RSI 周期
	Period int
	// 种类相关数值：RSI 值 / 偏离% / 涨跌% / 振幅% / 量能倍数 / 价格
	Value float64
	Price float64
	Delta int64
}

// Sentiment 返回信号的情绪方向。
func (s Signal) Sentiment() Sentiment {
	switch s.Kind {
	case SignalMAGoldenCross, SignalMACDGoldenCross, SignalRSIOversold, SignalMomentumTurnUp, SignalNewHigh:
		return SentimentBullish
	case SignalMADeathCross, SignalMACDDeathCross, SignalRSIOverbought, SignalMomentumTurnDown, SignalNewLow:
		return SentimentBearish
	case SignalVWAPDeviation, SignalRapidMove:
		if s.Value > 0 {
			return SentimentBullish
		}
		return SentimentBearish
	default:
		return SentimentNeutral
	}
}

// String 返回面向展示的信号描述。
func (s Signal) String() string {
	switch s.Kind {
	case SignalMAGoldenCross:
		return fmt.Sprintf("MA%d/%d 金叉", s.Short, s.Long)
	case SignalMADeathCross:
		return fmt.Sprintf("MA%d/%d 死叉", s.Short, s.Long)
	case SignalMACDGoldenCross:
		return "MACD 金叉"
	case SignalMACDDeathCross:
		return "MACD 死叉"
	case SignalRSIOverbought:
		return fmt.Sprintf("RSI%d 超买(%.1f)", s.Period, s.Value)
	case SignalRSIOversold:
		return fmt.Sprintf("RSI%d 超卖(%.1f)", s.Period, s.Value)
	case SignalMomentumTurnUp:
		return "动能拐点 买入"
	case SignalMomentumTurnDown:
		return "动能拐点 卖出"
	case SignalVWAPDeviation:
		return fmt.Sprintf("VWAP偏离%+.1f%%", s.Value)
	case SignalRapidMove:
		if s.Value > 0 {
			return fmt.Sprintf("急涨%+.1f%%", s.Value)
		}
		return fmt.Sprintf("急跌%+.1f%%", s.Value)
	case SignalAmplitudeBreak:
		return fmt.Sprintf("振幅突破%.1f%%", s.Value)
	case SignalVolumeSpike:
		return fmt.Sprintf("放量(%.0fx)", s.Value)
	case SignalNewHigh:
		return fmt.Sprintf("创新高 %.2f", s.Price)
	case SignalNewLow:
		return fmt.Sprintf("创新低 %.2f", s.Price)
	default:
		return string(s.Kind)
	}
}

// TimedSignal 带标的、周期与触发时间的信号。引擎对每个 arm/reset 周期只发出一次，
// 展示端按配置的保持时长决定信号何时消失。
type TimedSignal struct {
	Signal      Signal
	Code        StockCode
	Timeframe   Timeframe
	TriggeredAt time.Time
}

func (t TimedSignal) String() string {
	tag := "[分时]"
	if t.Timeframe == TimeframeDaily {
		tag = "[日]"
	}
	return fmt.Sprintf("%s%s %s", tag, t.Code, t.Signal)
}
