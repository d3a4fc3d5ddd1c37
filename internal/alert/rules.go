package alert

import (
	"fmt"
	"math"

	"qwatch/internal/market"
)

// Outcome 规则命中结果。
type Outcome struct {
	Message   string
	Severity  market.AlertSeverity
	Sentiment market.Sentiment
}

// Rule 提醒规则。Evaluate 返回 nil 表示未命中。
type Rule interface {
	Name() string
	Evaluate(quote market.QuoteSnapshot) *Outcome
}

// ChangeThresholdRule 涨跌幅阈值规则。涨跌幅达到阈值两倍时升级为紧急。
type ChangeThresholdRule struct {
	Threshold float64
}

// Name 返回规则名称。
func (r ChangeThresholdRule) Name() string {
	return fmt.Sprintf("涨跌幅%g%%", r.Threshold)
}

// Evaluate 评估涨跌幅。
func (r ChangeThresholdRule) Evaluate(quote market.QuoteSnapshot) *Outcome {
	absChange := math.Abs(quote.ChangePct)
	if absChange < r.Threshold {
		return nil
	}

	direction := "涨"
	sentiment := market.SentimentBullish
	if quote.ChangePct < 0 {
		direction = "跌"
		sentiment = market.SentimentBearish
	}
	severity := market.SeverityWarning
	if absChange >= r.Threshold*2 {
		severity = market.SeverityCritical
	}

	return &Outcome{
		Message:   fmt.Sprintf("%s %s%.2f%% (现价: %.2f)", quote.Name, direction, absChange, quote.LastPrice),
		Severity:  severity,
		Sentiment: sentiment,
	}
}

// TargetPriceRule 目标价规则，只作用于指定标的。
type TargetPriceRule struct {
	Code  string
	Upper float64
	Lower float64
}

// Name 返回规则名称。
func (r TargetPriceRule) Name() string {
	return "目标价提醒"
}

// Evaluate 评估目标价。
func (r TargetPriceRule) Evaluate(quote market.QuoteSnapshot) *Outcome {
	if quote.Code.String() != r.Code {
		return nil
	}

	if r.Upper > 0 && quote.LastPrice >= r.Upper {
		return &Outcome{
			Message:   fmt.Sprintf("%s 达到目标上限价 %.2f (现价: %.2f)", quote.Name, r.Upper, quote.LastPrice),
			Severity:  market.SeverityCritical,
			Sentiment: market.SentimentBullish,
		}
	}
	if r.Lower > 0 && quote.LastPrice <= r.Lower {
		return &Outcome{
			Message:   fmt.Sprintf("%s 跌破目标下限价 %.2f (现价: %.2f)", quote.Name, r.Lower, quote.LastPrice),
			Severity:  market.SeverityCritical,
			Sentiment: market.SentimentBearish,
		}
	}
	return nil
}
