package alert

import (
	"time"

	"go.uber.org/zap"

	"qwatch/internal/config"
	"qwatch/internal/market"
)

// 历史记录保留上限。
const historyLimit = 200

// fireKey 冷却去重键：同标的 + 同规则 + 同方向独立冷却。
type fireKey struct {
	code market.StockCode
	rule string
}

// Evaluator 提醒评估器。同一 (规则, 方向, 标的) 在冷却期内只报一次，
// 冷却期过后若条件仍满足会再次提醒。
type Evaluator struct {
	rules     []Rule
	cooldown  time.Duration
	lastFired map[fireKey]time.Time
	history   []market.AlertEvent
	enabled   bool
	logger    *zap.Logger

	now func() time.Time
}

// NewEvaluator 按配置构造评估器并注册规则。
func NewEvaluator(cfg config.AlertsConfig, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Evaluator{
		cooldown:  cfg.Cooldown,
		lastFired: make(map[fireKey]time.Time),
		enabled:   cfg.Enabled,
		logger:    logger,
		now:       time.Now,
	}

	for _, threshold := range cfg.ChangeThresholds {
		e.AddRule(ChangeThresholdRule{Threshold: threshold})
	}
	for _, tp := range cfg.TargetPrices {
		e.AddRule(TargetPriceRule{Code: tp.Code, Upper: tp.Upper, Lower: tp.Lower})
	}
	return e
}

// AddRule 注册规则。
func (e *Evaluator) AddRule(rule Rule) {
	e.rules = append(e.rules, rule)
}

// SetEnabled 启用或禁用提醒。
func (e *Evaluator) SetEnabled(enabled bool) {
	e.enabled = enabled
}

// Evaluate 对一帧快照评估全部规则，返回本次触发的提醒事件。
func (e *Evaluator) Evaluate(quote market.QuoteSnapshot) []market.AlertEvent {
	if !e.enabled {
		return nil
	}

	now := e.now()
	var events []market.AlertEvent

	for _, rule := range e.rules {
		outcome := rule.Evaluate(quote)
		if outcome == nil {
			continue
		}

		key := fireKey{code: quote.Code, rule: rule.Name() + "_" + string(outcome.Sentiment)}
		if last, ok := e.lastFired[key]; ok && now.Sub(last) < e.cooldown {
			continue
		}

		event := market.AlertEvent{
			Code:        quote.Code,
			Name:        quote.Name,
			RuleName:    rule.Name(),
			Message:     outcome.Message,
			Severity:    outcome.Severity,
			Sentiment:   outcome.Sentiment,
			TriggeredAt: now,
		}

		e.logger.Info("触发提醒",
			zap.String("code", quote.Code.String()),
			zap.String("rule", event.RuleName),
			zap.String("message", event.Message),
		)

		e.lastFired[key] = now
		e.history = append(e.history, event)
		if len(e.history) > historyLimit {
			e.history = e.history[len(e.history)-historyLimit:]
		}
		events = append(events, event)
	}

	return events
}

// Remove 清除标的的冷却状态，移出自选股后调用。
func (e *Evaluator) Remove(code market.StockCode) {
	for key := range e.lastFired {
		if key.code == code {
			delete(e.lastFired, key)
		}
	}
}

// RecentHistory 返回最近 count 条提醒历史。
func (e *Evaluator) RecentHistory(count int) []market.AlertEvent {
	if count <= 0 || len(e.history) == 0 {
		return nil
	}
	start := len(e.history) - count
	if start < 0 {
		start = 0
	}
	out := make([]market.AlertEvent, len(e.history)-start)
	copy(out, e.history[start:])
	return out
}
