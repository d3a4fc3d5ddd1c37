package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"qwatch/internal/market"
)

// ReplayScript 回放脚本：每只标的一条快照序列与一段日K线。
type ReplayScript struct {
	Quotes map[string][]market.QuoteSnapshot `json:"quotes"`
	Klines map[string][]market.DailyKline    `json:"klines"`
}

// ReplayProvider 按脚本顺序回放行情，用于离线运行与测试。
// 每次 Quotes 调用向前推进一个快照，序列耗尽后停留在最后一帧。
type ReplayProvider struct {
	logger *zap.Logger
	script ReplayScript

	mu     sync.Mutex
	cursor map[string]int
}

// NewReplayProvider 从脚本文件构造回放数据源。
func NewReplayProvider(path string, logger *zap.Logger) (*ReplayProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取回放脚本失败: %w", err)
	}
	var script ReplayScript
	if err := json.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("解析回放脚本失败: %w", err)
	}
	return NewReplayFromScript(script, logger), nil
}

// NewReplayFromScript 直接以内存脚本构造回放数据源。
func NewReplayFromScript(script ReplayScript, logger *zap.Logger) *ReplayProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplayProvider{
		logger: logger,
		script: script,
		cursor: make(map[string]int),
	}
}

// Name 返回数据源名称。
func (p *ReplayProvider) Name() string { return "replay" }

// Connect 回放模式无需建连。
func (p *ReplayProvider) Connect(ctx context.Context) error { return nil }

// Close 回放模式无需释放资源。
func (p *ReplayProvider) Close() error { return nil }

// Subscribe 回放模式无需订阅。
func (p *ReplayProvider) Subscribe(ctx context.Context, codes []market.StockCode) error {
	return nil
}

// Unsubscribe 回放模式无需退订。
func (p *ReplayProvider) Unsubscribe(ctx context.Context, codes []market.StockCode) error {
	return nil
}

// Quotes 返回各标的脚本中的下一帧快照，脚本未覆盖的标的跳过。
func (p *ReplayProvider) Quotes(ctx context.Context, codes []market.StockCode) ([]market.QuoteSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	quotes := make([]market.QuoteSnapshot, 0, len(codes))
	for _, code := range codes {
		key := code.String()
		frames := p.script.Quotes[key]
		if len(frames) == 0 {
			continue
		}
		idx := p.cursor[key]
		if idx >= len(frames) {
			idx = len(frames) - 1
		} else {
			p.cursor[key] = idx + 1
		}
		quotes = append(quotes, frames[idx])
	}
	return quotes, nil
}

// DailyKlines 返回脚本中该标的末尾 days 根日K线。
func (p *ReplayProvider) DailyKlines(ctx context.Context, code market.StockCode, days int) ([]market.DailyKline, error) {
	bars := p.script.Klines[code.String()]
	if len(bars) == 0 {
		return nil, nil
	}
	if days > 0 && len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	out := make([]market.DailyKline, len(bars))
	copy(out, bars)
	return out, nil
}
