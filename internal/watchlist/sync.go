package watchlist

import (
	"context"

	"go.uber.org/zap"

	"qwatch/internal/market"
)

// Diff 两次成员列表的差异。
type Diff struct {
	Added   []market.WatchlistEntry
	Removed []market.WatchlistEntry
}

// Empty 判断差异是否为空。
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// DiffEntries 计算从 old 到 new 的成员差异，只关心增删，不关心顺序。
func DiffEntries(oldEntries, newEntries []market.WatchlistEntry) Diff {
	oldSet := make(map[market.StockCode]struct{}, len(oldEntries))
	for _, e := range oldEntries {
		oldSet[e.Code] = struct{}{}
	}
	newSet := make(map[market.StockCode]struct{}, len(newEntries))
	for _, e := range newEntries {
		newSet[e.Code] = struct{}{}
	}

	var diff Diff
	for _, e := range newEntries {
		if _, ok := oldSet[e.Code]; !ok {
			diff.Added = append(diff.Added, e)
		}
	}
	for _, e := range oldEntries {
		if _, ok := newSet[e.Code]; !ok {
			diff.Removed = append(diff.Removed, e)
		}
	}
	return diff
}

// DailyStore 日线引擎在同步时用到的能力。
type DailyStore interface {
	RemoveStocks(codes []market.StockCode)
}

// Subscriber 行情订阅端在同步时用到的能力。
type Subscriber interface {
	Subscribe(ctx context.Context, codes []market.StockCode) error
	Unsubscribe(ctx context.Context, codes []market.StockCode) error
}

// Synchronizer 把成员变更落实到各引擎：移除的标的先清退订阅与日线缓存，
// 再由行情循环清退分时引擎与提醒器。只触碰发生增删的标的。
type Synchronizer struct {
	daily  DailyStore
	sub    Subscriber
	logger *zap.Logger
}

// NewSynchronizer 构造同步器。daily 可为 nil（日线引擎未启用时）。
func NewSynchronizer(daily DailyStore, sub Subscriber, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{daily: daily, sub: sub, logger: logger}
}

// Apply 计算差异并应用：移除先于新增，保证清退完成后成员才算稳定。
// 返回差异，行情循环据此更新自己独占的分时状态。
func (s *Synchronizer) Apply(ctx context.Context, oldEntries, newEntries []market.WatchlistEntry) Diff {
	diff := DiffEntries(oldEntries, newEntries)
	if diff.Empty() {
		return diff
	}

	if len(diff.Removed) > 0 {
		codes := entryCodes(diff.Removed)
		if err := s.sub.Unsubscribe(ctx, codes); err != nil {
			s.logger.Warn("退订失败", zap.Error(err))
		}
		if s.daily != nil {
			s.daily.RemoveStocks(codes)
		}
		for _, e := range diff.Removed {
			s.logger.Info("已移除自选股", zap.String("code", e.Code.String()), zap.String("name", e.Name))
		}
	}

	if len(diff.Added) > 0 {
		codes := entryCodes(diff.Added)
		if err := s.sub.Subscribe(ctx, codes); err != nil {
			s.logger.Warn("订阅失败", zap.Error(err))
		}
		for _, e := range diff.Added {
			s.logger.Info("已新增自选股", zap.String("code", e.Code.String()), zap.String("name", e.Name))
		}
	}

	return diff
}

func entryCodes(entries []market.WatchlistEntry) []market.StockCode {
	codes := make([]market.StockCode, len(entries))
	for i, e := range entries {
		codes[i] = e.Code
	}
	return codes
}
