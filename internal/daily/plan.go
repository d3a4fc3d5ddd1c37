package daily

import (
	"math"
	"time"

	"qwatch/internal/market"
)

// FetchPlan 单只标的的拉取计划。
type FetchPlan struct {
	// Full 为 true 表示全量拉取，否则为增量补齐
	Full bool
	// 需要拉取的K线根数
	Days int
}

// DecideFetchPlan 决定标的本轮的拉取计划：
// 无缓存 → 全量；缓存尾部距今不超过 incremental_gap_days 个自然日 → 增量；
// 否则缓存已断裂，全量重拉。
func (e *Engine) DecideFetchPlan(code market.StockCode, today string) FetchPlan {
	lastDate, ok := e.LastKlineDate(code)
	if !ok {
		return FetchPlan{Full: true, Days: e.cfg.Days}
	}

	gap := dateGapDays(lastDate, today)
	if gap <= e.cfg.IncrementalGapDays {
		return FetchPlan{Full: false, Days: e.cfg.IncrementalFetchDays}
	}
	return FetchPlan{Full: true, Days: e.cfg.Days}
}

// dateGapDays 计算两个 YYYY-MM-DD 日期间的自然日间隔，解析失败视为需要全量。
func dateGapDays(from, to string) int {
	fromDate, err := time.Parse("2006-01-02", from)
	if err != nil {
		return math.MaxInt32
	}
	toDate, err := time.Parse("2006-01-02", to)
	if err != nil {
		return math.MaxInt32
	}
	days := int(toDate.Sub(fromDate).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
