package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"qwatch/internal/alert"
	"qwatch/internal/analysis"
	"qwatch/internal/config"
	"qwatch/internal/daily"
	"qwatch/internal/market"
	"qwatch/internal/provider"
	"qwatch/internal/watchlist"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	prov   provider.Provider

	mu      sync.RWMutex
	entries []market.WatchlistEntry
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, prov provider.Provider) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		prov:   prov,
	}
}

// Run 启动全部循环并阻塞至退出信号或不可恢复错误。
// 分时引擎与提醒器由行情循环独占，日线引擎内部带锁，
// 循环之间只通过通道与成员快照交互。
func (a *App) Run(ctx context.Context) error {
	source := watchlist.NewSource(a.cfg.Watchlist, a.logger)
	entries, err := source.Load()
	if err != nil {
		return err
	}
	a.setEntries(entries)

	if err := a.prov.Connect(ctx); err != nil {
		return fmt.Errorf("连接数据源失败: %w", err)
	}
	defer func() {
		if closeErr := a.prov.Close(); closeErr != nil {
			a.logger.Warn("关闭数据源失败", zap.Error(closeErr))
		}
	}()

	if codes := a.currentCodes(); len(codes) > 0 {
		if err := a.prov.Subscribe(ctx, codes); err != nil {
			return fmt.Errorf("订阅初始自选股失败: %w", err)
		}
	}

	a.logger.Info("行情监控已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("provider", a.prov.Name()),
		zap.Int("watchlist", len(entries)),
	)

	tickEngine := analysis.NewEngine(a.cfg.Analysis)
	for _, e := range entries {
		tickEngine.TrackStock(e.Code)
	}
	evaluator := alert.NewEvaluator(a.cfg.Alerts, a.logger)

	var dailyEngine *daily.Engine
	var fetcher *daily.Fetcher
	var dailyStore watchlist.DailyStore
	if a.cfg.Daily.Enabled {
		dailyEngine = daily.NewEngine(a.cfg.Daily, a.logger)
		if err := dailyEngine.LoadCache(); err != nil {
			a.logger.Warn("加载日线缓存失败，将重新拉取", zap.Error(err))
		}
		fetcher = daily.NewFetcher(dailyEngine, a.prov, a.cfg.Daily, a.logger)
		dailyStore = dailyEngine
	}

	synchronizer := watchlist.NewSynchronizer(dailyStore, a.prov, a.logger)

	membershipCh := make(chan []market.WatchlistEntry, 1)
	quoteDeltaCh := make(chan watchlist.Diff, 4)
	dailyDeltaCh := make(chan []market.StockCode, 4)
	advCh := make(chan map[market.StockCode]float64, 1)
	signalCh := make(chan market.TimedSignal, 64)
	alertCh := make(chan market.AlertEvent, 64)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return source.Watch(gctx, membershipCh)
	})

	g.Go(func() error {
		return a.syncLoop(gctx, synchronizer, membershipCh, quoteDeltaCh, dailyDeltaCh)
	})

	g.Go(func() error {
		return a.quoteLoop(gctx, tickEngine, evaluator, quoteDeltaCh, advCh, signalCh, alertCh)
	})

	if fetcher != nil {
		g.Go(func() error {
			return a.dailyLoop(gctx, dailyEngine, fetcher, dailyDeltaCh, advCh, signalCh)
		})
	}

	g.Go(func() error {
		return a.consumeLoop(gctx, signalCh, alertCh)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，已停止")
	return nil
}

func (a *App) setEntries(entries []market.WatchlistEntry) {
	a.mu.Lock()
	a.entries = entries
	a.mu.Unlock()
}

func (a *App) snapshotEntries() []market.WatchlistEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]market.WatchlistEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

func (a *App) currentCodes() []market.StockCode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	codes := make([]market.StockCode, len(a.entries))
	for i, e := range a.entries {
		codes[i] = e.Code
	}
	return codes
}

func (a *App) stillWatched(code market.StockCode) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, e := range a.entries {
		if e.Code == code {
			return true
		}
	}
	return false
}

// syncLoop 消费自选股文件的重载结果：先通过同步器落实订阅与日线清退，
// 再把差异转发给行情循环与日线循环，最后更新成员快照。
func (a *App) syncLoop(
	ctx context.Context,
	synchronizer *watchlist.Synchronizer,
	membershipCh <-chan []market.WatchlistEntry,
	quoteDeltaCh chan<- watchlist.Diff,
	dailyDeltaCh chan<- []market.StockCode,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case newEntries := <-membershipCh:
			oldEntries := a.snapshotEntries()
			// 先更新成员快照：日线引擎清退在快照之后执行，
			// 在途拉取在引擎锁内复核成员时看到的已是新列表
			a.setEntries(newEntries)
			diff := synchronizer.Apply(ctx, oldEntries, newEntries)
			if diff.Empty() {
				continue
			}

			select {
			case quoteDeltaCh <- diff:
			case <-ctx.Done():
				return ctx.Err()
			}

			if len(diff.Added) > 0 {
				added := make([]market.StockCode, len(diff.Added))
				for i, e := range diff.Added {
					added[i] = e.Code
				}
				select {
				case dailyDeltaCh <- added:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// quoteLoop 行情主循环。独占分时引擎与提醒器，成员差异与 ADV 更新
// 都在两次轮询之间应用，保证单帧内状态一致。
func (a *App) quoteLoop(
	ctx context.Context,
	tickEngine *analysis.Engine,
	evaluator *alert.Evaluator,
	quoteDeltaCh <-chan watchlist.Diff,
	advCh <-chan map[market.StockCode]float64,
	signalCh chan<- market.TimedSignal,
	alertCh chan<- market.AlertEvent,
) error {
	ticker := time.NewTicker(a.cfg.Provider.QuoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case diff := <-quoteDeltaCh:
			for _, e := range diff.Removed {
				tickEngine.RemoveStock(e.Code)
				evaluator.Remove(e.Code)
			}
			for _, e := range diff.Added {
				// 占位帧：首个真实行情到达前先登记标的
				tickEngine.TrackStock(e.Code)
				placeholder := market.EmptyQuote(e.Code, e.Name)
				placeholder.LastPrice = e.CachedPrice
				placeholder.PrevClose = e.CachedPrice
				tickEngine.Process(placeholder)
			}

		case adv := <-advCh:
			tickEngine.UpdateADV(adv)

		case <-ticker.C:
			codes := a.currentCodes()
			if len(codes) == 0 {
				continue
			}
			quotes, err := a.prov.Quotes(ctx, codes)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.logger.Warn("拉取行情失败", zap.Error(err))
				continue
			}

			for _, quote := range quotes {
				// 行情返回与成员变更竞争，移除标的的迟到快照直接丢弃
				if !a.stillWatched(quote.Code) {
					continue
				}
				for _, sig := range tickEngine.Process(quote) {
					select {
					case signalCh <- sig:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				for _, event := range evaluator.Evaluate(quote) {
					select {
					case alertCh <- event:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
	}
}

// dailyLoop 日线维护循环：启动先跑一轮全量，此后按刷新间隔增量补齐；
// 新增标的不等下个周期，到达即拉取。每轮结束把最新 ADV 推给行情循环。
func (a *App) dailyLoop(
	ctx context.Context,
	engine *daily.Engine,
	fetcher *daily.Fetcher,
	dailyDeltaCh <-chan []market.StockCode,
	advCh chan map[market.StockCode]float64,
	signalCh chan<- market.TimedSignal,
) error {
	runCycle := func(codes []market.StockCode) error {
		if len(codes) == 0 {
			return nil
		}
		fetched, err := fetcher.Cycle(ctx, codes, a.stillWatched)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("日线拉取周期异常", zap.Error(err))
			return nil
		}
		if fetched == 0 {
			return nil
		}

		a.logger.Info("日线拉取周期完成",
			zap.Int("fetched", fetched),
			zap.Int("stocks", engine.StockCount()),
		)

		// ADV 只保留最新一份，旧值未被消费就丢弃
		select {
		case <-advCh:
		default:
		}
		select {
		case advCh <- engine.ADV():
		case <-ctx.Done():
			return ctx.Err()
		}

		for _, sig := range engine.Signals() {
			select {
			case signalCh <- sig:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	if err := runCycle(a.currentCodes()); err != nil {
		return err
	}

	ticker := time.NewTicker(a.cfg.Daily.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case added := <-dailyDeltaCh:
			if err := runCycle(added); err != nil {
				return err
			}
		case <-ticker.C:
			if err := runCycle(a.currentCodes()); err != nil {
				return err
			}
		}
	}
}

// consumeLoop 消费信号与提醒事件并落日志。仪表盘与推送渠道在进程之外，
// 这里为每条信号标注展示截止时间，供外部消费方做衰减展示。
func (a *App) consumeLoop(
	ctx context.Context,
	signalCh <-chan market.TimedSignal,
	alertCh <-chan market.AlertEvent,
) error {
	display := a.cfg.Analysis.SignalDisplay

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sig := <-signalCh:
			a.logger.Info("信号触发",
				zap.String("code", sig.Code.String()),
				zap.String("timeframe", string(sig.Timeframe)),
				zap.String("signal", sig.Signal.String()),
				zap.String("sentiment", string(sig.Signal.Sentiment())),
				zap.Time("triggered_at", sig.TriggeredAt),
				zap.Time("display_until", sig.TriggeredAt.Add(display)),
			)

		case event := <-alertCh:
			a.logger.Warn("提醒触发",
				zap.String("code", event.Code.String()),
				zap.String("name", event.Name),
				zap.String("rule", event.RuleName),
				zap.String("severity", string(event.Severity)),
				zap.String("message", event.Message),
				zap.Time("triggered_at", event.TriggeredAt),
			)
		}
	}
}
