package watchlist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"qwatch/internal/config"
	"qwatch/internal/market"
)

// entryFile 自选股文件中的一条记录。
type entryFile struct {
	Code string `json:"code"`
	Name string `json:"name"`
	// 上次已知价格，用于行情到达前的占位显示
	CachedPrice float64 `json:"cached_price,omitempty"`
}

// Source 自选股来源：JSON 文件 + fsnotify 监听。
// 文件变更经防抖后重新加载，向外发出完整的新成员列表。
type Source struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger
}

// NewSource 构造自选股来源。
func NewSource(cfg config.WatchlistConfig, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Source{path: cfg.Path, debounce: debounce, logger: logger}
}

// Load 读取并解析自选股文件。无法解析的代码跳过并告警。
func (s *Source) Load() ([]market.WatchlistEntry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("读取自选股文件失败: %w", err)
	}

	var raw []entryFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析自选股文件失败: %w", err)
	}

	entries := make([]market.WatchlistEntry, 0, len(raw))
	seen := make(map[market.StockCode]struct{}, len(raw))
	for _, e := range raw {
		code, err := market.ParseStockCode(e.Code)
		if err != nil {
			s.logger.Warn("跳过无法解析的自选股代码", zap.String("code", e.Code))
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		entries = append(entries, market.WatchlistEntry{
			Code:        code,
			Name:        e.Name,
			CachedPrice: e.CachedPrice,
		})
	}
	return entries, nil
}

// Watch 监听自选股文件变更，防抖后把完整的新成员列表发到 out。
// 监听文件所在目录而非文件本身，编辑器原子替换（写临时文件再改名）也能捕获。
func (s *Source) Watch(ctx context.Context, out chan<- []market.WatchlistEntry) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听失败: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("监听目录失败 %q: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			// 防抖：编辑器保存往往触发多个事件
			if timer == nil {
				timer = time.NewTimer(s.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			entries, err := s.Load()
			if err != nil {
				s.logger.Warn("自选股文件重载失败", zap.Error(err))
				continue
			}
			s.logger.Info("自选股文件已重载", zap.Int("count", len(entries)))
			select {
			case out <- entries:
			case <-ctx.Done():
				return ctx.Err()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("文件监听错误", zap.Error(err))
		}
	}
}
