package market

import (
	"fmt"
	"strings"
	"time"
)

// Market 市场类型。
type Market string

const (
	MarketHK      Market = "HK"
	MarketSH      Market = "SH"
	MarketSZ      Market = "SZ"
	MarketUS      Market = "US"
	MarketCrypto  Market = "CRYPTO"
	MarketUnknown Market = "??"
)

// ParseMarket 解析市场标识，无法识别时返回 MarketUnknown。
func ParseMarket(s string) Market {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HK":
		return MarketHK
	case "SH":
		return MarketSH
	case "SZ":
		return MarketSZ
	case "US":
		return MarketUS
	case "CRYPTO":
		return MarketCrypto
	default:
		return MarketUnknown
	}
}

// StockCode 市场限定的标的代码，构造后不可变，作为所有按标的映射的键。
type StockCode struct {
	Market Market
	Symbol string
}

// NewStockCode 创建标的代码。
func NewStockCode(m Market, symbol string) StockCode {
	return StockCode{Market: m, Symbol: symbol}
}

// ParseStockCode 解析 "HK.00700" 形式的代码。
func ParseStockCode(s string) (StockCode, error) {
	idx := strings.Index(s, ".")
	if idx <= 0 || idx == len(s)-1 {
		return StockCode{}, fmt.Errorf("无效的标的代码 %q", s)
	}
	m := ParseMarket(s[:idx])
	if m == MarketUnknown {
		return StockCode{}, fmt.Errorf("无法识别的市场 %q", s[:idx])
	}
	return StockCode{Market: m, Symbol: s[idx+1:]}, nil
}

// String 返回 "HK.00700" 形式的完整代码。
func (c StockCode) String() string {
	return fmt.Sprintf("%s.%s", c.Market, c.Symbol)
}

// IsIndex 判断是否为指数代码。指数的 VWAP、量能等指标无意义，分析时跳过。
func (c StockCode) IsIndex() bool {
	switch c.Market {
	case MarketSH:
		return strings.HasPrefix(c.Symbol, "000")
	case MarketSZ:
		return strings.HasPrefix(c.Symbol, "399")
	case MarketHK:
		return strings.HasPrefix(c.Symbol, "800")
	case MarketUS:
		return strings.HasPrefix(c.Symbol, ".")
	default:
		return false
	}
}

// QuoteSnapshot 实时行情快照，由采集边界产出，核心只读。
type QuoteSnapshot struct {
	Code         StockCode
	Name         string
	LastPrice    float64
	PrevClose    float64
	OpenPrice    float64
	HighPrice    float64
	LowPrice     float64
	Volume       int64
	Turnover     float64
	Change       float64
	ChangePct    float64
	Amplitude    float64
	Bid          float64
	Ask          float64
	Timestamp    time.Time
}

// EmptyQuote 创建仅含代码与名称的占位快照，供新增标的在首个行情到达前使用。
func EmptyQuote(code StockCode, name string) QuoteSnapshot {
	return QuoteSnapshot{
		Code:      code,
		Name:      name,
		Timestamp: time.Now(),
	}
}

// DailyKline 前复权日K线，按 (标的, 日期) 唯一。
type DailyKline struct {
	Date     string  `json:"date"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   int64   `json:"volume"`
	Turnover float64 `json:"turnover"`
}

// WatchlistEntry 自选股条目。
type WatchlistEntry struct {
	Code        StockCode
	Name        string
	CachedPrice float64
}

// Sentiment 信号情绪方向。
type Sentiment string

const (
	SentimentBullish Sentiment = "bullish"
	SentimentBearish Sentiment = "bearish"
	SentimentNeutral Sentiment = "neutral"
)

// Timeframe 信号来源周期。
type Timeframe string

const (
	TimeframeTick  Timeframe = "tick"
	TimeframeDaily Timeframe = "daily"
)

// AlertSeverity 提醒级别。
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertEvent 提醒事件。
type AlertEvent struct {
	Code        StockCode
	Name        string
	RuleName    string
	Message     string
	Severity    AlertSeverity
	Sentiment   Sentiment
	TriggeredAt time.Time
}
