package provider

import "errors"

var (
	// ErrRateLimited 表示触发数据源限频，调用方应退避后重试。
	ErrRateLimited = errors.New("provider rate limited")
	// ErrUnauthorizedMarket 表示无该市场的行情权限，本轮应跳过整个市场。
	ErrUnauthorizedMarket = errors.New("provider market unauthorized")
	// ErrUnavailable 表示数据源暂时不可用，留待下一周期再试。
	ErrUnavailable = errors.New("provider unavailable")
)
