package model

import (
	"fmt"
	"time"
)

// Bar K 线，(Symbol, Timeframe, OpenTime) 唯一
type Bar struct {
	Symbol    string    `gorm:"primaryKey;type:varchar(32)" json:"symbol"`
	Timeframe string    `gorm:"primaryKey;type:varchar(8)" json:"timeframe"`
	OpenTime  time.Time `gorm:"primaryKey" json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Tick 实时行情快照
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Volume float64   `json:"volume"`
	Time   time.Time `json:"time"`
}

var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// ParseTimeframe 解析 1m/5m/1h/1d 形式的周期
func ParseTimeframe(tf string) (time.Duration, error) {
	d, ok := timeframes[tf]
	if !ok {
		return 0, fmt.Errorf("unsupported timeframe %q", tf)
	}
	return d, nil
}

// BarsPerYear 年化系数，用于 Sharpe 计算
func BarsPerYear(tf time.Duration) float64 {
	if tf <= 0 {
		return 0
	}
	return float64(365*24*time.Hour) / float64(tf)
}
