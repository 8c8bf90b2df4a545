package trading

import (
	"time"

	"polytrade.com/internal/model"
)

// barBuilder 把逐笔行情按周期聚合为 K 线，下一周期的首个 tick 到达时上一根收盘
type barBuilder struct {
	symbol    string
	timeframe string
	tf        time.Duration
	cur       *model.Bar
}

func newBarBuilder(symbol, timeframe string, tf time.Duration) *barBuilder {
	return &barBuilder{symbol: symbol, timeframe: timeframe, tf: tf}
}

// add 返回刚收盘的 K 线。迟到的 tick 计入当前 K 线
func (b *barBuilder) add(t model.Tick) (model.Bar, bool) {
	bucket := t.Time.UTC().Truncate(b.tf)

	if b.cur == nil {
		b.start(bucket, t)
		return model.Bar{}, false
	}
	if bucket.After(b.cur.OpenTime) {
		closed := *b.cur
		b.start(bucket, t)
		return closed, true
	}

	c := b.cur
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	c.Close = t.Price
	c.Volume += t.Volume
	return model.Bar{}, false
}

func (b *barBuilder) start(bucket time.Time, t model.Tick) {
	b.cur = &model.Bar{
		Symbol:    b.symbol,
		Timeframe: b.timeframe,
		OpenTime:  bucket,
		Open:      t.Price,
		High:      t.Price,
		Low:       t.Price,
		Close:     t.Price,
		Volume:    t.Volume,
	}
}
