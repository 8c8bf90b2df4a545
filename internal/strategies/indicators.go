package strategies

import (
	"math"

	"polytrade.com/internal/model"
)

// series 只保留最近 keep 个值的序列
type series struct {
	buf  []float64
	keep int
}

func newSeries(keep int) *series {
	if keep < 2 {
		keep = 2
	}
	return &series{buf: make([]float64, 0, keep*2), keep: keep}
}

func (s *series) append(v float64) {
	if len(s.buf) == cap(s.buf) {
		n := copy(s.buf, s.buf[len(s.buf)-s.keep+1:])
		s.buf = s.buf[:n]
	}
	s.buf = append(s.buf, v)
}

// at 返回倒数第 back 个值，back=0 为最新值；不足时返回 NaN
func (s *series) at(back int) float64 {
	idx := len(s.buf) - 1 - back
	if idx < 0 {
		return math.NaN()
	}
	return s.buf[idx]
}

// valueNode 数值节点，每根 K 线推进一次
type valueNode interface {
	push(bar model.Bar)
	at(back int) float64
}

// condNode 条件节点
type condNode interface {
	push(bar model.Bar)
	eval() bool
}

// compileValue 编译数值节点，keep 为父节点需要回看的长度
func compileValue(n *Node, keep int) valueNode {
	switch n.Op {
	case OpConst:
		return constNode(n.Value)
	case OpPrice:
		return &priceNode{source: n.Source, out: newSeries(keep)}
	case OpSMA:
		return &smaNode{src: sourceOf(n, n.Period), period: n.Period, out: newSeries(keep)}
	case OpEMA:
		return &emaNode{src: sourceOf(n, 1), period: n.Period, out: newSeries(keep)}
	case OpRSI:
		return &rsiNode{src: sourceOf(n, 2), period: n.Period, out: newSeries(keep)}
	case OpHighest:
		return &extremeNode{src: sourceOf(n, n.Period), period: n.Period, highest: true, out: newSeries(keep)}
	case OpLowest:
		return &extremeNode{src: sourceOf(n, n.Period), period: n.Period, out: newSeries(keep)}
	}
	return constNode(math.NaN())
}

// sourceOf 指标的输入，缺省为收盘价
func sourceOf(n *Node, keep int) valueNode {
	if len(n.Args) == 0 {
		return &priceNode{source: "close", out: newSeries(keep)}
	}
	return compileValue(&n.Args[0], keep)
}

func compileCondition(n *Node) condNode {
	switch n.Op {
	case OpGt, OpGte, OpLt, OpLte, OpCrossAbove, OpCrossBelow:
		return &compareNode{op: n.Op, left: compileValue(&n.Args[0], 2), right: compileValue(&n.Args[1], 2)}
	case OpAnd, OpOr:
		args := make([]condNode, len(n.Args))
		for i := range n.Args {
			args[i] = compileCondition(&n.Args[i])
		}
		return &logicNode{all: n.Op == OpAnd, args: args}
	case OpNot:
		return &notNode{arg: compileCondition(&n.Args[0])}
	}
	return falseNode{}
}

type constNode float64

func (c constNode) push(model.Bar) {}
func (c constNode) at(int) float64 { return float64(c) }

type priceNode struct {
	source string
	out    *series
}

func (p *priceNode) push(bar model.Bar) {
	switch p.source {
	case "open":
		p.out.append(bar.Open)
	case "high":
		p.out.append(bar.High)
	case "low":
		p.out.append(bar.Low)
	case "volume":
		p.out.append(bar.Volume)
	default:
		p.out.append(bar.Close)
	}
}

func (p *priceNode) at(back int) float64 { return p.out.at(back) }

type smaNode struct {
	src    valueNode
	period int
	out    *series
}

func (s *smaNode) push(bar model.Bar) {
	s.src.push(bar)
	sum := 0.0
	for i := 0; i < s.period; i++ {
		v := s.src.at(i)
		if math.IsNaN(v) {
			s.out.append(math.NaN())
			return
		}
		sum += v
	}
	s.out.append(sum / float64(s.period))
}

func (s *smaNode) at(back int) float64 { return s.out.at(back) }

// emaNode 以前 period 个有效值的均值作为种子
type emaNode struct {
	src    valueNode
	period int
	count  int
	sum    float64
	prev   float64
	out    *series
}

func (e *emaNode) push(bar model.Bar) {
	e.src.push(bar)
	v := e.src.at(0)
	if math.IsNaN(v) {
		e.out.append(math.NaN())
		return
	}
	e.count++
	switch {
	case e.count < e.period:
		e.sum += v
		e.out.append(math.NaN())
	case e.count == e.period:
		e.sum += v
		e.prev = e.sum / float64(e.period)
		e.out.append(e.prev)
	default:
		alpha := 2.0 / float64(e.period+1)
		e.prev = alpha*v + (1-alpha)*e.prev
		e.out.append(e.prev)
	}
}

func (e *emaNode) at(back int) float64 { return e.out.at(back) }

// rsiNode Wilder 平滑的 RSI
type rsiNode struct {
	src     valueNode
	period  int
	count   int
	avgGain float64
	avgLoss float64
	out     *series
}

func (r *rsiNode) push(bar model.Bar) {
	r.src.push(bar)
	cur, prev := r.src.at(0), r.src.at(1)
	if math.IsNaN(cur) || math.IsNaN(prev) {
		r.out.append(math.NaN())
		return
	}
	change := cur - prev
	gain, loss := math.Max(change, 0), math.Max(-change, 0)
	r.count++

	n := float64(r.period)
	switch {
	case r.count < r.period:
		r.avgGain += gain
		r.avgLoss += loss
		r.out.append(math.NaN())
		return
	case r.count == r.period:
		r.avgGain = (r.avgGain + gain) / n
		r.avgLoss = (r.avgLoss + loss) / n
	default:
		r.avgGain = (r.avgGain*(n-1) + gain) / n
		r.avgLoss = (r.avgLoss*(n-1) + loss) / n
	}

	switch {
	case r.avgLoss == 0 && r.avgGain == 0:
		r.out.append(50)
	case r.avgLoss == 0:
		r.out.append(100)
	default:
		rs := r.avgGain / r.avgLoss
		r.out.append(100 - 100/(1+rs))
	}
}

func (r *rsiNode) at(back int) float64 { return r.out.at(back) }

type extremeNode struct {
	src     valueNode
	period  int
	highest bool
	out     *series
}

func (x *extremeNode) push(bar model.Bar) {
	x.src.push(bar)
	best := math.NaN()
	for i := 0; i < x.period; i++ {
		v := x.src.at(i)
		if math.IsNaN(v) {
			x.out.append(math.NaN())
			return
		}
		if math.IsNaN(best) || (x.highest && v > best) || (!x.highest && v < best) {
			best = v
		}
	}
	x.out.append(best)
}

func (x *extremeNode) at(back int) float64 { return x.out.at(back) }

// compareNode 比较与穿越，任一侧为 NaN 时恒为 false
type compareNode struct {
	op          Op
	left, right valueNode
}

func (c *compareNode) push(bar model.Bar) {
	c.left.push(bar)
	c.right.push(bar)
}

func (c *compareNode) eval() bool {
	l, r := c.left.at(0), c.right.at(0)
	if math.IsNaN(l) || math.IsNaN(r) {
		return false
	}
	switch c.op {
	case OpGt:
		return l > r
	case OpGte:
		return l >= r
	case OpLt:
		return l < r
	case OpLte:
		return l <= r
	}

	pl, pr := c.left.at(1), c.right.at(1)
	if math.IsNaN(pl) || math.IsNaN(pr) {
		return false
	}
	if c.op == OpCrossAbove {
		return pl <= pr && l > r
	}
	return pl >= pr && l < r
}

type logicNode struct {
	all  bool
	args []condNode
}

func (n *logicNode) push(bar model.Bar) {
	for _, a := range n.args {
		a.push(bar)
	}
}

func (n *logicNode) eval() bool {
	for _, a := range n.args {
		if a.eval() != n.all {
			return !n.all
		}
	}
	return n.all
}

type notNode struct {
	arg condNode
}

func (n *notNode) push(bar model.Bar) { n.arg.push(bar) }
func (n *notNode) eval() bool         { return !n.arg.eval() }

type falseNode struct{}

func (falseNode) push(model.Bar) {}
func (falseNode) eval() bool     { return false }
