package strategies

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"

	"polytrade.com/internal/domain"
	"polytrade.com/internal/model"
)

// TemplateProducer 从内置模板随机取参生成规则，未接入外部生成器时使用
type TemplateProducer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewTemplateProducer(seed uint64) *TemplateProducer {
	return &TemplateProducer{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (p *TemplateProducer) Produce(_ context.Context, _ domain.ProduceRequest) (json.RawMessage, error) {
	p.mu.Lock()
	spec := p.next()
	p.mu.Unlock()
	return json.Marshal(spec)
}

func (p *TemplateProducer) next() Spec {
	between := func(lo, hi int) int { return lo + p.rng.IntN(hi-lo+1) }

	switch p.rng.IntN(3) {
	case 0:
		fast := between(5, 20)
		slow := fast + between(10, 40)
		return crossover(OpSMA, fast, slow)
	case 1:
		fast := between(8, 21)
		slow := fast + between(13, 34)
		return crossover(OpEMA, fast, slow)
	default:
		period := between(7, 21)
		low := float64(between(20, 35))
		rsi := Node{Op: OpRSI, Period: period}
		return Spec{
			Side:  model.SideLong,
			Entry: &Node{Op: OpLt, Args: []Node{rsi, {Op: OpConst, Value: low}}},
			Exit:  &Node{Op: OpGt, Args: []Node{rsi, {Op: OpConst, Value: 100 - low}}},
		}
	}
}

func crossover(op Op, fast, slow int) Spec {
	f := Node{Op: op, Period: fast}
	s := Node{Op: op, Period: slow}
	return Spec{
		Side:  model.SideLong,
		Entry: &Node{Op: OpCrossAbove, Args: []Node{f, s}},
		Exit:  &Node{Op: OpCrossBelow, Args: []Node{f, s}},
	}
}

var _ domain.StrategyProducer = (*TemplateProducer)(nil)
