package strategies

import (
	"polytrade.com/internal/model"
)

// Signal 单根 K 线上的投票：+1 入场，-1 离场，0 观望
type Signal int8

const (
	SignalExit  Signal = -1
	SignalHold  Signal = 0
	SignalEnter Signal = 1
)

func (s Signal) String() string {
	switch s {
	case SignalEnter:
		return "enter"
	case SignalExit:
		return "exit"
	default:
		return "hold"
	}
}

// Evaluator 按时间顺序逐根推入 K 线并给出信号。
// 评估器只能看到已推入的 K 线，回测与实盘共享同一实现。
type Evaluator interface {
	Push(bar model.Bar) Signal
	Side() model.Side
}

// ruleEvaluator 单一策略
type ruleEvaluator struct {
	side  model.Side
	entry condNode
	exit  condNode
}

func newRuleEvaluator(spec *Spec) *ruleEvaluator {
	ev := &ruleEvaluator{side: spec.Side, entry: compileCondition(spec.Entry), exit: falseNode{}}
	if spec.Exit != nil {
		ev.exit = compileCondition(spec.Exit)
	}
	return ev
}

func (r *ruleEvaluator) Push(bar model.Bar) Signal {
	r.entry.push(bar)
	r.exit.push(bar)

	enter, exit := r.entry.eval(), r.exit.eval()
	switch {
	case enter && !exit:
		return SignalEnter
	case exit && !enter:
		return SignalExit
	default:
		return SignalHold
	}
}

func (r *ruleEvaluator) Side() model.Side { return r.side }

type weighted struct {
	ev     Evaluator
	weight float64
}

// comboEvaluator 组合策略，每根 K 线推进所有子策略后归约投票
type comboEvaluator struct {
	side       model.Side
	method     Method
	threshold  float64
	components []weighted
	votes      []Signal
	weights    []float64
}

func newComboEvaluator(spec *Spec, components []weighted) *comboEvaluator {
	weights := make([]float64, len(components))
	for i, c := range components {
		weights[i] = c.weight
	}
	return &comboEvaluator{
		side:       spec.Side,
		method:     spec.Combo.Method,
		threshold:  spec.Combo.threshold(),
		components: components,
		votes:      make([]Signal, len(components)),
		weights:    weights,
	}
}

func (c *comboEvaluator) Push(bar model.Bar) Signal {
	for i, comp := range c.components {
		c.votes[i] = comp.ev.Push(bar)
	}
	return Reduce(c.method, c.threshold, c.votes, c.weights)
}

func (c *comboEvaluator) Side() model.Side { return c.side }

// Reduce 纯函数的投票归约
//
//   - weighted_vote: 加权得分 >= threshold 入场，<= -threshold 离场
//   - majority: 超过半数同向
//   - unanimous: 全部同向且非观望
func Reduce(method Method, threshold float64, votes []Signal, weights []float64) Signal {
	if len(votes) == 0 {
		return SignalHold
	}

	switch method {
	case MethodWeightedVote:
		var score, total float64
		for i, v := range votes {
			w := 1.0
			if i < len(weights) {
				w = weights[i]
			}
			score += w * float64(v)
			total += w
		}
		if total <= 0 {
			return SignalHold
		}
		score /= total
		switch {
		case score >= threshold:
			return SignalEnter
		case score <= -threshold:
			return SignalExit
		}
		return SignalHold

	case MethodMajority:
		var enter, exit int
		for _, v := range votes {
			switch v {
			case SignalEnter:
				enter++
			case SignalExit:
				exit++
			}
		}
		switch {
		case enter*2 > len(votes):
			return SignalEnter
		case exit*2 > len(votes):
			return SignalExit
		}
		return SignalHold

	case MethodUnanimous:
		first := votes[0]
		for _, v := range votes[1:] {
			if v != first {
				return SignalHold
			}
		}
		return first
	}
	return SignalHold
}
