package strategies

import (
	"encoding/json"
	"fmt"

	"polytrade.com/internal/domain"
	"polytrade.com/internal/model"
)

// Op 规则树节点类型，取值封闭
type Op string

// 数值节点
const (
	OpConst   Op = "const"
	OpPrice   Op = "price"
	OpSMA     Op = "sma"
	OpEMA     Op = "ema"
	OpRSI     Op = "rsi"
	OpHighest Op = "highest"
	OpLowest  Op = "lowest"
)

// 条件节点
const (
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpCrossAbove Op = "cross_above"
	OpCrossBelow Op = "cross_below"
	OpAnd        Op = "and"
	OpOr         Op = "or"
	OpNot        Op = "not"
)

const (
	maxNodeDepth = 32
	maxPeriod    = 1000
)

// Node 规则树节点
//
// 示例: {"op":"cross_above","args":[{"op":"sma","period":10},{"op":"sma","period":30}]}
type Node struct {
	Op     Op      `json:"op"`
	Args   []Node  `json:"args,omitempty"`
	Period int     `json:"period,omitempty"`
	Source string  `json:"source,omitempty"` // price 节点: open/high/low/close/volume
	Value  float64 `json:"value,omitempty"`  // const 节点
}

// Method 组合策略的投票方式
type Method string

const (
	MethodWeightedVote Method = "weighted_vote"
	MethodMajority     Method = "majority"
	MethodUnanimous    Method = "unanimous"
)

// Component 组合中的一个子策略
type Component struct {
	StrategyID string  `json:"strategy_id"`
	Weight     float64 `json:"weight"`
}

// Combo 组合策略定义
type Combo struct {
	Method     Method      `json:"method"`
	Threshold  float64     `json:"threshold,omitempty"`
	Components []Component `json:"components"`
}

// Spec 单一策略 {side, entry, exit} 或组合策略 {side, combo}
type Spec struct {
	Side  model.Side `json:"side"`
	Entry *Node      `json:"entry,omitempty"`
	Exit  *Node      `json:"exit,omitempty"`
	Combo *Combo     `json:"combo,omitempty"`
}

// IsCombo 是否为组合策略
func (s *Spec) IsCombo() bool {
	return s.Combo != nil
}

// ParseSpec 解析并校验规则 JSON
func ParseSpec(raw []byte) (*Spec, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty rules", domain.ErrInvalidStrategyDefinition)
	}
	var spec Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidStrategyDefinition, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate 校验结构合法性，不解析组合引用的子策略
func (s *Spec) Validate() error {
	if !s.Side.Valid() {
		return invalid("side must be long or short, got %q", s.Side)
	}

	if s.Combo != nil {
		if s.Entry != nil || s.Exit != nil {
			return invalid("combo strategy cannot carry entry/exit rules")
		}
		return s.Combo.validate()
	}

	if s.Entry == nil {
		return invalid("entry rule is required")
	}
	if err := validateCondition(s.Entry, 1); err != nil {
		return fmt.Errorf("entry: %w", err)
	}
	if s.Exit != nil {
		if err := validateCondition(s.Exit, 1); err != nil {
			return fmt.Errorf("exit: %w", err)
		}
	}
	return nil
}

func (c *Combo) validate() error {
	switch c.Method {
	case MethodWeightedVote, MethodMajority, MethodUnanimous:
	default:
		return invalid("unknown combo method %q", c.Method)
	}
	if len(c.Components) == 0 {
		return invalid("combo requires at least one component")
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return invalid("combo threshold must be within [0,1]")
	}
	seen := make(map[string]bool, len(c.Components))
	for _, comp := range c.Components {
		if comp.StrategyID == "" {
			return invalid("combo component missing strategy_id")
		}
		if seen[comp.StrategyID] {
			return invalid("duplicate combo component %s", comp.StrategyID)
		}
		seen[comp.StrategyID] = true
		if c.Method == MethodWeightedVote && comp.Weight <= 0 {
			return invalid("component %s weight must be positive", comp.StrategyID)
		}
	}
	return nil
}

// threshold 未配置时默认 0.5
func (c *Combo) threshold() float64 {
	if c.Threshold == 0 {
		return 0.5
	}
	return c.Threshold
}

func isValueOp(op Op) bool {
	switch op {
	case OpConst, OpPrice, OpSMA, OpEMA, OpRSI, OpHighest, OpLowest:
		return true
	}
	return false
}

func isConditionOp(op Op) bool {
	switch op {
	case OpGt, OpGte, OpLt, OpLte, OpCrossAbove, OpCrossBelow, OpAnd, OpOr, OpNot:
		return true
	}
	return false
}

func validateCondition(n *Node, depth int) error {
	if depth > maxNodeDepth {
		return invalid("rule tree deeper than %d", maxNodeDepth)
	}
	switch n.Op {
	case OpGt, OpGte, OpLt, OpLte, OpCrossAbove, OpCrossBelow:
		if len(n.Args) != 2 {
			return invalid("%s requires exactly 2 arguments", n.Op)
		}
		for i := range n.Args {
			if err := validateValue(&n.Args[i], depth+1); err != nil {
				return err
			}
		}
	case OpAnd, OpOr:
		if len(n.Args) < 2 {
			return invalid("%s requires at least 2 arguments", n.Op)
		}
		for i := range n.Args {
			if err := validateCondition(&n.Args[i], depth+1); err != nil {
				return err
			}
		}
	case OpNot:
		if len(n.Args) != 1 {
			return invalid("not requires exactly 1 argument")
		}
		return validateCondition(&n.Args[0], depth+1)
	default:
		if isValueOp(n.Op) {
			return invalid("%s is a value, a condition is expected", n.Op)
		}
		return invalid("unknown op %q", n.Op)
	}
	return nil
}

func validateValue(n *Node, depth int) error {
	if depth > maxNodeDepth {
		return invalid("rule tree deeper than %d", maxNodeDepth)
	}
	switch n.Op {
	case OpConst:
		if len(n.Args) != 0 {
			return invalid("const takes no arguments")
		}
	case OpPrice:
		if len(n.Args) != 0 {
			return invalid("price takes no arguments")
		}
		switch n.Source {
		case "", "open", "high", "low", "close", "volume":
		default:
			return invalid("unknown price source %q", n.Source)
		}
	case OpSMA, OpEMA, OpHighest, OpLowest, OpRSI:
		minPeriod := 1
		if n.Op == OpRSI {
			minPeriod = 2
		}
		if n.Period < minPeriod || n.Period > maxPeriod {
			return invalid("%s period must be within [%d,%d]", n.Op, minPeriod, maxPeriod)
		}
		if len(n.Args) > 1 {
			return invalid("%s takes at most 1 argument", n.Op)
		}
		if len(n.Args) == 1 {
			return validateValue(&n.Args[0], depth+1)
		}
	default:
		if isConditionOp(n.Op) {
			return invalid("%s is a condition, a value is expected", n.Op)
		}
		return invalid("unknown op %q", n.Op)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidStrategyDefinition, fmt.Sprintf(format, args...))
}
