package strategies

import (
	"context"
	"errors"
	"fmt"

	"polytrade.com/internal/domain"
	"polytrade.com/internal/model"
)

// maxComboDepth 组合策略允许的嵌套层数
const maxComboDepth = 4

// DefinitionGetter 按 ID 读取策略定义，组合策略据此解析子策略
type DefinitionGetter interface {
	GetStrategy(ctx context.Context, id string) (*model.StrategyDefinition, error)
}

// Compiler 把策略定义编译成可逐根推进的评估器。
// 每次 Compile 都返回全新的评估器，互不共享状态。
type Compiler struct {
	defs DefinitionGetter
}

// NewCompiler 创建编译器，defs 为 nil 时不支持组合策略
func NewCompiler(defs DefinitionGetter) *Compiler {
	return &Compiler{defs: defs}
}

// Compile 编译策略定义，任何结构问题都返回 ErrInvalidStrategyDefinition
func (c *Compiler) Compile(ctx context.Context, def *model.StrategyDefinition) (Evaluator, error) {
	return c.compile(ctx, def, map[string]bool{}, 0)
}

// CompileSpec 编译不依赖子策略的规则
func CompileSpec(spec *Spec) (Evaluator, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.IsCombo() {
		return nil, invalid("combo strategy requires a compiler with definition lookup")
	}
	return newRuleEvaluator(spec), nil
}

func (c *Compiler) compile(ctx context.Context, def *model.StrategyDefinition, visiting map[string]bool, depth int) (Evaluator, error) {
	spec, err := ParseSpec(def.Rules)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", def.ID, err)
	}
	if !spec.IsCombo() {
		return newRuleEvaluator(spec), nil
	}

	if depth >= maxComboDepth {
		return nil, invalid("strategy %s: combo nesting deeper than %d", def.ID, maxComboDepth)
	}
	if c.defs == nil {
		return nil, invalid("strategy %s: combo components cannot be resolved", def.ID)
	}

	visiting[def.ID] = true
	defer delete(visiting, def.ID)

	components := make([]weighted, 0, len(spec.Combo.Components))
	for _, comp := range spec.Combo.Components {
		if visiting[comp.StrategyID] {
			return nil, invalid("strategy %s: combo cycle through %s", def.ID, comp.StrategyID)
		}
		sub, err := c.defs.GetStrategy(ctx, comp.StrategyID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, invalid("strategy %s: component %s not found", def.ID, comp.StrategyID)
			}
			return nil, fmt.Errorf("load component %s: %w", comp.StrategyID, err)
		}

		ev, err := c.compile(ctx, sub, visiting, depth+1)
		if err != nil {
			return nil, err
		}
		if ev.Side() != spec.Side {
			return nil, invalid("strategy %s: component %s trades %s, combo trades %s", def.ID, comp.StrategyID, ev.Side(), spec.Side)
		}

		weight := comp.Weight
		if weight <= 0 {
			weight = 1
		}
		components = append(components, weighted{ev: ev, weight: weight})
	}

	return newComboEvaluator(spec, components), nil
}
