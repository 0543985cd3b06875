package workflow

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// Operator is a comparison in a condition leaf.
type Operator string

const (
	OpEq        Operator = "eq"
	OpNeq       Operator = "neq"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpIn        Operator = "in"
	OpContains  Operator = "contains"
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
)

// Condition is a boolean expression over the execution context. Exactly
// one of the leaf form (Key and Op) or the All, Any and Not combinators is set.
type Condition struct {
	Key   string      `json:"key,omitempty"`
	Op    Operator    `json:"op,omitempty"`
	Value any         `json:"value,omitempty"`
	All   []Condition `json:"all,omitempty"`
	Any   []Condition `json:"any,omitempty"`
	Not   *Condition  `json:"not,omitempty"`
}

// ConditionError is raised when an expression cannot be evaluated against
// the current context, typically because a key is missing. The engine
// treats it as a recoverable node failure.
type ConditionError struct {
	Key    string
	Reason string
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("condition on %q: %s", e.Key, e.Reason)
}

func (c *Condition) validate() error {
	forms := 0
	if c.Key != "" || c.Op != "" {
		forms++
	}
	if c.All != nil {
		forms++
	}
	if c.Any != nil {
		forms++
	}
	if c.Not != nil {
		forms++
	}
	if forms != 1 {
		return fmt.Errorf("expected exactly one of key/op, all, any, not")
	}

	switch {
	case c.Not != nil:
		return c.Not.validate()
	case c.All != nil || c.Any != nil:
		children := c.All
		if c.Any != nil {
			children = c.Any
		}
		if len(children) == 0 {
			return fmt.Errorf("all/any must not be empty")
		}
		for i := range children {
			if err := children[i].validate(); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	}

	if c.Key == "" {
		return fmt.Errorf("key is required")
	}
	switch c.Op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains:
	case OpIn:
		if _, ok := c.Value.([]any); !ok {
			return fmt.Errorf("op in requires a list value")
		}
	case OpExists, OpNotExists:
		if c.Value != nil {
			return fmt.Errorf("op %s takes no value", c.Op)
		}
	default:
		return fmt.Errorf("unknown op %q", c.Op)
	}
	return nil
}

// Evaluate reports whether the condition holds for ctx.
func (c *Condition) Evaluate(ctx map[string]any) (bool, error) {
	switch {
	case c.Not != nil:
		v, err := c.Not.Evaluate(ctx)
		return !v, err
	case c.All != nil:
		for i := range c.All {
			v, err := c.All[i].Evaluate(ctx)
			if err != nil || !v {
				return false, err
			}
		}
		return true, nil
	case c.Any != nil:
		for i := range c.Any {
			v, err := c.Any[i].Evaluate(ctx)
			if err != nil {
				return false, err
			}
			if v {
				return true, nil
			}
		}
		return false, nil
	}

	actual, found := Lookup(ctx, c.Key)
	switch c.Op {
	case OpExists:
		return found && actual != nil, nil
	case OpNotExists:
		return !found || actual == nil, nil
	}
	if !found {
		return false, &ConditionError{Key: c.Key, Reason: "key not present in context"}
	}

	switch c.Op {
	case OpEq:
		return equal(actual, c.Value), nil
	case OpNeq:
		return !equal(actual, c.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		cmp, err := compare(actual, c.Value)
		if err != nil {
			return false, &ConditionError{Key: c.Key, Reason: err.Error()}
		}
		switch c.Op {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpIn:
		list, _ := c.Value.([]any)
		return slices.ContainsFunc(list, func(v any) bool { return equal(actual, v) }), nil
	case OpContains:
		switch a := actual.(type) {
		case string:
			s, ok := c.Value.(string)
			if !ok {
				return false, &ConditionError{Key: c.Key, Reason: "contains on a string needs a string value"}
			}
			return strings.Contains(a, s), nil
		case []any:
			return slices.ContainsFunc(a, func(v any) bool { return equal(v, c.Value) }), nil
		}
		return false, &ConditionError{Key: c.Key, Reason: fmt.Sprintf("contains on %T", actual)}
	}
	return false, &ConditionError{Key: c.Key, Reason: fmt.Sprintf("unknown op %q", c.Op)}
}

// Lookup resolves a dotted path ("lead.score") through nested objects.
func Lookup(ctx map[string]any, path string) (any, bool) {
	var cur any = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func equal(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, error) {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), nil
	}
	return 0, fmt.Errorf("cannot order %T against %T", a, b)
}
