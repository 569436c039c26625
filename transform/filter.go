package transform

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Filter ops. Logical nodes carry children; comparison nodes carry a field
// reference and a literal.
const (
	OpAnd = "and"
	OpOr  = "or"
	OpNot = "not"
	OpEq  = "eq"
	OpNe  = "ne"
	OpGt  = "gt"
	OpGte = "gte"
	OpLt  = "lt"
	OpLte = "lte"
	OpIn  = "in"
)

// FilterNode is one node of a promotion-filter expression tree.
type FilterNode struct {
	Op       string        `json:"op"`
	Children []*FilterNode `json:"children,omitempty"`
	Field    string        `json:"field,omitempty"`
	Value    any           `json:"value,omitempty"`
	Values   []any         `json:"values,omitempty"`
}

// ParseFilter decodes and validates a promotion filter. Nil on empty input:
// an absent filter promotes everything.
func ParseFilter(data []byte) (*FilterNode, error) {
	if len(data) == 0 || strings.TrimSpace(string(data)) == "null" {
		return nil, nil
	}
	var node FilterNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("decode promotion filter: %w", err)
	}
	if err := node.validate(); err != nil {
		return nil, fmt.Errorf("promotion filter: %w", err)
	}
	return &node, nil
}

func (n *FilterNode) validate() error {
	switch n.Op {
	case OpAnd, OpOr:
		if len(n.Children) == 0 {
			return fmt.Errorf("%s node needs children", n.Op)
		}
		for _, child := range n.Children {
			if err := child.validate(); err != nil {
				return err
			}
		}
		return nil
	case OpNot:
		if len(n.Children) != 1 {
			return fmt.Errorf("not node needs exactly one child")
		}
		return n.Children[0].validate()
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		if n.Field == "" {
			return fmt.Errorf("%s node needs a field", n.Op)
		}
		return nil
	case OpIn:
		if n.Field == "" || len(n.Values) == 0 {
			return fmt.Errorf("in node needs a field and values")
		}
		return nil
	}
	return fmt.Errorf("unknown op %q", n.Op)
}

// Eval decides promotion for one record's transformed fields. A referenced
// field that is absent makes comparison nodes false, never an error.
func (n *FilterNode) Eval(fields map[string]any) bool {
	if n == nil {
		return true
	}
	switch n.Op {
	case OpAnd:
		for _, child := range n.Children {
			if !child.Eval(fields) {
				return false
			}
		}
		return true
	case OpOr:
		for _, child := range n.Children {
			if child.Eval(fields) {
				return true
			}
		}
		return false
	case OpNot:
		return !n.Children[0].Eval(fields)
	case OpIn:
		actual, ok := fields[n.Field]
		if !ok {
			return false
		}
		for _, candidate := range n.Values {
			if compare(actual, candidate) == 0 {
				return true
			}
		}
		return false
	}

	actual, ok := fields[n.Field]
	if !ok {
		return false
	}
	cmp := compare(actual, n.Value)
	switch n.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpGt:
		return cmp == 1
	case OpGte:
		return cmp == 0 || cmp == 1
	case OpLt:
		return cmp == -1
	case OpLte:
		return cmp == 0 || cmp == -1
	}
	return false
}

// compare returns -1/0/1, or 2 when the operands are not comparable.
// Numbers compare numerically even when one side arrives as a string.
func compare(a, b any) int {
	if da, err := asDecimal(a); err == nil {
		if db, err := asDecimal(b); err == nil {
			return da.Cmp(db)
		}
	}
	sa, errA := asString(a)
	sb, errB := asString(b)
	if errA != nil || errB != nil {
		return 2
	}
	return strings.Compare(sa, sb)
}
