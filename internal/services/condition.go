package services

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Condition tree node types.
const (
	NodeAnd       = "and"
	NodeOr        = "or"
	NodeNot       = "not"
	NodePredicate = "predicate"
)

// Predicate operators.
const (
	OpEq        = "eq"
	OpNe        = "ne"
	OpGt        = "gt"
	OpGte       = "gte"
	OpLt        = "lt"
	OpLte       = "lte"
	OpIn        = "in"
	OpContains  = "contains"
	OpChangedTo = "changed_to"
	// case-insensitive variants
	OpIEq       = "ieq"
	OpIContains = "icontains"
)

const conditionSchemaVersion = 1

// ConditionTree is the serialized form stored on WorkflowRule.Conditions.
// An empty tree (nil root) matches every event.
type ConditionTree struct {
	Version int            `json:"version"`
	Root    *ConditionNode `json:"root,omitempty"`
}

// ConditionNode 条件树节点（and/or/not 组合 + 叶子谓词）
type ConditionNode struct {
	Type     string          `json:"type"`
	Children []ConditionNode `json:"children,omitempty"`
	Field    string          `json:"field,omitempty"`
	Op       string          `json:"op,omitempty"`
	Value    interface{}     `json:"value,omitempty"`
}

// FieldSpec declares the semantic type used for predicate comparison.
// Enum lists the ordinal order, lowest first.
type FieldSpec struct {
	Type string   `json:"type"` // string, number, duration, enum
	Enum []string `json:"enum,omitempty"`
}

// EvalContext carries the event field values a tree is evaluated against.
type EvalContext struct {
	Snapshot map[string]interface{}
	Previous map[string]interface{}
	Fields   map[string]FieldSpec
}

// ParseConditionTree decodes and structurally checks a stored tree. Unknown
// schema versions, node types and operators are rejected here, at load time,
// rather than silently ignored during evaluation.
func ParseConditionTree(raw string) (*ConditionTree, error) {
	if strings.TrimSpace(raw) == "" {
		return &ConditionTree{Version: conditionSchemaVersion}, nil
	}
	var tree ConditionTree
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return nil, fmt.Errorf("invalid condition tree: %w", err)
	}
	if tree.Version != conditionSchemaVersion {
		return nil, fmt.Errorf("unsupported condition schema version: %d", tree.Version)
	}
	if tree.Root != nil {
		if err := checkNode(tree.Root); err != nil {
			return nil, err
		}
	}
	return &tree, nil
}

func checkNode(node *ConditionNode) error {
	switch node.Type {
	case NodeAnd, NodeOr:
		if len(node.Children) == 0 {
			return fmt.Errorf("%s node requires children", node.Type)
		}
	case NodeNot:
		if len(node.Children) != 1 {
			return fmt.Errorf("not node requires exactly one child")
		}
	case NodePredicate:
		if node.Field == "" {
			return fmt.Errorf("predicate requires a field")
		}
		switch node.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains, OpChangedTo, OpIEq, OpIContains:
		default:
			return fmt.Errorf("unknown operator: %q", node.Op)
		}
	default:
		return fmt.Errorf("unknown node type: %q", node.Type)
	}
	for i := range node.Children {
		if err := checkNode(&node.Children[i]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateConditionDepth enforces the configured depth bound. This is a
// save-time check only; evaluation never fails on depth.
func ValidateConditionDepth(tree *ConditionTree, maxDepth int) error {
	if tree == nil || tree.Root == nil {
		return nil
	}
	if d := nodeDepth(tree.Root); d > maxDepth {
		return fmt.Errorf("condition tree depth %d exceeds limit %d", d, maxDepth)
	}
	return nil
}

func nodeDepth(node *ConditionNode) int {
	max := 0
	for i := range node.Children {
		if d := nodeDepth(&node.Children[i]); d > max {
			max = d
		}
	}
	return max + 1
}

// EvaluateConditions is pure and total: a predicate over a field absent from
// the snapshot is false, never an error, so a stale rule degrades instead of
// blocking the tenant's other rules.
func EvaluateConditions(tree *ConditionTree, ectx *EvalContext) bool {
	if tree == nil || tree.Root == nil {
		return true
	}
	return evalNode(tree.Root, ectx)
}

func evalNode(node *ConditionNode, ectx *EvalContext) bool {
	switch node.Type {
	case NodeAnd:
		for i := range node.Children {
			if !evalNode(&node.Children[i], ectx) {
				return false
			}
		}
		return true
	case NodeOr:
		for i := range node.Children {
			if evalNode(&node.Children[i], ectx) {
				return true
			}
		}
		return false
	case NodeNot:
		if len(node.Children) != 1 {
			return false
		}
		return !evalNode(&node.Children[0], ectx)
	case NodePredicate:
		return evalPredicate(node, ectx)
	default:
		return false
	}
}

func evalPredicate(node *ConditionNode, ectx *EvalContext) bool {
	actual, ok := ectx.Snapshot[node.Field]
	if !ok {
		return false
	}
	spec := ectx.Fields[node.Field]

	switch node.Op {
	case OpEq:
		cmp, ok := compareValues(spec, actual, node.Value)
		return ok && cmp == 0
	case OpNe:
		cmp, ok := compareValues(spec, actual, node.Value)
		return ok && cmp != 0
	case OpGt:
		cmp, ok := compareValues(spec, actual, node.Value)
		return ok && cmp > 0
	case OpGte:
		cmp, ok := compareValues(spec, actual, node.Value)
		return ok && cmp >= 0
	case OpLt:
		cmp, ok := compareValues(spec, actual, node.Value)
		return ok && cmp < 0
	case OpLte:
		cmp, ok := compareValues(spec, actual, node.Value)
		return ok && cmp <= 0
	case OpIEq:
		return strings.EqualFold(stringify(actual), stringify(node.Value))
	case OpIn:
		list, ok := node.Value.([]interface{})
		if !ok {
			return false
		}
		for _, candidate := range list {
			if cmp, ok := compareValues(spec, actual, candidate); ok && cmp == 0 {
				return true
			}
		}
		return false
	case OpContains:
		return strings.Contains(stringify(actual), stringify(node.Value))
	case OpIContains:
		return strings.Contains(strings.ToLower(stringify(actual)), strings.ToLower(stringify(node.Value)))
	case OpChangedTo:
		cmp, ok := compareValues(spec, actual, node.Value)
		if !ok || cmp != 0 {
			return false
		}
		prev, had := ectx.Previous[node.Field]
		if !had {
			// no prior value recorded: the field just took this value
			return true
		}
		prevCmp, ok := compareValues(spec, prev, node.Value)
		return !ok || prevCmp != 0
	default:
		return false
	}
}

// compareValues compares per the declared semantic type. Values that cannot
// be interpreted under the declared type compare as "unknown" (ok=false),
// which every operator treats as a non-match.
func compareValues(spec FieldSpec, actual, expected interface{}) (int, bool) {
	switch spec.Type {
	case "number":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return 0, false
		}
		return compareFloat(a, b), true
	case "duration":
		a, aok := toDuration(actual)
		b, bok := toDuration(expected)
		if !aok || !bok {
			return 0, false
		}
		return compareFloat(a.Seconds(), b.Seconds()), true
	case "enum":
		a, aok := enumOrdinal(spec.Enum, stringify(actual))
		b, bok := enumOrdinal(spec.Enum, stringify(expected))
		if !aok || !bok {
			return 0, false
		}
		return compareFloat(float64(a), float64(b)), true
	default:
		// default to case-sensitive string comparison, with a numeric
		// fallback when both sides parse cleanly
		if a, aok := toFloat(actual); aok {
			if b, bok := toFloat(expected); bok {
				return compareFloat(a, b), true
			}
		}
		return strings.Compare(stringify(actual), stringify(expected)), true
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toDuration(v interface{}) (time.Duration, bool) {
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		return parsed, err == nil
	default:
		// bare numbers are seconds
		if f, ok := toFloat(v); ok {
			return time.Duration(f * float64(time.Second)), true
		}
		return 0, false
	}
}

func enumOrdinal(order []string, value string) (int, bool) {
	for i, entry := range order {
		if entry == value {
			return i, true
		}
	}
	return 0, false
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
