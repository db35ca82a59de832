package sandbox

import (
	"math"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/rendis/conveyor/pkg/schema"
)

type evaluator struct {
	env        map[string]any
	scope      Scope
	expression string
}

func (e *evaluator) fail(format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeExecution, format, args...).
		WithDetails(map[string]any{"expression": e.expression})
}

func (e *evaluator) eval(node ast.Node) (any, error) {
	switch n := node.(type) {
	case *ast.NilNode:
		return nil, nil
	case *ast.IntegerNode:
		return float64(n.Value), nil
	case *ast.FloatNode:
		return n.Value, nil
	case *ast.BoolNode:
		return n.Value, nil
	case *ast.StringNode:
		return n.Value, nil
	case *ast.IdentifierNode:
		if !e.scope.allows(n.Value) {
			return nil, violation("identifier %q is not allowed here", n.Value)
		}
		return e.env[n.Value], nil
	case *ast.ChainNode:
		return e.eval(n.Node)
	case *ast.MemberNode:
		return e.member(n)
	case *ast.SliceNode:
		return e.slice(n)
	case *ast.UnaryNode:
		return e.unary(n)
	case *ast.BinaryNode:
		return e.binary(n)
	case *ast.ConditionalNode:
		cond, err := e.eval(n.Cond)
		if err != nil {
			return nil, err
		}
		if Truthy(cond) {
			return e.eval(n.Exp1)
		}
		return e.eval(n.Exp2)
	case *ast.ArrayNode:
		out := make([]any, 0, len(n.Nodes))
		for _, child := range n.Nodes {
			v, err := e.eval(child)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case *ast.MapNode:
		out := make(map[string]any, len(n.Pairs))
		for _, p := range n.Pairs {
			pair, ok := p.(*ast.PairNode)
			if !ok {
				return nil, violation("%s is not allowed", nodeKind(p))
			}
			k, err := e.eval(pair.Key)
			if err != nil {
				return nil, err
			}
			key, ok := k.(string)
			if !ok {
				key = Stringify(k)
			}
			if IsReserved(key) {
				return nil, violation("key %q is not allowed", key)
			}
			v, err := e.eval(pair.Value)
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil
	}
	return nil, violation("%s is not allowed", nodeKind(node))
}

func (e *evaluator) member(n *ast.MemberNode) (any, error) {
	base, err := e.eval(n.Node)
	if err != nil {
		return nil, err
	}
	prop, err := e.eval(n.Property)
	if err != nil {
		return nil, err
	}
	switch b := base.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		key, ok := prop.(string)
		if !ok {
			return nil, e.fail("object key must be a string, got %s", typeName(prop))
		}
		if IsReserved(key) {
			return nil, violation("access to %q is not allowed", key)
		}
		return b[key], nil
	case []any:
		idx, ok := toIndex(prop, len(b))
		if !ok {
			return nil, nil
		}
		return b[idx], nil
	case string:
		runes := []rune(b)
		idx, ok := toIndex(prop, len(runes))
		if !ok {
			return nil, nil
		}
		return string(runes[idx]), nil
	}
	return nil, e.fail("cannot access member of %s", typeName(base))
}

// toIndex accepts negative indices counted from the end.
func toIndex(v any, length int) (int, bool) {
	f, ok := toNumber(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	i := int(f)
	if i < 0 {
		i += length
	}
	if i < 0 || i >= length {
		return 0, false
	}
	return i, true
}

func (e *evaluator) slice(n *ast.SliceNode) (any, error) {
	base, err := e.eval(n.Node)
	if err != nil {
		return nil, err
	}
	// Strings are sliced by character.
	var (
		length int
		runes  []rune
	)
	switch b := base.(type) {
	case []any:
		length = len(b)
	case string:
		runes = []rune(b)
		length = len(runes)
	case nil:
		return nil, nil
	default:
		return nil, e.fail("cannot slice %s", typeName(base))
	}

	bound := func(node ast.Node, def int) (int, error) {
		if node == nil {
			return def, nil
		}
		v, err := e.eval(node)
		if err != nil {
			return 0, err
		}
		f, ok := toNumber(v)
		if !ok || f != math.Trunc(f) {
			return 0, e.fail("slice bound must be an integer")
		}
		i := int(f)
		if i < 0 {
			i += length
		}
		return min(max(i, 0), length), nil
	}
	from, err := bound(n.From, 0)
	if err != nil {
		return nil, err
	}
	to, err := bound(n.To, length)
	if err != nil {
		return nil, err
	}
	if from > to {
		from = to
	}
	if _, ok := base.(string); ok {
		return string(runes[from:to]), nil
	}
	arr := base.([]any)
	out := make([]any, to-from)
	copy(out, arr[from:to])
	return out, nil
}

func (e *evaluator) unary(n *ast.UnaryNode) (any, error) {
	v, err := e.eval(n.Node)
	if err != nil {
		return nil, err
	}
	switch n.Operator {
	case "!", "not":
		return !Truthy(v), nil
	case "-", "+":
		f, ok := toNumber(v)
		if !ok {
			return nil, e.fail("unary %s needs a number, got %s", n.Operator, typeName(v))
		}
		if n.Operator == "-" {
			return -f, nil
		}
		return f, nil
	}
	return nil, violation("operator %q is not allowed", n.Operator)
}

func (e *evaluator) binary(n *ast.BinaryNode) (any, error) {
	left, err := e.eval(n.Left)
	if err != nil {
		return nil, err
	}

	// Short-circuit operators evaluate the right side lazily.
	switch n.Operator {
	case "&&", "and":
		if !Truthy(left) {
			return false, nil
		}
		right, err := e.eval(n.Right)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case "||", "or":
		if Truthy(left) {
			return true, nil
		}
		right, err := e.eval(n.Right)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case "??":
		if left != nil {
			return left, nil
		}
		return e.eval(n.Right)
	}

	right, err := e.eval(n.Right)
	if err != nil {
		return nil, err
	}

	switch n.Operator {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	case "<", ">", "<=", ">=":
		return e.compare(n.Operator, left, right)
	case "in":
		return e.in(left, right)
	case "contains", "startsWith", "endsWith":
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return nil, e.fail("%s needs strings, got %s and %s", n.Operator, typeName(left), typeName(right))
		}
		switch n.Operator {
		case "contains":
			return strings.Contains(ls, rs), nil
		case "startsWith":
			return strings.HasPrefix(ls, rs), nil
		default:
			return strings.HasSuffix(ls, rs), nil
		}
	case "+":
		if ls, ok := left.(string); ok {
			rs, ok := right.(string)
			if !ok {
				return nil, e.fail("cannot add %s to string", typeName(right))
			}
			return ls + rs, nil
		}
		if la, ok := left.([]any); ok {
			ra, ok := right.([]any)
			if !ok {
				return nil, e.fail("cannot add %s to array", typeName(right))
			}
			out := make([]any, 0, len(la)+len(ra))
			return append(append(out, la...), ra...), nil
		}
	}
	return e.arith(n.Operator, left, right)
}

func (e *evaluator) arith(op string, left, right any) (any, error) {
	l, lok := toNumber(left)
	r, rok := toNumber(right)
	if !lok || !rok {
		return nil, e.fail("operator %s needs numbers, got %s and %s", op, typeName(left), typeName(right))
	}
	switch op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return nil, e.fail("division by zero")
		}
		return l / r, nil
	case "%":
		if r == 0 {
			return nil, e.fail("modulo by zero")
		}
		return math.Mod(l, r), nil
	case "**", "^":
		return math.Pow(l, r), nil
	}
	return nil, violation("operator %q is not allowed", op)
}

func (e *evaluator) compare(op string, left, right any) (any, error) {
	var c int
	if l, ok := toNumber(left); ok {
		r, ok := toNumber(right)
		if !ok {
			return nil, e.fail("cannot compare number with %s", typeName(right))
		}
		switch {
		case l < r:
			c = -1
		case l > r:
			c = 1
		}
	} else if l, ok := left.(string); ok {
		r, ok := right.(string)
		if !ok {
			return nil, e.fail("cannot compare string with %s", typeName(right))
		}
		c = strings.Compare(l, r)
	} else {
		return nil, e.fail("cannot compare %s with %s", typeName(left), typeName(right))
	}

	switch op {
	case "<":
		return c < 0, nil
	case ">":
		return c > 0, nil
	case "<=":
		return c <= 0, nil
	default:
		return c >= 0, nil
	}
}

func (e *evaluator) in(needle, haystack any) (any, error) {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if equal(needle, item) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false, nil
		}
		_, found := h[key]
		return found, nil
	case nil:
		return false, nil
	}
	return nil, e.fail("'in' needs an array or object, got %s", typeName(haystack))
}
