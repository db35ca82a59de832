// Package sandbox evaluates the restricted expression language used by step
// conditions and transforms, and guards every path that reads or writes run
// context data.
//
// Expressions are parsed with the expr-lang parser and then walked against a
// per-scope allow-list. Only literals, allow-listed identifiers, member and
// index access, slices, arithmetic, comparison, logical and membership
// operators, ternaries and nil-coalescing survive the walk; calls, builtins,
// predicates, variable declarations, pipes and ranges are rejected. Accepted
// trees are interpreted here, never handed to a general evaluator.
package sandbox

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/rendis/conveyor/pkg/schema"
)

// MaxExpressionLength bounds expressions and paths, in characters.
const MaxExpressionLength = 512

var allowedBinary = map[string]bool{
	"+": true, "-": true, "*": true, "/": true, "%": true, "**": true, "^": true,
	"==": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true,
	"&&": true, "||": true, "and": true, "or": true,
	"in": true, "??": true, "contains": true, "startsWith": true, "endsWith": true,
}

var allowedUnary = map[string]bool{"!": true, "not": true, "-": true, "+": true}

// Sandbox checks and evaluates expressions. The most recently used checked
// trees are cached per (scope, expression). Safe for concurrent use.
type Sandbox struct {
	cache *treeCache
}

// Option configures a Sandbox.
type Option func(*sandboxOptions)

type sandboxOptions struct {
	cacheSize int
}

// WithCacheSize bounds how many checked expressions are kept.
func WithCacheSize(n int) Option {
	return func(o *sandboxOptions) { o.cacheSize = n }
}

// New creates an empty Sandbox.
func New(opts ...Option) *Sandbox {
	o := sandboxOptions{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	return &Sandbox{cache: newTreeCache(o.cacheSize)}
}

// Check parses the expression and validates it against the scope's
// allow-list without evaluating it.
func (s *Sandbox) Check(expression string, scope Scope) error {
	_, err := s.compile(expression, scope)
	return err
}

// Eval evaluates the expression against env, which must only carry the
// scope's identifiers.
func (s *Sandbox) Eval(ctx context.Context, expression string, scope Scope, env map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	node, err := s.compile(expression, scope)
	if err != nil {
		return nil, err
	}
	ev := &evaluator{env: env, scope: scope, expression: expression}
	return ev.eval(node)
}

// EvalBool evaluates the expression and applies Truthy.
func (s *Sandbox) EvalBool(ctx context.Context, expression string, scope Scope, env map[string]any) (bool, error) {
	v, err := s.Eval(ctx, expression, scope, env)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

func (s *Sandbox) compile(expression string, scope Scope) (ast.Node, error) {
	if _, ok := allowLists[scope]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression scope %q", scope)
	}
	key := string(scope) + "\x00" + expression

	if node, ok := s.cache.get(key); ok {
		return node, nil
	}

	if expression == "" {
		return nil, violation("empty expression")
	}
	if n := utf8.RuneCountInString(expression); n > MaxExpressionLength {
		return nil, violation("expression is %d characters, limit is %d", n, MaxExpressionLength)
	}

	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSandboxViolation, "cannot parse expression %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	if err := checkNode(tree.Node, scope); err != nil {
		err.Details = map[string]any{"expression": expression, "scope": string(scope)}
		return nil, err
	}

	return s.cache.add(key, tree.Node), nil
}

// checkNode walks the tree and rejects anything outside the grammar.
func checkNode(node ast.Node, scope Scope) *schema.Error {
	switch n := node.(type) {
	case *ast.NilNode, *ast.IntegerNode, *ast.FloatNode, *ast.BoolNode, *ast.StringNode:
		return nil
	case *ast.IdentifierNode:
		if IsReserved(n.Value) || !scope.allows(n.Value) {
			return violation("identifier %q is not allowed here (allowed: %v)", n.Value, scope.Allowed())
		}
		return nil
	case *ast.UnaryNode:
		if !allowedUnary[n.Operator] {
			return violation("operator %q is not allowed", n.Operator)
		}
		return checkNode(n.Node, scope)
	case *ast.BinaryNode:
		if !allowedBinary[n.Operator] {
			return violation("operator %q is not allowed", n.Operator)
		}
		if err := checkNode(n.Left, scope); err != nil {
			return err
		}
		return checkNode(n.Right, scope)
	case *ast.ChainNode:
		return checkNode(n.Node, scope)
	case *ast.MemberNode:
		if err := checkNode(n.Node, scope); err != nil {
			return err
		}
		if prop, ok := n.Property.(*ast.StringNode); ok {
			if IsReserved(prop.Value) {
				return violation("access to %q is not allowed", prop.Value)
			}
			return nil
		}
		return checkNode(n.Property, scope)
	case *ast.SliceNode:
		if err := checkNode(n.Node, scope); err != nil {
			return err
		}
		if n.From != nil {
			if err := checkNode(n.From, scope); err != nil {
				return err
			}
		}
		if n.To != nil {
			return checkNode(n.To, scope)
		}
		return nil
	case *ast.ConditionalNode:
		for _, child := range []ast.Node{n.Cond, n.Exp1, n.Exp2} {
			if err := checkNode(child, scope); err != nil {
				return err
			}
		}
		return nil
	case *ast.ArrayNode:
		for _, child := range n.Nodes {
			if err := checkNode(child, scope); err != nil {
				return err
			}
		}
		return nil
	case *ast.MapNode:
		for _, pair := range n.Pairs {
			if err := checkNode(pair, scope); err != nil {
				return err
			}
		}
		return nil
	case *ast.PairNode:
		if key, ok := n.Key.(*ast.StringNode); ok {
			if IsReserved(key.Value) {
				return violation("key %q is not allowed", key.Value)
			}
		} else if err := checkNode(n.Key, scope); err != nil {
			return err
		}
		return checkNode(n.Value, scope)
	case *ast.CallNode:
		return violation("function calls are not allowed")
	case *ast.BuiltinNode:
		return violation("builtin %q is not allowed", n.Name)
	default:
		return violation("%s is not allowed", nodeKind(node))
	}
}

func nodeKind(node ast.Node) string {
	name := fmt.Sprintf("%T", node)
	if len(name) > len("*ast.") && name[:len("*ast.")] == "*ast." {
		name = name[len("*ast."):]
	}
	switch name {
	case "VariableDeclaratorNode":
		return "variable declaration"
	case "PointerNode":
		return "pointer reference"
	case "ClosureNode", "PredicateNode":
		return "closure"
	case "SequenceNode":
		return "statement sequence"
	}
	return "expression " + name
}
