package sandbox

import (
	"strconv"
	"strings"

	"github.com/rendis/conveyor/pkg/schema"
)

// MaxPathDepth bounds the number of segments in a context path.
const MaxPathDepth = 32

// maxIndex bounds numeric path indices.
const maxIndex = 1 << 20

// Segment is one step of a parsed path: either a map key or an array index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Path is a validated dot/bracket path into a run context.
type Path struct {
	raw  string
	segs []Segment
}

// String returns the path as written.
func (p Path) String() string { return p.raw }

// Segments returns the parsed segments.
func (p Path) Segments() []Segment { return p.segs }

// Root returns the first key of the path.
func (p Path) Root() string {
	if len(p.segs) == 0 {
		return ""
	}
	return p.segs[0].Key
}

// IsReserved reports whether name could reach outside a plain data tree.
func IsReserved(name string) bool {
	switch name {
	case "__proto__", "prototype", "constructor":
		return true
	}
	return len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

func violation(format string, args ...any) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeSandboxViolation, format, args...)
}

// ParsePath validates and parses a path such as `order.items[0]["sku-id"]`.
// Segments are identifiers, non-negative indices or quoted keys; reserved
// names, empty segments and paths deeper than MaxPathDepth are rejected.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, violation("empty path")
	}
	if len(s) > MaxExpressionLength {
		return Path{}, violation("path longer than %d characters", MaxExpressionLength)
	}

	var segs []Segment
	i := 0
	expectIdent := true
	for i < len(s) {
		switch {
		case s[i] == '[':
			seg, next, err := parseBracket(s, i)
			if err != nil {
				return Path{}, err
			}
			if len(segs) == 0 {
				return Path{}, violation("path %q must start with an identifier", s)
			}
			segs = append(segs, seg)
			i = next
			expectIdent = false
		case s[i] == '.':
			if expectIdent {
				return Path{}, violation("path %q has an empty segment", s)
			}
			i++
			expectIdent = true
			if i == len(s) {
				return Path{}, violation("path %q ends with '.'", s)
			}
		default:
			if !expectIdent {
				return Path{}, violation("path %q: unexpected %q at offset %d", s, s[i], i)
			}
			j := i
			for j < len(s) && isIdentChar(s[j], j == i) {
				j++
			}
			if j == i {
				return Path{}, violation("path %q: invalid character %q at offset %d", s, s[i], i)
			}
			segs = append(segs, Segment{Key: s[i:j]})
			i = j
			expectIdent = false
		}
		if len(segs) > MaxPathDepth {
			return Path{}, violation("path %q deeper than %d segments", s, MaxPathDepth)
		}
	}

	for _, seg := range segs {
		if !seg.IsIndex && IsReserved(seg.Key) {
			return Path{}, violation("path %q uses reserved name %q", s, seg.Key)
		}
	}
	return Path{raw: s, segs: segs}, nil
}

func parseBracket(s string, i int) (Segment, int, error) {
	end := strings.IndexByte(s[i:], ']')
	if s[i+1:] != "" && (s[i+1] == '"' || s[i+1] == '\'') {
		quote := s[i+1]
		closing := strings.IndexByte(s[i+2:], quote)
		if closing < 0 {
			return Segment{}, 0, violation("path %q: unterminated quoted key", s)
		}
		key := s[i+2 : i+2+closing]
		after := i + 2 + closing + 1
		if after >= len(s) || s[after] != ']' {
			return Segment{}, 0, violation("path %q: expected ']' after quoted key", s)
		}
		if key == "" {
			return Segment{}, 0, violation("path %q has an empty key", s)
		}
		for _, r := range key {
			if r < 0x20 || r == 0x7f {
				return Segment{}, 0, violation("path %q: control character in key", s)
			}
		}
		return Segment{Key: key}, after + 1, nil
	}
	if end < 0 {
		return Segment{}, 0, violation("path %q: unterminated '['", s)
	}
	digits := s[i+1 : i+end]
	if digits == "" {
		return Segment{}, 0, violation("path %q has an empty index", s)
	}
	for k := 0; k < len(digits); k++ {
		if digits[k] < '0' || digits[k] > '9' {
			return Segment{}, 0, violation("path %q: index %q must be a non-negative integer", s, digits)
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n > maxIndex {
		return Segment{}, 0, violation("path %q: index %q out of range", s, digits)
	}
	return Segment{Index: n, IsIndex: true}, i + end + 1, nil
}

func isIdentChar(c byte, first bool) bool {
	switch {
	case c == '_' || c == '$':
		return true
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9', c == '-':
		return !first
	}
	return false
}

// MustParsePath is ParsePath for trusted literals; it panics on error.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Get resolves the path within root. The second result is false when any
// segment is missing or traverses a non-container.
func (p Path) Get(root map[string]any) (any, bool) {
	var node any = root
	for _, seg := range p.segs {
		switch n := node.(type) {
		case map[string]any:
			if seg.IsIndex {
				return nil, false
			}
			v, ok := n[seg.Key]
			if !ok {
				return nil, false
			}
			node = v
		case []any:
			if !seg.IsIndex || seg.Index >= len(n) {
				return nil, false
			}
			node = n[seg.Index]
		default:
			return nil, false
		}
	}
	return node, true
}

// Set writes v at the path, creating intermediate maps and arrays. An index
// may address an existing element or append at exactly len(array).
func (p Path) Set(root map[string]any, v any) error {
	if root == nil {
		return violation("cannot write %q into a nil context", p.raw)
	}
	if len(p.segs) == 0 {
		return violation("empty path")
	}
	_, err := setIn(root, p.segs, v, p.raw)
	return err
}

func setIn(node any, segs []Segment, v any, raw string) (any, error) {
	if len(segs) == 0 {
		return v, nil
	}
	seg := segs[0]
	if seg.IsIndex {
		arr, ok := node.([]any)
		if node == nil {
			arr, ok = []any{}, true
		}
		if !ok {
			return nil, violation("path %q indexes a non-array value", raw)
		}
		switch {
		case seg.Index < len(arr):
			child, err := setIn(arr[seg.Index], segs[1:], v, raw)
			if err != nil {
				return nil, err
			}
			arr[seg.Index] = child
		case seg.Index == len(arr):
			child, err := setIn(nil, segs[1:], v, raw)
			if err != nil {
				return nil, err
			}
			arr = append(arr, child)
		default:
			return nil, violation("path %q: index %d out of range (len %d)", raw, seg.Index, len(arr))
		}
		return arr, nil
	}

	m, ok := node.(map[string]any)
	if node == nil {
		m, ok = map[string]any{}, true
	}
	if !ok {
		return nil, violation("path %q traverses a non-object value at %q", raw, seg.Key)
	}
	child, err := setIn(m[seg.Key], segs[1:], v, raw)
	if err != nil {
		return nil, err
	}
	m[seg.Key] = child
	return m, nil
}

// Delete removes the value at the path. Deleting an array element shifts the
// following elements. Missing paths are not an error.
func (p Path) Delete(root map[string]any) (bool, error) {
	if root == nil || len(p.segs) == 0 {
		return false, nil
	}
	_, removed, err := deleteIn(root, p.segs, p.raw)
	return removed, err
}

func deleteIn(node any, segs []Segment, raw string) (any, bool, error) {
	seg := segs[0]
	last := len(segs) == 1
	switch n := node.(type) {
	case map[string]any:
		if seg.IsIndex {
			return node, false, nil
		}
		child, ok := n[seg.Key]
		if !ok {
			return node, false, nil
		}
		if last {
			delete(n, seg.Key)
			return n, true, nil
		}
		updated, removed, err := deleteIn(child, segs[1:], raw)
		if err != nil {
			return nil, false, err
		}
		n[seg.Key] = updated
		return n, removed, nil
	case []any:
		if !seg.IsIndex || seg.Index >= len(n) {
			return node, false, nil
		}
		if last {
			return append(n[:seg.Index], n[seg.Index+1:]...), true, nil
		}
		updated, removed, err := deleteIn(n[seg.Index], segs[1:], raw)
		if err != nil {
			return nil, false, err
		}
		n[seg.Index] = updated
		return n, removed, nil
	default:
		return node, false, nil
	}
}
