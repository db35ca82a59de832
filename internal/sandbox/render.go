package sandbox

import (
	"regexp"
	"strings"

	"github.com/rendis/conveyor/pkg/schema"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Placeholders returns the paths referenced by {{path}} placeholders.
func Placeholders(template string) []string {
	matches := placeholderRe.FindAllStringSubmatch(template, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// CheckTemplate validates every placeholder path without resolving it.
func CheckTemplate(template string) error {
	for _, p := range Placeholders(template) {
		if _, err := ParsePath(p); err != nil {
			return err
		}
	}
	return nil
}

// Render substitutes {{path}} placeholders with values from root. Every
// placeholder must be a valid path that resolves within root.
func Render(template string, root map[string]any) (string, error) {
	if !strings.Contains(template, "{{") {
		return template, nil
	}
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		if firstErr != nil {
			return match
		}
		raw := placeholderRe.FindStringSubmatch(match)[1]
		p, err := ParsePath(raw)
		if err != nil {
			firstErr = err
			return match
		}
		v, ok := p.Get(root)
		if !ok {
			firstErr = schema.NewErrorf(schema.ErrCodeExecution, "placeholder {{%s}} does not resolve", raw)
			return match
		}
		return Stringify(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
