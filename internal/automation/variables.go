package automation

import (
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Resolve substitutes {{path}} placeholders from the event context. Missing
// paths render as empty strings and are reported in the returned list so the
// caller can log a warning without failing the action.
func Resolve(template string, ctx map[string]any) (string, []string) {
	var unresolved []string

	rendered := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		value, present := ctx[path]
		if !present {
			unresolved = append(unresolved, path)
			return ""
		}
		return coerceString(value)
	})

	return rendered, unresolved
}
