package router

import "regexp"

var tokenPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Render substitutes {token} placeholders in template from vars. An
// unresolved token substitutes to the empty string. When the rendered result
// is empty and vars carries an "out" value, that value is returned verbatim.
func Render(template string, vars map[string]string) string {
	out := tokenPattern.ReplaceAllStringFunc(template, func(m string) string {
		key := m[1 : len(m)-1]
		return vars[key]
	})
	if out == "" {
		if fallback, ok := vars["out"]; ok {
			return fallback
		}
	}
	return out
}
