// Package tmpl substitutes {placeholder} keys in operator-supplied message
// templates. Placeholders not present in the value map are left verbatim.
package tmpl

import "strings"

// Values maps placeholder names (without braces) to replacement text.
type Values map[string]string

// Render replaces every {key} in s for each key in vals.
func Render(s string, vals Values) string {
	if len(vals) == 0 {
		return s
	}
	pairs := make([]string, 0, len(vals)*2)
	for k, v := range vals {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
