// Package template evaluates {{ path }} substitutions against a JSON
// context tree. Missing keys resolve to the empty string rather than an
// error so that workflow authors can reference fields a trigger may omit.
package template

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Render substitutes every {{ path }} segment in s with the value at that
// path in the JSON context. Strings without "{{" are returned unchanged.
func Render(s string, context []byte) string {
	if !strings.Contains(s, "{{") {
		return s
	}

	var b strings.Builder
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			break
		}
		close := strings.Index(rest[open:], "}}")
		if close < 0 {
			b.WriteString(rest)
			break
		}
		close += open

		b.WriteString(rest[:open])
		path := strings.TrimSpace(rest[open+2 : close])
		b.WriteString(Lookup(path, context))
		rest = rest[close+2:]
	}
	return b.String()
}

// Lookup resolves a single template path against the context and returns
// its stable string form.
func Lookup(path string, context []byte) string {
	if path == "" {
		return ""
	}
	return Stringify(gjson.GetBytes(context, normalizePath(path)))
}

// normalizePath rewrites bracket indexing (arr[0].x) into gjson dot form.
func normalizePath(path string) string {
	if !strings.ContainsAny(path, "[]") {
		return path
	}
	r := strings.NewReplacer("[", ".", "]", "")
	return strings.Trim(r.Replace(path), ".")
}

// Stringify renders a JSON value with stable rules: numbers in minimal
// form, booleans as true|false, null and missing as empty, strings raw,
// objects and arrays as compact JSON.
func Stringify(v gjson.Result) string {
	switch v.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return v.Str
	case gjson.Number:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case gjson.True:
		return "true"
	case gjson.False:
		return "false"
	default:
		return v.Raw
	}
}
