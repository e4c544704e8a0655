// Package template renders the Jinja-style expressions playbooks embed in
// tool parameters, routing conditions, retry policies and variable
// extractions.
//
// Rendering is lazy and per step: contexts are built from the execution state
// plus event-local bindings right before a command is rendered or a condition
// evaluated. Templates never see full externalized payloads, only extracted
// fields and inline results.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nikolalohinski/gonja/v2"
	"github.com/nikolalohinski/gonja/v2/exec"
)

// Render evaluates the template string against the context.
func Render(s string, ctx map[string]any) (string, error) {
	if !strings.Contains(s, "{{") && !strings.Contains(s, "{%") {
		return s, nil
	}
	tpl, err := gonja.FromString(s)
	if err != nil {
		return "", fmt.Errorf("parse template %q: %w", s, err)
	}
	out, err := tpl.ExecuteToString(exec.NewContext(ctx))
	if err != nil {
		return "", fmt.Errorf("render template %q: %w", s, err)
	}
	return out, nil
}

// RenderValue walks the value and renders every string in place, returning a
// new value tree. Non-string leaves pass through untouched. A string that is
// exactly one expression renders to the expression's native value when it
// parses as JSON, so numbers and objects survive substitution.
func RenderValue(v any, ctx map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		out, err := Render(val, ctx)
		if err != nil {
			return nil, err
		}
		if out != val && isSingleExpression(val) {
			if native, ok := reparse(out); ok {
				return native, nil
			}
		}
		return out, nil
	case map[string]any:
		rendered := make(map[string]any, len(val))
		for k, elem := range val {
			r, err := RenderValue(elem, ctx)
			if err != nil {
				return nil, err
			}
			rendered[k] = r
		}
		return rendered, nil
	case []any:
		rendered := make([]any, len(val))
		for i, elem := range val {
			r, err := RenderValue(elem, ctx)
			if err != nil {
				return nil, err
			}
			rendered[i] = r
		}
		return rendered, nil
	default:
		return v, nil
	}
}

// Truthy evaluates the expression and reports whether its value is truthy
// under Jinja rules (false, none, 0, "" and empty collections are falsy).
// The expression may be written bare ("status_code == 503") or wrapped in
// {{ }}.
func Truthy(expr string, ctx map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, nil
	}
	inner := unwrap(expr)
	src := "{% if " + inner + " %}1{% endif %}"
	tpl, err := gonja.FromString(src)
	if err != nil {
		return false, fmt.Errorf("parse condition %q: %w", expr, err)
	}
	out, err := tpl.ExecuteToString(exec.NewContext(ctx))
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expr, err)
	}
	return out == "1", nil
}

// Eval renders the expression and returns its native value: JSON-parseable
// output is decoded, everything else returns as a string.
func Eval(expr string, ctx map[string]any) (any, error) {
	inner := unwrap(strings.TrimSpace(expr))
	out, err := Render("{{ "+inner+" }}", ctx)
	if err != nil {
		return nil, err
	}
	if native, ok := reparse(out); ok {
		return native, nil
	}
	return out, nil
}

// Select resolves a dotted path ("data.paging.page", "items.0.id") into the
// value. Returns false when any segment is missing.
func Select(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// unwrap strips a single {{ }} wrapping so conditions read naturally in both
// spellings.
func unwrap(expr string) string {
	if strings.HasPrefix(expr, "{{") && strings.HasSuffix(expr, "}}") && strings.Count(expr, "{{") == 1 {
		return strings.TrimSpace(expr[2 : len(expr)-2])
	}
	return expr
}

// isSingleExpression reports whether the string is exactly one {{ }}
// expression with no surrounding text.
func isSingleExpression(s string) bool {
	trimmed := strings.TrimSpace(s)
	return strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1
}

// reparse decodes JSON-shaped render output into its native value. Gonja
// prints lists and dicts in Python style; tojson-rendered output and plain
// scalars decode directly.
func reparse(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		switch trimmed {
		case "True":
			return true, true
		case "False":
			return false, true
		case "None":
			return nil, true
		}
		return nil, false
	}
	return v, true
}
