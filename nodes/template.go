package nodes

import (
	"regexp"
	"strconv"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// Resolver substitutes {{scope.path}} placeholders in node configuration.
// Known scopes are client (alias customer), user, task, data and input.
// Resolution is purely textual; nothing is evaluated.
type Resolver struct {
	scopes map[string]interface{}
}

// NewResolver builds a Resolver for one node execution.
func NewResolver(scope Scope, input map[string]interface{}) *Resolver {
	return &Resolver{scopes: map[string]interface{}{
		"client":   scope.Client,
		"customer": scope.Client,
		"user":     scope.User,
		"task":     scope.Task,
		"data":     scope.Data,
		"input":    input,
	}}
}

// Value resolves v. A string that is exactly one placeholder yields the
// referenced value unchanged; other strings get every resolvable placeholder
// replaced by its text form. Unresolvable placeholders are left as written.
func (r *Resolver) Value(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if m := placeholder.FindStringSubmatch(strings.TrimSpace(s)); m != nil && m[0] == strings.TrimSpace(s) {
		if val, found := r.Lookup(m[1]); found {
			return val
		}
		return s
	}
	return r.String(s)
}

// String resolves v and renders the result as text.
func (r *Resolver) String(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		return toString(v)
	}
	return placeholder.ReplaceAllStringFunc(s, func(token string) string {
		m := placeholder.FindStringSubmatch(token)
		val, found := r.Lookup(m[1])
		if !found {
			return token
		}
		return toString(val)
	})
}

// Lookup resolves a dotted path whose first segment names a scope.
func (r *Resolver) Lookup(path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	root, ok := r.scopes[parts[0]]
	if !ok || len(parts) < 2 {
		return nil, false
	}
	return walk(root, parts[1:])
}

// Path resolves a dotted path, defaulting to the input scope when the first
// segment is not a scope name.
func (r *Resolver) Path(path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	if root, ok := r.scopes[parts[0]]; ok {
		return walk(root, parts[1:])
	}
	return walk(r.scopes["input"], parts)
}

// Env exposes the scopes for expression evaluation and JSON queries.
func (r *Resolver) Env() map[string]interface{} {
	return map[string]interface{}{
		"input":  r.scopes["input"],
		"client": r.scopes["client"],
		"user":   r.scopes["user"],
		"task":   r.scopes["task"],
		"data":   r.scopes["data"],
	}
}

func walk(cur interface{}, parts []string) (interface{}, bool) {
	for _, part := range parts {
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			i, err := strconv.Atoi(part)
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
