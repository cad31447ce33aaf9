// Package scope matches rows and changes against scope patterns. A scope
// pattern is a template like "project:{project_id}": the kind names a logical
// slice of data and each parameter is filled from a row column (server side)
// or from a subscription binding (client side). All functions here are pure.
package scope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/driftline/driftline/internal/syncerr"
)

// Wildcard is the segment value a subscription uses to match any parameter
// value. It never appears in a change's concrete scope keys.
const Wildcard = "*"

// Pattern is a parsed scope template.
type Pattern struct {
	Kind   string
	Params []string
	raw    string
}

// Parse parses a template of the form "kind:{param_a}:{param_b}". Every
// segment after the kind must be a {param} placeholder.
func Parse(raw string) (Pattern, error) {
	parts := strings.Split(raw, ":")
	if len(parts) == 0 || parts[0] == "" {
		return Pattern{}, syncerr.New(syncerr.Validation, "scope pattern %q: missing kind", raw)
	}
	p := Pattern{Kind: parts[0], raw: raw}
	for _, seg := range parts[1:] {
		if !strings.HasPrefix(seg, "{") || !strings.HasSuffix(seg, "}") || len(seg) < 3 {
			return Pattern{}, syncerr.New(syncerr.Validation, "scope pattern %q: segment %q is not a {param}", raw, seg)
		}
		p.Params = append(p.Params, seg[1:len(seg)-1])
	}
	return p, nil
}

// String returns the original template.
func (p Pattern) String() string { return p.raw }

// Key builds the scope key for a set of parameter bindings. A parameter with
// no binding becomes a wildcard segment; such keys are only legal on the
// subscription side.
func (p Pattern) Key(bindings map[string]string) string {
	segs := make([]string, 0, len(p.Params)+1)
	segs = append(segs, p.Kind)
	for _, name := range p.Params {
		if v, ok := bindings[name]; ok && v != "" {
			segs = append(segs, v)
		} else {
			segs = append(segs, Wildcard)
		}
	}
	return strings.Join(segs, ":")
}

// KeyForRow evaluates the pattern against a row, reading each parameter from
// the row column of the same name. Returns false when any column is missing
// or empty; such a row simply does not belong to this scope.
func (p Pattern) KeyForRow(row map[string]any) (string, bool) {
	segs := make([]string, 0, len(p.Params)+1)
	segs = append(segs, p.Kind)
	for _, name := range p.Params {
		v, ok := row[name]
		if !ok || v == nil {
			return "", false
		}
		s := fmt.Sprintf("%v", v)
		if s == "" {
			return "", false
		}
		segs = append(segs, s)
	}
	return strings.Join(segs, ":"), true
}

// Registry holds the known scope patterns per table. Subscriptions naming a
// pattern the registry does not carry for their table are rejected; the
// engine never widens scopes silently.
type Registry struct {
	tables map[string][]Pattern
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string][]Pattern)}
}

// Register adds scope templates for a table. Invalid templates return a
// Validation error.
func (r *Registry) Register(table string, templates ...string) error {
	for _, t := range templates {
		p, err := Parse(t)
		if err != nil {
			return err
		}
		r.tables[table] = append(r.tables[table], p)
	}
	return nil
}

// Lookup finds a registered pattern by its template string.
func (r *Registry) Lookup(table, template string) (Pattern, bool) {
	for _, p := range r.tables[table] {
		if p.raw == template {
			return p, true
		}
	}
	return Pattern{}, false
}

// KeysForRow enumerates the concrete scope keys a row belongs to across every
// pattern registered for its table.
func (r *Registry) KeysForRow(table string, rowJSON []byte) ([]string, error) {
	patterns := r.tables[table]
	if len(patterns) == 0 {
		return nil, syncerr.New(syncerr.Validation, "table %q has no registered scopes", table)
	}
	var row map[string]any
	if err := json.Unmarshal(rowJSON, &row); err != nil {
		return nil, syncerr.Wrap(syncerr.Validation, err, "row payload is not a JSON object")
	}
	keys := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if k, ok := p.KeyForRow(row); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// SubscriptionKeys resolves a subscription's scope templates plus parameter
// bindings into its effective keys. Unknown templates are rejected.
func (r *Registry) SubscriptionKeys(table string, templates []string, params map[string]string) ([]string, error) {
	keys := make([]string, 0, len(templates))
	for _, t := range templates {
		p, ok := r.Lookup(table, t)
		if !ok {
			return nil, syncerr.New(syncerr.Validation, "unknown scope pattern %q for table %q", t, table)
		}
		keys = append(keys, p.Key(params))
	}
	return keys, nil
}

// Match reports whether any concrete change key is covered by any effective
// key. Effective keys may carry wildcard segments; concrete keys never do.
func Match(changeKeys, effective []string) bool {
	for _, ck := range changeKeys {
		for _, ek := range effective {
			if keyMatches(ck, ek) {
				return true
			}
		}
	}
	return false
}

func keyMatches(concrete, effective string) bool {
	if concrete == effective {
		return true
	}
	if !strings.Contains(effective, Wildcard) {
		return false
	}
	cs := strings.Split(concrete, ":")
	es := strings.Split(effective, ":")
	if len(cs) != len(es) {
		return false
	}
	for i := range cs {
		if es[i] != Wildcard && es[i] != cs[i] {
			return false
		}
	}
	return true
}

// Union merges effective key sets, dropping duplicates but preserving first-
// seen order so stored scope sets stay stable across pulls.
func Union(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, set := range sets {
		for _, k := range set {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}
