package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Predicate is a condition tree evaluated against an event envelope.
// Leaves compare a dotted field path with a value; branches combine
// children with all/any/not. A nil or empty predicate matches
// everything.
type Predicate struct {
	// Leaf comparison.
	Field   string `json:"field,omitempty"`
	Op      string `json:"op,omitempty"` // eq, ne, contains, exists
	Operand any    `json:"value,omitempty"`

	// Branches.
	All []Predicate `json:"all,omitempty"`
	Any []Predicate `json:"any,omitempty"`
	Not *Predicate  `json:"not,omitempty"`
}

// Matches evaluates the predicate against an envelope.
func (p *Predicate) Matches(env map[string]any) bool {
	if p == nil {
		return true
	}

	if len(p.All) > 0 {
		for i := range p.All {
			if !p.All[i].Matches(env) {
				return false
			}
		}
		return true
	}

	if len(p.Any) > 0 {
		for i := range p.Any {
			if p.Any[i].Matches(env) {
				return true
			}
		}
		return false
	}

	if p.Not != nil {
		return !p.Not.Matches(env)
	}

	if p.Field == "" {
		// Empty predicate.
		return true
	}

	val, found := lookupPath(env, p.Field)

	switch p.Op {
	case "exists":
		return found
	case "ne":
		return !looseEqual(val, p.Operand)
	case "contains":
		s, ok := val.(string)
		sub, ok2 := p.Operand.(string)
		return ok && ok2 && strings.Contains(s, sub)
	default: // eq
		return found && looseEqual(val, p.Operand)
	}
}

// lookupPath resolves a dotted path in a nested map.
func lookupPath(env map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = env

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEqual compares values tolerating the numeric widening JSON
// decoding introduces.
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	return aok && bok && af == bf
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Value implements driver.Valuer so predicates persist as JSONB.
func (p *Predicate) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *Predicate) Scan(src any) error {
	if src == nil {
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported Predicate source type %T", src)
	}

	return json.Unmarshal(data, p)
}
