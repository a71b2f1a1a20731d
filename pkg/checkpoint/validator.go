package checkpoint

import (
	"fmt"
	"reflect"
	"sort"
)

// FieldKind is the expected dynamic type of a state field.
type FieldKind string

const (
	FieldInteger FieldKind = "integer"
	FieldBytes   FieldKind = "bytes"
	FieldMap     FieldKind = "map"
	FieldList    FieldKind = "list"
	FieldString  FieldKind = "string"
)

// FieldRule describes one state field.
type FieldRule struct {
	Name     string
	Kind     FieldKind
	Nullable bool
}

// Violation is one structural problem found in a state map.
type Violation struct {
	Field   string
	Problem string
}

func (v Violation) Error() string { return v.Field + ": " + v.Problem }

// Validator checks that a decoded state has the shape a worker can resume from.
// Unknown fields are allowed.
type Validator struct {
	Required []FieldRule
	Optional []FieldRule
}

// DefaultValidator returns the rules for trainable-worker state.
func DefaultValidator() Validator {
	return Validator{
		Required: []FieldRule{
			{Name: "boundary", Kind: FieldInteger},
			{Name: "model_state", Kind: FieldBytes},
			{Name: "optimizer_state", Kind: FieldBytes},
			{Name: "config", Kind: FieldMap},
		},
		Optional: []FieldRule{
			{Name: "history", Kind: FieldList},
			{Name: "best_model_state", Kind: FieldBytes, Nullable: true},
			{Name: "early_stopping_state", Kind: FieldMap, Nullable: true},
			{Name: "checkpoint_version", Kind: FieldString},
			{Name: "runtime_version", Kind: FieldString},
		},
	}
}

// Validate reports whether state is resumable and lists every violation.
// It never panics; a nil state yields one violation per required field.
func (v Validator) Validate(state map[string]any) (bool, []Violation) {
	var out []Violation
	for _, r := range v.Required {
		val, ok := state[r.Name]
		if !ok {
			out = append(out, Violation{Field: r.Name, Problem: "missing required field"})
			continue
		}
		if p := check(r, val); p != "" {
			out = append(out, Violation{Field: r.Name, Problem: p})
		}
	}
	for _, r := range v.Optional {
		val, ok := state[r.Name]
		if !ok {
			continue
		}
		if p := check(r, val); p != "" {
			out = append(out, Violation{Field: r.Name, Problem: p})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return len(out) == 0, out
}

func check(r FieldRule, val any) string {
	if val == nil {
		if r.Nullable {
			return ""
		}
		return fmt.Sprintf("expected %s, got null", r.Kind)
	}
	if !matches(r.Kind, val) {
		return fmt.Sprintf("expected %s, got %s", r.Kind, describe(val))
	}
	return ""
}

func matches(kind FieldKind, val any) bool {
	switch kind {
	case FieldInteger:
		switch val.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		}
		return false
	case FieldBytes:
		_, ok := val.([]byte)
		return ok
	case FieldString:
		_, ok := val.(string)
		return ok
	case FieldMap:
		return reflect.TypeOf(val).Kind() == reflect.Map
	case FieldList:
		rt := reflect.TypeOf(val)
		return (rt.Kind() == reflect.Slice || rt.Kind() == reflect.Array) && rt.Elem().Kind() != reflect.Uint8
	}
	return false
}

func describe(val any) string {
	switch val.(type) {
	case []byte:
		return "bytes"
	case string:
		return "string"
	case bool:
		return "bool"
	case float32, float64:
		return "float"
	}
	switch reflect.TypeOf(val).Kind() {
	case reflect.Map:
		return "map"
	case reflect.Slice, reflect.Array:
		return "list"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	}
	return fmt.Sprintf("%T", val)
}

// Boundary extracts the last completed boundary from a state map.
func Boundary(state map[string]any) (int64, bool) {
	switch n := state["boundary"].(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	}
	return 0, false
}
