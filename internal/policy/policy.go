// Package policy merges validated model output into a note's existing fields.
package policy

import (
	"fmt"
	"sort"

	"github.com/starford/fieldsmith/internal/task"
)

// Merge returns the value to store for one field under p.
func Merge(p task.Policy, old, value, sep string) (string, error) {
	switch p {
	case task.PolicyOverwrite:
		return value, nil
	case task.PolicyAppend:
		if old == "" {
			return value, nil
		}
		if value == "" {
			return old, nil
		}
		return old + sep + value, nil
	case task.PolicySkipIfNonEmpty:
		if old == "" {
			return value, nil
		}
		return old, nil
	default:
		return "", fmt.Errorf("policy: unknown policy %q", p)
	}
}

// Apply computes the final value of every output field. current holds the
// note's present field values and values the parsed model output. A field
// in spec without a value fails the whole note: nothing is returned. sep is
// used as given, so an empty separator concatenates.
func Apply(current, values map[string]string, spec task.OutputSpec, sep string) (map[string]string, error) {
	out := make(map[string]string, len(spec))
	for _, f := range spec {
		v, ok := values[f.Field]
		if !ok {
			return nil, fmt.Errorf("policy: no value for output field %q", f.Field)
		}
		merged, err := Merge(f.Policy, current[f.Field], v, sep)
		if err != nil {
			return nil, err
		}
		out[f.Field] = merged
	}
	return out, nil
}

// Changed returns the names of fields whose final value differs from the
// current one, sorted.
func Changed(current, final map[string]string) []string {
	var out []string
	for k, v := range final {
		if current[k] != v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// AllFilled reports whether every output field uses skip-if-nonempty and
// already has content, in which case no model output could change the note.
func AllFilled(current map[string]string, spec task.OutputSpec) bool {
	if len(spec) == 0 {
		return false
	}
	for _, f := range spec {
		if f.Policy != task.PolicySkipIfNonEmpty || current[f.Field] == "" {
			return false
		}
	}
	return true
}
