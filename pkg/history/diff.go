package history

import (
	"reflect"
	"sort"
)

type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// Delta is the field level difference between two states.
type Delta struct {
	Added   map[string]any         `json:"added,omitempty"`
	Removed map[string]any         `json:"removed,omitempty"`
	Changed map[string]FieldChange `json:"changed,omitempty"`
}

func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Fields lists every key touched by the delta, sorted.
func (d Delta) Fields() []string {
	var out []string
	for k := range d.Added {
		out = append(out, k)
	}
	for k := range d.Removed {
		out = append(out, k)
	}
	for k := range d.Changed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func Diff(from, to State) Delta {
	d := Delta{Added: map[string]any{}, Removed: map[string]any{}, Changed: map[string]FieldChange{}}
	for k, v := range to {
		old, ok := from[k]
		switch {
		case !ok:
			d.Added[k] = v
		case !reflect.DeepEqual(old, v):
			d.Changed[k] = FieldChange{From: old, To: v}
		}
	}
	for k, v := range from {
		if _, ok := to[k]; !ok {
			d.Removed[k] = v
		}
	}
	return d
}
