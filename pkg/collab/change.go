package collab

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/a-essam23/livecore/pkg/history"
)

// Change is the body of an edit. Implementations: SetFields, TextSplice.
type Change interface {
	isChange()
	validate() error
}

// SetFields replaces whole field values and removes the fields in Unset.
type SetFields struct {
	Values map[string]any `json:"values,omitempty"`
	Unset  []string       `json:"unset,omitempty"`
}

// TextSplice deletes Delete runes at Pos in a string field, then inserts
// Insert there. Deleted is filled in when the splice is applied.
type TextSplice struct {
	Field   string `json:"field"`
	Pos     int    `json:"pos"`
	Delete  int    `json:"delete,omitempty"`
	Insert  string `json:"insert,omitempty"`
	Deleted string `json:"deleted,omitempty"`
}

func (SetFields) isChange()  {}
func (TextSplice) isChange() {}

func (c SetFields) validate() error {
	if len(c.Values) == 0 && len(c.Unset) == 0 {
		return fmt.Errorf("%w: empty set", ErrInvalidOperation)
	}
	for _, f := range c.Unset {
		if _, ok := c.Values[f]; ok {
			return fmt.Errorf("%w: field %q both set and unset", ErrInvalidOperation, f)
		}
	}
	return nil
}

func (c TextSplice) validate() error {
	switch {
	case c.Field == "":
		return fmt.Errorf("%w: splice without field", ErrInvalidOperation)
	case c.Pos < 0 || c.Delete < 0:
		return fmt.Errorf("%w: negative splice range", ErrInvalidOperation)
	case c.Delete == 0 && c.Insert == "":
		return fmt.Errorf("%w: empty splice", ErrInvalidOperation)
	}
	return nil
}

// touches reports the value c leaves in field and whether c affects it at all.
func (c SetFields) touches(field string) (any, bool) {
	if v, ok := c.Values[field]; ok {
		return v, true
	}
	for _, f := range c.Unset {
		if f == field {
			return nil, true
		}
	}
	return nil, false
}

func (c SetFields) fields() []string {
	out := make([]string, 0, len(c.Values)+len(c.Unset))
	for f := range c.Values {
		out = append(out, f)
	}
	out = append(out, c.Unset...)
	sort.Strings(out)
	return out
}

// apply returns the new state, the change as applied and its inverse.
func apply(s history.State, c Change) (history.State, Change, Change, error) {
	switch c := c.(type) {
	case SetFields:
		next := s.Clone()
		inv := SetFields{Values: map[string]any{}}
		for _, f := range c.fields() {
			if old, ok := s[f]; ok {
				inv.Values[f] = old
			} else {
				inv.Unset = append(inv.Unset, f)
			}
		}
		for f, v := range c.Values {
			next[f] = v
		}
		for _, f := range c.Unset {
			delete(next, f)
		}
		if len(inv.Values) == 0 {
			inv.Values = nil
		}
		return next, c, inv, nil

	case TextSplice:
		var text string
		if raw, ok := s[c.Field]; ok {
			str, isString := raw.(string)
			if !isString {
				return nil, nil, nil, fmt.Errorf("%w: field %q is not text", ErrInvalidOperation, c.Field)
			}
			text = str
		}
		runes := []rune(text)
		if c.Pos+c.Delete > len(runes) {
			return nil, nil, nil, fmt.Errorf("%w: splice [%d,%d) outside %d runes", ErrInvalidOperation, c.Pos, c.Pos+c.Delete, len(runes))
		}
		c.Deleted = string(runes[c.Pos : c.Pos+c.Delete])
		out := make([]rune, 0, len(runes)-c.Delete+utf8.RuneCountInString(c.Insert))
		out = append(out, runes[:c.Pos]...)
		out = append(out, []rune(c.Insert)...)
		out = append(out, runes[c.Pos+c.Delete:]...)

		next := s.Clone()
		next[c.Field] = string(out)
		inv := TextSplice{
			Field:  c.Field,
			Pos:    c.Pos,
			Delete: utf8.RuneCountInString(c.Insert),
			Insert: c.Deleted,
		}
		return next, c, inv, nil
	}
	return nil, nil, nil, fmt.Errorf("%w: unknown change %T", ErrInvalidOperation, c)
}

func sameValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Operation is one edit submitted against BaseVersion of a document.
type Operation struct {
	ID          string
	DocumentID  string
	AuthorID    string
	BaseVersion int
	Change      Change
	AppliedAt   time.Time
}

type wireChange struct {
	Kind   string      `json:"kind"`
	Set    *SetFields  `json:"set,omitempty"`
	Splice *TextSplice `json:"splice,omitempty"`
}

const (
	kindSet    = "set"
	kindSplice = "splice"
)

func toWire(c Change) (wireChange, error) {
	switch c := c.(type) {
	case SetFields:
		return wireChange{Kind: kindSet, Set: &c}, nil
	case TextSplice:
		return wireChange{Kind: kindSplice, Splice: &c}, nil
	case nil:
		return wireChange{}, fmt.Errorf("%w: missing change", ErrInvalidOperation)
	}
	return wireChange{}, fmt.Errorf("%w: unknown change %T", ErrInvalidOperation, c)
}

func (w wireChange) change() (Change, error) {
	switch {
	case w.Kind == kindSet && w.Set != nil:
		return *w.Set, nil
	case w.Kind == kindSplice && w.Splice != nil:
		return *w.Splice, nil
	}
	return nil, fmt.Errorf("%w: unknown change kind %q", ErrInvalidOperation, w.Kind)
}

func EncodeChange(c Change) (json.RawMessage, error) {
	w, err := toWire(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func DecodeChange(b []byte) (Change, error) {
	var w wireChange
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decode change: %w", err)
	}
	return w.change()
}

type wireOperation struct {
	ID          string `json:"id,omitempty"`
	DocumentID  string `json:"documentId"`
	AuthorID    string `json:"authorId,omitempty"`
	BaseVersion int    `json:"baseVersion"`
	wireChange
	AppliedAt *time.Time `json:"appliedAt,omitempty"`
}

func (o Operation) MarshalJSON() ([]byte, error) {
	w, err := toWire(o.Change)
	if err != nil {
		return nil, err
	}
	wo := wireOperation{
		ID:          o.ID,
		DocumentID:  o.DocumentID,
		AuthorID:    o.AuthorID,
		BaseVersion: o.BaseVersion,
		wireChange:  w,
	}
	if !o.AppliedAt.IsZero() {
		at := o.AppliedAt
		wo.AppliedAt = &at
	}
	return json.Marshal(wo)
}

func (o *Operation) UnmarshalJSON(b []byte) error {
	var wo wireOperation
	if err := json.Unmarshal(b, &wo); err != nil {
		return err
	}
	c, err := wo.change()
	if err != nil {
		return err
	}
	*o = Operation{
		ID:          wo.ID,
		DocumentID:  wo.DocumentID,
		AuthorID:    wo.AuthorID,
		BaseVersion: wo.BaseVersion,
		Change:      c,
	}
	if wo.AppliedAt != nil {
		o.AppliedAt = *wo.AppliedAt
	}
	return nil
}
