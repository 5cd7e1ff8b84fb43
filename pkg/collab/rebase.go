package collab

import (
	"time"
	"unicode/utf8"
)

type Mode string

const (
	// ModeLWW lets the newer of two writes to the same field win.
	ModeLWW Mode = "lww"
	// ModeStrict rejects every differing concurrent write to the same field.
	ModeStrict Mode = "strict"
)

// conflict describes why two changes cannot be combined.
type conflict struct {
	field  string
	reason string
}

// rebase rewrites incoming so it applies on top of applied, which was
// committed after incoming's base version.
func rebase(incoming Change, at time.Time, applied Operation, mode Mode) (Change, *conflict) {
	switch in := incoming.(type) {
	case TextSplice:
		switch prev := applied.Change.(type) {
		case TextSplice:
			if prev.Field != in.Field {
				return in, nil
			}
			return transformSplice(in, prev)
		case SetFields:
			if _, ok := prev.touches(in.Field); ok {
				return nil, &conflict{field: in.Field, reason: "field was replaced"}
			}
			return in, nil
		}

	case SetFields:
		for _, f := range in.fields() {
			mine, _ := in.touches(f)
			var theirs any
			switch prev := applied.Change.(type) {
			case SetFields:
				v, ok := prev.touches(f)
				if !ok {
					continue
				}
				theirs = v
			case TextSplice:
				if prev.Field != f {
					continue
				}
				theirs = prev
			}
			if sameValue(mine, theirs) {
				continue
			}
			if mode == ModeStrict {
				return nil, &conflict{field: f, reason: "concurrent write"}
			}
			if !at.After(applied.AppliedAt) {
				return nil, &conflict{field: f, reason: "newer write already applied"}
			}
		}
		return in, nil
	}
	return incoming, nil
}

// transformSplice shifts in past prev. Offsets are in runes.
func transformSplice(in, prev TextSplice) (Change, *conflict) {
	p, d := in.Pos, in.Delete
	q, e := prev.Pos, prev.Delete
	m := utf8.RuneCountInString(prev.Insert)

	switch {
	case q+e <= p:
		in.Pos = p - e + m
		return in, nil
	case q >= p+d:
		return in, nil
	}

	// the ranges overlap
	if m > 0 && p < q && q < p+d {
		return nil, &conflict{field: in.Field, reason: "text inserted inside deleted range"}
	}
	left := max(0, min(q, p+d)-p)
	right := max(0, p+d-max(q+e, p))
	if left > 0 || p < q {
		in.Pos = p
	} else {
		in.Pos = q + m
	}
	in.Delete = left + right
	if in.Delete == 0 && in.Insert == "" {
		// everything it meant to delete is already gone
		return nil, nil
	}
	return in, nil
}
