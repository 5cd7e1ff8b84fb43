package aggregate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/a-essam23/livecore/pkg/events"
	"github.com/tidwall/gjson"
)

// RuleSpec is the declarative form of a Rule, as read from configuration.
type RuleSpec struct {
	ID          string
	EventTypes  []string
	KeyTemplate string
	Window      time.Duration
	MaxEvents   int
	// Reducer is "count" (default) or "latest".
	Reducer string
}

func (s RuleSpec) Compile() (Rule, error) {
	key, err := CompileKeyTemplate(s.KeyTemplate)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", s.ID, err)
	}
	r := Rule{
		ID:         s.ID,
		EventTypes: s.EventTypes,
		Key:        key,
		Window:     s.Window,
		MaxEvents:  s.MaxEvents,
	}
	switch s.Reducer {
	case "", "count":
		r.Reduce = CountEvents
	case "latest":
		r.Reduce = LatestPayload
	default:
		return Rule{}, fmt.Errorf("rule %q: unknown reducer %q", s.ID, s.Reducer)
	}
	return r, r.validate()
}

type segment struct {
	literal string
	path    string
}

// CompileKeyTemplate turns a template such as "task:{.payload.taskId}" into a
// key function. Placeholders are gjson paths into the event's JSON form, with
// an optional leading dot.
func CompileKeyTemplate(tmpl string) (func(events.Event) string, error) {
	if tmpl == "" {
		return nil, fmt.Errorf("empty key template")
	}
	var segs []segment
	rest := tmpl
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			segs = append(segs, segment{literal: rest})
			break
		}
		if open > 0 {
			segs = append(segs, segment{literal: rest[:open]})
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return nil, fmt.Errorf("key template %q: unterminated placeholder", tmpl)
		}
		path := strings.TrimPrefix(rest[open+1:open+end], ".")
		if path == "" {
			return nil, fmt.Errorf("key template %q: empty placeholder", tmpl)
		}
		segs = append(segs, segment{path: path})
		rest = rest[open+end+1:]
	}

	return func(ev events.Event) string {
		var doc []byte
		var b strings.Builder
		for _, s := range segs {
			if s.path == "" {
				b.WriteString(s.literal)
				continue
			}
			if doc == nil {
				var err error
				if doc, err = json.Marshal(ev); err != nil {
					return ev.ID
				}
			}
			b.WriteString(gjson.GetBytes(doc, s.path).String())
		}
		return b.String()
	}, nil
}
