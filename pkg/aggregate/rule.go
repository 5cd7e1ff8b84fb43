package aggregate

import (
	"errors"
	"fmt"
	"time"

	"github.com/a-essam23/livecore/pkg/events"
)

// Rule groups events of the listed types that share a key into one Aggregated
// message per window.
type Rule struct {
	ID         string
	EventTypes []string
	Key        func(events.Event) string
	Window     time.Duration
	// MaxEvents flushes a group early once it holds this many events.
	MaxEvents int
	Reduce    func([]events.Event) any
}

func (r Rule) matches(eventType string) bool {
	for _, t := range r.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

func (r Rule) validate() error {
	switch {
	case r.ID == "":
		return errors.New("rule has no id")
	case len(r.EventTypes) == 0:
		return fmt.Errorf("rule %q: no event types", r.ID)
	case r.Key == nil:
		return fmt.Errorf("rule %q: no key function", r.ID)
	case r.Window <= 0:
		return fmt.Errorf("rule %q: window must be positive", r.ID)
	case r.MaxEvents < 1:
		return fmt.Errorf("rule %q: maxEvents must be at least 1", r.ID)
	}
	return nil
}

// DefaultRules returns the built-in coalescing rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "entity-updates",
			EventTypes: []string{
				events.KindTaskUpdated.String(),
				events.KindCommentUpdated.String(),
				events.KindProjectUpdated.String(),
			},
			Key:       EntityKey,
			Window:    time.Second,
			MaxEvents: 10,
			Reduce:    MergeEntityChanges,
		},
		{
			ID:         "presence",
			EventTypes: []string{events.KindPresenceUpdated.String()},
			Key:        RoomOrWorkspaceKey,
			Window:     2 * time.Second,
			MaxEvents:  50,
			Reduce:     LatestPresence,
		},
		{
			ID:         "typing",
			EventTypes: []string{events.KindTypingUpdated.String()},
			Key:        RoomOrWorkspaceKey,
			Window:     time.Second,
			MaxEvents:  20,
			Reduce:     TypingUsers,
		},
	}
}

// EntityKey groups entity changes by "<entityType>:<entityID>". Events without
// an entity payload are never grouped with each other.
func EntityKey(ev events.Event) string {
	if p, ok := ev.Payload.(events.EntityChange); ok {
		return p.EntityType + ":" + p.EntityID
	}
	return ev.ID
}

func RoomOrWorkspaceKey(ev events.Event) string {
	if ev.RoomID != "" {
		return ev.RoomID
	}
	switch p := ev.Payload.(type) {
	case events.PresenceChange:
		if p.Room != "" {
			return p.Room
		}
	case events.TypingChange:
		if p.Room != "" {
			return p.Room
		}
	}
	return "workspace:" + ev.Source.WorkspaceID
}

// EntityUpdates is the reduced form of a burst of entity changes.
type EntityUpdates struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Changes    map[string]any `json:"changes"`
	Users      []string       `json:"users"`
	Updates    int            `json:"updates"`
}

// MergeEntityChanges folds field changes in arrival order, later values win.
func MergeEntityChanges(evs []events.Event) any {
	out := EntityUpdates{Changes: make(map[string]any)}
	seen := make(map[string]bool)
	for _, ev := range evs {
		p, ok := ev.Payload.(events.EntityChange)
		if !ok {
			continue
		}
		out.EntityType, out.EntityID = p.EntityType, p.EntityID
		for k, v := range p.Changes {
			out.Changes[k] = v
		}
		out.Updates++
		if u := ev.Source.UserID; u != "" && !seen[u] {
			seen[u] = true
			out.Users = append(out.Users, u)
		}
	}
	return out
}

// LatestPresence keeps the most recent presence per user, ordered by first
// appearance in the window.
func LatestPresence(evs []events.Event) any {
	latest := make(map[string]events.PresenceChange)
	var order []string
	for _, ev := range evs {
		p, ok := ev.Payload.(events.PresenceChange)
		if !ok {
			continue
		}
		prev, seen := latest[p.UserID]
		if !seen {
			order = append(order, p.UserID)
		} else if p.LastSeen.Before(prev.LastSeen) {
			continue
		}
		latest[p.UserID] = p
	}
	out := make([]events.PresenceChange, 0, len(order))
	for _, u := range order {
		out = append(out, latest[u])
	}
	return out
}

type TypingState struct {
	Room  string   `json:"room"`
	Users []string `json:"users"`
}

// TypingUsers keeps the users whose latest signal in the window says typing.
func TypingUsers(evs []events.Event) any {
	typing := make(map[string]bool)
	var order []string
	out := TypingState{Users: []string{}}
	for _, ev := range evs {
		p, ok := ev.Payload.(events.TypingChange)
		if !ok {
			continue
		}
		if _, seen := typing[p.UserID]; !seen {
			order = append(order, p.UserID)
		}
		typing[p.UserID] = p.Typing
		if out.Room == "" {
			out.Room = p.Room
		}
	}
	for _, u := range order {
		if typing[u] {
			out.Users = append(out.Users, u)
		}
	}
	return out
}

type Count struct {
	Count int `json:"count"`
}

func CountEvents(evs []events.Event) any {
	return Count{Count: len(evs)}
}

// LatestPayload keeps only the payload of the last event.
func LatestPayload(evs []events.Event) any {
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1].Payload
}
