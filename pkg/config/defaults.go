package config

import "github.com/a-essam23/livecore/pkg/events"

// DefaultEvents is the pipeline for every reserved inbound message type. An
// entry under "events" in the config file replaces the default for its type.
func DefaultEvents() map[string]EventConfig {
	return map[string]EventConfig{
		events.TypeAuth: {
			Actions: []ActionConfig{{Name: "_auth", Params: []string{"{.payload.token}"}}},
		},
		events.TypePing: {
			Actions: []ActionConfig{{Name: "_pong"}},
		},
		events.TypeRoomJoin: {
			Modifiers: []ActionConfig{{Name: "rate_limit", Params: []string{"20/s"}}},
			Actions:   []ActionConfig{{Name: "_join", Params: []string{"{.payload.roomId}"}}},
		},
		events.TypeRoomLeave: {
			Actions: []ActionConfig{{Name: "_leave", Params: []string{"{.payload.roomId}"}}},
		},
		events.TypeDocOp: {
			Modifiers: []ActionConfig{
				{Name: "rate_limit", Params: []string{"50/s"}},
				{Name: "require_payload", Params: []string{"documentId"}},
			},
			Actions: []ActionConfig{{Name: "_doc_apply"}},
		},
		events.TypeDocUndo: {
			Actions: []ActionConfig{{Name: "_doc_undo", Params: []string{"{.payload.documentId}"}}},
		},
		events.TypeDocRedo: {
			Actions: []ActionConfig{{Name: "_doc_redo", Params: []string{"{.payload.documentId}"}}},
		},
		events.TypeDocDiff: {
			Modifiers: []ActionConfig{{Name: "require_payload", Params: []string{"documentId", "from", "to"}}},
			Actions:   []ActionConfig{{Name: "_doc_diff", Params: []string{"{.payload.documentId}", "{.payload.from}", "{.payload.to}"}}},
		},
		events.TypePresenceActive: {
			Modifiers: []ActionConfig{{Name: "rate_limit", Params: []string{"10/s"}}},
			Actions:   []ActionConfig{{Name: "_presence_activity"}},
		},
		events.TypePresenceStatus: {
			Actions: []ActionConfig{{Name: "_presence_status", Params: []string{"{.payload.status}"}}},
		},
		events.TypeTyping: {
			Modifiers: []ActionConfig{
				{Name: "rate_limit", Params: []string{"10/s"}},
				{Name: "require_room", Params: []string{"{.payload.roomId}"}},
			},
			Actions: []ActionConfig{{Name: "_typing", Params: []string{"{.payload.roomId}", "{.payload.typing}"}}},
		},
	}
}

// withDefaultEvents adds the default pipeline for every type the config left
// unset.
func withDefaultEvents(configured map[string]EventConfig) map[string]EventConfig {
	out := DefaultEvents()
	for name, ev := range configured {
		out[name] = ev
	}
	return out
}
