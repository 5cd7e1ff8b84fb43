package router_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/a-essam23/livecore/internal/engine"
	"github.com/a-essam23/livecore/internal/router"
	"github.com/a-essam23/livecore/pkg/aggregate"
	"github.com/a-essam23/livecore/pkg/auth"
	"github.com/a-essam23/livecore/pkg/broadcast"
	"github.com/a-essam23/livecore/pkg/clock"
	"github.com/a-essam23/livecore/pkg/collab"
	"github.com/a-essam23/livecore/pkg/config"
	"github.com/a-essam23/livecore/pkg/events"
	"github.com/a-essam23/livecore/pkg/history"
	"github.com/a-essam23/livecore/pkg/logging"
	"github.com/a-essam23/livecore/pkg/presence"
	"github.com/a-essam23/livecore/pkg/state"
	"github.com/a-essam23/livecore/pkg/state/statemanager"
	"github.com/a-essam23/livecore/pkg/state/statetest"
	"github.com/go-playground/assert/v2"
)

// --- Test Suite Setup ---

type harness struct {
	router   *router.EventRouter
	registry *statemanager.InMemoryManager
	agg      *aggregate.Aggregator
	clock    *clock.Fake
}

// newHarness wires the router the way the server does, with everything in
// memory. configured replaces the default pipeline of its types.
func newHarness(t *testing.T, configured map[string]config.EventConfig) *harness {
	t.Helper()
	log := logging.Discard()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	reg := statemanager.NewInMemoryManager(log, clk)
	agg, err := aggregate.New(log, clk, aggregate.DefaultRules())
	if err != nil {
		t.Fatalf("aggregate.New: %v", err)
	}
	bc := broadcast.New(log, reg, clk)
	agg.Subscribe(bc)
	tracker := presence.New(log, agg, clk, presence.Options{})
	reg.Observe(tracker)

	verifier := auth.VerifierFunc(func(_ context.Context, token string) (*auth.Claims, error) {
		return &auth.Claims{Subject: token}, nil
	})
	eng := engine.New(log)
	eng.RegisterCore(&engine.RegisterCoreOptions{
		Authenticator: auth.New(log, verifier, auth.Options{}),
		Editor:        collab.New(log, history.NewMemoryStore(), agg, clk, collab.Options{Mode: collab.ModeLWW}),
		Presence:      tracker,
		Publisher:     agg,
		Broadcaster:   bc,
	})
	reg.Observe(eng)

	cfg := &config.Config{Events: config.DefaultEvents(), Permissions: []string{"doc:edit"}}
	for name, ev := range configured {
		cfg.Events[name] = ev
	}
	if err := config.CompilePipelines(cfg, config.Providers{
		Action:        eng.GetActionFunc,
		Modifier:      eng.GetModifierFunc,
		CheckTemplate: eng.CheckTemplate,
	}); err != nil {
		t.Fatalf("CompilePipelines: %v", err)
	}
	return &harness{
		router:   router.NewEventRouter(log, reg, cfg.Pipelines, eng.Resolve, clk),
		registry: reg,
		agg:      agg,
		clock:    clk,
	}
}

func (h *harness) connect(t *testing.T, p *auth.Principal) (*state.Connection, *statetest.Transport) {
	t.Helper()
	tr := statetest.NewTransport()
	c, err := h.registry.Register(context.Background(), p, tr, "127.0.0.1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return c, tr
}

func (h *harness) send(c *state.Connection, raw string) {
	h.router.HandleMessage(context.Background(), c.ID, []byte(raw))
}

// replies decodes everything sent after the handshake.
func replies(t *testing.T, tr *statetest.Transport) []events.Envelope {
	t.Helper()
	var out []events.Envelope
	for _, raw := range tr.Sent()[1:] {
		env, err := events.DecodeEnvelope(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func ofType(envs []events.Envelope, typ string) []events.Envelope {
	var out []events.Envelope
	for _, e := range envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func errorOf(t *testing.T, env events.Envelope) router.ErrorPayload {
	t.Helper()
	if env.Type != events.TypeError {
		t.Fatalf("expected an error envelope, got %q", env.Type)
	}
	var p router.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return p
}

// --- Tests ---

func TestRejectsMalformedAndUnknownMessages(t *testing.T) {
	h := newHarness(t, nil)
	c, tr := h.connect(t, &auth.Principal{UserID: "u1"})

	h.send(c, `not json`)
	h.send(c, `{"payload":{}}`)
	h.send(c, `{"type":"launch:rockets","messageId":"m9"}`)

	got := replies(t, tr)
	assert.Equal(t, len(got), 3)
	assert.Equal(t, errorOf(t, got[0]).Code, router.CodeBadRequest)
	assert.Equal(t, errorOf(t, got[1]).Code, router.CodeBadRequest)
	unknown := errorOf(t, got[2])
	assert.Equal(t, unknown.Code, router.CodeUnknownType)
	assert.Equal(t, unknown.Type, "launch:rockets")
	assert.Equal(t, unknown.MessageID, "m9")
}

func TestPingRefreshesHeartbeat(t *testing.T) {
	h := newHarness(t, nil)
	c, tr := h.connect(t, &auth.Principal{UserID: "u1"})
	h.clock.Advance(30 * time.Second)

	h.send(c, `{"type":"ping","messageId":"p1"}`)

	assert.Equal(t, c.LastHeartbeat(), h.clock.Now())
	got := replies(t, tr)
	assert.Equal(t, len(got), 1)
	assert.Equal(t, got[0].Type, events.TypePong)
	assert.Equal(t, got[0].MessageID, "p1")
}

func TestTypingRequiresMembership(t *testing.T) {
	h := newHarness(t, nil)
	alice, aliceTr := h.connect(t, &auth.Principal{UserID: "alice"})
	bob, bobTr := h.connect(t, &auth.Principal{UserID: "bob"})

	h.send(alice, `{"type":"typing","payload":{"roomId":"r1","typing":true}}`)
	assert.Equal(t, errorOf(t, replies(t, aliceTr)[0]).Code, router.CodeForbidden)

	h.send(alice, `{"type":"room:join","payload":{"roomId":"r1"}}`)
	h.send(bob, `{"type":"room:join","payload":{"roomId":"r1"}}`)
	h.send(alice, `{"type":"typing","payload":{"roomId":"r1","typing":true}}`)
	if err := h.agg.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	aggregated := ofType(replies(t, bobTr), events.TypeAggregated)
	var typing []events.Envelope
	for _, env := range aggregated {
		var body struct {
			Rule string `json:"rule"`
		}
		json.Unmarshal(env.Payload, &body)
		if body.Rule == "typing" {
			typing = append(typing, env)
		}
	}
	assert.Equal(t, len(typing), 1)
	assert.Equal(t, len(ofType(replies(t, aliceTr), events.TypeError)), 1)
}

func TestRateLimitedMessagesGetAnError(t *testing.T) {
	h := newHarness(t, nil)
	c, tr := h.connect(t, &auth.Principal{UserID: "u1"})

	for i := 0; i < 21; i++ {
		h.send(c, fmt.Sprintf(`{"type":"room:join","payload":{"roomId":"r%d"}}`, i))
	}
	got := replies(t, tr)
	assert.Equal(t, len(ofType(got, events.TypeRoomJoined)), 20)
	errs := ofType(got, events.TypeError)
	assert.Equal(t, len(errs), 1)
	assert.Equal(t, errorOf(t, errs[0]).Code, router.CodeRateLimited)
}

func TestDocumentEditsReachTheDocumentRoom(t *testing.T) {
	h := newHarness(t, nil)
	author, authorTr := h.connect(t, &auth.Principal{UserID: "author"})
	viewer, viewerTr := h.connect(t, &auth.Principal{UserID: "viewer"})
	h.send(author, `{"type":"room:join","payload":{"roomId":"doc:d1"}}`)
	h.send(viewer, `{"type":"room:join","payload":{"roomId":"doc:d1"}}`)

	h.send(author, `{"type":"doc:op","messageId":"op1","payload":{"documentId":"d1","baseVersion":0,"kind":"splice","splice":{"field":"body","pos":0,"insert":"hi"}}}`)

	applied := ofType(replies(t, authorTr), events.TypeDocApplied)
	assert.Equal(t, len(applied), 1)
	assert.Equal(t, applied[0].MessageID, "op1")

	changed := ofType(replies(t, viewerTr), "document.changed")
	assert.Equal(t, len(changed), 1)
	var body struct {
		Data events.DocumentChange `json:"data"`
	}
	if err := json.Unmarshal(changed[0].Payload, &body); err != nil {
		t.Fatalf("decode document.changed: %v", err)
	}
	assert.Equal(t, body.Data.Version, 1)
	assert.Equal(t, body.Data.State["body"], "hi")
}

func TestConfiguredPermissionGuardsEdits(t *testing.T) {
	h := newHarness(t, map[string]config.EventConfig{
		events.TypeDocOp: {
			Modifiers: []config.ActionConfig{{Name: "require_permission", Params: []string{"doc:edit", "{.payload.documentId}"}}},
			Actions:   []config.ActionConfig{{Name: "_doc_apply"}},
		},
	})
	reader, readerTr := h.connect(t, &auth.Principal{UserID: "reader"})
	editor, editorTr := h.connect(t, &auth.Principal{UserID: "editor", Permissions: []string{"doc:edit:d1"}})
	op := `{"type":"doc:op","payload":{"documentId":"d1","baseVersion":0,"kind":"set","set":{"values":{"a":1}}}}`

	h.send(reader, op)
	h.send(editor, op)

	assert.Equal(t, errorOf(t, replies(t, readerTr)[0]).Code, router.CodeForbidden)
	assert.Equal(t, replies(t, editorTr)[0].Type, events.TypeDocApplied)
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	// _log without its message parameter fails inside the action
	h := newHarness(t, map[string]config.EventConfig{
		"debug": {Actions: []config.ActionConfig{{Name: "_log"}}},
	})
	c, tr := h.connect(t, &auth.Principal{UserID: "u1"})

	h.send(c, `{"type":"debug","messageId":"d1"}`)

	got := replies(t, tr)
	assert.Equal(t, len(got), 1)
	p := errorOf(t, got[0])
	assert.Equal(t, p.Code, router.CodeInternal)
	assert.Equal(t, p.Message, "internal error")
	assert.Equal(t, p.MessageID, "d1")
}
