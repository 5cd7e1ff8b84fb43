package engine

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/a-essam23/livecore/pkg/auth"
	"github.com/a-essam23/livecore/pkg/broadcast"
	"github.com/a-essam23/livecore/pkg/collab"
	"github.com/a-essam23/livecore/pkg/events"
	"github.com/a-essam23/livecore/pkg/pipeline"
	"github.com/a-essam23/livecore/pkg/presence"
	"github.com/a-essam23/livecore/pkg/state"
)

/*
* The central registry for all executable and context-aware components.
* It is a single, stateful object that holds all registered actions, modifiers, and parameters.
 */
type Registry struct {
	logger   *slog.Logger
	actions  map[string]pipeline.ActionFunc
	actionMu sync.RWMutex

	modifiers  map[string]pipeline.ModifierFunc
	modifierMu sync.RWMutex

	params   map[string]ResolverFunc
	paramsMu sync.RWMutex

	limiters *limiterStore
}

// RegisterCoreOptions carries the collaborators core actions close over. Actions
// whose collaborator is nil are not registered.
type RegisterCoreOptions struct {
	Authenticator *auth.Authenticator
	Editor        *collab.Editor
	Presence      *presence.Tracker
	Publisher     events.Publisher
	Broadcaster   *broadcast.Broadcaster
}

var _ state.Observer = (*Registry)(nil)

func (e *Registry) RegisterCore(opts *RegisterCoreOptions) {
	e.registerCoreParams()
	e.registerCoreActions(opts)
	e.registerCoreModifiers(opts)
}

// New creates and initializes a new Engine instance.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		actions:   make(map[string]pipeline.ActionFunc),
		modifiers: make(map[string]pipeline.ModifierFunc),
		params:    make(map[string]ResolverFunc),
		limiters:  newLimiterStore(),
		logger:    logger.With(slog.String("component", "engine")),
	}
}

func (e *Registry) registerCoreActions(opts *RegisterCoreOptions) {
	e.RegisterAction("_log", actionLog)
	e.RegisterAction("_join", actionJoinRoom(opts.Presence))
	e.RegisterAction("_leave", actionLeaveRoom)
	e.RegisterAction("_pong", actionPong)
	e.RegisterAction("_notify_origin", actionNotifyOrigin)

	if opts.Broadcaster != nil {
		e.RegisterAction("_notify_room", actionNotifyRoom(opts.Broadcaster))
	}
	if opts.Authenticator != nil {
		e.RegisterAction("_auth", actionAuth(opts.Authenticator))
	}
	if opts.Editor != nil {
		e.RegisterAction("_doc_apply", actionDocApply(opts.Editor, opts.Presence))
		e.RegisterAction("_doc_undo", actionDocRevert(opts.Editor, false))
		e.RegisterAction("_doc_redo", actionDocRevert(opts.Editor, true))
		e.RegisterAction("_doc_diff", actionDocDiff(opts.Editor))
	}
	if opts.Presence != nil {
		e.RegisterAction("_presence_activity", actionPresenceActivity(opts.Presence))
		e.RegisterAction("_presence_status", actionPresenceStatus(opts.Presence))
	}
	if opts.Publisher != nil {
		e.RegisterAction("_typing", actionTyping(opts.Publisher))
		e.RegisterAction("_publish", actionPublish(opts.Publisher))
	}
	e.logger.Info("Registered core actions", slog.Int("count", len(e.actions)))
}

func (e *Registry) registerCoreModifiers(opts *RegisterCoreOptions) {
	e.RegisterModifier("rate_limit", newRateLimitModifier(e.limiters))
	e.RegisterModifier("require_permission", newPermissionModifier(opts.Authenticator))
	e.RegisterModifier("require_room", requireRoom)
	e.RegisterModifier("require_payload", requirePayload)
	e.logger.Info("Registered core modifiers", slog.Int("count", len(e.modifiers)))
}

func (e *Registry) registerCoreParams() {
	e.RegisterParams("target.id", _target)
	e.RegisterParams("conn.id", _connID)
	e.RegisterParams("user.id", _userID)
	e.RegisterParams("workspace.id", _workspaceID)
	e.RegisterParams("message.type", _messageType)
	e.RegisterParams("message.id", _messageID)
	e.logger.Info("Registered core params", slog.Int("count", len(e.params)))
}

// ConnectionOpened is a no-op; limiters are created lazily.
func (e *Registry) ConnectionOpened(*state.Connection) {}

// ConnectionClosed drops every rate limiter owned by the connection.
func (e *Registry) ConnectionClosed(c *state.Connection) {
	e.limiters.drop(c.ID)
}

// --- Action Methods ---
func (e *Registry) RegisterAction(name string, fn pipeline.ActionFunc) {
	e.actionMu.Lock()
	defer e.actionMu.Unlock()
	if _, exists := e.actions[name]; exists {
		panic("action function already registered: " + name)
	}
	e.actions[name] = fn
}

func (e *Registry) GetActionFunc(name string) (pipeline.ActionFunc, bool) {
	e.actionMu.RLock()
	defer e.actionMu.RUnlock()
	fn, ok := e.actions[name]
	return fn, ok
}

// --- Modifier Methods ---

func (e *Registry) RegisterModifier(name string, fn pipeline.ModifierFunc) {
	e.modifierMu.Lock()
	defer e.modifierMu.Unlock()
	if _, exists := e.modifiers[name]; exists {
		panic("modifier function already registered: " + name)
	}
	e.modifiers[name] = fn
}

func (e *Registry) GetModifierFunc(name string) (pipeline.ModifierFunc, bool) {
	e.modifierMu.RLock()
	defer e.modifierMu.RUnlock()
	fn, ok := e.modifiers[name]
	return fn, ok
}

// --- Params Methods ---

func (e *Registry) RegisterParams(name string, resolver ResolverFunc) {
	e.paramsMu.Lock()
	defer e.paramsMu.Unlock()
	if _, exists := e.params[name]; exists {
		panic("Param already registered: " + name)
	}
	e.params[name] = resolver
}

func (e *Registry) GetParamResolver(name string) (ResolverFunc, bool) {
	e.paramsMu.RLock()
	defer e.paramsMu.RUnlock()
	resolver, ok := e.params[name]
	return resolver, ok
}

// GetAllRegisteredParams returns all registered variable names for validation.
func (e *Registry) GetAllRegisteredParams() []string {
	e.paramsMu.RLock()
	defer e.paramsMu.RUnlock()
	keys := make([]string, 0, len(e.params))
	for k := range e.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
