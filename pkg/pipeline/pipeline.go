package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/livecore/pkg/auth"
	"github.com/a-essam23/livecore/pkg/events"
	"github.com/a-essam23/livecore/pkg/state"
)

/*
 * The purpose of this is to detach the implementation of actions and modifiers
 * from the actual router
 */

// Errors a step can wrap so the router can tell the client what went wrong.
var (
	ErrBadRequest  = errors.New("bad request")
	ErrForbidden   = errors.New("forbidden")
	ErrRateLimited = errors.New("rate limit exceeded")
)

type Cargo struct {
	Logger     *slog.Logger
	Ctx        context.Context
	Connection *state.Connection
	Registry   state.Registry
	Message    events.Envelope
	// TargetID is the room the message addresses, if a step resolved one.
	TargetID string
	Now      time.Time
}

func (c *Cargo) Principal() *auth.Principal {
	return c.Connection.Principal()
}

// Source is the event source for events caused by this message.
func (c *Cargo) Source() events.Source {
	p := c.Principal()
	return events.Source{UserID: p.UserID, WorkspaceID: p.WorkspaceID}
}

// Reply sends an envelope to the origin connection only, echoing the
// inbound messageId.
func (c *Cargo) Reply(typ string, payload any) error {
	env, err := events.NewEnvelope(typ, payload, c.Now)
	if err != nil {
		return err
	}
	env.MessageID = c.Message.MessageID
	b, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode %s reply: %w", typ, err)
	}
	return c.Connection.Transport.Send(b)
}

// simple, testable functions that receive a Cargo and resolved string parameters
type ActionFunc func(pctx *Cargo, params ...string) error

// ModifierFunc guards a pipeline. A non-nil error stops the message before any
// action runs.
type ModifierFunc func(pctx *Cargo, params ...string) error

// represents one step in an execution pipeline
type Step struct {
	Name     string
	Function ActionFunc
	Params   []string // Raw template strings from YAML
}

type Guard struct {
	Name     string
	Function ModifierFunc
	Params   []string
}

type Pipeline struct {
	Modifiers []Guard
	Steps     []Step
}

// Resolver expands parameter templates against the cargo.
type Resolver func(pctx *Cargo, templates []string) ([]string, error)

// StepError names the modifier or action that halted a pipeline.
type StepError struct {
	Name     string
	Modifier bool
	Err      error
}

func (e *StepError) Error() string {
	kind := "action"
	if e.Modifier {
		kind = "modifier"
	}
	return fmt.Sprintf("%s '%s': %v", kind, e.Name, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Run executes every modifier, then every step, in order. The first failure
// halts the pipeline.
func (p Pipeline) Run(pctx *Cargo, resolve Resolver) error {
	for _, g := range p.Modifiers {
		params, err := resolve(pctx, g.Params)
		if err != nil {
			return &StepError{Name: g.Name, Modifier: true, Err: err}
		}
		if err := g.Function(pctx, params...); err != nil {
			return &StepError{Name: g.Name, Modifier: true, Err: err}
		}
	}
	for _, s := range p.Steps {
		params, err := resolve(pctx, s.Params)
		if err != nil {
			return &StepError{Name: s.Name, Err: err}
		}
		pctx.Logger.Debug("Executing action", slog.String("action", s.Name))
		if err := s.Function(pctx, params...); err != nil {
			return &StepError{Name: s.Name, Err: err}
		}
	}
	return nil
}
