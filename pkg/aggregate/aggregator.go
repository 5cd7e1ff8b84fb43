// Package aggregate coalesces bursts of related events into single messages
// and fans everything it emits out to its subscribers.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/a-essam23/livecore/pkg/clock"
	"github.com/a-essam23/livecore/pkg/events"
	"github.com/oklog/ulid/v2"
)

// Subscriber receives every message the aggregator emits: passthrough events
// and Aggregated batches.
type Subscriber interface {
	HandleOutbound(ctx context.Context, msg events.Outbound) error
}

type SubscriberFunc func(ctx context.Context, msg events.Outbound) error

func (f SubscriberFunc) HandleOutbound(ctx context.Context, msg events.Outbound) error {
	return f(ctx, msg)
}

type pendingKey struct {
	rule string
	key  string
}

type pending struct {
	rule   *Rule
	key    pendingKey
	events []events.Event
	timer  clock.Timer
}

type Stats struct {
	Pending     int    `json:"pending"`
	Published   uint64 `json:"published"`
	Passthrough uint64 `json:"passthrough"`
	Emitted     uint64 `json:"emitted"`
	Failures    uint64 `json:"failures"`
}

type Aggregator struct {
	rules []Rule
	clock clock.Clock

	mu      sync.Mutex
	pending map[pendingKey]*pending

	subMu       sync.RWMutex
	subscribers []Subscriber

	published   atomic.Uint64
	passthrough atomic.Uint64
	emitted     atomic.Uint64
	failures    atomic.Uint64

	logger *slog.Logger
}

var _ events.Publisher = (*Aggregator)(nil)

// New validates rules and builds an aggregator. Rules are matched in order;
// the first rule listing an event's type wins.
func New(logger *slog.Logger, clk clock.Clock, rules []Rule) (*Aggregator, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	seen := make(map[string]bool)
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
	return &Aggregator{
		rules:   append([]Rule(nil), rules...),
		clock:   clk,
		pending: make(map[pendingKey]*pending),
		logger:  logger.With(slog.String("component", "aggregator")),
	}, nil
}

func (a *Aggregator) Subscribe(s Subscriber) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.subscribers = append(a.subscribers, s)
}

func (a *Aggregator) match(eventType string) *Rule {
	for i := range a.rules {
		if a.rules[i].matches(eventType) {
			return &a.rules[i]
		}
	}
	return nil
}

// Publish either passes the event straight to subscribers or adds it to the
// pending group of the first matching rule.
func (a *Aggregator) Publish(ctx context.Context, ev events.Event) error {
	a.published.Add(1)
	rule := a.match(ev.Type())
	if rule == nil {
		a.passthrough.Add(1)
		return a.emit(ctx, ev)
	}

	key := pendingKey{rule: rule.ID, key: rule.Key(ev)}
	a.mu.Lock()
	p, ok := a.pending[key]
	if !ok {
		p = &pending{rule: rule, key: key}
		a.pending[key] = p
		p.timer = a.clock.AfterFunc(rule.Window, func() { a.expire(p) })
	}
	p.events = append(p.events, ev)
	full := len(p.events) >= rule.MaxEvents
	if full {
		p.timer.Stop()
		delete(a.pending, key)
	}
	a.mu.Unlock()

	if full {
		return a.flush(ctx, p)
	}
	return nil
}

func (a *Aggregator) expire(p *pending) {
	a.mu.Lock()
	// a full flush or FlushAll may have claimed the group already
	if a.pending[p.key] != p {
		a.mu.Unlock()
		return
	}
	delete(a.pending, p.key)
	a.mu.Unlock()

	if err := a.flush(context.Background(), p); err != nil {
		a.logger.Warn("Window flush had failures", slog.String("rule", p.key.rule), slog.String("key", p.key.key), slog.Any("error", err))
	}
}

// FlushAll emits every pending group immediately, oldest first.
func (a *Aggregator) FlushAll(ctx context.Context) error {
	a.mu.Lock()
	groups := make([]*pending, 0, len(a.pending))
	for k, p := range a.pending {
		p.timer.Stop()
		groups = append(groups, p)
		delete(a.pending, k)
	}
	a.mu.Unlock()

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].events[0].Timestamp.Before(groups[j].events[0].Timestamp)
	})
	var errs []error
	for _, p := range groups {
		if err := a.flush(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(groups) > 0 {
		a.logger.Info("Flushed pending aggregations", slog.Int("count", len(groups)))
	}
	return errors.Join(errs...)
}

func (a *Aggregator) flush(ctx context.Context, p *pending) error {
	first := p.events[0]
	now := a.clock.Now()
	data, err := reduce(p.rule, p.events)
	if err != nil {
		a.failures.Add(1)
		return err
	}
	out := Aggregated{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Rule:      p.rule.ID,
		Key:       p.key.key,
		EventType: first.Type(),
		RoomID:    first.RoomID,
		Source:    first.Source,
		Events:    p.events,
		Data:      data,
		Count:     len(p.events),
		Timestamp: now,
	}
	return a.emit(ctx, out)
}

func reduce(r *Rule, evs []events.Event) (data any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("rule %q reducer panicked: %v", r.ID, rec)
		}
	}()
	if r.Reduce == nil {
		return CountEvents(evs), nil
	}
	return r.Reduce(evs), nil
}

// emit hands msg to every subscriber even if some fail.
func (a *Aggregator) emit(ctx context.Context, msg events.Outbound) error {
	a.subMu.RLock()
	subs := append([]Subscriber(nil), a.subscribers...)
	a.subMu.RUnlock()

	a.emitted.Add(1)
	var errs []error
	for _, s := range subs {
		if err := deliver(ctx, s, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.failures.Add(1)
		env, _ := msg.Envelope()
		a.logger.Error("Subscriber failed", slog.String("type", env.Type), slog.String("room", msg.Target()), slog.Any("error", err))
		return err
	}
	return nil
}

func deliver(ctx context.Context, s Subscriber, msg events.Outbound) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subscriber panicked: %v", rec)
		}
	}()
	return s.HandleOutbound(ctx, msg)
}

func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	n := len(a.pending)
	a.mu.Unlock()
	return Stats{
		Pending:     n,
		Published:   a.published.Load(),
		Passthrough: a.passthrough.Load(),
		Emitted:     a.emitted.Load(),
		Failures:    a.failures.Load(),
	}
}
