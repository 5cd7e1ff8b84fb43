// Package broadcast delivers outbound events to the connections they target.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/livecore/pkg/aggregate"
	"github.com/a-essam23/livecore/pkg/clock"
	"github.com/a-essam23/livecore/pkg/events"
	"github.com/a-essam23/livecore/pkg/state"
	"github.com/google/uuid"
)

// Directory resolves target connections. state.Registry satisfies it.
type Directory interface {
	ByRoom(roomID string) []*state.Connection
	All() []*state.Connection
}

// Filter selects receivers of an unscoped message.
type Filter func(c *state.Connection) bool

// SameWorkspace delivers to connections in the given workspace; an empty
// workspace matches everyone.
func SameWorkspace(workspaceID string) Filter {
	return func(c *state.Connection) bool {
		if workspaceID == "" {
			return true
		}
		p := c.Principal()
		return p != nil && p.WorkspaceID == workspaceID
	}
}

type DeliveryError struct {
	ConnectionID uuid.UUID
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.ConnectionID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type Result struct {
	DeliveredTo []uuid.UUID
	Skipped     []*DeliveryError
}

type Stats struct {
	Broadcasts  uint64        `json:"broadcasts"`
	Deliveries  uint64        `json:"deliveries"`
	Skipped     uint64        `json:"skipped"`
	LastLatency time.Duration `json:"lastLatencyNs"`
	MeanLatency time.Duration `json:"meanLatencyNs"`
}

type Broadcaster struct {
	dir   Directory
	clock clock.Clock

	mu    sync.Mutex
	stats Stats
	total time.Duration

	logger *slog.Logger
}

var _ aggregate.Subscriber = (*Broadcaster)(nil)

func New(logger *slog.Logger, dir Directory, clk clock.Clock) *Broadcaster {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Broadcaster{
		dir:    dir,
		clock:  clk,
		logger: logger.With(slog.String("component", "broadcaster")),
	}
}

// Broadcast encodes msg once and enqueues it on every target connection. A
// failing connection is recorded in Result.Skipped and does not stop delivery
// to the rest. The error is non-nil only when msg cannot be encoded.
func (b *Broadcaster) Broadcast(ctx context.Context, msg events.Outbound, filter Filter) (Result, error) {
	start := b.clock.Now()
	env, err := msg.Envelope()
	if err != nil {
		return Result{}, fmt.Errorf("encode outbound: %w", err)
	}
	data, err := env.Encode()
	if err != nil {
		return Result{}, fmt.Errorf("encode outbound: %w", err)
	}

	var targets []*state.Connection
	if room := msg.Target(); room != "" {
		targets = b.dir.ByRoom(room)
	} else {
		targets = b.dir.All()
		if filter == nil {
			filter = SameWorkspace(msg.Origin().WorkspaceID)
		}
	}

	var res Result
	for _, c := range targets {
		if err := ctx.Err(); err != nil {
			res.Skipped = append(res.Skipped, &DeliveryError{ConnectionID: c.ID, Err: err})
			continue
		}
		if filter != nil && !filter(c) {
			continue
		}
		if c.State() != state.StateOpen {
			res.Skipped = append(res.Skipped, &DeliveryError{ConnectionID: c.ID, Err: state.ErrNotOpen})
			continue
		}
		if err := c.Transport.Send(data); err != nil {
			res.Skipped = append(res.Skipped, &DeliveryError{ConnectionID: c.ID, Err: err})
			continue
		}
		res.DeliveredTo = append(res.DeliveredTo, c.ID)
	}

	for _, s := range res.Skipped {
		b.logger.Warn("Skipped delivery", slog.String("type", env.Type), slog.String("connID", s.ConnectionID.String()), slog.Any("error", s.Err))
	}
	b.record(b.clock.Now().Sub(start), len(res.DeliveredTo), len(res.Skipped))
	return res, nil
}

// HandleOutbound broadcasts everything the aggregator emits.
func (b *Broadcaster) HandleOutbound(ctx context.Context, msg events.Outbound) error {
	_, err := b.Broadcast(ctx, msg, nil)
	return err
}

func (b *Broadcaster) record(latency time.Duration, delivered, skipped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Broadcasts++
	b.stats.Deliveries += uint64(delivered)
	b.stats.Skipped += uint64(skipped)
	b.stats.LastLatency = latency
	b.total += latency
	b.stats.MeanLatency = b.total / time.Duration(b.stats.Broadcasts)
}

func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
