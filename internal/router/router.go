package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/a-essam23/livecore/pkg/clock"
	"github.com/a-essam23/livecore/pkg/events"
	"github.com/a-essam23/livecore/pkg/pipeline"
	"github.com/a-essam23/livecore/pkg/state"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

type EventRouter struct {
	logger    *slog.Logger
	registry  state.Registry
	pipelines map[string]pipeline.Pipeline
	resolve   pipeline.Resolver
	clock     clock.Clock
}

func NewEventRouter(logger *slog.Logger, registry state.Registry, pipelines map[string]pipeline.Pipeline, resolve pipeline.Resolver, clk clock.Clock) *EventRouter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &EventRouter{
		logger:    logger.With(slog.String("component", "event_router")),
		registry:  registry,
		pipelines: pipelines,
		resolve:   resolve,
		clock:     clk,
	}
}

// HandleMessage runs the pipeline configured for the message's type. Every
// inbound message counts as a heartbeat. Rejections are answered with an
// error envelope to the sender only.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	conn, ok := r.registry.Get(connID)
	if !ok {
		r.logger.Warn("Message from unregistered connection", slog.String("connID", connID.String()))
		return
	}
	if err := r.registry.Heartbeat(connID); err != nil {
		r.logger.Debug("Heartbeat not recorded", slog.String("connID", connID.String()), slog.Any("error", err))
	}
	now := r.clock.Now()

	if !gjson.ValidBytes(msg) {
		r.replyError(conn, now, ErrorPayload{Code: CodeBadRequest, Message: "message is not valid JSON"})
		return
	}
	typ := gjson.GetBytes(msg, "type")
	messageID := gjson.GetBytes(msg, "messageId").String()
	if typ.Type != gjson.String || typ.String() == "" {
		r.replyError(conn, now, ErrorPayload{Code: CodeBadRequest, Message: "message has no type", MessageID: messageID})
		return
	}
	eventName := typ.String()

	pipe, ok := r.pipelines[eventName]
	if !ok {
		r.logger.Warn("Received unknown event", slog.String("event", eventName), slog.String("connID", connID.String()))
		r.replyError(conn, now, ErrorPayload{Code: CodeUnknownType, Message: "unknown message type", Type: eventName, MessageID: messageID})
		return
	}

	env, err := events.DecodeEnvelope(msg)
	if err != nil {
		r.replyError(conn, now, ErrorPayload{Code: CodeBadRequest, Message: err.Error(), Type: eventName, MessageID: messageID})
		return
	}

	cargo := &pipeline.Cargo{
		Logger:     r.logger.With(slog.String("connID", connID.String()), slog.String("event", eventName)),
		Ctx:        ctx,
		Connection: conn,
		Registry:   r.registry,
		Message:    env,
		Now:        now,
	}
	r.logger.Debug("Executing event pipeline", slog.String("event", eventName), slog.String("connID", connID.String()))
	if err := pipe.Run(cargo, r.resolve); err != nil {
		p := classify(err)
		p.Type = eventName
		p.MessageID = env.MessageID
		if p.Code == CodeInternal {
			cargo.Logger.Error("Pipeline failed", slog.Any("error", err))
		} else {
			cargo.Logger.Info("Message rejected", slog.String("code", p.Code), slog.Any("error", err))
		}
		r.replyError(conn, now, p)
	}
}

func (r *EventRouter) replyError(conn *state.Connection, now time.Time, p ErrorPayload) {
	b, err := events.EncodeMessage(events.TypeError, p, now)
	if err != nil {
		r.logger.Error("Failed to encode error reply", slog.Any("error", err))
		return
	}
	if err := conn.Transport.Send(b); err != nil {
		r.logger.Debug("Failed to deliver error reply", slog.String("connID", conn.ID.String()), slog.Any("error", err))
	}
}
