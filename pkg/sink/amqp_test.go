package sink_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/a-essam23/livecore/pkg/events"
	"github.com/a-essam23/livecore/pkg/logging"
	"github.com/a-essam23/livecore/pkg/sink"
	"github.com/go-playground/assert/v2"
	amqp "github.com/rabbitmq/amqp091-go"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	got  []published
	fail error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.fail != nil {
		return f.fail
	}
	f.got = append(f.got, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestSinkPublishesEnvelope(t *testing.T) {
	ch := &fakeChannel{}
	s := sink.New(logging.Discard(), ch, "livecore.events")
	ev := events.New(events.KindCommentAdded, "task:1", events.EntityChange{EntityType: "comment", EntityID: "c1"}, events.Source{UserID: "u"}, time.UnixMilli(1700000000000))

	assert.Equal(t, s.HandleOutbound(context.Background(), ev), nil)
	assert.Equal(t, len(ch.got), 1)
	p := ch.got[0]
	assert.Equal(t, p.exchange, "livecore.events")
	assert.Equal(t, p.key, "comment.added")
	assert.Equal(t, p.msg.MessageId, ev.ID)
	assert.Equal(t, p.msg.DeliveryMode, amqp.Persistent)

	env, err := events.DecodeEnvelope(p.msg.Body)
	assert.Equal(t, err, nil)
	assert.Equal(t, env.Type, "comment.added")
}

func TestSinkReportsPublishFailure(t *testing.T) {
	boom := errors.New("channel closed")
	s := sink.New(logging.Discard(), &fakeChannel{fail: boom}, "x")
	err := s.HandleOutbound(context.Background(), events.NewCustom("x", "", nil, events.Source{}, time.Now()))
	assert.Equal(t, errors.Is(err, boom), true)
}
