package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/livecore/pkg/events"
	"github.com/a-essam23/livecore/pkg/logging"
	"github.com/segmentio/kafka-go"
)

// fakeReader serves queued messages, then blocks until the context ends.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

func (f *fakeReader) drained() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs) == 0
}

func encode(t *testing.T, ev events.Event) []byte {
	t.Helper()
	b, err := ev.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func runUntilDrained(t *testing.T, c *Consumer, r *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	deadline := time.Now().Add(3 * time.Second)
	for !r.drained() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestConsumerPublishesAndCommits(t *testing.T) {
	ev := events.New(events.KindTaskUpdated, "project:1", events.EntityChange{EntityType: "task", EntityID: "9"}, events.Source{UserID: "u"}, time.UnixMilli(1700000000000))
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: encode(t, ev)},
		{Offset: 2, Value: []byte(`not json`)},
	}}

	var mu sync.Mutex
	var got []events.Event
	pub := events.PublisherFunc(func(_ context.Context, ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	})
	runUntilDrained(t, NewConsumer(logging.Discard(), r, pub, Options{}), r)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ID != ev.ID || got[0].Kind != events.KindTaskUpdated {
		t.Fatalf("expected the decoded event to be published, got %+v", got)
	}
	if got[0].Payload.(events.EntityChange).EntityID != "9" {
		t.Errorf("payload not decoded: %+v", got[0].Payload)
	}
	if len(r.committed) != 2 {
		t.Errorf("expected both offsets committed, got %v", r.committed)
	}
}

func TestConsumerRetriesThenLeavesUncommitted(t *testing.T) {
	ev := events.NewCustom("audit.entry", "", []byte(`{}`), events.Source{}, time.Now())
	r := &fakeReader{msgs: []kafka.Message{{Offset: 7, Value: encode(t, ev)}}}

	var calls int
	pub := events.PublisherFunc(func(context.Context, events.Event) error {
		calls++
		return errors.New("downstream unavailable")
	})
	c := NewConsumer(logging.Discard(), r, pub, Options{Retries: 2, RetryDelay: time.Millisecond})
	runUntilDrained(t, c, r)

	if calls != 3 {
		t.Errorf("expected 3 publish attempts, got %d", calls)
	}
	if len(r.committed) != 0 {
		t.Errorf("failed message must not be committed, got %v", r.committed)
	}
}
