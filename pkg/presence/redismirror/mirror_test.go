package redismirror

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/a-essam23/livecore/pkg/events"
	"github.com/a-essam23/livecore/pkg/logging"
	"github.com/a-essam23/livecore/pkg/presence"
	"github.com/go-playground/assert/v2"
	"github.com/go-redis/redis/v8"
)

type fakeRedis struct {
	hashes  map[string]map[string]string
	ttls    map[string]time.Duration
	failSet error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hashes: map[string]map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	if f.failSet != nil {
		return redis.NewIntResult(0, f.failSet)
	}
	h, ok := f.hashes[key]
	if !ok {
		h = map[string]string{}
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[fmt.Sprint(values[i])] = fmt.Sprint(values[i+1])
	}
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (f *fakeRedis) Expire(_ context.Context, key string, exp time.Duration) *redis.BoolCmd {
	f.ttls[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) HGetAll(_ context.Context, key string) *redis.StringStringMapCmd {
	return redis.NewStringStringMapResult(f.hashes[key], nil)
}

func TestMirrorWritesHashWithTTL(t *testing.T) {
	rdb := newFakeRedis()
	m := New(logging.Discard(), rdb, time.Minute)
	seen := time.UnixMilli(1700000000123)

	m.PresenceChanged(context.Background(), presence.Record{
		UserID:      "alice",
		WorkspaceID: "w1",
		Status:      presence.StatusOnline,
		CurrentRoom: "doc:1",
		LastSeen:    seen,
		Cursor:      &events.Cursor{DocumentID: "1", Position: 3},
	})

	h := rdb.hashes["presence:alice"]
	assert.Equal(t, h["status"], "online")
	assert.Equal(t, h["room"], "doc:1")
	assert.Equal(t, h["cursorPosition"], "3")
	assert.Equal(t, rdb.ttls["presence:alice"], time.Minute)

	rec, ok, err := m.Lookup(context.Background(), "alice")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, rec.Status, presence.StatusOnline)
	assert.Equal(t, rec.LastSeen.Equal(seen), true)
}

func TestMirrorSkipsTTLWhenWriteFails(t *testing.T) {
	rdb := newFakeRedis()
	rdb.failSet = errors.New("connection refused")
	m := New(logging.Discard(), rdb, 0)

	m.PresenceChanged(context.Background(), presence.Record{UserID: "bob", Status: presence.StatusAway})
	_, ok := rdb.ttls["presence:bob"]
	assert.Equal(t, ok, false)

	_, found, err := m.Lookup(context.Background(), "bob")
	assert.Equal(t, err, nil)
	assert.Equal(t, found, false)
}
