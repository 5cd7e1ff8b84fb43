// Package redismirror copies presence records into Redis hashes so that other
// processes can read who is online.
package redismirror

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/a-essam23/livecore/pkg/presence"
	"github.com/go-redis/redis/v8"
)

const KeyPrefix = "presence:"

// Client is the subset of *redis.Client the mirror uses.
type Client interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
}

type Mirror struct {
	client  Client
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

var _ presence.Listener = (*Mirror)(nil)

func New(logger *slog.Logger, client Client, ttl time.Duration) *Mirror {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Mirror{
		client:  client,
		ttl:     ttl,
		timeout: 2 * time.Second,
		logger:  logger.With(slog.String("component", "presence_redis")),
	}
}

func (m *Mirror) PresenceChanged(ctx context.Context, r presence.Record) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	key := KeyPrefix + r.UserID
	fields := []interface{}{
		"status", string(r.Status),
		"workspaceId", r.WorkspaceID,
		"room", r.CurrentRoom,
		"lastSeen", strconv.FormatInt(r.LastSeen.UnixMilli(), 10),
	}
	if r.Cursor != nil {
		fields = append(fields, "cursorDocument", r.Cursor.DocumentID, "cursorPosition", r.Cursor.Position)
	}
	if err := m.client.HSet(ctx, key, fields...).Err(); err != nil {
		m.logger.Warn("Failed to mirror presence", slog.String("userID", r.UserID), slog.Any("error", err))
		return
	}
	if err := m.client.Expire(ctx, key, m.ttl).Err(); err != nil {
		m.logger.Warn("Failed to set presence ttl", slog.String("userID", r.UserID), slog.Any("error", err))
	}
}

// Lookup reads a mirrored record. Cursor data is not restored.
func (m *Mirror) Lookup(ctx context.Context, userID string) (presence.Record, bool, error) {
	vals, err := m.client.HGetAll(ctx, KeyPrefix+userID).Result()
	if err != nil {
		return presence.Record{}, false, err
	}
	if len(vals) == 0 {
		return presence.Record{}, false, nil
	}
	ms, _ := strconv.ParseInt(vals["lastSeen"], 10, 64)
	return presence.Record{
		UserID:      userID,
		WorkspaceID: vals["workspaceId"],
		Status:      presence.Status(vals["status"]),
		CurrentRoom: vals["room"],
		LastSeen:    time.UnixMilli(ms),
	}, true, nil
}
