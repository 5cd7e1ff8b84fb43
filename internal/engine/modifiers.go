package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/a-essam23/livecore/pkg/auth"
	"github.com/a-essam23/livecore/pkg/pipeline"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// ParseRate turns "10/s", "100/m" or "1000/h" into a token bucket rate whose
// burst equals the count.
func ParseRate(spec string) (rate.Limit, int, error) {
	parts := strings.Split(spec, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid rate_limit format: %s", spec)
	}

	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("invalid rate_limit count: %s", parts[0])
	}

	var duration time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		duration = time.Second
	case "m":
		duration = time.Minute
	case "h":
		duration = time.Hour
	default:
		return 0, 0, fmt.Errorf("invalid rate_limit duration unit: %s", parts[1])
	}
	return rate.Limit(float64(limit) / duration.Seconds()), limit, nil
}

type limiterKey struct {
	event string
	spec  string
}

// limiterStore holds one token bucket per connection, message type and rate.
type limiterStore struct {
	mu    sync.Mutex
	byCon map[uuid.UUID]map[limiterKey]*rate.Limiter
}

func newLimiterStore() *limiterStore {
	return &limiterStore{byCon: make(map[uuid.UUID]map[limiterKey]*rate.Limiter)}
}

func (s *limiterStore) get(conn uuid.UUID, key limiterKey, limit rate.Limit, burst int) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.byCon[conn]
	if !ok {
		set = make(map[limiterKey]*rate.Limiter)
		s.byCon[conn] = set
	}
	l, ok := set[key]
	if !ok {
		l = rate.NewLimiter(limit, burst)
		set[key] = l
	}
	return l
}

func (s *limiterStore) drop(conn uuid.UUID) {
	s.mu.Lock()
	delete(s.byCon, conn)
	s.mu.Unlock()
}

func (s *limiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byCon)
}

func newRateLimitModifier(store *limiterStore) pipeline.ModifierFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		if len(params) != 1 {
			return errors.New("'rate_limit' modifier requires exactly one parameter (e.g., '10/m')")
		}
		limit, burst, err := ParseRate(params[0])
		if err != nil {
			return err
		}
		eventName := pctx.Message.Type
		l := store.get(pctx.Connection.ID, limiterKey{event: eventName, spec: params[0]}, limit, burst)
		if !l.AllowN(pctx.Now, 1) {
			return fmt.Errorf("%w: '%s' allows %s", pipeline.ErrRateLimited, eventName, params[0])
		}
		return nil
	}
}

// newPermissionModifier checks [action] or [action, resource] against the
// connection's principal. An empty resolved resource checks the action alone.
func newPermissionModifier(a *auth.Authenticator) pipeline.ModifierFunc {
	check := auth.CheckAction
	if a != nil {
		check = a.CheckAction
	}
	return func(pctx *pipeline.Cargo, params ...string) error {
		if len(params) < 1 || len(params) > 2 {
			return errors.New("'require_permission' requires 1 or 2 parameters: [action, resource]")
		}
		var resource string
		if len(params) == 2 {
			resource = params[1]
		}
		if !check(pctx.Principal(), params[0], resource) {
			return fmt.Errorf("%w: missing permission '%s'", pipeline.ErrForbidden, params[0])
		}
		return nil
	}
}

// requireRoom admits the message only if the connection joined the room.
func requireRoom(pctx *pipeline.Cargo, params ...string) error {
	if len(params) != 1 {
		return errors.New("'require_room' requires exactly 1 parameter: [roomID]")
	}
	if params[0] == "" {
		return fmt.Errorf("%w: room id is required", pipeline.ErrBadRequest)
	}
	if !pctx.Connection.InRoom(params[0]) {
		return fmt.Errorf("%w: not a member of room '%s'", pipeline.ErrForbidden, params[0])
	}
	return nil
}

// requirePayload rejects messages missing any of the given gjson paths.
func requirePayload(pctx *pipeline.Cargo, params ...string) error {
	if len(params) == 0 {
		return errors.New("'require_payload' requires at least 1 parameter")
	}
	for _, path := range params {
		if !gjson.GetBytes(pctx.Message.Payload, path).Exists() {
			return fmt.Errorf("%w: payload field '%s' is required", pipeline.ErrBadRequest, path)
		}
	}
	return nil
}
