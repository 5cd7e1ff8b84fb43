package state

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated   = errors.New("connection has no authenticated principal")
	ErrAlreadyRegistered = errors.New("connection is already registered")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotOpen           = errors.New("connection is not open")
	ErrReservedRoom      = errors.New("room id is reserved")
	ErrPrincipalMismatch = errors.New("principal belongs to a different user")
)

type TimeoutKind string

const (
	TimeoutHeartbeat         TimeoutKind = "heartbeat"
	TimeoutAggregationWindow TimeoutKind = "aggregation-window"
	TimeoutAuthVerify        TimeoutKind = "auth-verify"
)

// TimeoutError reports an expired liveness or processing deadline.
type TimeoutError struct {
	Kind TimeoutKind
	ID   string
}

func (e *TimeoutError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s timeout", e.Kind)
	}
	return fmt.Sprintf("%s timeout: %s", e.Kind, e.ID)
}
