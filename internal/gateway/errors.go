package gateway

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Errors returned by the command queue and discovery coordinator.
var (
	// ErrQueueFull is returned when the backlog is at capacity.
	ErrQueueFull = errors.New("gateway: command queue full")

	// ErrWaitTimeout is returned when a caller stopped waiting before
	// the command resolved. The outcome is unknown: retries continue in
	// the background and the result stays retrievable until its TTL.
	ErrWaitTimeout = errors.New("gateway: wait timeout, command still pending")

	// ErrCancelled is returned to waiters when the command was removed
	// from the queue before resolving.
	ErrCancelled = errors.New("gateway: command cancelled")
)

// NoResponseError is the failure of a command that exhausted its
// retries without a single ack.
type NoResponseError struct {
	CommandID string
	Attempts  int
}

func (e *NoResponseError) Error() string {
	return fmt.Sprintf("gateway: no response for command %s after %d attempts", e.CommandID, e.Attempts)
}

// PartialResponseError is the failure of a broadcast command that
// collected some acks but fewer than expected before exhausting its
// retries.
type PartialResponseError struct {
	CommandID string
	Attempts  int
	Acked     []string
	Expected  int
}

func (e *PartialResponseError) Error() string {
	return fmt.Sprintf("gateway: partial response for command %s: %d/%d acks after %d attempts",
		e.CommandID, len(e.Acked), e.Expected, e.Attempts)
}

// RosterMismatchError reports a discovery run whose rounds did not
// agree on a single responder set.
type RosterMismatchError struct {
	Round   int
	Missing []string
	Extra   []string
}

func (e *RosterMismatchError) Error() string {
	sort.Strings(e.Missing)
	sort.Strings(e.Extra)
	return fmt.Sprintf("gateway: discovery roster mismatch in round %d (missing %v, extra %v)",
		e.Round, e.Missing, e.Extra)
}
