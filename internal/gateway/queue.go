package gateway

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fieldlink/fieldlink/internal/protocol"
)

// ErrUnknownCommand is returned by Wait and Cancel for an id that is
// neither pending nor in the completed-result cache.
var ErrUnknownCommand = errors.New("gateway: unknown command id")

// Settings holds the tunable queue parameters. They can be changed at
// runtime through the gateway parameter registry.
type Settings struct {
	// MaxSize bounds the backlog (commands waiting behind the one in
	// flight).
	MaxSize int

	// MaxRetries is the total number of transmissions per command.
	MaxRetries int

	InitialRetryInterval time.Duration
	MaxRetryInterval     time.Duration
	RetryMultiplier      float64

	// WaitTimeout is the default bound for synchronous waiters.
	WaitTimeout time.Duration

	// ResponseTTL is how long a resolved result stays retrievable.
	ResponseTTL time.Duration
}

// Validate checks the settings for internal consistency. A wait
// timeout shorter than the worst-case retry schedule is legal but
// means synchronous callers can time out on commands that later
// succeed, so it is logged.
func (s Settings) Validate() error {
	if s.MaxSize < 1 {
		return errors.New("gateway: queue max size must be >= 1")
	}
	if s.MaxRetries < 1 {
		return errors.New("gateway: max retries must be >= 1")
	}
	if s.InitialRetryInterval <= 0 || s.MaxRetryInterval < s.InitialRetryInterval {
		return errors.New("gateway: invalid retry intervals")
	}
	if s.RetryMultiplier < 1 {
		return errors.New("gateway: retry multiplier must be >= 1")
	}
	if s.WaitTimeout < s.RetrySpan() {
		log.WithFields(log.Fields{
			"wait_timeout": s.WaitTimeout,
			"retry_span":   s.RetrySpan(),
		}).Warning("gateway: wait timeout shorter than worst-case retry span")
	}
	return nil
}

// RetrySpan returns the time a command can spend in flight before it
// is declared expired: the sum of all backoff delays.
func (s Settings) RetrySpan() time.Duration {
	var total time.Duration
	for i := 1; i <= s.MaxRetries; i++ {
		total += s.retryDelay(i)
	}
	return total
}

// retryDelay returns the backoff delay after the attempt-th
// transmission (1-based).
func (s Settings) retryDelay(attempt int) time.Duration {
	d := time.Duration(float64(s.InitialRetryInterval) * math.Pow(s.RetryMultiplier, float64(attempt-1)))
	if d > s.MaxRetryInterval {
		d = s.MaxRetryInterval
	}
	return d
}

// CommandRequest describes a command to enqueue.
type CommandRequest struct {
	Name string
	Args []string

	// NodeID empty means broadcast.
	NodeID string

	// ExpectedAcks is the number of distinct node acks that resolves
	// the command. Zero defaults to one.
	ExpectedAcks int

	// MaxRetries overrides the queue default when non-zero.
	MaxRetries int
}

// Result is the terminal outcome of a command. Err is nil when the
// expected acks arrived, otherwise a NoResponseError,
// PartialResponseError or ErrCancelled.
type Result struct {
	CommandID string
	Name      string
	NodeID    string
	Attempts  int
	Duration  time.Duration

	// Acked lists the distinct nodes that acknowledged, sorted.
	Acked []string
	// Responses maps node id to its ack payload, for acks that carried
	// one.
	Responses map[string]map[string]interface{}

	Err error
}

// Response returns the single-target ack payload, or nil.
func (r *Result) Response() map[string]interface{} {
	for _, p := range r.Responses {
		return p
	}
	return nil
}

// Outbound is a snapshot of the in-flight command handed to the
// transceiver for transmission.
type Outbound struct {
	ID      string
	Name    string
	NodeID  string
	Attempt int
	Packet  []byte
}

type pendingCommand struct {
	id           string
	name         string
	args         []string
	nodeID       string
	packet       []byte
	expectedAcks int
	maxRetries   int

	retryCount int
	firstSent  time.Time
	nextRetry  time.Time
	enqueued   time.Time

	acked     map[string]bool
	responses map[string]map[string]interface{}

	done   chan struct{}
	result *Result
}

type completedEntry struct {
	result  *Result
	expires time.Time
}

// Queue serializes command delivery: at most one command is in flight,
// the rest wait in a FIFO backlog. The transceiver goroutine drives
// transmission and retries through DueCommand, MarkSent and
// CheckExpired; any goroutine may enqueue, wait, cancel or feed acks.
type Queue struct {
	mu       sync.Mutex
	settings Settings

	current   *pendingCommand
	backlog   []*pendingCommand
	completed map[string]completedEntry
}

// NewQueue creates a queue with the given settings.
func NewQueue(s Settings) (*Queue, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Queue{
		settings:  s,
		completed: make(map[string]completedEntry),
	}, nil
}

// Settings returns the current queue settings.
func (q *Queue) Settings() Settings {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.settings
}

// UpdateSettings replaces the queue settings. Commands already pending
// keep the retry budget they were enqueued with.
func (q *Queue) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	q.settings = s
	q.mu.Unlock()
	return nil
}

// Enqueue builds the command packet and adds it to the queue. The
// returned id identifies the command for Wait, Cancel and ack
// correlation.
func (q *Queue) Enqueue(req CommandRequest) (string, error) {
	packet, built, err := protocol.BuildCommand(req.Name, req.Args, req.NodeID)
	if err != nil {
		return "", err
	}
	id := built.ID()

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.backlog) >= q.settings.MaxSize {
		commandCounter("rejected").Inc()
		return "", ErrQueueFull
	}

	expected := req.ExpectedAcks
	if expected < 1 {
		expected = 1
	}
	maxRetries := req.MaxRetries
	if maxRetries < 1 {
		maxRetries = q.settings.MaxRetries
	}

	cmd := &pendingCommand{
		id:           id,
		name:         req.Name,
		args:         req.Args,
		nodeID:       req.NodeID,
		packet:       packet,
		expectedAcks: expected,
		maxRetries:   maxRetries,
		enqueued:     time.Now(),
		acked:        make(map[string]bool),
		responses:    make(map[string]map[string]interface{}),
		done:         make(chan struct{}),
	}

	if q.current == nil {
		q.current = cmd
	} else {
		q.backlog = append(q.backlog, cmd)
	}

	commandCounter("enqueued").Inc()
	log.WithFields(log.Fields{
		"command_id": id,
		"command":    req.Name,
		"node_id":    req.NodeID,
		"backlog":    len(q.backlog),
	}).Info("gateway: command enqueued")
	return id, nil
}

// DueCommand returns the in-flight command when a transmission is due,
// nil otherwise. Only the transceiver goroutine calls this.
func (q *Queue) DueCommand(now time.Time) *Outbound {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmd := q.current
	if cmd == nil || cmd.retryCount >= cmd.maxRetries || now.Before(cmd.nextRetry) {
		return nil
	}
	return &Outbound{
		ID:      cmd.id,
		Name:    cmd.name,
		NodeID:  cmd.nodeID,
		Attempt: cmd.retryCount + 1,
		Packet:  cmd.packet,
	}
}

// MarkSent records a transmission of the in-flight command and arms
// the next retry timer.
func (q *Queue) MarkSent(id string, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmd := q.current
	if cmd == nil || cmd.id != id {
		return
	}
	cmd.retryCount++
	if cmd.firstSent.IsZero() {
		cmd.firstSent = now
	} else {
		retryCounter().Inc()
	}
	cmd.nextRetry = now.Add(q.settings.retryDelay(cmd.retryCount))
}

// AckReceived correlates an ack with the in-flight command. Duplicate
// acks from the same node are ignored. The resolved result is returned
// once the expected number of distinct nodes has acknowledged.
func (q *Queue) AckReceived(commandID, nodeID string, payload map[string]interface{}) (*Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmd := q.current
	if cmd == nil || cmd.id != commandID {
		// Stale ack for an already-resolved command, or noise.
		return nil, false
	}
	if cmd.acked[nodeID] {
		return nil, true
	}
	cmd.acked[nodeID] = true
	if payload != nil {
		cmd.responses[nodeID] = payload
	}

	log.WithFields(log.Fields{
		"command_id": commandID,
		"node_id":    nodeID,
		"acks":       len(cmd.acked),
		"expected":   cmd.expectedAcks,
	}).Info("gateway: ack received")

	if len(cmd.acked) < cmd.expectedAcks {
		return nil, true
	}
	res := q.resolveCurrentLocked(nil, time.Now())
	commandCounter("acked").Inc()
	return res, true
}

// CheckExpired resolves the in-flight command as failed once its retry
// budget is spent and the last backoff delay has elapsed. Only the
// transceiver goroutine calls this.
func (q *Queue) CheckExpired(now time.Time) *Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmd := q.current
	if cmd == nil || cmd.retryCount < cmd.maxRetries || now.Before(cmd.nextRetry) {
		return nil
	}

	var err error
	if len(cmd.acked) == 0 {
		err = &NoResponseError{CommandID: cmd.id, Attempts: cmd.retryCount}
	} else {
		err = &PartialResponseError{
			CommandID: cmd.id,
			Attempts:  cmd.retryCount,
			Acked:     sortedKeys(cmd.acked),
			Expected:  cmd.expectedAcks,
		}
	}
	res := q.resolveCurrentLocked(err, now)
	commandCounter("expired").Inc()
	log.WithFields(log.Fields{
		"command_id": res.CommandID,
		"command":    res.Name,
		"attempts":   res.Attempts,
		"acks":       len(res.Acked),
	}).Warning("gateway: command expired")
	return res
}

// resolveCurrentLocked finalizes the in-flight command, wakes waiters
// and promotes the next backlog entry. Caller holds q.mu.
func (q *Queue) resolveCurrentLocked(errOutcome error, now time.Time) *Result {
	cmd := q.current
	res := &Result{
		CommandID: cmd.id,
		Name:      cmd.name,
		NodeID:    cmd.nodeID,
		Attempts:  cmd.retryCount,
		Acked:     sortedKeys(cmd.acked),
		Responses: cmd.responses,
		Err:       errOutcome,
	}
	if !cmd.firstSent.IsZero() {
		res.Duration = now.Sub(cmd.firstSent)
	}
	cmd.result = res
	close(cmd.done)

	q.sweepCompletedLocked(now)
	q.completed[cmd.id] = completedEntry{result: res, expires: now.Add(q.settings.ResponseTTL)}

	q.current = nil
	if len(q.backlog) > 0 {
		q.current = q.backlog[0]
		q.backlog = q.backlog[1:]
	}
	return res
}

func (q *Queue) sweepCompletedLocked(now time.Time) {
	for id, e := range q.completed {
		if now.After(e.expires) {
			delete(q.completed, id)
		}
	}
}

// Wait blocks until the command resolves or timeout elapses. A zero
// timeout uses the configured default. On timeout the command keeps
// retrying and its result stays retrievable through Wait or Peek until
// the response TTL.
func (q *Queue) Wait(id string, timeout time.Duration) (*Result, error) {
	q.mu.Lock()
	if timeout <= 0 {
		timeout = q.settings.WaitTimeout
	}
	if e, ok := q.completed[id]; ok {
		q.mu.Unlock()
		return e.result, nil
	}
	cmd := q.findLocked(id)
	if cmd == nil {
		q.mu.Unlock()
		return nil, errors.Wrap(ErrUnknownCommand, id)
	}
	done := cmd.done
	q.mu.Unlock()

	select {
	case <-done:
		return cmd.result, nil
	case <-time.After(timeout):
		return nil, ErrWaitTimeout
	}
}

// Peek returns the resolved result for id, if still cached.
func (q *Queue) Peek(id string) (*Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sweepCompletedLocked(time.Now())
	e, ok := q.completed[id]
	if !ok {
		return nil, false
	}
	return e.result, true
}

// Cancel removes a pending command. Waiters are resolved with
// ErrCancelled.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && q.current.id == id {
		q.resolveCurrentLocked(ErrCancelled, time.Now())
		commandCounter("cancelled").Inc()
		return nil
	}
	for i, cmd := range q.backlog {
		if cmd.id != id {
			continue
		}
		q.backlog = append(q.backlog[:i], q.backlog[i+1:]...)
		res := &Result{CommandID: cmd.id, Name: cmd.name, NodeID: cmd.nodeID, Err: ErrCancelled}
		cmd.result = res
		close(cmd.done)
		q.completed[cmd.id] = completedEntry{result: res, expires: time.Now().Add(q.settings.ResponseTTL)}
		commandCounter("cancelled").Inc()
		return nil
	}
	return errors.Wrap(ErrUnknownCommand, id)
}

// Flush cancels the in-flight command and the whole backlog, returning
// the number of commands dropped.
func (q *Queue) Flush() int {
	q.mu.Lock()
	ids := make([]string, 0, len(q.backlog)+1)
	for _, cmd := range q.backlog {
		ids = append(ids, cmd.id)
	}
	if q.current != nil {
		ids = append(ids, q.current.id)
	}
	q.mu.Unlock()

	for _, id := range ids {
		if err := q.Cancel(id); err != nil {
			log.WithError(err).WithField("command_id", id).Warning("gateway: flush cancel error")
		}
	}
	return len(ids)
}

// PendingCount returns the number of unresolved commands, the in-flight
// one included.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.backlog)
	if q.current != nil {
		n++
	}
	return n
}

func (q *Queue) findLocked(id string) *pendingCommand {
	if q.current != nil && q.current.id == id {
		return q.current
	}
	for _, cmd := range q.backlog {
		if cmd.id == id {
			return cmd
		}
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
