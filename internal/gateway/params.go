package gateway

import (
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fieldlink/fieldlink/internal/radio"
)

// ParamDef describes one gateway parameter. Radio parameters are
// staged (committed through ApplyRadioConfig); queue parameters apply
// immediately.
type ParamDef struct {
	Name   string
	Staged bool

	get func() string
	// set is nil for read-only params.
	set func(value string) error
}

// ParamRegistry exposes the gateway's tunable parameters by name for
// the control API and the rollout workflow.
type ParamRegistry struct {
	defs map[string]*ParamDef
}

// NewParamRegistry builds the registry over the radio state and the
// command queue.
func NewParamRegistry(gatewayID string, state *radio.State, queue *Queue) *ParamRegistry {
	defs := []*ParamDef{
		{
			Name:   radio.ParamSpreadingFactor,
			Staged: true,
			get:    func() string { return strconv.Itoa(state.Effective().SpreadingFactor) },
			set:    func(v string) error { return state.SetPending(radio.ParamSpreadingFactor, v) },
		},
		{
			Name:   radio.ParamBandwidth,
			Staged: true,
			get:    func() string { return strconv.Itoa(state.Effective().BandwidthCode) },
			set:    func(v string) error { return state.SetPending(radio.ParamBandwidth, v) },
		},
		{
			Name:   radio.ParamTxPower,
			Staged: true,
			get:    func() string { return strconv.Itoa(state.Effective().TxPower) },
			set:    func(v string) error { return state.SetPending(radio.ParamTxPower, v) },
		},
		{
			Name: "n2g_freq",
			get: func() string {
				return strconv.FormatFloat(state.Snapshot().N2GFrequency, 'f', -1, 64)
			},
		},
		{
			Name: "g2n_freq",
			get: func() string {
				return strconv.FormatFloat(state.Snapshot().G2NFrequency, 'f', -1, 64)
			},
		},
		{
			Name: "gatewayid",
			get:  func() string { return gatewayID },
		},
		{
			Name: "max_queue_size",
			get:  func() string { return strconv.Itoa(queue.Settings().MaxSize) },
			set: queueSetter(queue, func(s *Settings, v string) error {
				return intoInt(&s.MaxSize, v, 1, 1000)
			}),
		},
		{
			Name: "max_retries",
			get:  func() string { return strconv.Itoa(queue.Settings().MaxRetries) },
			set: queueSetter(queue, func(s *Settings, v string) error {
				return intoInt(&s.MaxRetries, v, 1, 100)
			}),
		},
		{
			Name: "initial_retry_ms",
			get:  func() string { return strconv.FormatInt(queue.Settings().InitialRetryInterval.Milliseconds(), 10) },
			set: queueSetter(queue, func(s *Settings, v string) error {
				return intoMillis(&s.InitialRetryInterval, v, 100, 30000)
			}),
		},
		{
			Name: "max_retry_ms",
			get:  func() string { return strconv.FormatInt(queue.Settings().MaxRetryInterval.Milliseconds(), 10) },
			set: queueSetter(queue, func(s *Settings, v string) error {
				return intoMillis(&s.MaxRetryInterval, v, 1000, 60000)
			}),
		},
		{
			Name: "retry_multiplier",
			get:  func() string { return strconv.FormatFloat(queue.Settings().RetryMultiplier, 'f', -1, 64) },
			set: queueSetter(queue, func(s *Settings, v string) error {
				f, err := strconv.ParseFloat(v, 64)
				if err != nil || f < 1 || f > 5 {
					return errors.Errorf("retry_multiplier out of range 1..5: %q", v)
				}
				s.RetryMultiplier = f
				return nil
			}),
		},
		{
			Name: "wait_timeout_ms",
			get:  func() string { return strconv.FormatInt(queue.Settings().WaitTimeout.Milliseconds(), 10) },
			set: queueSetter(queue, func(s *Settings, v string) error {
				return intoMillis(&s.WaitTimeout, v, 100, 600000)
			}),
		},
	}

	m := make(map[string]*ParamDef, len(defs))
	for _, d := range defs {
		m[d.Name] = d
	}
	return &ParamRegistry{defs: m}
}

// All returns every parameter's current value, sorted by name.
func (r *ParamRegistry) All() map[string]string {
	out := make(map[string]string, len(r.defs))
	for name, d := range r.defs {
		out[name] = d.get()
	}
	return out
}

// Names returns the parameter names, sorted.
func (r *ParamRegistry) Names() []string {
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Get returns the current (for staged params: effective) value.
func (r *ParamRegistry) Get(name string) (string, error) {
	d, ok := r.defs[name]
	if !ok {
		return "", errors.Errorf("gateway: unknown param %q", name)
	}
	return d.get(), nil
}

// Set updates a parameter. Staged parameters only become active after
// ApplyRadioConfig; the rest apply immediately.
func (r *ParamRegistry) Set(name, value string) error {
	d, ok := r.defs[name]
	if !ok {
		return errors.Errorf("gateway: unknown param %q", name)
	}
	if d.set == nil {
		return errors.Errorf("gateway: param %q is read-only", name)
	}
	if err := d.set(value); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"param":  name,
		"value":  value,
		"staged": d.Staged,
	}).Info("gateway: param set")
	return nil
}

// Staged reports whether the named parameter commits through
// ApplyRadioConfig.
func (r *ParamRegistry) Staged(name string) bool {
	d, ok := r.defs[name]
	return ok && d.Staged
}

func queueSetter(q *Queue, apply func(*Settings, string) error) func(string) error {
	return func(v string) error {
		s := q.Settings()
		if err := apply(&s, v); err != nil {
			return err
		}
		return q.UpdateSettings(s)
	}
}

func intoInt(dst *int, v string, min, max int) error {
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		return errors.Errorf("value out of range %d..%d: %q", min, max, v)
	}
	*dst = n
	return nil
}

func intoMillis(dst *time.Duration, v string, min, max int64) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < min || n > max {
		return errors.Errorf("value out of range %dms..%dms: %q", min, max, v)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}
