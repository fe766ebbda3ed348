package radio

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Staged parameter names.
const (
	ParamSpreadingFactor = "sf"
	ParamBandwidth       = "bw"
	ParamTxPower         = "txpwr"
)

// ErrHardwareWrite wraps a failed radio configuration write. The staged
// values are discarded and the cache keeps the last-known-good state.
var ErrHardwareWrite = errors.New("radio: hardware configuration write failed")

// Params is a coherent snapshot of the mutable radio parameters plus
// the frequency pair, which is fixed at startup.
type Params struct {
	SpreadingFactor int
	BandwidthCode   int
	TxPower         int

	// N2GFrequency carries node-to-gateway traffic (telemetry, acks);
	// G2NFrequency carries gateway-to-node traffic (commands).
	N2GFrequency float64
	G2NFrequency float64
}

type paramBounds struct{ min, max int }

var stagedBounds = map[string]paramBounds{
	ParamSpreadingFactor: {7, 12},
	ParamBandwidth:       {0, 2},
	ParamTxPower:         {5, 23},
}

// State caches the radio parameters so that goroutines which do not own
// the hardware can read configuration without touching it. Writes are
// staged with SetPending and committed by the owning goroutine through
// ApplyPending; the cache is updated only after the hardware write
// succeeded.
type State struct {
	mu      sync.RWMutex
	radio   Radio
	params  Params
	pending map[string]string
}

// NewState wraps the (already configured) radio with a cache seeded
// from the startup parameters.
func NewState(r Radio, p Params) *State {
	return &State{
		radio:   r,
		params:  p,
		pending: make(map[string]string),
	}
}

// Radio returns the hardware handle. Only the owning goroutine may call
// this.
func (s *State) Radio() Radio {
	return s.radio
}

// Snapshot returns the cached parameters. It never blocks on hardware.
func (s *State) Snapshot() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// SetPending stages a parameter change. The value is validated but not
// applied; it becomes visible in Snapshot only after the owning
// goroutine's next ApplyPending succeeds.
func (s *State) SetPending(name, value string) error {
	bounds, ok := stagedBounds[name]
	if !ok {
		return errors.Errorf("radio: unknown staged param %q", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return errors.Errorf("radio: invalid value for %s: %q", name, value)
	}
	if v < bounds.min || v > bounds.max {
		return errors.Errorf("radio: %s out of range %d..%d", name, bounds.min, bounds.max)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[name] = value
	return nil
}

// Pending returns a copy of the staged values.
func (s *State) Pending() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.pending))
	for k, v := range s.pending {
		out[k] = v
	}
	return out
}

// HasPending reports whether any change is staged.
func (s *State) HasPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending) > 0
}

// ClearPending drops all staged values without applying them.
func (s *State) ClearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[string]string)
}

// Effective returns the snapshot with staged values overlaid, i.e. the
// configuration the radio will have after the next ApplyPending.
func (s *State) Effective() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.params
	if v, ok := s.pending[ParamSpreadingFactor]; ok {
		p.SpreadingFactor, _ = strconv.Atoi(v)
	}
	if v, ok := s.pending[ParamBandwidth]; ok {
		p.BandwidthCode, _ = strconv.Atoi(v)
	}
	if v, ok := s.pending[ParamTxPower]; ok {
		p.TxPower, _ = strconv.Atoi(v)
	}
	return p
}

// ApplyPending commits all staged values to the hardware. Must be
// called from the goroutine that owns the radio. On success the cache
// is updated and the applied changes are returned as "name=value"
// strings; on failure the stage is discarded and the cache keeps the
// previous values.
func (s *State) ApplyPending() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil, nil
	}
	pending := s.pending
	s.pending = make(map[string]string)

	next := s.params
	names := make([]string, 0, len(pending))
	for name := range pending {
		names = append(names, name)
	}
	sort.Strings(names)

	applied := make([]string, 0, len(names))
	for _, name := range names {
		value := pending[name]
		v, _ := strconv.Atoi(value)
		var err error
		switch name {
		case ParamSpreadingFactor:
			if err = s.radio.SetSpreadingFactor(v); err == nil {
				next.SpreadingFactor = v
			}
		case ParamBandwidth:
			var hz int
			if hz, err = BandwidthHz(v); err == nil {
				if err = s.radio.SetBandwidth(hz); err == nil {
					next.BandwidthCode = v
				}
			}
		case ParamTxPower:
			if err = s.radio.SetTxPower(v); err == nil {
				next.TxPower = v
			}
		}
		if err != nil {
			log.WithError(err).WithField("param", name).Error("radio: apply staged param error")
			return nil, errors.Wrapf(ErrHardwareWrite, "%s=%s: %s", name, value, err)
		}
		applied = append(applied, fmt.Sprintf("%s=%s", name, value))
	}

	s.params = next
	return applied, nil
}
