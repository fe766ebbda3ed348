package radio

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// SimLink is an in-memory radio medium connecting two or more simulated
// transceivers. Delivery honors the half-duplex frequency model: a
// packet reaches an endpoint only if that endpoint is tuned to the
// sender's frequency at transmit time. Used by loop tests and the
// bench tooling; real deployments plug in a hardware driver instead.
type SimLink struct {
	mu        sync.Mutex
	endpoints []*SimRadio

	// Loss, when set, is consulted per delivery; returning true drops
	// the packet.
	Loss func(p []byte) bool
}

// NewSimLink creates an empty medium.
func NewSimLink() *SimLink {
	return &SimLink{}
}

// Endpoint creates a new transceiver attached to the link, tuned to the
// given frequency.
func (l *SimLink) Endpoint(freqMHz float64) *SimRadio {
	r := &SimRadio{
		link: l,
		freq: freqMHz,
		rx:   make(chan simPacket, 64),
	}
	l.mu.Lock()
	l.endpoints = append(l.endpoints, r)
	l.mu.Unlock()
	return r
}

type simPacket struct {
	data []byte
	freq float64
}

// SimRadio implements Radio over a SimLink.
type SimRadio struct {
	link *SimLink

	mu     sync.Mutex
	freq   float64
	sf     int
	bwHz   int
	power  int
	closed bool

	// Failures for the configuration setters, toggled by tests.
	FailConfig bool

	rx chan simPacket
}

var _ Radio = (*SimRadio)(nil)

// Send delivers the packet to every other endpoint tuned to this
// radio's current frequency.
func (r *SimRadio) Send(p []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("radio: closed")
	}
	freq := r.freq
	r.mu.Unlock()

	data := make([]byte, len(p))
	copy(data, p)

	r.link.mu.Lock()
	loss := r.link.Loss
	endpoints := append([]*SimRadio(nil), r.link.endpoints...)
	r.link.mu.Unlock()

	if loss != nil && loss(data) {
		return nil
	}

	for _, other := range endpoints {
		if other == r {
			continue
		}
		other.mu.Lock()
		tuned := !other.closed && other.freq == freq
		other.mu.Unlock()
		if !tuned {
			continue
		}
		select {
		case other.rx <- simPacket{data: data, freq: freq}:
		default:
			// Receiver buffer overrun: the packet is lost on air.
		}
	}
	return nil
}

// Receive waits up to timeout for a packet on the current frequency.
func (r *SimRadio) Receive(timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case pkt := <-r.rx:
			r.mu.Lock()
			tuned := pkt.freq == r.freq
			r.mu.Unlock()
			if tuned {
				return pkt.data, nil
			}
			// Arrived while tuned elsewhere; discard and keep waiting.
		case <-deadline.C:
			return nil, nil
		}
	}
}

func (r *SimRadio) SetFrequency(mhz float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailConfig {
		return errors.New("radio: simulated configuration failure")
	}
	r.freq = mhz
	return nil
}

func (r *SimRadio) SetSpreadingFactor(sf int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailConfig {
		return errors.New("radio: simulated configuration failure")
	}
	r.sf = sf
	return nil
}

func (r *SimRadio) SetBandwidth(hz int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailConfig {
		return errors.New("radio: simulated configuration failure")
	}
	r.bwHz = hz
	return nil
}

func (r *SimRadio) SetTxPower(dbm int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailConfig {
		return errors.New("radio: simulated configuration failure")
	}
	r.power = dbm
	return nil
}

// LastRSSI returns a fixed plausible strength; the simulation does not
// model attenuation.
func (r *SimRadio) LastRSSI() int {
	return -42
}

func (r *SimRadio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
