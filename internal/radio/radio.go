// Package radio defines the capability interface for the LoRa
// transceiver hardware and the cached view of its mutable parameters.
//
// Exactly one goroutine per device role owns the hardware handle. Every
// other goroutine observes radio configuration through the State cache,
// never through the handle itself: the underlying bus access is an
// unfair spin-wait, and a tight receive loop can starve a low-frequency
// reader indefinitely.
package radio

import (
	"time"

	"github.com/pkg/errors"
)

// Radio is the capability exposed by a transceiver driver. Two chip
// families implement it (one through the other's framing compatibility
// mode); the protocol stack above never distinguishes them.
type Radio interface {
	// Send transmits a single packet. It blocks until the air time is
	// spent or the driver reports failure.
	Send(p []byte) error

	// Receive blocks up to timeout for one packet. It returns
	// (nil, nil) when the window closes without traffic.
	Receive(timeout time.Duration) ([]byte, error)

	SetFrequency(mhz float64) error
	SetSpreadingFactor(sf int) error
	SetBandwidth(hz int) error
	SetTxPower(dbm int) error

	// LastRSSI returns the signal strength of the most recent receive
	// in dB.
	LastRSSI() int

	Close() error
}

// Bandwidth is carried on the wire and in configuration as a code.
var (
	bwHz   = map[int]int{0: 125000, 1: 250000, 2: 500000}
	bwCode = map[int]int{125000: 0, 250000: 1, 500000: 2}
)

// BandwidthHz translates a bandwidth code to Hz.
func BandwidthHz(code int) (int, error) {
	hz, ok := bwHz[code]
	if !ok {
		return 0, errors.Errorf("radio: unknown bandwidth code %d", code)
	}
	return hz, nil
}

// BandwidthCode translates a bandwidth in Hz to its code.
func BandwidthCode(hz int) (int, error) {
	code, ok := bwCode[hz]
	if !ok {
		return 0, errors.Errorf("radio: unknown bandwidth %d Hz", hz)
	}
	return code, nil
}
