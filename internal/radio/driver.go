package radio

import (
	"sync"

	"github.com/pkg/errors"
)

// DriverConfig is passed to a driver when the radio is opened.
type DriverConfig struct {
	// FrequencyMHz is the initial listen frequency.
	FrequencyMHz float64
}

// DriverFunc opens a radio.
type DriverFunc func(c DriverConfig) (Radio, error)

var (
	driversMux sync.Mutex
	drivers    = make(map[string]DriverFunc)
)

// RegisterDriver registers a radio driver. Drivers register from their
// init functions; registering the same name twice panics.
func RegisterDriver(name string, f DriverFunc) {
	driversMux.Lock()
	defer driversMux.Unlock()
	if _, ok := drivers[name]; ok {
		panic("radio: driver already registered: " + name)
	}
	drivers[name] = f
}

// Open opens the named radio driver.
func Open(name string, c DriverConfig) (Radio, error) {
	driversMux.Lock()
	f, ok := drivers[name]
	driversMux.Unlock()
	if !ok {
		return nil, errors.Errorf("radio: unknown driver %q", name)
	}
	return f(c)
}

func init() {
	// The sim driver is a bench radio on a private link: transmissions
	// go nowhere and nothing is ever received. Useful for smoke-testing
	// a deployment without hardware.
	RegisterDriver("sim", func(c DriverConfig) (Radio, error) {
		return NewSimLink().Endpoint(c.FrequencyMHz), nil
	})
}
