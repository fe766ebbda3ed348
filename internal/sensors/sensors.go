// Package sensors defines the sensor capability and the class
// registry nodes build their broadcast set from.
package sensors

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/fieldlink/fieldlink/internal/protocol"
)

// Sensor produces readings for one attached device.
type Sensor interface {
	// ClassID identifies the hardware class (e.g. "bme280").
	ClassID() string

	// Read samples the device. A reading with a nil Value reports a
	// named measurement that failed.
	Read() ([]protocol.Reading, error)
}

// BulkSource is implemented by sensors that additionally produce large
// opaque payloads (snapshots, logs). Those travel as erasure-coded
// payload streams instead of telemetry packets.
type BulkSource interface {
	ReadBulk() ([]byte, error)
}

// Factory creates a sensor instance for a class.
type Factory func() (Sensor, error)

var (
	mu        sync.Mutex
	factories = make(map[string]Factory)
)

// Register adds a sensor class to the registry. Duplicate registration
// panics; classes are registered from init functions.
func Register(class string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := factories[class]; ok {
		panic("sensors: duplicate class " + class)
	}
	factories[class] = f
}

// New instantiates a sensor by class name.
func New(class string) (Sensor, error) {
	mu.Lock()
	f, ok := factories[class]
	mu.Unlock()
	if !ok {
		return nil, errors.Errorf("sensors: unknown class %q", class)
	}
	return f()
}

// Classes returns the registered class names, sorted.
func Classes() []string {
	mu.Lock()
	defer mu.Unlock()
	out := make([]string, 0, len(factories))
	for class := range factories {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}
