package sensors

import (
	"math/rand"
	"sync"

	"github.com/fieldlink/fieldlink/internal/protocol"
)

func init() {
	Register("sim_bme280", func() (Sensor, error) {
		return &SimBME280{temp: 21, humidity: 45, pressure: 1013}, nil
	})
	Register("sim_soil", func() (Sensor, error) {
		return &SimSoil{moisture: 30}, nil
	})
}

func ptr(v float64) *float64 { return &v }

// SimBME280 is a simulated temperature/humidity/pressure sensor whose
// values drift with a bounded random walk. Used on bench nodes and in
// tests; hardware builds register real drivers under other classes.
type SimBME280 struct {
	mu       sync.Mutex
	temp     float64
	humidity float64
	pressure float64
}

// ClassID implements Sensor.
func (s *SimBME280) ClassID() string { return "sim_bme280" }

// Read implements Sensor.
func (s *SimBME280) Read() ([]protocol.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.temp += rand.Float64() - 0.5
	s.humidity = clamp(s.humidity+(rand.Float64()-0.5)*2, 0, 100)
	s.pressure += (rand.Float64() - 0.5) * 0.4

	return []protocol.Reading{
		{ClassID: s.ClassID(), Name: "temp_c", Units: "C", Value: ptr(s.temp), Precision: 1},
		{ClassID: s.ClassID(), Name: "humidity_pct", Units: "%", Value: ptr(s.humidity), Precision: 1},
		{ClassID: s.ClassID(), Name: "pressure_hpa", Units: "hPa", Value: ptr(s.pressure), Precision: 2},
	}, nil
}

// SimSoil is a simulated soil-moisture probe.
type SimSoil struct {
	mu       sync.Mutex
	moisture float64
}

// ClassID implements Sensor.
func (s *SimSoil) ClassID() string { return "sim_soil" }

// Read implements Sensor.
func (s *SimSoil) Read() ([]protocol.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.moisture = clamp(s.moisture+(rand.Float64()-0.5)*3, 0, 100)
	return []protocol.Reading{
		{ClassID: s.ClassID(), Name: "moisture_pct", Units: "%", Value: ptr(s.moisture), Precision: 1},
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
