package sensors

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	assert := require.New(t)

	assert.Contains(Classes(), "sim_bme280")
	assert.Contains(Classes(), "sim_soil")

	s, err := New("sim_bme280")
	assert.NoError(err)
	assert.Equal("sim_bme280", s.ClassID())

	_, err = New("nope")
	assert.Error(err)
}

func TestSimBME280Read(t *testing.T) {
	assert := require.New(t)

	s, err := New("sim_bme280")
	assert.NoError(err)

	readings, err := s.Read()
	assert.NoError(err)
	assert.Len(readings, 3)
	for _, r := range readings {
		assert.Equal("sim_bme280", r.ClassID)
		assert.NotNil(r.Value)
	}

	// Humidity stays within physical bounds across many samples.
	for i := 0; i < 500; i++ {
		readings, err = s.Read()
		assert.NoError(err)
		h := *readings[1].Value
		assert.True(h >= 0 && h <= 100)
	}
}
