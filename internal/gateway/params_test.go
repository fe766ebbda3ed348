package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldlink/fieldlink/internal/radio"
)

func testRegistry(t *testing.T) (*ParamRegistry, *radio.State, *Queue) {
	link := radio.NewSimLink()
	state := radio.NewState(link.Endpoint(testN2G), radio.Params{
		SpreadingFactor: 7,
		BandwidthCode:   0,
		TxPower:         17,
		N2GFrequency:    testN2G,
		G2NFrequency:    testG2N,
	})
	q, err := NewQueue(testSettings())
	require.NoError(t, err)
	return NewParamRegistry("barn-gw", state, q), state, q
}

func TestParamRegistryRadioParamsAreStaged(t *testing.T) {
	assert := require.New(t)

	reg, state, _ := testRegistry(t)
	assert.True(reg.Staged("sf"))

	assert.NoError(reg.Set("sf", "10"))

	// Get reflects the staged value, the hardware cache does not.
	v, err := reg.Get("sf")
	assert.NoError(err)
	assert.Equal("10", v)
	assert.Equal(7, state.Snapshot().SpreadingFactor)
	assert.True(state.HasPending())
}

func TestParamRegistryQueueParamsApplyImmediately(t *testing.T) {
	assert := require.New(t)

	reg, _, q := testRegistry(t)
	assert.False(reg.Staged("max_retries"))

	assert.NoError(reg.Set("max_retries", "8"))
	assert.Equal(8, q.Settings().MaxRetries)

	assert.NoError(reg.Set("initial_retry_ms", "750"))
	assert.Equal(750*time.Millisecond, q.Settings().InitialRetryInterval)
}

func TestParamRegistryValidation(t *testing.T) {
	assert := require.New(t)

	reg, _, _ := testRegistry(t)
	assert.Error(reg.Set("sf", "42"))
	assert.Error(reg.Set("max_retries", "0"))
	assert.Error(reg.Set("retry_multiplier", "9"))
	assert.Error(reg.Set("nope", "1"))
}

func TestParamRegistryReadOnly(t *testing.T) {
	assert := require.New(t)

	reg, _, _ := testRegistry(t)

	v, err := reg.Get("gatewayid")
	assert.NoError(err)
	assert.Equal("barn-gw", v)
	assert.Error(reg.Set("gatewayid", "x"))

	v, err = reg.Get("n2g_freq")
	assert.NoError(err)
	assert.Equal("915", v)
	assert.Error(reg.Set("n2g_freq", "868"))

	all := reg.All()
	assert.Equal("17", all["txpwr"])
	assert.Contains(reg.Names(), "wait_timeout_ms")
}
