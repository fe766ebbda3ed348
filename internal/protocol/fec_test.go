package protocol

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// fecPayload yields exactly four data chunks when split.
func fecPayload() []byte {
	return testPayload(920)
}

func TestFECPackShape(t *testing.T) {
	assert := require.New(t)

	packets, err := PackStreamFEC(fecPayload(), 2)
	assert.NoError(err)
	assert.Len(packets, 6)
	for _, pkt := range packets {
		assert.LessOrEqual(len(pkt), MaxPayload)
	}

	// The parity packets advertise the group geometry.
	pp, err := unpackParityPacket(packets[4])
	assert.NoError(err)
	assert.Equal(4, pp.DataCount)
	assert.Equal(2, pp.ParityCount)
	assert.Equal(0, pp.Index)
	pp, err = unpackParityPacket(packets[5])
	assert.NoError(err)
	assert.Equal(1, pp.Index)
}

func TestFECNoLoss(t *testing.T) {
	assert := require.New(t)

	data := fecPayload()
	packets, err := PackStreamFEC(data, 2)
	assert.NoError(err)

	out, err := UnpackStreamFEC(packets)
	assert.NoError(err)
	assert.Equal(data, out)
}

func TestFECRecoversAnyTwoLosses(t *testing.T) {
	data := fecPayload()
	packets, err := PackStreamFEC(data, 2)
	require.NoError(t, err)
	require.Len(t, packets, 6)

	for i := 0; i < len(packets); i++ {
		for j := i + 1; j < len(packets); j++ {
			t.Run(fmt.Sprintf("drop %d and %d", i, j), func(t *testing.T) {
				assert := require.New(t)

				var survivors [][]byte
				for k, pkt := range packets {
					if k == i || k == j {
						continue
					}
					survivors = append(survivors, pkt)
				}

				out, err := UnpackStreamFEC(survivors)
				assert.NoError(err)
				assert.Equal(data, out)
			})
		}
	}
}

func TestFECInsufficientData(t *testing.T) {
	assert := require.New(t)

	data := fecPayload()
	packets, err := PackStreamFEC(data, 2)
	assert.NoError(err)

	// Three losses out of six exceed the parity budget.
	_, err = UnpackStreamFEC(packets[3:])
	assert.ErrorIs(err, ErrInsufficientData)

	_, err = UnpackStreamFEC(nil)
	assert.ErrorIs(err, ErrInsufficientData)
}

func TestFECSinglePacketGroup(t *testing.T) {
	assert := require.New(t)

	data := testPayload(50)
	packets, err := PackStreamFEC(data, 1)
	assert.NoError(err)
	assert.Len(packets, 2)

	// The data packet alone suffices, and so does parity alone.
	out, err := UnpackStreamFEC(packets[:1])
	assert.NoError(err)
	assert.Equal(data, out)

	out, err = UnpackStreamFEC(packets[1:])
	assert.NoError(err)
	assert.Equal(data, out)
}

func TestFECZeroParityFallsBack(t *testing.T) {
	assert := require.New(t)

	data := testPayload(500)
	packets, err := PackStreamFEC(data, 0)
	assert.NoError(err)

	out, err := UnpackStream(packets)
	assert.NoError(err)
	assert.Equal(data, out)
}
