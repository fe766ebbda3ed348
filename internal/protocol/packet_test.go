package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func TestTelemetryRoundTrip(t *testing.T) {
	assert := require.New(t)

	readings := []Reading{
		{ClassID: "bme280", Name: "temperature", Units: "C", Value: floatPtr(21.5)},
		{ClassID: "bme280", Name: "humidity", Units: "%", Value: floatPtr(48.231)},
		{ClassID: "accel", Name: "x", Units: "g", Value: nil},
	}

	packets, err := BuildTelemetryPackets("patio", 1724500000.123, readings)
	assert.NoError(err)
	assert.Len(packets, 1)
	assert.LessOrEqual(len(packets[0]), MaxPayload)

	tm, err := ParseTelemetry(packets[0])
	assert.NoError(err)
	assert.Equal("patio", tm.NodeID)
	assert.Equal(1724500000.123, tm.Timestamp)
	assert.Len(tm.Readings, 3)
	assert.Equal("temperature", tm.Readings[0].Name)
	assert.Equal("C", tm.Readings[0].Units)
	assert.Equal(21.5, *tm.Readings[0].Value)
	assert.Equal("bme280", tm.Readings[0].ClassID)
	assert.Equal("accel", tm.Readings[2].ClassID)
	assert.Nil(tm.Readings[2].Value)
}

func TestTelemetrySplitting(t *testing.T) {
	assert := require.New(t)

	var readings []Reading
	for i := 0; i < 40; i++ {
		readings = append(readings, Reading{
			ClassID: "adc",
			Name:    fmt.Sprintf("channel_%02d_voltage", i),
			Units:   "mV",
			Value:   floatPtr(float64(i) * 103.57),
		})
	}

	packets, err := BuildTelemetryPackets("bench", 1724500000, readings)
	assert.NoError(err)
	assert.Greater(len(packets), 1)

	total := 0
	for _, pkt := range packets {
		assert.LessOrEqual(len(pkt), MaxPayload)
		tm, err := ParseTelemetry(pkt)
		assert.NoError(err)
		assert.Equal("bench", tm.NodeID)
		total += len(tm.Readings)
	}
	assert.Equal(len(readings), total)
}

func TestCommandRoundTrip(t *testing.T) {
	assert := require.New(t)

	pkt, cmd, err := BuildCommand("setparam", []string{"sf", "9"}, "patio")
	assert.NoError(err)
	assert.False(cmd.IsBroadcast())
	assert.Len(cmd.CRC, 8)
	assert.Equal(fmt.Sprintf("%d_%s", cmd.Timestamp, cmd.CRC[:4]), cmd.ID())

	parsed, err := ParseCommand(pkt)
	assert.NoError(err)
	assert.Equal(cmd.Name, parsed.Name)
	assert.Equal(cmd.Args, parsed.Args)
	assert.Equal(cmd.NodeID, parsed.NodeID)
	assert.Equal(cmd.Timestamp, parsed.Timestamp)
	assert.Equal(cmd.ID(), parsed.ID())
}

func TestBroadcastCommand(t *testing.T) {
	assert := require.New(t)

	pkt, cmd, err := BuildCommand("ping", nil, "")
	assert.NoError(err)
	assert.True(cmd.IsBroadcast())

	parsed, err := ParseCommand(pkt)
	assert.NoError(err)
	assert.True(parsed.IsBroadcast())
	assert.Equal([]string{}, parsed.Args)
}

func TestAckRoundTrip(t *testing.T) {
	t.Run("without payload", func(t *testing.T) {
		assert := require.New(t)

		pkt, err := BuildAck("1724500000123_ab12", "patio", nil)
		assert.NoError(err)

		ack, err := ParseAck(pkt)
		assert.NoError(err)
		assert.Equal("1724500000123_ab12", ack.CommandID)
		assert.Equal("patio", ack.NodeID)
		assert.Nil(ack.Payload)
	})

	t.Run("with payload", func(t *testing.T) {
		assert := require.New(t)

		pkt, err := BuildAck("1724500000123_ab12", "patio", map[string]interface{}{"r": "hello"})
		assert.NoError(err)

		ack, err := ParseAck(pkt)
		assert.NoError(err)
		assert.Equal("hello", ack.Payload["r"])
	})
}

func TestChecksumRejection(t *testing.T) {
	assert := require.New(t)

	pkt, _, err := BuildCommand("reboot", nil, "patio")
	assert.NoError(err)

	// Flip one byte of the checksum field.
	s := string(pkt)
	i := strings.Index(s, `"c":"`) + len(`"c":"`)
	corrupt := []byte(s)
	if corrupt[i] == 'a' {
		corrupt[i] = 'b'
	} else {
		corrupt[i] = 'a'
	}

	_, err = ParseCommand(corrupt)
	assert.ErrorIs(err, ErrChecksum)

	_, err = ParseAck(corrupt)
	assert.ErrorIs(err, ErrChecksum)

	_, err = ParseTelemetry(corrupt)
	assert.ErrorIs(err, ErrChecksum)
}

func TestCorruptedPayloadRejection(t *testing.T) {
	assert := require.New(t)

	packets, err := BuildTelemetryPackets("patio", 1724500000, []Reading{
		{ClassID: "bme280", Name: "temperature", Units: "C", Value: floatPtr(20)},
	})
	assert.NoError(err)

	// Flip a payload byte: the stored checksum no longer matches.
	pkt := packets[0]
	i := strings.Index(string(pkt), "patio")
	pkt[i] = 'q'

	_, err = ParseTelemetry(pkt)
	assert.ErrorIs(err, ErrChecksum)
}

func TestWrongTypeRejection(t *testing.T) {
	assert := require.New(t)

	cmdPkt, _, err := BuildCommand("ping", nil, "")
	assert.NoError(err)
	ackPkt, err := BuildAck("1_ab", "patio", nil)
	assert.NoError(err)

	_, err = ParseAck(cmdPkt)
	assert.ErrorIs(err, ErrWrongType)
	_, err = ParseCommand(ackPkt)
	assert.ErrorIs(err, ErrWrongType)
	_, err = ParseTelemetry(cmdPkt)
	assert.ErrorIs(err, ErrWrongType)
}

func TestMalformedRejection(t *testing.T) {
	assert := require.New(t)

	_, err := ParseCommand([]byte("not json at all"))
	assert.ErrorIs(err, ErrMalformed)

	// Valid checksum but command fields of the wrong shape.
	msg := map[string]interface{}{
		"t":   "cmd",
		"n":   "patio",
		"cmd": "ping",
		"a":   "not-a-list",
		"ts":  int64(1724500000123),
	}
	c, err := checksum(msg)
	assert.NoError(err)
	msg["c"] = c
	raw, err := json.Marshal(msg)
	assert.NoError(err)

	_, err = ParseCommand(raw)
	assert.ErrorIs(err, ErrMalformed)
}

func TestMissingChecksumField(t *testing.T) {
	assert := require.New(t)

	// Structurally valid JSON without a "c" key: broken structure, not
	// a failed verification.
	raw, err := json.Marshal(map[string]interface{}{
		"t":   "cmd",
		"n":   "patio",
		"cmd": "ping",
		"a":   []string{},
		"ts":  int64(1724500000123),
	})
	assert.NoError(err)

	_, err = ParseCommand(raw)
	assert.ErrorIs(err, ErrMalformed)
}

func TestNumericClassIDRejected(t *testing.T) {
	assert := require.New(t)

	msg := map[string]interface{}{
		"n": "patio",
		"t": 1724500000.5,
		"r": []map[string]interface{}{
			{"s": 1, "k": "temperature", "u": "C", "v": 20.5},
		},
	}
	c, err := checksum(msg)
	assert.NoError(err)
	msg["c"] = c
	raw, err := json.Marshal(msg)
	assert.NoError(err)

	_, err = ParseTelemetry(raw)
	assert.ErrorIs(err, ErrMalformed)
}

func TestCommandIDDisambiguation(t *testing.T) {
	assert := require.New(t)

	// Same millisecond, different payloads: the checksum fragment keeps
	// the ids apart.
	_, a, err := buildCommandAt("ping", nil, "node-a", 1724500000123)
	assert.NoError(err)
	_, b, err := buildCommandAt("ping", nil, "node-b", 1724500000123)
	assert.NoError(err)
	assert.NotEqual(a.ID(), b.ID())
}
