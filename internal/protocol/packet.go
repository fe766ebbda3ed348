// Package protocol implements the wire format shared by the gateway and
// the sensor nodes: compact JSON messages protected by a CRC32 over the
// canonically encoded (sorted-key, no-whitespace) pre-checksum bytes.
//
// Three single-packet variants exist, discriminated by the "t" key:
// telemetry (numeric "t" carrying the sample timestamp), command
// ("t":"cmd") and acknowledgment ("t":"ack"). Multi-packet payloads use
// the binary stream framing in stream.go.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"github.com/pkg/errors"
)

// MaxPayload is the maximum number of bytes a single radio transmission
// may carry. Conservative for the supported chip families.
const MaxPayload = 250

// Reading is a single named sensor value inside a telemetry packet.
type Reading struct {
	// ClassID identifies the producing sensor class on the wire
	// (e.g. "bme280").
	ClassID string
	Name    string
	Units   string
	// Value is nil when the sensor read failed but the reading slot is
	// still reported.
	Value *float64
	// Precision is the number of decimal places kept when encoding.
	// Zero means 3 (millis of a unit), matching the sensor default.
	Precision int
}

// Telemetry is a decoded telemetry packet.
type Telemetry struct {
	NodeID    string
	Timestamp float64
	Readings  []Reading

	// RSSI is the received signal strength in dB, filled in by the
	// receiver. It is not part of the wire format.
	RSSI int
}

// Command is a decoded command packet. An empty NodeID addresses every
// node (broadcast).
type Command struct {
	Name      string
	Args      []string
	NodeID    string
	Timestamp int64
	CRC       string
}

// IsBroadcast reports whether the command has no specific target.
func (c Command) IsBroadcast() bool {
	return c.NodeID == ""
}

// ID returns the identifier acknowledgments use to reference this
// command: the millisecond send timestamp joined with the first four hex
// characters of the packet checksum.
func (c Command) ID() string {
	return commandID(c.Timestamp, c.CRC)
}

// Ack is a decoded acknowledgment packet.
type Ack struct {
	CommandID string
	NodeID    string
	// Payload carries the handler response for late-ack commands, nil
	// otherwise.
	Payload map[string]interface{}
}

func commandID(ts int64, crc string) string {
	if len(crc) >= 4 {
		crc = crc[:4]
	}
	return fmt.Sprintf("%d_%s", ts, crc)
}

// checksum returns the CRC32 of the message with the "c" key removed,
// computed over the canonical JSON encoding. encoding/json sorts map
// keys and emits no whitespace, which makes the pre-checksum bytes
// reproducible on every host.
func checksum(msg map[string]interface{}) (string, error) {
	clean := make(map[string]interface{}, len(msg))
	for k, v := range msg {
		if k == "c" {
			continue
		}
		clean[k] = v
	}
	b, err := json.Marshal(clean)
	if err != nil {
		return "", errors.Wrap(err, "marshal checksum input")
	}
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(b)), nil
}

// decodeMessage parses raw bytes into a generic message and validates
// the checksum before any field is interpreted. Numbers are kept as
// json.Number so re-encoding for checksum verification reproduces the
// sender's exact byte sequence.
func decodeMessage(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var msg map[string]interface{}
	if err := dec.Decode(&msg); err != nil {
		return nil, ErrMalformed
	}
	// A message without a checksum field is structurally broken, not a
	// failed verification.
	want, ok := msg["c"].(string)
	if !ok {
		return nil, ErrMalformed
	}
	got, err := checksum(msg)
	if err != nil {
		return nil, ErrMalformed
	}
	if got != want {
		return nil, ErrChecksum
	}
	return msg, nil
}

func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

// BuildTelemetryPackets encodes readings into as few packets as fit
// under MaxPayload, splitting greedily when a batch would overflow. All
// packets share the (millisecond-rounded) timestamp.
func BuildTelemetryPackets(nodeID string, ts float64, readings []Reading) ([][]byte, error) {
	if len(readings) == 0 {
		return nil, nil
	}
	ts = roundTo(ts, 3)

	build := func(batch []map[string]interface{}) ([]byte, error) {
		msg := map[string]interface{}{
			"n": nodeID,
			"t": ts,
			"r": batch,
		}
		c, err := checksum(msg)
		if err != nil {
			return nil, err
		}
		msg["c"] = c
		return json.Marshal(msg)
	}

	var packets [][]byte
	var batch []map[string]interface{}

	for _, r := range readings {
		precision := r.Precision
		if precision == 0 {
			precision = 3
		}
		var value interface{}
		if r.Value != nil {
			value = roundTo(*r.Value, precision)
		}
		compact := map[string]interface{}{
			"s": r.ClassID,
			"k": r.Name,
			"u": r.Units,
			"v": value,
		}

		test, err := build(append(batch[:len(batch):len(batch)], compact))
		if err != nil {
			return nil, err
		}
		if len(test) <= MaxPayload {
			batch = append(batch, compact)
			continue
		}
		if len(batch) > 0 {
			pkt, err := build(batch)
			if err != nil {
				return nil, err
			}
			packets = append(packets, pkt)
		}
		batch = []map[string]interface{}{compact}
	}
	if len(batch) > 0 {
		pkt, err := build(batch)
		if err != nil {
			return nil, err
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}

// ParseTelemetry decodes and validates a telemetry packet.
func ParseTelemetry(data []byte) (*Telemetry, error) {
	msg, err := decodeMessage(data)
	if err != nil {
		return nil, err
	}
	if _, isString := msg["t"].(string); isString {
		// Command and ack packets carry a string type tag.
		return nil, ErrWrongType
	}

	nodeID, ok := msg["n"].(string)
	if !ok {
		return nil, ErrMalformed
	}
	tsNum, ok := msg["t"].(json.Number)
	if !ok {
		return nil, ErrMalformed
	}
	ts, err := tsNum.Float64()
	if err != nil {
		return nil, ErrMalformed
	}
	rawReadings, ok := msg["r"].([]interface{})
	if !ok {
		return nil, ErrMalformed
	}

	t := Telemetry{NodeID: nodeID, Timestamp: ts}
	for _, raw := range rawReadings {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, ErrMalformed
		}
		var r Reading
		if s, ok := m["s"]; ok {
			class, isString := s.(string)
			if !isString {
				return nil, ErrMalformed
			}
			r.ClassID = class
		}
		if r.Name, ok = m["k"].(string); !ok {
			return nil, ErrMalformed
		}
		if r.Units, ok = m["u"].(string); !ok {
			return nil, ErrMalformed
		}
		if v, ok := m["v"].(json.Number); ok {
			f, err := v.Float64()
			if err != nil {
				return nil, ErrMalformed
			}
			r.Value = &f
		}
		t.Readings = append(t.Readings, r)
	}
	return &t, nil
}

// BuildCommand encodes a command packet and returns it together with the
// decoded form (whose ID the queue uses for ack matching).
func BuildCommand(name string, args []string, nodeID string) ([]byte, *Command, error) {
	return buildCommandAt(name, args, nodeID, time.Now().UnixMilli())
}

func buildCommandAt(name string, args []string, nodeID string, ts int64) ([]byte, *Command, error) {
	if args == nil {
		args = []string{}
	}
	msg := map[string]interface{}{
		"t":   "cmd",
		"n":   nodeID,
		"cmd": name,
		"a":   args,
		"ts":  ts,
	}
	c, err := checksum(msg)
	if err != nil {
		return nil, nil, err
	}
	msg["c"] = c
	pkt, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "marshal command")
	}
	cmd := Command{
		Name:      name,
		Args:      args,
		NodeID:    nodeID,
		Timestamp: ts,
		CRC:       c,
	}
	return pkt, &cmd, nil
}

// ParseCommand decodes and validates a command packet.
func ParseCommand(data []byte) (*Command, error) {
	msg, err := decodeMessage(data)
	if err != nil {
		return nil, err
	}
	if t, _ := msg["t"].(string); t != "cmd" {
		return nil, ErrWrongType
	}

	cmd := Command{CRC: msg["c"].(string)}
	var ok bool
	if cmd.Name, ok = msg["cmd"].(string); !ok {
		return nil, ErrMalformed
	}
	if cmd.NodeID, ok = msg["n"].(string); !ok {
		return nil, ErrMalformed
	}
	tsNum, ok := msg["ts"].(json.Number)
	if !ok {
		return nil, ErrMalformed
	}
	if cmd.Timestamp, err = tsNum.Int64(); err != nil {
		return nil, ErrMalformed
	}
	rawArgs, ok := msg["a"].([]interface{})
	if !ok {
		return nil, ErrMalformed
	}
	cmd.Args = make([]string, 0, len(rawArgs))
	for _, a := range rawArgs {
		s, ok := a.(string)
		if !ok {
			return nil, ErrMalformed
		}
		cmd.Args = append(cmd.Args, s)
	}
	return &cmd, nil
}

// BuildAck encodes an acknowledgment for the given command id. A nil
// payload omits the "p" key entirely.
func BuildAck(commandID, nodeID string, payload map[string]interface{}) ([]byte, error) {
	msg := map[string]interface{}{
		"t":  "ack",
		"id": commandID,
		"n":  nodeID,
	}
	if payload != nil {
		msg["p"] = payload
	}
	c, err := checksum(msg)
	if err != nil {
		return nil, err
	}
	msg["c"] = c
	return json.Marshal(msg)
}

// ParseAck decodes and validates an acknowledgment packet.
func ParseAck(data []byte) (*Ack, error) {
	msg, err := decodeMessage(data)
	if err != nil {
		return nil, err
	}
	if t, _ := msg["t"].(string); t != "ack" {
		return nil, ErrWrongType
	}

	var ack Ack
	var ok bool
	if ack.CommandID, ok = msg["id"].(string); !ok {
		return nil, ErrMalformed
	}
	if ack.NodeID, ok = msg["n"].(string); !ok {
		return nil, ErrMalformed
	}
	if p, ok := msg["p"].(map[string]interface{}); ok {
		ack.Payload = p
	}
	return &ack, nil
}
