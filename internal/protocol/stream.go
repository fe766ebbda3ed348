package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// Binary framing for payloads larger than a single radio transmission.
//
// Data packet layout (big endian):
//
//	magic(2) group(4) total_len(4) seq(2) count(2) payload crc16(2)
//
// Parity packets (see fec.go) carry one extra header field:
//
//	magic(2) group(4) total_len(4) index(2) data_count(2) parity_count(2) payload crc16(2)
//
// The group id ties packets of one payload together so concurrent
// streams cannot interleave. The reassembled payload ends with a CRC32
// suffix for end-to-end verification; the per-packet CRC16 exists for
// early rejection of corrupted frames.
// Stream packets open with a magic marker distinguishing them from
// JSON packets, whose first byte is always '{'.
const (
	MagicData   uint16 = 0xDA7A
	MagicParity uint16 = 0xDA7B

	dataHeaderSize   = 14
	parityHeaderSize = 16
	crc16Size        = 2
	crc32Size        = 4

	// MaxChunk is sized so that a parity packet (the larger header)
	// still fits MaxPayload.
	MaxChunk = MaxPayload - parityHeaderSize - crc16Size
)

// StreamPacket is one parsed data packet of a multi-packet stream.
type StreamPacket struct {
	Group    uint32
	TotalLen int
	Seq      int
	Count    int
	Payload  []byte
}

// crc16CCITT implements CRC16-CCITT (XModem), polynomial 0x1021,
// initial value 0xFFFF.
func crc16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func newGroupID() uint32 {
	id, err := uuid.NewV4()
	if err != nil {
		// The only failure mode is a broken entropy source; a
		// time-derived id still separates concurrent streams.
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(id.Bytes()[:4])
}

func buildDataPacket(group uint32, totalLen, seq, count int, chunk []byte) []byte {
	pkt := make([]byte, dataHeaderSize+len(chunk)+crc16Size)
	binary.BigEndian.PutUint16(pkt[0:2], MagicData)
	binary.BigEndian.PutUint32(pkt[2:6], group)
	binary.BigEndian.PutUint32(pkt[6:10], uint32(totalLen))
	binary.BigEndian.PutUint16(pkt[10:12], uint16(seq))
	binary.BigEndian.PutUint16(pkt[12:14], uint16(count))
	copy(pkt[dataHeaderSize:], chunk)
	crc := crc16CCITT(pkt[:dataHeaderSize+len(chunk)])
	binary.BigEndian.PutUint16(pkt[dataHeaderSize+len(chunk):], crc)
	return pkt
}

// PackStream splits data into transmit-ready packets under a fresh group
// id. The payload gets a CRC32 suffix before splitting.
func PackStream(data []byte) ([][]byte, error) {
	return packStream(data, newGroupID())
}

func packStream(data []byte, group uint32) ([][]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("protocol: cannot pack empty data")
	}

	payload := make([]byte, len(data)+crc32Size)
	copy(payload, data)
	binary.BigEndian.PutUint32(payload[len(data):], crc32.ChecksumIEEE(data))
	totalLen := len(payload)

	count := (totalLen + MaxChunk - 1) / MaxChunk
	if count > 0xFFFF {
		return nil, fmt.Errorf("protocol: too many packets: %d", count)
	}

	packets := make([][]byte, 0, count)
	for seq := 0; seq < count; seq++ {
		start := seq * MaxChunk
		end := start + MaxChunk
		if end > totalLen {
			end = totalLen
		}
		packets = append(packets, buildDataPacket(group, totalLen, seq, count, payload[start:end]))
	}
	return packets, nil
}

// UnpackPacket validates the per-packet CRC16 and parses one data
// packet.
func UnpackPacket(pkt []byte) (*StreamPacket, error) {
	if len(pkt) < dataHeaderSize+crc16Size {
		return nil, ErrMalformed
	}
	body := pkt[:len(pkt)-crc16Size]
	want := binary.BigEndian.Uint16(pkt[len(pkt)-crc16Size:])
	if crc16CCITT(body) != want {
		return nil, ErrChecksum
	}
	if binary.BigEndian.Uint16(pkt[0:2]) != MagicData {
		return nil, ErrWrongType
	}
	sp := StreamPacket{
		Group:    binary.BigEndian.Uint32(pkt[2:6]),
		TotalLen: int(binary.BigEndian.Uint32(pkt[6:10])),
		Seq:      int(binary.BigEndian.Uint16(pkt[10:12])),
		Count:    int(binary.BigEndian.Uint16(pkt[12:14])),
		Payload:  body[dataHeaderSize:],
	}
	if sp.Count < 1 || sp.Seq >= sp.Count {
		return nil, ErrMalformed
	}
	return &sp, nil
}

// UnpackStream reassembles a complete set of data packets (any order)
// and verifies the end-to-end CRC32.
func UnpackStream(packets [][]byte) ([]byte, error) {
	if len(packets) == 0 {
		return nil, errors.New("protocol: no packets to unpack")
	}

	parsed := make(map[int]*StreamPacket)
	var totalLen, count int
	var group uint32
	for i, pkt := range packets {
		sp, err := UnpackPacket(pkt)
		if err != nil {
			return nil, errors.Wrapf(err, "packet %d", i)
		}
		if len(parsed) == 0 {
			totalLen, count, group = sp.TotalLen, sp.Count, sp.Group
		} else if sp.TotalLen != totalLen || sp.Count != count || sp.Group != group {
			return nil, errors.Wrapf(ErrMalformed, "packet %d: inconsistent stream header", i)
		}
		if _, dup := parsed[sp.Seq]; dup {
			return nil, errors.Wrapf(ErrMalformed, "duplicate sequence %d", sp.Seq)
		}
		parsed[sp.Seq] = sp
	}

	if len(parsed) != count {
		return nil, fmt.Errorf("protocol: incomplete stream: %d/%d packets", len(parsed), count)
	}

	payload := make([]byte, 0, totalLen)
	for seq := 0; seq < count; seq++ {
		payload = append(payload, parsed[seq].Payload...)
	}
	if len(payload) != totalLen {
		return nil, errors.Wrap(ErrMalformed, "reassembled size mismatch")
	}
	return verifyStreamPayload(payload)
}

// verifyStreamPayload strips and checks the trailing CRC32.
func verifyStreamPayload(payload []byte) ([]byte, error) {
	if len(payload) < crc32Size {
		return nil, errors.Wrap(ErrMalformed, "payload too small for crc32")
	}
	data := payload[:len(payload)-crc32Size]
	want := binary.BigEndian.Uint32(payload[len(data):])
	if crc32.ChecksumIEEE(data) != want {
		return nil, ErrChecksum
	}
	return data, nil
}

// Assembler buffers stream packets until a group is complete, then
// returns the reassembled payload. Incomplete groups are discarded after
// a timeout. Parity packets count toward completion once enough shards
// of the group arrived for reconstruction.
type Assembler struct {
	mu      sync.Mutex
	timeout time.Duration
	groups  map[uint32]*assemblerGroup
}

type assemblerGroup struct {
	firstSeen time.Time
	data      map[int][]byte
	parity    map[int][]byte
}

// NewAssembler returns an assembler that discards partial groups older
// than timeout.
func NewAssembler(timeout time.Duration) *Assembler {
	return &Assembler{
		timeout: timeout,
		groups:  make(map[uint32]*assemblerGroup),
	}
}

// Add feeds one raw packet (data or parity). It returns the complete
// payload when the packet finishes its group, nil otherwise.
func (a *Assembler) Add(pkt []byte, now time.Time) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, g := range a.groups {
		if now.Sub(g.firstSeen) > a.timeout {
			delete(a.groups, id)
		}
	}

	if len(pkt) < 2 {
		return nil, ErrMalformed
	}

	var group uint32
	var seq int
	var isParity bool
	switch binary.BigEndian.Uint16(pkt[0:2]) {
	case MagicData:
		sp, err := UnpackPacket(pkt)
		if err != nil {
			return nil, err
		}
		group, seq = sp.Group, sp.Seq
	case MagicParity:
		pp, err := unpackParityPacket(pkt)
		if err != nil {
			return nil, err
		}
		group, seq, isParity = pp.Group, pp.Index, true
	default:
		return nil, ErrWrongType
	}

	g, ok := a.groups[group]
	if !ok {
		g = &assemblerGroup{
			firstSeen: now,
			data:      make(map[int][]byte),
			parity:    make(map[int][]byte),
		}
		a.groups[group] = g
	}
	if isParity {
		g.parity[seq] = pkt
	} else {
		g.data[seq] = pkt
	}

	packets := make([][]byte, 0, len(g.data)+len(g.parity))
	for _, p := range g.data {
		packets = append(packets, p)
	}
	for _, p := range g.parity {
		packets = append(packets, p)
	}

	payload, err := UnpackStreamFEC(packets)
	if err != nil {
		// Not enough of the group yet; keep buffering.
		return nil, nil
	}
	delete(a.groups, group)
	return payload, nil
}

// PendingGroups returns the number of incomplete groups being buffered.
func (a *Assembler) PendingGroups() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}
