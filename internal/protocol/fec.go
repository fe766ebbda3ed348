package protocol

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
)

// Erasure coding for multi-packet streams. For K data packets the
// encoder emits M parity packets computed with a Reed-Solomon code over
// the byte columns of the (zero-padded) data chunks. Any combination of
// up to M lost packets is recoverable, since the stream headers make
// every loss an erasure at a known position.

// ErrInsufficientData is returned when fewer than K total packets of a
// group survived, which no amount of parity can repair.
var ErrInsufficientData = errors.New("protocol: insufficient packets to reconstruct stream")

// ParityPacket is one parsed parity packet.
type ParityPacket struct {
	Group       uint32
	TotalLen    int
	Index       int
	DataCount   int
	ParityCount int
	Payload     []byte
}

func buildParityPacket(group uint32, totalLen, index, dataCount, parityCount int, shard []byte) []byte {
	pkt := make([]byte, parityHeaderSize+len(shard)+crc16Size)
	binary.BigEndian.PutUint16(pkt[0:2], MagicParity)
	binary.BigEndian.PutUint32(pkt[2:6], group)
	binary.BigEndian.PutUint32(pkt[6:10], uint32(totalLen))
	binary.BigEndian.PutUint16(pkt[10:12], uint16(index))
	binary.BigEndian.PutUint16(pkt[12:14], uint16(dataCount))
	binary.BigEndian.PutUint16(pkt[14:16], uint16(parityCount))
	copy(pkt[parityHeaderSize:], shard)
	crc := crc16CCITT(pkt[:parityHeaderSize+len(shard)])
	binary.BigEndian.PutUint16(pkt[parityHeaderSize+len(shard):], crc)
	return pkt
}

func unpackParityPacket(pkt []byte) (*ParityPacket, error) {
	if len(pkt) < parityHeaderSize+crc16Size {
		return nil, ErrMalformed
	}
	body := pkt[:len(pkt)-crc16Size]
	want := binary.BigEndian.Uint16(pkt[len(pkt)-crc16Size:])
	if crc16CCITT(body) != want {
		return nil, ErrChecksum
	}
	if binary.BigEndian.Uint16(pkt[0:2]) != MagicParity {
		return nil, ErrWrongType
	}
	pp := ParityPacket{
		Group:       binary.BigEndian.Uint32(pkt[2:6]),
		TotalLen:    int(binary.BigEndian.Uint32(pkt[6:10])),
		Index:       int(binary.BigEndian.Uint16(pkt[10:12])),
		DataCount:   int(binary.BigEndian.Uint16(pkt[12:14])),
		ParityCount: int(binary.BigEndian.Uint16(pkt[14:16])),
		Payload:     body[parityHeaderSize:],
	}
	if pp.DataCount < 1 || pp.ParityCount < 1 || pp.Index >= pp.ParityCount {
		return nil, ErrMalformed
	}
	return &pp, nil
}

// shardSize returns the column width of the Reed-Solomon matrix for a
// stream of totalLen bytes in count chunks: the full chunk size, with
// the final (shorter) chunk zero-padded up to it.
func shardSize(totalLen, count int) int {
	if count == 1 {
		return totalLen
	}
	return MaxChunk
}

// PackStreamFEC splits data into stream packets and appends parityCount
// parity packets covering the whole group.
func PackStreamFEC(data []byte, parityCount int) ([][]byte, error) {
	if parityCount < 1 {
		return PackStream(data)
	}

	group := newGroupID()
	dataPackets, err := packStream(data, group)
	if err != nil {
		return nil, err
	}
	k := len(dataPackets)
	totalLen := len(data) + crc32Size
	size := shardSize(totalLen, k)

	enc, err := reedsolomon.New(k, parityCount)
	if err != nil {
		return nil, errors.Wrap(err, "new reed-solomon encoder")
	}

	shards := make([][]byte, k+parityCount)
	for i, pkt := range dataPackets {
		chunk := pkt[dataHeaderSize : len(pkt)-crc16Size]
		shard := make([]byte, size)
		copy(shard, chunk)
		shards[i] = shard
	}
	for i := k; i < k+parityCount; i++ {
		shards[i] = make([]byte, size)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, errors.Wrap(err, "encode parity shards")
	}

	packets := dataPackets
	for i := 0; i < parityCount; i++ {
		packets = append(packets, buildParityPacket(group, totalLen, i, k, parityCount, shards[k+i]))
	}
	return packets, nil
}

// UnpackStreamFEC reassembles a stream from any sufficient subset of its
// data and parity packets, reconstructing missing data chunks when
// needed.
func UnpackStreamFEC(packets [][]byte) ([]byte, error) {
	dataPkts := make(map[int]*StreamPacket)
	parityPkts := make(map[int]*ParityPacket)
	totalLen, count, parityCount := -1, -1, 0

	for _, pkt := range packets {
		if len(pkt) < 2 {
			continue
		}
		switch binary.BigEndian.Uint16(pkt[0:2]) {
		case MagicData:
			sp, err := UnpackPacket(pkt)
			if err != nil {
				continue
			}
			dataPkts[sp.Seq] = sp
			totalLen, count = sp.TotalLen, sp.Count
		case MagicParity:
			pp, err := unpackParityPacket(pkt)
			if err != nil {
				continue
			}
			parityPkts[pp.Index] = pp
			totalLen, count, parityCount = pp.TotalLen, pp.DataCount, pp.ParityCount
		}
	}
	if count < 1 {
		return nil, ErrInsufficientData
	}

	if len(dataPkts) == count {
		return assembleData(dataPkts, totalLen, count)
	}
	if len(dataPkts)+len(parityPkts) < count {
		return nil, ErrInsufficientData
	}
	if parityCount == 0 {
		return nil, ErrInsufficientData
	}

	size := shardSize(totalLen, count)
	enc, err := reedsolomon.New(count, parityCount)
	if err != nil {
		return nil, errors.Wrap(err, "new reed-solomon decoder")
	}

	shards := make([][]byte, count+parityCount)
	for seq, sp := range dataPkts {
		shard := make([]byte, size)
		copy(shard, sp.Payload)
		shards[seq] = shard
	}
	for idx, pp := range parityPkts {
		shard := make([]byte, size)
		copy(shard, pp.Payload)
		shards[count+idx] = shard
	}
	if err := enc.ReconstructData(shards); err != nil {
		return nil, ErrInsufficientData
	}

	payload := make([]byte, 0, totalLen)
	for seq := 0; seq < count; seq++ {
		payload = append(payload, shards[seq]...)
	}
	// Drop the zero padding of the final chunk.
	payload = payload[:totalLen]
	return verifyStreamPayload(payload)
}

func assembleData(dataPkts map[int]*StreamPacket, totalLen, count int) ([]byte, error) {
	payload := make([]byte, 0, totalLen)
	for seq := 0; seq < count; seq++ {
		sp, ok := dataPkts[seq]
		if !ok {
			return nil, ErrInsufficientData
		}
		payload = append(payload, sp.Payload...)
	}
	if len(payload) != totalLen {
		return nil, errors.Wrap(ErrMalformed, "reassembled size mismatch")
	}
	if crc32.ChecksumIEEE(payload[:len(payload)-crc32Size]) != binary.BigEndian.Uint32(payload[len(payload)-crc32Size:]) {
		return nil, ErrChecksum
	}
	return payload[:len(payload)-crc32Size], nil
}
