package protocol

import "errors"

// Decode errors. ErrChecksum means the bytes arrived corrupted or
// truncated; ErrMalformed means the checksum was valid (or absent in a
// way that makes the packet unparsable) but the structure is not.
// ErrWrongType is returned by the typed parse functions when the packet
// is valid but of a different variant.
var (
	ErrChecksum  = errors.New("protocol: checksum mismatch")
	ErrMalformed = errors.New("protocol: malformed packet")
	ErrWrongType = errors.New("protocol: unexpected packet type")
)
