// Package wire frames cached payloads with the generation they were fetched
// under. A read whose embedded generation does not match the expected one is
// stale by definition and gets dropped, which is what makes late writes from
// superseded fetches harmless.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const version byte = 1

var (
	ErrCorrupt = errors.New("wire: corrupt entry")
	magic4     = [...]byte{'S', 'S', 'Y', 'N'}
)

const header = 4 + 1 + 8 + 4 // magic | ver | gen(u64 be) | vlen(u32 be)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames payload as: magic(4) | ver(1) | gen(u64 be) | vlen(u32 be) | payload.
func Encode(gen uint64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(header + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], gen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// Decode validates the framing and returns the embedded generation and payload.
func Decode(b []byte) (gen uint64, payload []byte, err error) {
	if len(b) < header || !hasMagic(b) || b[4] != version {
		return 0, nil, ErrCorrupt
	}

	off := 5
	gen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	vlen := binary.BigEndian.Uint32(b[off : off+4])
	off += 4

	if len(b)-off != int(vlen) {
		return 0, nil, ErrCorrupt
	}
	return gen, b[off:], nil
}
