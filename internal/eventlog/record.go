package eventlog

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// ErrCorruptRecord is returned for entries whose checksum does not match.
var ErrCorruptRecord = errors.New("eventlog: corrupt record")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeRecord frames header and payload with a crc32c trailer.
func EncodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(header)+len(payload)+4)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

type Decoded struct {
	Header  []byte
	Payload []byte
}

// DecodeRecord verifies and splits an encoded record. Returned slices are
// copies and outlive b.
func DecodeRecord(b []byte) (Decoded, error) {
	if len(b) < 1+4 {
		return Decoded{}, ErrCorruptRecord
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || uint64(n)+hlen+4 > uint64(len(b)) {
		return Decoded{}, ErrCorruptRecord
	}
	header := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return Decoded{}, ErrCorruptRecord
	}
	return Decoded{Header: append([]byte(nil), header...), Payload: append([]byte(nil), payload...)}, nil
}
