package kvq

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"

	"github.com/rzbill/cmdfeed/internal/queue"
)

// Item record: headerLen(4B BE) | header | payload | crc32c(header|payload).
// The header is the item's JSON metadata, the payload its opaque body.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var errCorruptRecord = errors.New("kvq: corrupt item record")

func encodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, 4+len(header)+len(payload)+4)
	var hb [4]byte
	binary.BigEndian.PutUint32(hb[:], uint32(len(header)))
	out = append(out, hb[:]...)
	out = append(out, header...)
	out = append(out, payload...)
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc)
	return append(out, cb[:]...)
}

func decodeRecord(b []byte) (header, payload []byte, ok bool) {
	if len(b) < 8 {
		return nil, nil, false
	}
	hlen := binary.BigEndian.Uint32(b[:4])
	if int(4+hlen+4) > len(b) {
		return nil, nil, false
	}
	headerEnd := 4 + int(hlen)
	header = b[4:headerEnd]
	payload = b[headerEnd : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, nil, false
	}
	return header, payload, true
}

func encodeItem(w queue.WorkItem) ([]byte, error) {
	payload := w.Payload
	w.Payload = nil
	header, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return encodeRecord(header, payload), nil
}

func decodeItem(b []byte) (queue.WorkItem, error) {
	var w queue.WorkItem
	header, payload, ok := decodeRecord(b)
	if !ok {
		return w, errCorruptRecord
	}
	if err := json.Unmarshal(header, &w); err != nil {
		return w, err
	}
	if len(payload) > 0 {
		w.Payload = append([]byte(nil), payload...)
	}
	return w, nil
}

// dedupRecord remembers which item a (command, moniker) pair produced and when
// it left circulation.
type dedupRecord struct {
	ItemID     string `json:"item"`
	ClosedAtMs int64  `json:"closed,omitempty"`
	Dead       bool   `json:"dead,omitempty"`
}
