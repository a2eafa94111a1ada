package eventlog

import (
	"errors"
	"testing"
)

func TestRecordRejectsFlippedByte(t *testing.T) {
	enc := EncodeRecord([]byte("cmd-1"), []byte(`{"page":1}`))
	dec, err := DecodeRecord(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(dec.Header) != "cmd-1" || string(dec.Payload) != `{"page":1}` {
		t.Fatalf("unexpected decode: %q %q", dec.Header, dec.Payload)
	}
	enc[3] ^= 0xff
	if _, err := DecodeRecord(enc); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("want ErrCorruptRecord, got %v", err)
	}
	if _, err := DecodeRecord([]byte{1}); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("short record: want ErrCorruptRecord, got %v", err)
	}
}
