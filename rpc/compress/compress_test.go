package compress

import (
	"bytes"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the same bytes over and over "), 50)

	tests := []struct {
		name string
		id   ID
	}{
		{name: "Success: none passthrough", id: None},
		{name: "Success: gzip", id: Gzip},
		{name: "Success: snappy", id: Snappy},
		{name: "Success: zstd", id: Zstd},
	}

	for _, test := range tests {
		enc, err := Encode(test.id, payload)
		if err != nil {
			t.Errorf("[TestRoundTrip](%s): Encode: %v", test.name, err)
			continue
		}
		if test.id != None && len(enc) >= len(payload) {
			t.Errorf("[TestRoundTrip](%s): repetitive payload did not shrink: %d -> %d", test.name, len(payload), len(enc))
		}
		dec, err := Decode(test.id, enc)
		if err != nil {
			t.Errorf("[TestRoundTrip](%s): Decode: %v", test.name, err)
			continue
		}
		if diff := pretty.Compare(dec, payload); diff != "" {
			t.Errorf("[TestRoundTrip](%s): round trip mismatch: -got/+want:\n%s", test.name, diff)
		}
	}
}

func TestEmptyPayloadPassesThrough(t *testing.T) {
	for _, id := range []ID{None, Gzip, Snappy, Zstd} {
		enc, err := Encode(id, nil)
		if err != nil {
			t.Errorf("[TestEmptyPayloadPassesThrough](%v): Encode: %v", id, err)
			continue
		}
		if len(enc) != 0 {
			t.Errorf("[TestEmptyPayloadPassesThrough](%v): got %d bytes, want 0", id, len(enc))
		}
	}
}

func TestUnregisteredCodec(t *testing.T) {
	if _, err := Encode(ID(200), []byte("x")); err == nil {
		t.Error("[TestUnregisteredCodec]: Encode: expected error")
	}
	if _, err := Decode(ID(200), []byte("x")); err == nil {
		t.Error("[TestUnregisteredCodec]: Decode: expected error")
	}
}
