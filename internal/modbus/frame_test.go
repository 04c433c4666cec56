package modbus

import (
	"bytes"
	"testing"
)

func TestFrameUnframeRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01, 0x02, 0x03},
		{0x7E},
		{0x7D},
		{0x7E, 0x7D, 0x7E},
		{0x00, 0x7E, 0xFF, 0x7D, 0x10},
	}

	for _, payload := range cases {
		framed := Frame(payload)
		got, err := Unframe(framed)
		if err != nil {
			t.Fatalf("Unframe(%x) returned error: %v", framed, err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("round trip mismatch: payload=%x got=%x framed=%x", payload, got, framed)
		}
	}
}

func TestFrameNeverLeaksBareSentinel(t *testing.T) {
	payload := []byte{0x7E, 0x01, 0x7E, 0x7D, 0x7E}
	framed := Frame(payload)

	// Only the first and last byte may be the sentinel.
	for i := 1; i < len(framed)-1; i++ {
		if framed[i] == startEndFlag {
			t.Fatalf("bare 0x7E found inside frame body at %d: %x", i, framed)
		}
	}
	if framed[0] != startEndFlag || framed[len(framed)-1] != startEndFlag {
		t.Fatalf("frame missing sentinel bookends: %x", framed)
	}
}

func TestUnframeTruncatedEscape(t *testing.T) {
	_, err := Unframe([]byte{startEndFlag, escapeFlag})
	if err == nil {
		t.Fatal("expected error for truncated escape sequence")
	}
}
