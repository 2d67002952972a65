package sendstream

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Version: 1}
	got, err := ParseHeader(bytes.NewReader(h.Serialize()))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if got != h {
		t.Fatalf("ParseHeader(Serialize(h)) = %+v, want %+v", got, h)
	}
}

func TestHeaderBadMagic(t *testing.T) {
	buf := Header{Version: 1}.Serialize()
	buf[0] = 'X'
	_, err := ParseHeader(bytes.NewReader(buf))
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
}

func TestHeaderBadVersion(t *testing.T) {
	buf := Header{Version: 2}.Serialize()
	_, err := ParseHeader(bytes.NewReader(buf))
	if !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("err = %v, want ErrInvalidVersion", err)
	}
}

func TestHeaderShortRead(t *testing.T) {
	_, err := ParseHeader(bytes.NewReader([]byte("short")))
	if err == nil {
		t.Fatal("expected error for short header, got nil")
	}
}
