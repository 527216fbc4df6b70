package coap

import (
	"bytes"
	"testing"

	"github.com/threadmesh/agent/messaging"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := &Header{
		Version:   1,
		Type:      messaging.Confirmable,
		Code:      CodePOST,
		MessageID: 0x1234,
		Token:     []byte{0xCA, 0xFE},
		Payload:   []byte("hello"),
	}
	h.AddURIPath("d", "dg")
	h.Options = append(h.Options, Option{Number: OptionContentFormat, Value: []byte{0}})

	buf := make([]byte, 128)
	n, err := Encode(h, buf)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != h.Type || got.Code != h.Code || got.MessageID != h.MessageID {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Token, h.Token) {
		t.Fatalf("token mismatch: %x vs %x", got.Token, h.Token)
	}
	if !bytes.Equal(got.Payload, h.Payload) {
		t.Fatalf("payload mismatch: %q vs %q", got.Payload, h.Payload)
	}
	if segs := got.URIPathSegments(); len(segs) != 2 || segs[0] != "d" || segs[1] != "dg" {
		t.Fatalf("uri-path mismatch: %v", segs)
	}
}

func TestEncodeDecodeNoPayloadNoOptions(t *testing.T) {
	h := &Header{Version: 1, Type: messaging.Acknowledgement, Code: CodeEmpty, MessageID: 7}
	buf := make([]byte, 16)
	n, err := Encode(h, buf)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4-byte header, got %d", n)
	}
	got, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Options) != 0 || len(got.Payload) != 0 {
		t.Fatalf("expected no options/payload, got %+v", got)
	}
}

func TestExtendedOptionEncoding(t *testing.T) {
	// option number 11 (Uri-Path) then a big jump to 292 needs the two-byte
	// extended delta form (292-11=281 >= 269).
	h := &Header{Version: 1, Type: messaging.Confirmable, Code: CodeGET, MessageID: 1}
	h.Options = []Option{
		{Number: OptionURIPath, Value: []byte("x")},
		{Number: 292, Value: bytes.Repeat([]byte{0x01}, 300)},
	}
	buf := make([]byte, 512)
	n, err := Encode(h, buf)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Options) != 2 || got.Options[1].Number != 292 || len(got.Options[1].Value) != 300 {
		t.Fatalf("unexpected options: %+v", got.Options)
	}
}

func TestDecodeInsufficientBytes(t *testing.T) {
	if _, err := Decode([]byte{0x40}); err == nil {
		t.Fatalf("expected parse error on truncated header")
	}
}

func TestCodeClassDetail(t *testing.T) {
	c := NewCode(2, 5)
	if c.Class() != 2 || c.Detail() != 5 {
		t.Fatalf("unexpected class/detail: %d/%d", c.Class(), c.Detail())
	}
	if c.String() != "2.05" {
		t.Fatalf("unexpected string: %s", c.String())
	}
}
