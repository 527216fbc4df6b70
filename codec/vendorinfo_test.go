package codec

import "testing"

func TestVendorStringRoundTrip(t *testing.T) {
	b, err := EncodeVendorString("Acme Thread Gateway")
	if err != nil {
		t.Fatalf("EncodeVendorString: %v", err)
	}
	got, err := DecodeVendorString(b)
	if err != nil || got != "Acme Thread Gateway" {
		t.Fatalf("got %q, err %v", got, err)
	}
}

func TestVendorStringDecodeMalformed(t *testing.T) {
	if _, err := DecodeVendorString([]byte{0xFF, 0xFF}); err == nil {
		t.Fatalf("expected parse error")
	}
}
