package codec

import (
	"bytes"
	"testing"
)

func TestFrameBuilderAppendAndRead(t *testing.T) {
	buf := make([]byte, 16)
	var fb FrameBuilder
	fb.Init(buf)

	if err := fb.AppendU8(0x7F); err != nil {
		t.Fatalf("AppendU8: %v", err)
	}
	if err := fb.AppendBigEndianU16(0x1234); err != nil {
		t.Fatalf("AppendBigEndianU16: %v", err)
	}
	if err := fb.AppendLittleEndianU16(0x1234); err != nil {
		t.Fatalf("AppendLittleEndianU16: %v", err)
	}
	if err := fb.AppendBytes([]byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("AppendBytes: %v", err)
	}

	want := []byte{0x7F, 0x12, 0x34, 0x34, 0x12, 0xAA, 0xBB}
	if !bytes.Equal(fb.Bytes(), want) {
		t.Fatalf("got % X want % X", fb.Bytes(), want)
	}

	d := NewFrameData(fb.Bytes())
	u8, err := d.ReadU8()
	if err != nil || u8 != 0x7F {
		t.Fatalf("ReadU8 = %v, %v", u8, err)
	}
	be16, err := d.ReadBigEndianU16()
	if err != nil || be16 != 0x1234 {
		t.Fatalf("ReadBigEndianU16 = %v, %v", be16, err)
	}
	le16, err := d.ReadLittleEndianU16()
	if err != nil || le16 != 0x1234 {
		t.Fatalf("ReadLittleEndianU16 = %v, %v", le16, err)
	}
	rest, err := d.ReadBytes(2)
	if err != nil || !bytes.Equal(rest, []byte{0xAA, 0xBB}) {
		t.Fatalf("ReadBytes = % X, %v", rest, err)
	}
}

func TestFrameBuilderInsufficientBuffer(t *testing.T) {
	var fb FrameBuilder
	fb.Init(make([]byte, 2))
	if err := fb.AppendBytes([]byte{1, 2, 3}); err != ErrInsufficientBuffer {
		t.Fatalf("expected ErrInsufficientBuffer, got %v", err)
	}
}

func TestFrameDataShortRead(t *testing.T) {
	d := NewFrameData([]byte{0x01})
	if _, err := d.ReadBigEndianU16(); err != ErrParse {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestFrameBuilderInsertRemove(t *testing.T) {
	var fb FrameBuilder
	fb.Init(make([]byte, 16))
	_ = fb.AppendBytes([]byte{1, 2, 3, 4})
	if err := fb.InsertBytes(2, []byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("InsertBytes: %v", err)
	}
	want := []byte{1, 2, 0xAA, 0xBB, 3, 4}
	if !bytes.Equal(fb.Bytes(), want) {
		t.Fatalf("got % X want % X", fb.Bytes(), want)
	}
	fb.RemoveBytes(2, 2)
	want = []byte{1, 2, 3, 4}
	if !bytes.Equal(fb.Bytes(), want) {
		t.Fatalf("got % X want % X", fb.Bytes(), want)
	}
}

func TestFrameBuilderOverwrite(t *testing.T) {
	var fb FrameBuilder
	fb.Init(make([]byte, 16))
	_ = fb.AppendBytes([]byte{1, 2, 3, 4})
	fb.Overwrite(1, []byte{0xFF, 0xFE})
	want := []byte{1, 0xFF, 0xFE, 4}
	if !bytes.Equal(fb.Bytes(), want) {
		t.Fatalf("got % X want % X", fb.Bytes(), want)
	}
}

func TestMessageCloneWithLength(t *testing.T) {
	pool := NewMessagePool(1024, 0)
	m, err := pool.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = m.Append([]byte{1, 2, 3, 4, 5})
	m.SetMeta("x", 42)

	clone := m.CloneWithLength(3)
	if !bytes.Equal(clone.Bytes(), []byte{1, 2, 3}) {
		t.Fatalf("clone bytes = % X", clone.Bytes())
	}
	if _, ok := clone.Meta("x"); ok {
		t.Fatalf("expected metadata to be dropped on clone")
	}
}

func TestMessagePoolExhaustion(t *testing.T) {
	pool := NewMessagePool(1024, 1)
	m1, err := pool.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := pool.New(); err != ErrNoBuffer {
		t.Fatalf("expected ErrNoBuffer, got %v", err)
	}
	m1.Free()
	if _, err := pool.New(); err != nil {
		t.Fatalf("New after Free: %v", err)
	}
}
