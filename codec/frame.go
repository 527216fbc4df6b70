// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package codec provides bit-exact wire encoding helpers shared by the CoAP,
// MQTT-SN and TLV subsystems: a bounded write cursor (FrameBuilder), a read
// cursor (FrameData), a pooled Message buffer, CRC calculators and TLV
// framing.
package codec

import "encoding/binary"

// FrameBuilder is a write cursor into a caller-owned, fixed-capacity buffer.
// It is not restartable once full: once an append fails with
// ErrInsufficientBuffer, the FrameBuilder must be discarded or reset via
// Init.
type FrameBuilder struct {
	buf    []byte
	length int
}

// Init binds the FrameBuilder to buf. The builder will never write past
// len(buf).
func (f *FrameBuilder) Init(buf []byte) {
	f.buf = buf
	f.length = 0
}

// Bytes returns the portion of the backing buffer written so far.
func (f *FrameBuilder) Bytes() []byte { return f.buf[:f.length] }

// Len returns the number of bytes appended so far.
func (f *FrameBuilder) Len() int { return f.length }

// MaxLen returns the capacity of the backing buffer.
func (f *FrameBuilder) MaxLen() int { return len(f.buf) }

// Remaining returns the number of bytes that can still be appended.
func (f *FrameBuilder) Remaining() int { return len(f.buf) - f.length }

// CanAppend reports whether n more bytes can be appended without exceeding
// the backing buffer's capacity.
func (f *FrameBuilder) CanAppend(n int) bool { return f.length+n <= len(f.buf) }

// AppendU8 appends a single byte.
func (f *FrameBuilder) AppendU8(v uint8) error {
	return f.AppendBytes([]byte{v})
}

// AppendBigEndianU16 appends v as two big-endian bytes.
func (f *FrameBuilder) AppendBigEndianU16(v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return f.AppendBytes(b[:])
}

// AppendBigEndianU32 appends v as four big-endian bytes.
func (f *FrameBuilder) AppendBigEndianU32(v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return f.AppendBytes(b[:])
}

// AppendLittleEndianU16 appends v as two little-endian bytes.
func (f *FrameBuilder) AppendLittleEndianU16(v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return f.AppendBytes(b[:])
}

// AppendLittleEndianU32 appends v as four little-endian bytes.
func (f *FrameBuilder) AppendLittleEndianU32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return f.AppendBytes(b[:])
}

// AppendBytes appends the given bytes verbatim.
func (f *FrameBuilder) AppendBytes(b []byte) error {
	if !f.CanAppend(len(b)) {
		return ErrInsufficientBuffer
	}
	copy(f.buf[f.length:], b)
	f.length += len(b)
	return nil
}

// AppendFromMessage appends length bytes read from msg starting at offset.
func (f *FrameBuilder) AppendFromMessage(msg *Message, offset, length int) error {
	if !f.CanAppend(length) {
		return ErrInsufficientBuffer
	}
	b, err := msg.ReadRange(offset, length)
	if err != nil {
		return err
	}
	return f.AppendBytes(b)
}

// InsertBytes inserts b at offset, shifting existing content from offset
// onward forward by len(b). offset must be within [0, Len()].
func (f *FrameBuilder) InsertBytes(offset int, b []byte) error {
	if offset < 0 || offset > f.length {
		return ErrInsufficientBuffer
	}
	if !f.CanAppend(len(b)) {
		return ErrInsufficientBuffer
	}
	copy(f.buf[offset+len(b):f.length+len(b)], f.buf[offset:f.length])
	copy(f.buf[offset:], b)
	f.length += len(b)
	return nil
}

// RemoveBytes removes length bytes at offset, shifting the remaining tail
// backward. The caller guarantees offset+length <= Len().
func (f *FrameBuilder) RemoveBytes(offset, length int) {
	copy(f.buf[offset:], f.buf[offset+length:f.length])
	f.length -= length
}

// Overwrite writes b at offset without changing Len(). The caller guarantees
// the write fits within previously appended content.
func (f *FrameBuilder) Overwrite(offset int, b []byte) {
	copy(f.buf[offset:], b)
}

// FrameData is a read cursor over a byte slice. Each read advances the
// cursor; reads past the end of the slice fail with ErrParse.
type FrameData struct {
	buf    []byte
	offset int
}

// NewFrameData creates a FrameData reading from buf.
func NewFrameData(buf []byte) *FrameData {
	return &FrameData{buf: buf}
}

// Remaining returns the number of unread bytes.
func (d *FrameData) Remaining() int { return len(d.buf) - d.offset }

// CanRead reports whether n more bytes remain to be read.
func (d *FrameData) CanRead(n int) bool { return d.Remaining() >= n }

// Offset returns the current read offset into the original buffer.
func (d *FrameData) Offset() int { return d.offset }

// ReadU8 reads a single byte.
func (d *FrameData) ReadU8() (uint8, error) {
	b, err := d.ReadBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBigEndianU16 reads two bytes as a big-endian uint16.
func (d *FrameData) ReadBigEndianU16() (uint16, error) {
	b, err := d.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadBigEndianU32 reads four bytes as a big-endian uint32.
func (d *FrameData) ReadBigEndianU32() (uint32, error) {
	b, err := d.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadLittleEndianU16 reads two bytes as a little-endian uint16.
func (d *FrameData) ReadLittleEndianU16() (uint16, error) {
	b, err := d.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadBytes reads and returns the next n bytes, advancing the cursor. The
// returned slice aliases the FrameData's backing buffer.
func (d *FrameData) ReadBytes(n int) ([]byte, error) {
	if !d.CanRead(n) {
		return nil, ErrParse
	}
	b := d.buf[d.offset : d.offset+n]
	d.offset += n
	return b, nil
}

// SkipOver advances the cursor by n bytes without returning them. The caller
// guarantees n does not exceed Remaining().
func (d *FrameData) SkipOver(n int) { d.offset += n }
