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

package codec

// extendedLengthMarker is the length byte value signalling that a 16-bit
// extended length follows.
const extendedLengthMarker = 0xFF

// TLV is (type:u8, length:u8, value:length-bytes); if length == 0xFF an
// extended 16-bit length follows instead. Nested TLVs are allowed — the
// value bytes of one TLV may themselves be scanned as a TLV sequence.
type TLV struct {
	Type  uint8
	Value []byte
}

// AppendTLV writes a TLV to a, choosing the extended length form when
// len(value) >= extendedLengthMarker.
func AppendTLV(a Appender, typ uint8, value []byte) error {
	if err := a.AppendByte(typ); err != nil {
		return err
	}
	if len(value) >= extendedLengthMarker {
		if err := a.AppendByte(extendedLengthMarker); err != nil {
			return err
		}
		if len(value) > 0xFFFF {
			return ErrInsufficientBuffer
		}
		if err := a.AppendByte(byte(len(value) >> 8)); err != nil {
			return err
		}
		if err := a.AppendByte(byte(len(value))); err != nil {
			return err
		}
	} else {
		if err := a.AppendByte(uint8(len(value))); err != nil {
			return err
		}
	}
	return a.AppendBytes(value)
}

// ScanNext reads one TLV starting at the FrameData's current offset and
// returns its type and value bytes, advancing the cursor past it.
func ScanNext(d *FrameData) (TLV, error) {
	typ, err := d.ReadU8()
	if err != nil {
		return TLV{}, err
	}
	length, err := d.ReadU8()
	if err != nil {
		return TLV{}, err
	}
	n := int(length)
	if length == extendedLengthMarker {
		ext, err := d.ReadBigEndianU16()
		if err != nil {
			return TLV{}, err
		}
		n = int(ext)
	}
	value, err := d.ReadBytes(n)
	if err != nil {
		return TLV{}, err
	}
	return TLV{Type: typ, Value: value}, nil
}

// ScanAll scans every TLV in buf in order. A malformed trailing TLV yields
// ErrParse for the whole scan.
func ScanAll(buf []byte) ([]TLV, error) {
	d := NewFrameData(buf)
	var out []TLV
	for d.Remaining() > 0 {
		t, err := ScanNext(d)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Find does a linear, type-filtered scan of buf starting from byte offset
// start, returning the first TLV of the given type.
func Find(buf []byte, start int, typ uint8) (TLV, bool) {
	d := NewFrameData(buf)
	d.SkipOver(start)
	for d.Remaining() > 0 {
		t, err := ScanNext(d)
		if err != nil {
			return TLV{}, false
		}
		if t.Type == typ {
			return t, true
		}
	}
	return TLV{}, false
}
