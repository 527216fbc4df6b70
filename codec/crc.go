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

// Named polynomials for the three CRC widths this toolkit's peers expect on
// the wire.
const (
	CRC16CCITTPolynomial uint32 = 0x1021
	CRC16ANSIPolynomial  uint32 = 0x8005
	CRC32ANSIPolynomial  uint32 = 0x04C11DB7
)

// CRC16 is a 16-bit CRC calculator using a standard MSB-first
// shift-register. It is not reflected and applies no final XOR;
// callers wanting CRC-16/ARC-style reflected output should reflect the
// input/output bytes themselves.
type CRC16 struct {
	poly uint16
	crc  uint16
}

// NewCRC16 creates a CRC16 calculator for the given polynomial.
func NewCRC16(poly uint16) *CRC16 { return &CRC16{poly: poly} }

// Value returns the current accumulated CRC.
func (c *CRC16) Value() uint16 { return c.crc }

// FeedByte folds a single byte into the CRC and returns the new value.
func (c *CRC16) FeedByte(b byte) uint16 {
	const msb = uint16(1) << 15
	c.crc ^= uint16(b) << 8
	for i := 0; i < 8; i++ {
		msbSet := c.crc&msb != 0
		c.crc <<= 1
		if msbSet {
			c.crc ^= c.poly
		}
	}
	return c.crc
}

// FeedBytes folds a buffer into the CRC.
func (c *CRC16) FeedBytes(b []byte) uint16 {
	for _, v := range b {
		c.FeedByte(v)
	}
	return c.crc
}

// FeedMessageRange folds a sub-range of a Message into the CRC.
func (c *CRC16) FeedMessageRange(m *Message, offset, length int) (uint16, error) {
	b, err := m.ReadRange(offset, length)
	if err != nil {
		return 0, err
	}
	return c.FeedBytes(b), nil
}

// CRC32 is the 32-bit counterpart of CRC16, same shift-register convention.
type CRC32 struct {
	poly uint32
	crc  uint32
}

// NewCRC32 creates a CRC32 calculator for the given polynomial.
func NewCRC32(poly uint32) *CRC32 { return &CRC32{poly: poly} }

// Value returns the current accumulated CRC.
func (c *CRC32) Value() uint32 { return c.crc }

// FeedByte folds a single byte into the CRC and returns the new value.
func (c *CRC32) FeedByte(b byte) uint32 {
	const msb = uint32(1) << 31
	c.crc ^= uint32(b) << 24
	for i := 0; i < 8; i++ {
		msbSet := c.crc&msb != 0
		c.crc <<= 1
		if msbSet {
			c.crc ^= c.poly
		}
	}
	return c.crc
}

// FeedBytes folds a buffer into the CRC.
func (c *CRC32) FeedBytes(b []byte) uint32 {
	for _, v := range b {
		c.FeedByte(v)
	}
	return c.crc
}

// FeedMessageRange folds a sub-range of a Message into the CRC.
func (c *CRC32) FeedMessageRange(m *Message, offset, length int) (uint32, error) {
	b, err := m.ReadRange(offset, length)
	if err != nil {
		return 0, err
	}
	return c.FeedBytes(b), nil
}
