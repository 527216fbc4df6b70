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

// Package coap implements RFC 7252 bit-exact header and option encoding on
// top of codec.FrameBuilder/FrameData, plus an Agent that routes inbound
// requests to registered resources and correlates responses through
// messaging.Core.
package coap

import (
	"fmt"
	"sort"

	"github.com/threadmesh/agent/codec"
	"github.com/threadmesh/agent/messaging"
)

// Code is a CoAP response/request code, packed as (class<<5 | detail), the
// same layout RFC 7252 uses on the wire.
type Code uint8

// NewCode builds a Code from its class.detail notation, e.g. NewCode(2, 5)
// for "2.05".
func NewCode(class, detail uint8) Code {
	return Code(class<<5 | (detail & 0x1F))
}

// Class and Detail decompose a Code back into its class.detail parts.
func (c Code) Class() uint8  { return uint8(c) >> 5 }
func (c Code) Detail() uint8 { return uint8(c) & 0x1F }

func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// Request codes.
const (
	CodeEmpty  Code = 0x00
	CodeGET    Code = 0x01
	CodePOST   Code = 0x02
	CodePUT    Code = 0x03
	CodeDELETE Code = 0x04
)

// Response codes used by the diagnostics and gateway resources.
var (
	Code201Created               = NewCode(2, 1)
	Code202Deleted                = NewCode(2, 2)
	Code203Valid                  = NewCode(2, 3)
	Code204Changed                = NewCode(2, 4)
	Code205Content                = NewCode(2, 5)
	Code400BadRequest             = NewCode(4, 0)
	Code401Unauthorized           = NewCode(4, 1)
	Code403Forbidden              = NewCode(4, 3)
	Code404NotFound               = NewCode(4, 4)
	Code405MethodNotAllowed       = NewCode(4, 5)
	Code406NotAcceptable          = NewCode(4, 6)
	Code413RequestEntityTooLarge  = NewCode(4, 13)
	Code415UnsupportedContentFmt  = NewCode(4, 15)
	Code500InternalServerError    = NewCode(5, 0)
	Code501NotImplemented         = NewCode(5, 1)
)

// OptionNumber identifies a CoAP option per the RFC 7252 option registry.
// Only the subset this toolkit exercises is defined.
type OptionNumber uint16

const (
	OptionURIPath      OptionNumber = 11
	OptionContentFormat OptionNumber = 12
	OptionURIQuery     OptionNumber = 15
	OptionAccept       OptionNumber = 17
)

// Option is one delta-encoded CoAP option. Repeatable options (Uri-Path,
// Uri-Query) appear as consecutive Options sharing the same Number.
type Option struct {
	Number OptionNumber
	Value  []byte
}

// Header is a decoded CoAP message: the 4-byte base header, token, options
// and payload.
type Header struct {
	Version   uint8
	Type      messaging.Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   []Option
	Payload   []byte
}

// URIPathSegments collects the ordered values of every Uri-Path option.
func (h *Header) URIPathSegments() []string {
	var segs []string
	for _, o := range h.Options {
		if o.Number == OptionURIPath {
			segs = append(segs, string(o.Value))
		}
	}
	return segs
}

// AddURIPath appends Uri-Path options for each path segment, in order.
func (h *Header) AddURIPath(segments ...string) {
	for _, s := range segments {
		h.Options = append(h.Options, Option{Number: OptionURIPath, Value: []byte(s)})
	}
}

const payloadMarker = 0xFF

// Encode writes h into buf, returning the number of bytes written. Options
// may be in any order: Encode writes a copy sorted into ascending Number
// order (sortedOptions), leaving h.Options untouched.
func Encode(h *Header, buf []byte) (int, error) {
	var fb codec.FrameBuilder
	fb.Init(buf)

	if len(h.Token) > 8 {
		return 0, fmt.Errorf("token length %d exceeds 8: %w", len(h.Token), codec.ErrParse)
	}
	first := (h.Version&0x3)<<6 | (uint8(h.Type)&0x3)<<4 | uint8(len(h.Token))&0xF
	if err := fb.AppendU8(first); err != nil {
		return 0, err
	}
	if err := fb.AppendU8(uint8(h.Code)); err != nil {
		return 0, err
	}
	if err := fb.AppendBigEndianU16(h.MessageID); err != nil {
		return 0, err
	}
	if err := fb.AppendBytes(h.Token); err != nil {
		return 0, err
	}

	opts := sortedOptions(h.Options)
	var prevNumber OptionNumber
	for _, o := range opts {
		delta := int(o.Number) - int(prevNumber)
		if delta < 0 {
			return 0, fmt.Errorf("options out of order: %w", codec.ErrParse)
		}
		if err := appendOptionHeader(&fb, delta, len(o.Value)); err != nil {
			return 0, err
		}
		if err := fb.AppendBytes(o.Value); err != nil {
			return 0, err
		}
		prevNumber = o.Number
	}

	if len(h.Payload) > 0 {
		if err := fb.AppendU8(payloadMarker); err != nil {
			return 0, err
		}
		if err := fb.AppendBytes(h.Payload); err != nil {
			return 0, err
		}
	}
	return fb.Len(), nil
}

func sortedOptions(opts []Option) []Option {
	sorted := append([]Option(nil), opts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	return sorted
}

// appendOptionHeader writes the delta/length nibble pair (plus any extended
// bytes) per RFC 7252 §3.1's small/one-byte-extended/two-byte-extended
// encoding. The nibble value 13 means "subtract 13, extend by one byte";
// 14 means "subtract 269, extend by two bytes"; 15 is reserved for the
// payload marker and never appears here.
func appendOptionHeader(fb *codec.FrameBuilder, delta, length int) error {
	deltaNibble, deltaExt, deltaExtLen := splitExtended(delta)
	lengthNibble, lengthExt, lengthExtLen := splitExtended(length)

	if err := fb.AppendU8(uint8(deltaNibble<<4 | lengthNibble)); err != nil {
		return err
	}
	if deltaExtLen == 1 {
		if err := fb.AppendU8(uint8(deltaExt)); err != nil {
			return err
		}
	} else if deltaExtLen == 2 {
		if err := fb.AppendBigEndianU16(uint16(deltaExt)); err != nil {
			return err
		}
	}
	if lengthExtLen == 1 {
		if err := fb.AppendU8(uint8(lengthExt)); err != nil {
			return err
		}
	} else if lengthExtLen == 2 {
		if err := fb.AppendBigEndianU16(uint16(lengthExt)); err != nil {
			return err
		}
	}
	return nil
}

// splitExtended returns the 4-bit nibble to emit, the extended value (if
// any) and how many bytes that extended value occupies (0, 1 or 2).
func splitExtended(v int) (nibble, extended, extendedLen int) {
	switch {
	case v < 13:
		return v, 0, 0
	case v < 269:
		return 13, v - 13, 1
	default:
		return 14, v - 269, 2
	}
}

// Decode parses buf into a Header. It fails with codec.ErrParse on any
// malformed input; callers must drop the datagram rather than propagate
// this to the peer.
func Decode(buf []byte) (*Header, error) {
	fd := codec.NewFrameData(buf)

	first, err := fd.ReadU8()
	if err != nil {
		return nil, err
	}
	version := first >> 6
	typ := messaging.Type((first >> 4) & 0x3)
	tokenLen := int(first & 0xF)
	if tokenLen > 8 {
		return nil, fmt.Errorf("token length %d exceeds 8: %w", tokenLen, codec.ErrParse)
	}

	code, err := fd.ReadU8()
	if err != nil {
		return nil, err
	}
	messageID, err := fd.ReadBigEndianU16()
	if err != nil {
		return nil, err
	}
	token, err := fd.ReadBytes(tokenLen)
	if err != nil {
		return nil, err
	}

	h := &Header{
		Version:   version,
		Type:      typ,
		Code:      Code(code),
		MessageID: messageID,
		Token:     append([]byte(nil), token...),
	}

	var prevNumber OptionNumber
	for fd.CanRead(1) {
		b, err := fd.ReadU8()
		if err != nil {
			return nil, err
		}
		if b == payloadMarker {
			payload, err := fd.ReadBytes(fd.Remaining())
			if err != nil {
				return nil, err
			}
			h.Payload = payload
			break
		}
		deltaNibble := int(b >> 4)
		lengthNibble := int(b & 0xF)

		delta, err := readExtended(fd, deltaNibble)
		if err != nil {
			return nil, err
		}
		length, err := readExtended(fd, lengthNibble)
		if err != nil {
			return nil, err
		}

		value, err := fd.ReadBytes(length)
		if err != nil {
			return nil, err
		}
		number := prevNumber + OptionNumber(delta)
		h.Options = append(h.Options, Option{Number: number, Value: value})
		prevNumber = number
	}

	return h, nil
}

func readExtended(fd *codec.FrameData, nibble int) (int, error) {
	switch nibble {
	case 13:
		v, err := fd.ReadU8()
		if err != nil {
			return 0, err
		}
		return int(v) + 13, nil
	case 14:
		v, err := fd.ReadBigEndianU16()
		if err != nil {
			return 0, err
		}
		return int(v) + 269, nil
	case 15:
		return 0, fmt.Errorf("reserved option nibble 15 outside payload marker: %w", codec.ErrParse)
	default:
		return nibble, nil
	}
}
