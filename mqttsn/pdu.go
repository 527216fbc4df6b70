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

// Package mqttsn implements an MQTT-SN v1.2 client: PDU framing, the
// broker-interaction state machine and its nine per-operation retry queues.
package mqttsn

import (
	"fmt"

	"github.com/threadmesh/agent/codec"
)

// MsgType is the one-byte MQTT-SN message type field.
type MsgType uint8

// The MQTT-SN v1.2 message types this client exercises.
const (
	TypeAdvertise     MsgType = 0x00
	TypeSearchGW      MsgType = 0x01
	TypeGWInfo        MsgType = 0x02
	TypeConnect       MsgType = 0x04
	TypeConnAck       MsgType = 0x05
	TypeWillTopicReq  MsgType = 0x06
	TypeWillTopic     MsgType = 0x07
	TypeWillMsgReq    MsgType = 0x08
	TypeWillMsg       MsgType = 0x09
	TypeRegister      MsgType = 0x0A
	TypeRegAck        MsgType = 0x0B
	TypePublish       MsgType = 0x0C
	TypePubAck        MsgType = 0x0D
	TypePubComp       MsgType = 0x0E
	TypePubRec        MsgType = 0x0F
	TypePubRel        MsgType = 0x10
	TypeSubscribe     MsgType = 0x12
	TypeSubAck        MsgType = 0x13
	TypeUnsubscribe   MsgType = 0x14
	TypeUnsubAck      MsgType = 0x15
	TypePingReq       MsgType = 0x16
	TypePingResp      MsgType = 0x17
	TypeDisconnect    MsgType = 0x18
	TypeWillTopicUpd  MsgType = 0x1A
	TypeWillTopicResp MsgType = 0x1B
	TypeWillMsgUpd    MsgType = 0x1C
	TypeWillMsgResp   MsgType = 0x1D
)

// ReturnCode is the one-byte status carried in *ACK messages.
type ReturnCode uint8

const (
	Accepted               ReturnCode = 0x00
	RejectedCongestion     ReturnCode = 0x01
	RejectedInvalidTopicID ReturnCode = 0x02
	RejectedNotSupported   ReturnCode = 0x03
)

// TopicIDType distinguishes the three ways a topic can be addressed on the
// wire.
type TopicIDType uint8

const (
	TopicNamed     TopicIDType = 0 // registered via REGISTER, returns a 16-bit topic-id
	TopicPredefined TopicIDType = 1
	TopicShort     TopicIDType = 2 // exactly two ASCII bytes, used directly as the topic-id
)

// Flags packs the bit field shared by CONNECT, WILLTOPIC, PUBLISH,
// SUBSCRIBE and UNSUBSCRIBE.
type Flags struct {
	Dup          bool
	QoS          int8 // one of -1, 0, 1, 2
	Retain       bool
	Will         bool
	CleanSession bool
	TopicIDType  TopicIDType
}

func (f Flags) encode() byte {
	var b byte
	if f.Dup {
		b |= 0x80
	}
	b |= qosBits(f.QoS) << 5
	if f.Retain {
		b |= 0x10
	}
	if f.Will {
		b |= 0x08
	}
	if f.CleanSession {
		b |= 0x04
	}
	b |= byte(f.TopicIDType) & 0x03
	return b
}

func decodeFlags(b byte) Flags {
	return Flags{
		Dup:          b&0x80 != 0,
		QoS:          qosFromBits((b >> 5) & 0x03),
		Retain:       b&0x10 != 0,
		Will:         b&0x08 != 0,
		CleanSession: b&0x04 != 0,
		TopicIDType:  TopicIDType(b & 0x03),
	}
}

// qosBits maps the signed QoS value {-1,0,1,2} to its 2-bit wire encoding.
func qosBits(qos int8) byte {
	switch qos {
	case 0:
		return 0b00
	case 1:
		return 0b01
	case 2:
		return 0b10
	case -1:
		return 0b11
	default:
		return 0b00
	}
}

func qosFromBits(b byte) int8 {
	switch b {
	case 0b00:
		return 0
	case 0b01:
		return 1
	case 0b10:
		return 2
	default:
		return -1
	}
}

const protocolID = 0x01

// Frame wraps msgType and body with the MQTT-SN length prefix: one byte if
// the total length fits in 0..255, otherwise the three-byte form
// (0x01, len-hi, len-lo).
func Frame(msgType MsgType, body []byte) []byte {
	total := 2 + len(body)
	if total <= 255 {
		out := make([]byte, 0, total)
		out = append(out, byte(total), byte(msgType))
		return append(out, body...)
	}
	total += 2 // three-byte length field instead of one
	out := make([]byte, 0, total)
	out = append(out, 0x01, byte(total>>8), byte(total&0xFF), byte(msgType))
	return append(out, body...)
}

// ParseFrame splits a length-prefixed datagram into its message type and
// body. The datagram is expected to carry exactly one PDU, as is the case
// for UDP: the trailing bytes after the header are the whole body.
func ParseFrame(raw []byte) (MsgType, []byte, error) {
	fd := codec.NewFrameData(raw)
	first, err := fd.ReadU8()
	if err != nil {
		return 0, nil, err
	}
	if first == 0x01 {
		if _, err := fd.ReadBigEndianU16(); err != nil { // total length, re-derived from len(raw) instead
			return 0, nil, err
		}
	}
	msgTypeByte, err := fd.ReadU8()
	if err != nil {
		return 0, nil, err
	}
	body, err := fd.ReadBytes(fd.Remaining())
	if err != nil {
		return 0, nil, err
	}
	return MsgType(msgTypeByte), body, nil
}

// Connect is the CONNECT message body.
type Connect struct {
	Flags    Flags
	Duration uint16
	ClientID string
}

func (c Connect) encode() []byte {
	var fb codec.FrameBuilder
	buf := make([]byte, 4+len(c.ClientID))
	fb.Init(buf)
	_ = fb.AppendU8(c.Flags.encode())
	_ = fb.AppendU8(protocolID)
	_ = fb.AppendBigEndianU16(c.Duration)
	_ = fb.AppendBytes([]byte(c.ClientID))
	return fb.Bytes()
}

func decodeConnect(body []byte) (Connect, error) {
	fd := codec.NewFrameData(body)
	flagsByte, err := fd.ReadU8()
	if err != nil {
		return Connect{}, err
	}
	if _, err := fd.ReadU8(); err != nil { // protocol id, ignored
		return Connect{}, err
	}
	duration, err := fd.ReadBigEndianU16()
	if err != nil {
		return Connect{}, err
	}
	clientID, err := fd.ReadBytes(fd.Remaining())
	if err != nil {
		return Connect{}, err
	}
	return Connect{Flags: decodeFlags(flagsByte), Duration: duration, ClientID: string(clientID)}, nil
}

// ConnAck is the CONNACK message body.
type ConnAck struct{ ReturnCode ReturnCode }

func (c ConnAck) encode() []byte { return []byte{byte(c.ReturnCode)} }

func decodeConnAck(body []byte) (ConnAck, error) {
	if len(body) != 1 {
		return ConnAck{}, fmt.Errorf("CONNACK body must be 1 byte: %w", codec.ErrParse)
	}
	return ConnAck{ReturnCode: ReturnCode(body[0])}, nil
}

// WillTopic is the WILLTOPIC message body, sent in reply to WILLTOPICREQ
// during connection setup (or unsolicited, with an empty TopicName, to clear
// a previously registered will).
type WillTopic struct {
	Flags     Flags
	TopicName string
}

func (w WillTopic) encode() []byte {
	if w.TopicName == "" {
		return nil
	}
	var fb codec.FrameBuilder
	buf := make([]byte, 1+len(w.TopicName))
	fb.Init(buf)
	_ = fb.AppendU8(w.Flags.encode())
	_ = fb.AppendBytes([]byte(w.TopicName))
	return fb.Bytes()
}

func decodeWillTopic(body []byte) (WillTopic, error) {
	if len(body) == 0 {
		return WillTopic{}, nil
	}
	fd := codec.NewFrameData(body)
	flagsByte, err := fd.ReadU8()
	if err != nil {
		return WillTopic{}, err
	}
	name, err := fd.ReadBytes(fd.Remaining())
	if err != nil {
		return WillTopic{}, err
	}
	return WillTopic{Flags: decodeFlags(flagsByte), TopicName: string(name)}, nil
}

// WillMsg is the WILLMSG message body, sent in reply to WILLMSGREQ.
type WillMsg struct{ Data []byte }

func (w WillMsg) encode() []byte { return w.Data }

func decodeWillMsg(body []byte) (WillMsg, error) {
	return WillMsg{Data: append([]byte(nil), body...)}, nil
}

// Register is the REGISTER message body (client->gateway or gateway->client).
type Register struct {
	TopicID   uint16
	MessageID uint16
	TopicName string
}

func (r Register) encode() []byte {
	var fb codec.FrameBuilder
	buf := make([]byte, 4+len(r.TopicName))
	fb.Init(buf)
	_ = fb.AppendBigEndianU16(r.TopicID)
	_ = fb.AppendBigEndianU16(r.MessageID)
	_ = fb.AppendBytes([]byte(r.TopicName))
	return fb.Bytes()
}

func decodeRegister(body []byte) (Register, error) {
	fd := codec.NewFrameData(body)
	topicID, err := fd.ReadBigEndianU16()
	if err != nil {
		return Register{}, err
	}
	messageID, err := fd.ReadBigEndianU16()
	if err != nil {
		return Register{}, err
	}
	name, err := fd.ReadBytes(fd.Remaining())
	if err != nil {
		return Register{}, err
	}
	return Register{TopicID: topicID, MessageID: messageID, TopicName: string(name)}, nil
}

// RegAck is the REGACK message body.
type RegAck struct {
	TopicID    uint16
	MessageID  uint16
	ReturnCode ReturnCode
}

func (r RegAck) encode() []byte {
	var fb codec.FrameBuilder
	buf := make([]byte, 5)
	fb.Init(buf)
	_ = fb.AppendBigEndianU16(r.TopicID)
	_ = fb.AppendBigEndianU16(r.MessageID)
	_ = fb.AppendU8(byte(r.ReturnCode))
	return fb.Bytes()
}

func decodeRegAck(body []byte) (RegAck, error) {
	if len(body) != 5 {
		return RegAck{}, fmt.Errorf("REGACK body must be 5 bytes: %w", codec.ErrParse)
	}
	fd := codec.NewFrameData(body)
	topicID, _ := fd.ReadBigEndianU16()
	messageID, _ := fd.ReadBigEndianU16()
	rc, _ := fd.ReadU8()
	return RegAck{TopicID: topicID, MessageID: messageID, ReturnCode: ReturnCode(rc)}, nil
}

// Publish is the PUBLISH message body. TopicID holds either the registered
// 16-bit id, the pre-defined id, or the two raw ASCII bytes packed as a
// uint16 for TopicShort (matching the wire representation).
type Publish struct {
	Flags     Flags
	TopicID   uint16
	MessageID uint16
	Data      []byte
}

// dupFlagOffset returns the offset of the flags byte within a framed
// PUBLISH/SUBSCRIBE/UNSUBSCRIBE datagram (length prefix + message type +
// flags byte first in the body), letting the client flip the DUP bit
// in-place before a retransmission without re-encoding.
func dupFlagOffset(raw []byte) int {
	if len(raw) > 0 && raw[0] == 0x01 {
		return 4
	}
	return 2
}

func (p Publish) encode() []byte {
	var fb codec.FrameBuilder
	buf := make([]byte, 5+len(p.Data))
	fb.Init(buf)
	_ = fb.AppendU8(p.Flags.encode())
	_ = fb.AppendBigEndianU16(p.TopicID)
	_ = fb.AppendBigEndianU16(p.MessageID)
	_ = fb.AppendBytes(p.Data)
	return fb.Bytes()
}

func decodePublish(body []byte) (Publish, error) {
	fd := codec.NewFrameData(body)
	flagsByte, err := fd.ReadU8()
	if err != nil {
		return Publish{}, err
	}
	topicID, err := fd.ReadBigEndianU16()
	if err != nil {
		return Publish{}, err
	}
	messageID, err := fd.ReadBigEndianU16()
	if err != nil {
		return Publish{}, err
	}
	data, err := fd.ReadBytes(fd.Remaining())
	if err != nil {
		return Publish{}, err
	}
	return Publish{Flags: decodeFlags(flagsByte), TopicID: topicID, MessageID: messageID, Data: data}, nil
}

// PubAck is the PUBACK message body.
type PubAck struct {
	TopicID    uint16
	MessageID  uint16
	ReturnCode ReturnCode
}

func (p PubAck) encode() []byte {
	var fb codec.FrameBuilder
	buf := make([]byte, 5)
	fb.Init(buf)
	_ = fb.AppendBigEndianU16(p.TopicID)
	_ = fb.AppendBigEndianU16(p.MessageID)
	_ = fb.AppendU8(byte(p.ReturnCode))
	return fb.Bytes()
}

func decodePubAck(body []byte) (PubAck, error) {
	if len(body) != 5 {
		return PubAck{}, fmt.Errorf("PUBACK body must be 5 bytes: %w", codec.ErrParse)
	}
	fd := codec.NewFrameData(body)
	topicID, _ := fd.ReadBigEndianU16()
	messageID, _ := fd.ReadBigEndianU16()
	rc, _ := fd.ReadU8()
	return PubAck{TopicID: topicID, MessageID: messageID, ReturnCode: ReturnCode(rc)}, nil
}

// messageIDOnly covers PUBREC, PUBREL, PUBCOMP and UNSUBACK, which carry
// nothing but a message id.
type messageIDOnly struct{ MessageID uint16 }

func (m messageIDOnly) encode() []byte {
	var fb codec.FrameBuilder
	buf := make([]byte, 2)
	fb.Init(buf)
	_ = fb.AppendBigEndianU16(m.MessageID)
	return fb.Bytes()
}

func decodeMessageIDOnly(body []byte) (messageIDOnly, error) {
	if len(body) != 2 {
		return messageIDOnly{}, fmt.Errorf("body must be 2 bytes: %w", codec.ErrParse)
	}
	fd := codec.NewFrameData(body)
	id, _ := fd.ReadBigEndianU16()
	return messageIDOnly{MessageID: id}, nil
}

// Subscribe is the SUBSCRIBE message body. TopicNameOrID holds the topic
// name bytes (TopicNamed/TopicShort) or the two big-endian bytes of a
// pre-defined topic-id (TopicPredefined).
type Subscribe struct {
	Flags         Flags
	MessageID     uint16
	TopicNameOrID []byte
}

func (s Subscribe) encode() []byte {
	var fb codec.FrameBuilder
	buf := make([]byte, 3+len(s.TopicNameOrID))
	fb.Init(buf)
	_ = fb.AppendU8(s.Flags.encode())
	_ = fb.AppendBigEndianU16(s.MessageID)
	_ = fb.AppendBytes(s.TopicNameOrID)
	return fb.Bytes()
}

func decodeSubscribe(body []byte) (Subscribe, error) {
	fd := codec.NewFrameData(body)
	flagsByte, err := fd.ReadU8()
	if err != nil {
		return Subscribe{}, err
	}
	messageID, err := fd.ReadBigEndianU16()
	if err != nil {
		return Subscribe{}, err
	}
	rest, err := fd.ReadBytes(fd.Remaining())
	if err != nil {
		return Subscribe{}, err
	}
	return Subscribe{Flags: decodeFlags(flagsByte), MessageID: messageID, TopicNameOrID: rest}, nil
}

// Unsubscribe mirrors Subscribe's shape.
type Unsubscribe = Subscribe

// SubAck is the SUBACK message body.
type SubAck struct {
	Flags      Flags
	TopicID    uint16
	MessageID  uint16
	ReturnCode ReturnCode
}

func (s SubAck) encode() []byte {
	var fb codec.FrameBuilder
	buf := make([]byte, 6)
	fb.Init(buf)
	_ = fb.AppendU8(s.Flags.encode())
	_ = fb.AppendBigEndianU16(s.TopicID)
	_ = fb.AppendBigEndianU16(s.MessageID)
	_ = fb.AppendU8(byte(s.ReturnCode))
	return fb.Bytes()
}

func decodeSubAck(body []byte) (SubAck, error) {
	if len(body) != 6 {
		return SubAck{}, fmt.Errorf("SUBACK body must be 6 bytes: %w", codec.ErrParse)
	}
	fd := codec.NewFrameData(body)
	flagsByte, _ := fd.ReadU8()
	topicID, _ := fd.ReadBigEndianU16()
	messageID, _ := fd.ReadBigEndianU16()
	rc, _ := fd.ReadU8()
	return SubAck{Flags: decodeFlags(flagsByte), TopicID: topicID, MessageID: messageID, ReturnCode: ReturnCode(rc)}, nil
}

// SearchGW is the SEARCHGW message body, sent to the multicast discovery
// address.
type SearchGW struct{ Radius uint8 }

func (s SearchGW) encode() []byte { return []byte{s.Radius} }

func decodeSearchGW(body []byte) (SearchGW, error) {
	if len(body) != 1 {
		return SearchGW{}, fmt.Errorf("SEARCHGW body must be 1 byte: %w", codec.ErrParse)
	}
	return SearchGW{Radius: body[0]}, nil
}

// GWInfo is the GWINFO message body.
type GWInfo struct {
	GatewayID uint8
	GWAdd     []byte // present only when a client, not the gateway itself, relays this
}

func (g GWInfo) encode() []byte {
	return append([]byte{g.GatewayID}, g.GWAdd...)
}

func decodeGWInfo(body []byte) (GWInfo, error) {
	if len(body) < 1 {
		return GWInfo{}, fmt.Errorf("GWINFO body must be at least 1 byte: %w", codec.ErrParse)
	}
	return GWInfo{GatewayID: body[0], GWAdd: append([]byte(nil), body[1:]...)}, nil
}

// Advertise is the ADVERTISE message body (periodic gateway beacon).
type Advertise struct {
	GatewayID uint8
	Duration  uint16
}

func (a Advertise) encode() []byte {
	var fb codec.FrameBuilder
	buf := make([]byte, 3)
	fb.Init(buf)
	_ = fb.AppendU8(a.GatewayID)
	_ = fb.AppendBigEndianU16(a.Duration)
	return fb.Bytes()
}

func decodeAdvertise(body []byte) (Advertise, error) {
	if len(body) != 3 {
		return Advertise{}, fmt.Errorf("ADVERTISE body must be 3 bytes: %w", codec.ErrParse)
	}
	fd := codec.NewFrameData(body)
	gwID, _ := fd.ReadU8()
	duration, _ := fd.ReadBigEndianU16()
	return Advertise{GatewayID: gwID, Duration: duration}, nil
}

// Disconnect is the DISCONNECT message body; Duration is present (and
// nonzero) only for a sleep request.
type Disconnect struct{ Duration uint16 }

func (d Disconnect) encode() []byte {
	if d.Duration == 0 {
		return nil
	}
	var fb codec.FrameBuilder
	buf := make([]byte, 2)
	fb.Init(buf)
	_ = fb.AppendBigEndianU16(d.Duration)
	return fb.Bytes()
}

func decodeDisconnect(body []byte) (Disconnect, error) {
	if len(body) == 0 {
		return Disconnect{}, nil
	}
	if len(body) != 2 {
		return Disconnect{}, fmt.Errorf("DISCONNECT body must be 0 or 2 bytes: %w", codec.ErrParse)
	}
	fd := codec.NewFrameData(body)
	d, _ := fd.ReadBigEndianU16()
	return Disconnect{Duration: d}, nil
}
