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

package mqttsn

import (
	"fmt"

	"github.com/threadmesh/agent/errs"
	"github.com/threadmesh/agent/logging"
	"github.com/threadmesh/agent/messaging"
)

// State is one of the MqttSnSession lifecycle states.
type State int

const (
	Disconnected State = iota
	Active
	Asleep
	Awake
	Lost
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Active:
		return "active"
	case Asleep:
		return "asleep"
	case Awake:
		return "awake"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// DisconnectReason explains why a session left Active (or Awake).
type DisconnectReason int

const (
	ReasonUser DisconnectReason = iota
	ReasonGateway
	ReasonTimeout
	ReasonAsleep
)

const (
	defaultRetransmitTimeoutMillis = 3000
	defaultRetransmitCount         = 3
	keepaliveFraction              = 0.7
)

// ConnectCallback reports the outcome of a CONNECT attempt.
type ConnectCallback func(ReturnCode)

// DisconnectCallback reports why the session left Active/Awake.
type DisconnectCallback func(DisconnectReason)

// OpStatus is the terminal status of one queued operation, mirroring
// messaging.Status's Success/Timeout/Aborted shape for the same reason: a
// pending entry either gets its expected reply or doesn't.
type OpStatus int

const (
	OpAccepted OpStatus = iota
	OpTimeout
	OpAborted
)

// AckResult is delivered once to an operation acknowledged by a single
// return code (UNSUBSCRIBE and the publish QoS levels).
type AckResult struct {
	Status     OpStatus
	ReturnCode ReturnCode // meaningful only when Status == OpAccepted
}

// AckCallback reports the outcome of an operation acknowledged by a single
// return code.
type AckCallback func(AckResult)

// TopicAckResult is delivered once to an operation that also allocates or
// confirms a topic-id (SUBSCRIBE, REGISTER).
type TopicAckResult struct {
	Status     OpStatus
	ReturnCode ReturnCode
	TopicID    uint16
}

// TopicAckCallback reports the outcome of an operation that also allocates
// or confirms a topic-id.
type TopicAckCallback func(TopicAckResult)

// RegisterReceivedHandler lets the application accept or reject a topic
// registration offered by the gateway, returning the topic-id to bind.
type RegisterReceivedHandler func(topicName string) (topicID uint16, accept bool)

// PublishReceivedHandler delivers an inbound PUBLISH to the application.
type PublishReceivedHandler func(topicID uint16, qos int8, data []byte)

// AdvertiseHandler surfaces a periodic gateway beacon.
type AdvertiseHandler func(gatewayID uint8, duration uint16)

// GWInfoHandler surfaces a SEARCHGW response.
type GWInfoHandler func(gatewayID uint8, addr []byte)

// pendingEntry is one in-flight MQTT-SN operation awaiting an
// acknowledgement, shared in shape (not in retransmission algorithm) with
// messaging.pendingRequest: unlike CoAP's exponential back-off, MQTT-SN
// retransmits at a fixed interval and flips the DUP flag on PUBLISH and
// SUBSCRIBE retries.
type pendingEntry struct {
	peer          messaging.Peer
	messageID     uint16
	bytes         []byte
	nextShot      int64
	remaining     int
	setsDup       bool
	onTimeout     func()
	onCompleteAck AckCallback
	onCompleteTA  TopicAckCallback
}

// Client implements the MqttSnClient component: PDU dispatch, the ten
// per-operation pending queues and the shared fixed-interval retry timer
// that Tick runs over nine of them (the receiver-side PUBREC queue is not
// retransmitted).
type Client struct {
	sender messaging.Sender
	log    logging.Logger

	clientID   string
	keepalive  int
	gateway    messaging.Peer
	retransTimeoutMillis int64
	retransCount         int

	willTopic   string
	willMessage []byte
	willQoS     int8
	willRetain  bool

	state         State
	nextMessageID uint16
	nextPing      int64

	subscribeQ         []*pendingEntry
	registerQ          []*pendingEntry
	unsubscribeQ       []*pendingEntry
	publishQoS1Q       []*pendingEntry
	publishQoS2PublishQ []*pendingEntry
	publishQoS2PubrelQ []*pendingEntry
	publishQoS2PubrecQ []*pendingEntry // receiver side, duplicate suppression only
	connectQ           []*pendingEntry
	disconnectQ        []*pendingEntry
	pingreqQ           []*pendingEntry

	onConnect          ConnectCallback
	onDisconnect       DisconnectCallback
	onRegisterReceived RegisterReceivedHandler
	onPublishReceived  PublishReceivedHandler
	onAdvertise        AdvertiseHandler
	onGWInfo           GWInfoHandler

	stats Stats
}

// Stats is a snapshot of simple traffic counters.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	QueueDepth      int
}

// Option configures a Client at construction.
type Option func(*Client)

func WithLogger(l logging.Logger) Option { return func(c *Client) { c.log = l } }

// WithRetransmit overrides the fixed retry interval and count (both
// defaulted otherwise).
func WithRetransmit(timeoutMillis int64, count int) Option {
	return func(c *Client) {
		if timeoutMillis > 0 {
			c.retransTimeoutMillis = timeoutMillis
		}
		if count > 0 {
			c.retransCount = count
		}
	}
}

func WithConnectCallback(f ConnectCallback) Option       { return func(c *Client) { c.onConnect = f } }
func WithDisconnectCallback(f DisconnectCallback) Option { return func(c *Client) { c.onDisconnect = f } }
func WithRegisterReceivedHandler(f RegisterReceivedHandler) Option {
	return func(c *Client) { c.onRegisterReceived = f }
}
func WithPublishReceivedHandler(f PublishReceivedHandler) Option {
	return func(c *Client) { c.onPublishReceived = f }
}
func WithAdvertiseHandler(f AdvertiseHandler) Option { return func(c *Client) { c.onAdvertise = f } }
func WithGWInfoHandler(f GWInfoHandler) Option       { return func(c *Client) { c.onGWInfo = f } }

// WithWill registers a last-will topic and message, published by the gateway
// on the client's behalf if the connection is lost ungracefully. The
// gateway requests these via WILLTOPICREQ/WILLMSGREQ during CONNECT; an
// empty topic disables the will entirely.
func WithWill(topic string, message []byte, qos int8, retain bool) Option {
	return func(c *Client) {
		c.willTopic = topic
		c.willMessage = message
		c.willQoS = qos
		c.willRetain = retain
	}
}

// NewClient creates a Client talking to gateway over sender, identifying
// itself as clientID with the given keepalive in seconds.
func NewClient(sender messaging.Sender, gateway messaging.Peer, clientID string, keepaliveSeconds int, opts ...Option) *Client {
	c := &Client{
		sender:               sender,
		clientID:             clientID,
		keepalive:            keepaliveSeconds,
		gateway:              gateway,
		state:                Disconnected,
		retransTimeoutMillis: defaultRetransmitTimeoutMillis,
		retransCount:         defaultRetransmitCount,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current session state.
func (c *Client) State() State { return c.state }

// Stats returns a snapshot of the client's traffic counters and combined
// pending-queue depth.
func (c *Client) Stats() Stats {
	s := c.stats
	s.QueueDepth = len(c.subscribeQ) + len(c.registerQ) + len(c.unsubscribeQ) +
		len(c.publishQoS1Q) + len(c.publishQoS2PublishQ) + len(c.publishQoS2PubrelQ) +
		len(c.publishQoS2PubrecQ) + len(c.connectQ) + len(c.disconnectQ) + len(c.pingreqQ)
	return s
}

func (c *Client) nextMsgID() uint16 {
	c.nextMessageID++
	if c.nextMessageID == 0 {
		c.nextMessageID = 1
	}
	return c.nextMessageID
}

func (c *Client) send(b []byte) error {
	c.stats.PacketsSent++
	return c.sender.SendTo(c.gateway, b)
}

// Connect issues a CONNECT with the client's configured clientID and
// keepalive. The connect callback configured via WithConnectCallback fires
// once CONNACK arrives. Only valid from Disconnected.
func (c *Client) Connect(now int64, cleanSession bool) error {
	if c.state != Disconnected {
		return fmt.Errorf("connect while state=%s: %w", c.state, errs.InvalidState)
	}
	body := Connect{
		Flags:    Flags{CleanSession: cleanSession, Will: c.willTopic != ""},
		Duration: uint16(c.keepalive),
		ClientID: c.clientID,
	}.encode()
	raw := Frame(TypeConnect, body)
	if err := c.send(raw); err != nil {
		return err
	}
	c.connectQ = append(c.connectQ, &pendingEntry{
		peer: c.gateway, bytes: raw, nextShot: now + c.retransTimeoutMillis, remaining: c.retransCount,
		onTimeout: func() {
			logging.Printf(c.log, "CONNECT to %+v timed out", c.gateway)
		},
	})
	return nil
}

// Disconnect issues a DISCONNECT. duration > 0 requests sleep (Asleep on
// echo); duration == 0 requests a clean disconnect (Disconnected on echo).
// Only valid from Active.
func (c *Client) Disconnect(now int64, duration uint16) error {
	if c.state != Active {
		return fmt.Errorf("disconnect while state=%s: %w", c.state, errs.InvalidState)
	}
	raw := Frame(TypeDisconnect, Disconnect{Duration: duration}.encode())
	if err := c.send(raw); err != nil {
		return err
	}
	c.disconnectQ = append(c.disconnectQ, &pendingEntry{
		peer: c.gateway, bytes: raw, nextShot: now + c.retransTimeoutMillis, remaining: c.retransCount,
		onTimeout: func() {
			c.state = Lost
			if c.onDisconnect != nil {
				c.onDisconnect(ReasonTimeout)
			}
		},
	})
	return nil
}

// Register asks the gateway to allocate a topic-id for topicName. Only
// valid from Active.
func (c *Client) Register(now int64, topicName string, cb TopicAckCallback) error {
	if c.state != Active {
		return fmt.Errorf("register while state=%s: %w", c.state, errs.InvalidState)
	}
	mid := c.nextMsgID()
	raw := Frame(TypeRegister, Register{MessageID: mid, TopicName: topicName}.encode())
	if err := c.send(raw); err != nil {
		return err
	}
	c.registerQ = append(c.registerQ, &pendingEntry{
		peer: c.gateway, messageID: mid, bytes: raw,
		nextShot: now + c.retransTimeoutMillis, remaining: c.retransCount,
		onCompleteTA: cb,
		onTimeout:    func() { c.timeoutTA(cb) },
	})
	return nil
}

// Subscribe subscribes to topicNameOrID (raw wire bytes: a name, a 2-byte
// pre-defined id, or a 2-byte short name) at the given QoS. Only valid from
// Active.
func (c *Client) Subscribe(now int64, topicIDType TopicIDType, topicNameOrID []byte, qos int8, cb TopicAckCallback) error {
	if c.state != Active {
		return fmt.Errorf("subscribe while state=%s: %w", c.state, errs.InvalidState)
	}
	if qos != 0 && qos != 1 && qos != 2 {
		return fmt.Errorf("qos %d not in {0,1,2}: %w", qos, errs.InvalidArgument)
	}
	mid := c.nextMsgID()
	body := Subscribe{Flags: Flags{QoS: qos, TopicIDType: topicIDType}, MessageID: mid, TopicNameOrID: topicNameOrID}.encode()
	raw := Frame(TypeSubscribe, body)
	if err := c.send(raw); err != nil {
		return err
	}
	c.subscribeQ = append(c.subscribeQ, &pendingEntry{
		peer: c.gateway, messageID: mid, bytes: raw, setsDup: true,
		nextShot: now + c.retransTimeoutMillis, remaining: c.retransCount,
		onCompleteTA: cb,
		onTimeout:    func() { c.timeoutTA(cb) },
	})
	return nil
}

// Unsubscribe mirrors Subscribe without a QoS. Only valid from Active.
func (c *Client) Unsubscribe(now int64, topicIDType TopicIDType, topicNameOrID []byte, cb AckCallback) error {
	if c.state != Active {
		return fmt.Errorf("unsubscribe while state=%s: %w", c.state, errs.InvalidState)
	}
	mid := c.nextMsgID()
	body := Unsubscribe{Flags: Flags{TopicIDType: topicIDType}, MessageID: mid, TopicNameOrID: topicNameOrID}.encode()
	raw := Frame(TypeUnsubscribe, body)
	if err := c.send(raw); err != nil {
		return err
	}
	c.unsubscribeQ = append(c.unsubscribeQ, &pendingEntry{
		peer: c.gateway, messageID: mid, bytes: raw,
		nextShot: now + c.retransTimeoutMillis, remaining: c.retransCount,
		onCompleteAck: cb,
		onTimeout:     func() { c.timeoutAck(cb) },
	})
	return nil
}

// Publish sends data to topicID at the given QoS. QoS 0 and -1 are
// fire-and-forget with no queue entry; QoS 1 and 2 enqueue awaiting
// acknowledgement. Only valid from Active.
func (c *Client) Publish(now int64, topicIDType TopicIDType, topicID uint16, data []byte, qos int8, cb AckCallback) error {
	if c.state != Active {
		return fmt.Errorf("publish while state=%s: %w", c.state, errs.InvalidState)
	}
	if qos != -1 && qos != 0 && qos != 1 && qos != 2 {
		return fmt.Errorf("qos %d not in {-1,0,1,2}: %w", qos, errs.InvalidArgument)
	}

	var mid uint16
	if qos == 1 || qos == 2 {
		mid = c.nextMsgID()
	}
	body := Publish{
		Flags:     Flags{QoS: qos, TopicIDType: topicIDType},
		TopicID:   topicID,
		MessageID: mid,
		Data:      data,
	}.encode()
	raw := Frame(TypePublish, body)
	if err := c.send(raw); err != nil {
		return err
	}

	switch qos {
	case 0, -1:
		return nil
	case 1:
		c.publishQoS1Q = append(c.publishQoS1Q, &pendingEntry{
			peer: c.gateway, messageID: mid, bytes: raw, setsDup: true,
			nextShot: now + c.retransTimeoutMillis, remaining: c.retransCount,
			onCompleteAck: cb,
			onTimeout:     func() { c.timeoutAck(cb) },
		})
	case 2:
		c.publishQoS2PublishQ = append(c.publishQoS2PublishQ, &pendingEntry{
			peer: c.gateway, messageID: mid, bytes: raw, setsDup: true,
			nextShot: now + c.retransTimeoutMillis, remaining: c.retransCount,
			onCompleteAck: cb,
			onTimeout:     func() { c.timeoutAck(cb) },
		})
	}
	return nil
}

func (c *Client) timeoutAck(cb AckCallback) {
	if cb != nil {
		cb(AckResult{Status: OpTimeout})
	}
}

func (c *Client) timeoutTA(cb TopicAckCallback) {
	if cb != nil {
		cb(TopicAckResult{Status: OpTimeout})
	}
}

// HandleInbound parses and dispatches one datagram from the gateway.
func (c *Client) HandleInbound(now int64, raw []byte) {
	c.stats.PacketsReceived++
	msgType, body, err := ParseFrame(raw)
	if err != nil {
		logging.Printf(c.log, "dropping unparseable MQTT-SN datagram: %s", err)
		return
	}
	switch msgType {
	case TypeConnAck:
		c.handleConnAck(now, body)
	case TypeWillTopicReq:
		c.handleWillTopicReq()
	case TypeWillMsgReq:
		c.handleWillMsgReq()
	case TypeRegAck:
		c.handleRegAck(body)
	case TypeRegister:
		c.handleRegister(now, body)
	case TypeSubAck:
		c.handleSubAck(body)
	case TypeUnsubAck:
		c.handleUnsubAck(body)
	case TypePubAck:
		c.handlePubAck(body)
	case TypePubRec:
		c.handlePubRec(now, body)
	case TypePubRel:
		c.handlePubRel(body)
	case TypePubComp:
		c.handlePubComp(body)
	case TypePublish:
		c.handlePublish(now, body)
	case TypePingResp:
		c.handlePingResp()
	case TypeDisconnect:
		c.handleDisconnectEcho()
	case TypeAdvertise:
		c.handleAdvertise(body)
	case TypeGWInfo:
		c.handleGWInfo(body)
	default:
		logging.Printf(c.log, "ignoring unsupported MQTT-SN message type %d", msgType)
	}
}

func (c *Client) handleConnAck(now int64, body []byte) {
	ack, err := decodeConnAck(body)
	if err != nil || len(c.connectQ) == 0 {
		return
	}
	c.connectQ = c.connectQ[1:]
	if ack.ReturnCode == Accepted {
		c.state = Active
		c.nextPing = now + int64(float64(c.keepalive)*1000*keepaliveFraction)
	}
	if c.onConnect != nil {
		c.onConnect(ack.ReturnCode)
	}
}

// handleWillTopicReq replies to the gateway's WILLTOPICREQ, sent mid-CONNECT
// whenever the client set the Will flag. The reply carries the registered
// will topic and its publish flags.
func (c *Client) handleWillTopicReq() {
	raw := Frame(TypeWillTopic, WillTopic{
		Flags:     Flags{QoS: c.willQoS, Retain: c.willRetain},
		TopicName: c.willTopic,
	}.encode())
	if err := c.send(raw); err != nil {
		logging.Printf(c.log, "sending WILLTOPIC failed: %s", err)
	}
}

// handleWillMsgReq replies to the gateway's WILLMSGREQ, the step that
// follows WILLTOPIC during CONNECT.
func (c *Client) handleWillMsgReq() {
	raw := Frame(TypeWillMsg, WillMsg{Data: c.willMessage}.encode())
	if err := c.send(raw); err != nil {
		logging.Printf(c.log, "sending WILLMSG failed: %s", err)
	}
}

func (c *Client) handleRegAck(body []byte) {
	ack, err := decodeRegAck(body)
	if err != nil {
		return
	}
	for i, e := range c.registerQ {
		if e.messageID == ack.MessageID {
			c.registerQ = append(c.registerQ[:i], c.registerQ[i+1:]...)
			if e.onCompleteTA != nil {
				e.onCompleteTA(TopicAckResult{Status: OpAccepted, ReturnCode: ack.ReturnCode, TopicID: ack.TopicID})
			}
			return
		}
	}
}

func (c *Client) handleRegister(now int64, body []byte) {
	reg, err := decodeRegister(body)
	if err != nil {
		return
	}
	rc := Accepted
	topicID := reg.TopicID
	if c.onRegisterReceived != nil {
		var accept bool
		topicID, accept = c.onRegisterReceived(reg.TopicName)
		if !accept {
			rc = RejectedNotSupported
		}
	}
	raw := Frame(TypeRegAck, RegAck{TopicID: topicID, MessageID: reg.MessageID, ReturnCode: rc}.encode())
	if err := c.send(raw); err != nil {
		logging.Printf(c.log, "sending REGACK failed: %s", err)
	}
}

func (c *Client) handleSubAck(body []byte) {
	ack, err := decodeSubAck(body)
	if err != nil {
		return
	}
	for i, e := range c.subscribeQ {
		if e.messageID == ack.MessageID {
			c.subscribeQ = append(c.subscribeQ[:i], c.subscribeQ[i+1:]...)
			if e.onCompleteTA != nil {
				e.onCompleteTA(TopicAckResult{Status: OpAccepted, ReturnCode: ack.ReturnCode, TopicID: ack.TopicID})
			}
			return
		}
	}
}

func (c *Client) handleUnsubAck(body []byte) {
	ack, err := decodeMessageIDOnly(body)
	if err != nil {
		return
	}
	for i, e := range c.unsubscribeQ {
		if e.messageID == ack.MessageID {
			c.unsubscribeQ = append(c.unsubscribeQ[:i], c.unsubscribeQ[i+1:]...)
			if e.onCompleteAck != nil {
				e.onCompleteAck(AckResult{Status: OpAccepted, ReturnCode: Accepted})
			}
			return
		}
	}
}

func (c *Client) handlePubAck(body []byte) {
	ack, err := decodePubAck(body)
	if err != nil {
		return
	}
	for i, e := range c.publishQoS1Q {
		if e.messageID == ack.MessageID {
			c.publishQoS1Q = append(c.publishQoS1Q[:i], c.publishQoS1Q[i+1:]...)
			if e.onCompleteAck != nil {
				e.onCompleteAck(AckResult{Status: OpAccepted, ReturnCode: ack.ReturnCode})
			}
			return
		}
	}
}

// handlePubRec advances a QoS 2 sender exchange: remove the publish entry,
// send PUBREL and enqueue awaiting PUBCOMP.
func (c *Client) handlePubRec(now int64, body []byte) {
	rec, err := decodeMessageIDOnly(body)
	if err != nil {
		return
	}
	var matched *pendingEntry
	for i, e := range c.publishQoS2PublishQ {
		if e.messageID == rec.MessageID {
			matched = e
			c.publishQoS2PublishQ = append(c.publishQoS2PublishQ[:i], c.publishQoS2PublishQ[i+1:]...)
			break
		}
	}
	if matched == nil {
		return
	}
	raw := Frame(TypePubRel, messageIDOnly{MessageID: rec.MessageID}.encode())
	if err := c.send(raw); err != nil {
		logging.Printf(c.log, "sending PUBREL failed: %s", err)
	}
	c.publishQoS2PubrelQ = append(c.publishQoS2PubrelQ, &pendingEntry{
		peer: c.gateway, messageID: rec.MessageID, bytes: raw,
		nextShot: now + c.retransTimeoutMillis, remaining: c.retransCount,
		onCompleteAck: matched.onCompleteAck,
		onTimeout:     func() { c.timeoutAck(matched.onCompleteAck) },
	})
}

func (c *Client) handlePubComp(body []byte) {
	comp, err := decodeMessageIDOnly(body)
	if err != nil {
		return
	}
	for i, e := range c.publishQoS2PubrelQ {
		if e.messageID == comp.MessageID {
			c.publishQoS2PubrelQ = append(c.publishQoS2PubrelQ[:i], c.publishQoS2PubrelQ[i+1:]...)
			if e.onCompleteAck != nil {
				e.onCompleteAck(AckResult{Status: OpAccepted, ReturnCode: Accepted})
			}
			return
		}
	}
}

// handlePublish dispatches an inbound PUBLISH by QoS: 0/-1 delivers
// directly, 1 acks immediately, 2 acks with PUBREC and tracks the
// message-id to suppress a duplicate redelivery until PUBREL arrives.
func (c *Client) handlePublish(now int64, body []byte) {
	pub, err := decodePublish(body)
	if err != nil {
		return
	}
	switch pub.Flags.QoS {
	case 0, -1:
		c.deliverPublish(pub)
	case 1:
		c.deliverPublish(pub)
		raw := Frame(TypePubAck, PubAck{TopicID: pub.TopicID, MessageID: pub.MessageID, ReturnCode: Accepted}.encode())
		if err := c.send(raw); err != nil {
			logging.Printf(c.log, "sending PUBACK failed: %s", err)
		}
	case 2:
		for _, e := range c.publishQoS2PubrecQ {
			if e.messageID == pub.MessageID {
				// duplicate message-id: drop without redelivering or re-acking.
				return
			}
		}
		c.deliverPublish(pub)
		raw := Frame(TypePubRec, messageIDOnly{MessageID: pub.MessageID}.encode())
		if err := c.send(raw); err != nil {
			logging.Printf(c.log, "sending PUBREC failed: %s", err)
		}
		c.publishQoS2PubrecQ = append(c.publishQoS2PubrecQ, &pendingEntry{
			peer: c.gateway, messageID: pub.MessageID, bytes: raw,
		})
	}
}

func (c *Client) deliverPublish(pub Publish) {
	if c.onPublishReceived != nil {
		c.onPublishReceived(pub.TopicID, pub.Flags.QoS, pub.Data)
	}
}

func (c *Client) handlePubRel(body []byte) {
	rel, err := decodeMessageIDOnly(body)
	if err != nil {
		return
	}
	for i, e := range c.publishQoS2PubrecQ {
		if e.messageID == rel.MessageID {
			c.publishQoS2PubrecQ = append(c.publishQoS2PubrecQ[:i], c.publishQoS2PubrecQ[i+1:]...)
			raw := Frame(TypePubComp, messageIDOnly{MessageID: rel.MessageID}.encode())
			if err := c.send(raw); err != nil {
				logging.Printf(c.log, "sending PUBCOMP failed: %s", err)
			}
			return
		}
	}
}

func (c *Client) handlePingResp() {
	if len(c.pingreqQ) > 0 {
		c.pingreqQ = c.pingreqQ[1:]
	}
	if c.state == Awake {
		c.state = Asleep
		if c.onDisconnect != nil {
			c.onDisconnect(ReasonAsleep)
		}
	}
}

func (c *Client) handleDisconnectEcho() {
	sleeping := false
	if len(c.disconnectQ) > 0 {
		if _, body, err := ParseFrame(c.disconnectQ[0].bytes); err == nil && len(body) == 2 {
			sleeping = true
		}
		c.disconnectQ = c.disconnectQ[1:]
	}
	reason := ReasonGateway
	switch c.state {
	case Active:
		if sleeping {
			c.state = Asleep
			reason = ReasonAsleep
		} else {
			c.state = Disconnected
		}
	case Asleep, Awake:
		c.state = Disconnected
	}
	if c.onDisconnect != nil {
		c.onDisconnect(reason)
	}
}

func (c *Client) handleAdvertise(body []byte) {
	adv, err := decodeAdvertise(body)
	if err != nil {
		return
	}
	if c.onAdvertise != nil {
		c.onAdvertise(adv.GatewayID, adv.Duration)
	}
}

func (c *Client) handleGWInfo(body []byte) {
	info, err := decodeGWInfo(body)
	if err != nil {
		return
	}
	if c.onGWInfo != nil {
		c.onGWInfo(info.GatewayID, info.GWAdd)
	}
}

// SearchGateway broadcasts SEARCHGW to multicastSender, outside the
// gateway-correlated send path (it has no single destination).
func SearchGateway(multicastSender messaging.Sender, multicastPeer messaging.Peer, radius uint8) error {
	raw := Frame(TypeSearchGW, SearchGW{Radius: radius}.encode())
	return multicastSender.SendTo(multicastPeer, raw)
}

// Tick drives every pending queue's fixed-interval retry timer and the
// keep-alive PINGREQ schedule. Call once per scheduler pass.
func (c *Client) Tick(now int64) {
	c.tickQueue(&c.connectQ, now)
	c.tickQueue(&c.disconnectQ, now)
	c.tickQueue(&c.registerQ, now)
	c.tickQueue(&c.subscribeQ, now)
	c.tickQueue(&c.unsubscribeQ, now)
	c.tickQueue(&c.publishQoS1Q, now)
	c.tickQueue(&c.publishQoS2PublishQ, now)
	c.tickQueue(&c.publishQoS2PubrelQ, now)
	c.tickQueue(&c.pingreqQ, now)

	if c.state == Active && now >= c.nextPing {
		c.sendPingReq(now)
	}
}

func (c *Client) sendPingReq(now int64) {
	raw := Frame(TypePingReq, []byte(c.clientID))
	if err := c.send(raw); err != nil {
		logging.Printf(c.log, "sending PINGREQ failed: %s", err)
		return
	}
	c.pingreqQ = append(c.pingreqQ, &pendingEntry{
		peer: c.gateway, bytes: raw, nextShot: now + c.retransTimeoutMillis, remaining: c.retransCount,
	})
	c.nextPing = now + int64(float64(c.keepalive)*1000*keepaliveFraction)
}

// tickQueue retransmits or times out every expired entry in *q. Publish and
// subscribe entries set the DUP flag before resending; on
// budget exhaustion the entry's timeout callback fires and, if the session
// was Active, the session transitions to Lost.
func (c *Client) tickQueue(q *[]*pendingEntry, now int64) {
	var remaining []*pendingEntry
	for _, e := range *q {
		if now < e.nextShot {
			remaining = append(remaining, e)
			continue
		}
		if e.remaining > 0 {
			if e.setsDup {
				e.bytes[dupFlagOffset(e.bytes)] |= 0x80
			}
			if err := c.send(e.bytes); err != nil {
				logging.Printf(c.log, "retransmit to %+v failed: %s", e.peer, err)
			}
			e.remaining--
			e.nextShot = now + c.retransTimeoutMillis
			remaining = append(remaining, e)
			continue
		}
		if e.onTimeout != nil {
			e.onTimeout()
		}
		if c.state == Active {
			c.state = Lost
			if c.onDisconnect != nil {
				c.onDisconnect(ReasonTimeout)
			}
		}
	}
	*q = remaining
}
