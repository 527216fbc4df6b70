package mqttsn

import (
	"testing"

	"github.com/threadmesh/agent/messaging"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) SendTo(_ messaging.Peer, b []byte) error {
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}

func (f *fakeSender) lastFrame(t *testing.T) (MsgType, []byte) {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatalf("nothing sent")
	}
	mt, body, err := ParseFrame(f.sent[len(f.sent)-1])
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	return mt, body
}

var gw = messaging.Peer{Addr: "fe80::gw", Port: 10000}

// TestConnectToActiveOnAccept drives the "MQTT-SN CONNECT -> CONNACK
// accepted" scenario: a CONNECT with client-id "dev1" and keepalive 60
// transitions Disconnected -> Active on a simulated Accepted CONNACK, the
// connect callback fires with Accepted, and the next PINGREQ is scheduled
// at 0.7 * 60s after the ack arrives.
func TestConnectToActiveOnAccept(t *testing.T) {
	sender := &fakeSender{}
	var gotRC ReturnCode
	client := NewClient(sender, gw, "dev1", 60, WithConnectCallback(func(rc ReturnCode) { gotRC = rc }))

	if err := client.Connect(0, true); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	mt, body := sender.lastFrame(t)
	if mt != TypeConnect {
		t.Fatalf("expected CONNECT, got type %d", mt)
	}
	sentConnect, err := decodeConnect(body)
	if err != nil || sentConnect.ClientID != "dev1" || sentConnect.Duration != 60 {
		t.Fatalf("unexpected CONNECT body: %+v, %v", sentConnect, err)
	}

	ack := Frame(TypeConnAck, ConnAck{ReturnCode: Accepted}.encode())
	client.HandleInbound(1000, ack)

	if client.State() != Active {
		t.Fatalf("expected Active, got %s", client.State())
	}
	if gotRC != Accepted {
		t.Fatalf("expected Accepted callback, got %v", gotRC)
	}
	if client.nextPing != 1000+42000 {
		t.Fatalf("expected next ping at 43000, got %d", client.nextPing)
	}
	if len(client.connectQ) != 0 {
		t.Fatalf("expected empty connect queue, got %d", len(client.connectQ))
	}
}

// TestQoS2SenderFlow drives the "MQTT-SN QoS 2 sender" scenario: publishing
// [0xDE,0xAD] to topic-id 7 at QoS 2 with message-id 5 proceeds
// PUBLISH -> PUBREC -> PUBREL -> PUBCOMP, firing the publish callback with
// Accepted once, and leaves every pending queue empty.
func TestQoS2SenderFlow(t *testing.T) {
	sender := &fakeSender{}
	client := NewClient(sender, gw, "dev1", 60)
	client.state = Active
	client.nextMessageID = 4 // so the next allocated id is 5

	var result AckResult
	done := false
	if err := client.Publish(0, TopicPredefined, 7, []byte{0xDE, 0xAD}, 2, func(r AckResult) {
		result = r
		done = true
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	mt, body := sender.lastFrame(t)
	if mt != TypePublish {
		t.Fatalf("expected PUBLISH, got %d", mt)
	}
	pub, err := decodePublish(body)
	if err != nil || pub.MessageID != 5 || pub.TopicID != 7 {
		t.Fatalf("unexpected PUBLISH body: %+v, %v", pub, err)
	}
	if len(client.publishQoS2PublishQ) != 1 {
		t.Fatalf("expected 1 pending publish entry, got %d", len(client.publishQoS2PublishQ))
	}

	client.HandleInbound(100, Frame(TypePubRec, messageIDOnly{MessageID: 5}.encode()))
	if len(client.publishQoS2PublishQ) != 0 {
		t.Fatalf("publish entry should be dequeued after PUBREC")
	}
	if len(client.publishQoS2PubrelQ) != 1 {
		t.Fatalf("expected 1 pending pubrel entry, got %d", len(client.publishQoS2PubrelQ))
	}
	mt, body = sender.lastFrame(t)
	if mt != TypePubRel {
		t.Fatalf("expected PUBREL after PUBREC, got %d", mt)
	}
	if rel, err := decodeMessageIDOnly(body); err != nil || rel.MessageID != 5 {
		t.Fatalf("unexpected PUBREL body: %+v, %v", rel, err)
	}

	client.HandleInbound(200, Frame(TypePubComp, messageIDOnly{MessageID: 5}.encode()))
	if !done {
		t.Fatalf("expected publish callback to fire")
	}
	if result.Status != OpAccepted || result.ReturnCode != Accepted {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(client.publishQoS2PubrelQ) != 0 {
		t.Fatalf("expected empty pubrel queue, got %d", len(client.publishQoS2PubrelQ))
	}
	if client.Stats().QueueDepth != 0 {
		t.Fatalf("expected empty pending tables, got depth %d", client.Stats().QueueDepth)
	}
}

func TestQoS2ReceiverSuppressesDuplicate(t *testing.T) {
	sender := &fakeSender{}
	client := NewClient(sender, gw, "dev1", 60)
	client.state = Active

	var delivered int
	client.onPublishReceived = func(topicID uint16, qos int8, data []byte) { delivered++ }

	raw := Frame(TypePublish, Publish{Flags: Flags{QoS: 2, TopicIDType: TopicPredefined}, TopicID: 9, MessageID: 11, Data: []byte{1}}.encode())
	client.HandleInbound(0, raw)
	client.HandleInbound(0, raw) // duplicate, same message-id

	if delivered != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", delivered)
	}
	// exactly one PUBREC should have been sent despite two PUBLISH deliveries
	pubrecCount := 0
	for _, b := range sender.sent {
		if mt, _, _ := ParseFrame(b); mt == TypePubRec {
			pubrecCount++
		}
	}
	if pubrecCount != 1 {
		t.Fatalf("expected exactly 1 PUBREC, got %d", pubrecCount)
	}

	client.HandleInbound(0, Frame(TypePubRel, messageIDOnly{MessageID: 11}.encode()))
	if len(client.publishQoS2PubrecQ) != 0 {
		t.Fatalf("expected pubrec queue cleared after PUBREL")
	}
}

func TestPublishQoS1TimesOutAndLosesSession(t *testing.T) {
	sender := &fakeSender{}
	client := NewClient(sender, gw, "dev1", 60, WithRetransmit(1000, 1))
	client.state = Active

	var result AckResult
	_ = client.Publish(0, TopicPredefined, 1, []byte{0x01}, 1, func(r AckResult) { result = r })

	client.Tick(1000) // one retransmit remaining consumed, resets next-shot
	if client.State() != Active {
		t.Fatalf("session should remain Active mid-retry, got %s", client.State())
	}
	client.Tick(2000) // budget exhausted: timeout fires
	if result.Status != OpTimeout {
		t.Fatalf("expected OpTimeout, got %+v", result)
	}
	if client.State() != Lost {
		t.Fatalf("expected Lost after retry exhaustion, got %s", client.State())
	}
}

func TestSubscribeRejectsInvalidQoS(t *testing.T) {
	sender := &fakeSender{}
	client := NewClient(sender, gw, "dev1", 60)
	client.state = Active
	if err := client.Subscribe(0, TopicNamed, []byte("a"), 3, nil); err == nil {
		t.Fatalf("expected error for qos=3")
	}
}

// TestConnectWithWillRepliesToTopicAndMsgRequests drives the "MQTT-SN
// CONNECT with last-will" scenario: a client configured via WithWill sets
// the Will flag on CONNECT and, when the gateway interleaves WILLTOPICREQ
// and WILLMSGREQ before CONNACK, replies with WILLTOPIC and WILLMSG
// carrying the registered topic/message.
func TestConnectWithWillRepliesToTopicAndMsgRequests(t *testing.T) {
	sender := &fakeSender{}
	client := NewClient(sender, gw, "dev1", 60, WithWill("devices/dev1/status", []byte("offline"), 1, true))

	if err := client.Connect(0, true); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	mt, body := sender.lastFrame(t)
	if mt != TypeConnect {
		t.Fatalf("expected CONNECT, got type %d", mt)
	}
	sentConnect, err := decodeConnect(body)
	if err != nil || !sentConnect.Flags.Will {
		t.Fatalf("expected CONNECT with Will flag set, got %+v, %v", sentConnect, err)
	}

	client.HandleInbound(0, Frame(TypeWillTopicReq, nil))
	mt, body = sender.lastFrame(t)
	if mt != TypeWillTopic {
		t.Fatalf("expected WILLTOPIC in reply to WILLTOPICREQ, got type %d", mt)
	}
	wt, err := decodeWillTopic(body)
	if err != nil || wt.TopicName != "devices/dev1/status" || wt.Flags.QoS != 1 || !wt.Flags.Retain {
		t.Fatalf("unexpected WILLTOPIC body: %+v, %v", wt, err)
	}

	client.HandleInbound(0, Frame(TypeWillMsgReq, nil))
	mt, body = sender.lastFrame(t)
	if mt != TypeWillMsg {
		t.Fatalf("expected WILLMSG in reply to WILLMSGREQ, got type %d", mt)
	}
	wm, err := decodeWillMsg(body)
	if err != nil || string(wm.Data) != "offline" {
		t.Fatalf("unexpected WILLMSG body: %+v, %v", wm, err)
	}

	ack := Frame(TypeConnAck, ConnAck{ReturnCode: Accepted}.encode())
	client.HandleInbound(1000, ack)
	if client.State() != Active {
		t.Fatalf("expected Active after CONNACK, got %s", client.State())
	}
}
