package diag

import (
	"testing"

	"github.com/threadmesh/agent/coap"
	"github.com/threadmesh/agent/codec"
	"github.com/threadmesh/agent/messaging"
	"github.com/threadmesh/agent/sched"
)

type fakeSender struct {
	sent []sentDatagram
}

type sentDatagram struct {
	peer messaging.Peer
	b    []byte
}

func (f *fakeSender) SendTo(peer messaging.Peer, b []byte) error {
	f.sent = append(f.sent, sentDatagram{peer: peer, b: append([]byte(nil), b...)})
	return nil
}

type fakeClock struct{ now int64 }

func (c *fakeClock) NowMillis() int64 { return c.now }

func newTestEngine(info *DeviceInfo) (*Engine, *fakeSender, *coap.Agent) {
	sender := &fakeSender{}
	agent := coap.NewAgent(sender)
	scheduler := sched.NewScheduler(&fakeClock{})
	return NewEngine(agent, scheduler, info), sender, agent
}

func buildRequest(typ messaging.Type, code coap.Code, messageID uint16, token []byte, path []string, payload []byte) []byte {
	h := &coap.Header{Version: 1, Type: typ, Code: code, MessageID: messageID, Token: token, Payload: payload}
	h.AddURIPath(path...)
	buf := make([]byte, 2048)
	n, err := coap.Encode(h, buf)
	if err != nil {
		panic(err)
	}
	return buf[:n]
}

func lastSent(sender *fakeSender) (*coap.Header, error) {
	return coap.Decode(sender.sent[len(sender.sent)-1].b)
}

// TestTypeListDeduplication drives the "TLV type-list deduplication"
// scenario: a type-list [1,2,2,3,1] yields one answer containing each of
// {1,2,3} exactly once.
func TestTypeListDeduplication(t *testing.T) {
	info := &DeviceInfo{ShortAddress: 0xBEEF, Mode: 0x0F, Timeout: 240}
	_, sender, agent := newTestEngine(info)
	peer := messaging.Peer{Addr: "fe80::1", Port: 5683}

	query := &codec.Message{}
	_ = encodeTypeList(codec.NewMessageAppender(query), []uint8{1, 2, 2, 3, 1})
	raw := buildRequest(messaging.NonConfirmable, coap.CodeGET, 1, nil, []string{"d", "dq"}, query.Bytes())
	agent.HandleInbound(peer, raw)

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly 1 answer fragment, got %d", len(sender.sent))
	}
	resp, err := lastSent(sender)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	parsed, err := ParseAnswer(resp.Payload)
	if err != nil {
		t.Fatalf("ParseAnswer: %v", err)
	}
	if !parsed.Present[TLVShortAddress] || !parsed.Present[TLVMode] || !parsed.Present[TLVTimeout] {
		t.Fatalf("expected types {1,2,3} present, got %+v", parsed.Present)
	}
	if parsed.Answer.MoreFollows || parsed.Answer.Index != 0 {
		t.Fatalf("expected terminal answer at index 0, got %+v", parsed.Answer)
	}

	// each type counted once: scanning the raw TLV sequence must find
	// exactly one TLV of each requested type.
	tlvs, err := codec.ScanAll(resp.Payload)
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	counts := map[uint8]int{}
	for _, tlv := range tlvs {
		counts[tlv.Type]++
	}
	for _, typ := range []uint8{TLVShortAddress, TLVMode, TLVTimeout} {
		if counts[typ] != 1 {
			t.Fatalf("type %d appended %d times, want 1", typ, counts[typ])
		}
	}
}

// TestAnswerPagination drives the "Diag answer pagination" scenario: a
// large IPv6-address-list TLV pushes the answer past the 800B threshold,
// producing two fragments with indices 0 (more=true) and 1 (more=false),
// the second only sent after the first's response arrives.
func TestAnswerPagination(t *testing.T) {
	info := &DeviceInfo{}
	for i := 0; i < 50; i++ {
		var addr [16]byte
		addr[15] = byte(i)
		info.IPv6Addresses = append(info.IPv6Addresses, addr)
	}
	info.NetworkData = make([]byte, 32)

	_, sender, agent := newTestEngine(info)
	peer := messaging.Peer{Addr: "fe80::2", Port: 5683}

	query := &codec.Message{}
	_ = encodeQueryID(codec.NewMessageAppender(query), 7)
	_ = encodeTypeList(codec.NewMessageAppender(query), []uint8{TLVExtMacAddress, TLVNetworkData, TLVIPv6AddressList})
	raw := buildRequest(messaging.Confirmable, coap.CodeGET, 2, []byte{0xAA}, []string{"d", "dg"}, query.Bytes())
	agent.HandleInbound(peer, raw)

	// first sent datagram is the empty ack to the original GET; the
	// second is the first answer fragment.
	if len(sender.sent) != 2 {
		t.Fatalf("expected ack + 1 fragment after first send, got %d", len(sender.sent))
	}
	firstResp, err := lastSent(sender)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	first, err := ParseAnswer(firstResp.Payload)
	if err != nil {
		t.Fatalf("ParseAnswer: %v", err)
	}
	if !first.Answer.MoreFollows || first.Answer.Index != 0 {
		t.Fatalf("expected non-terminal answer at index 0, got %+v", first.Answer)
	}
	if first.QueryID != 7 || !first.HasQueryID {
		t.Fatalf("expected query-id 7 copied into fragment, got %+v", first)
	}

	// acknowledge the first fragment; only now should the second be sent.
	firstReqMsg, _ := coap.Decode(sender.sent[len(sender.sent)-1].b)
	ack := &coap.Header{Version: 1, Type: messaging.Acknowledgement, Code: coap.Code204Changed, MessageID: firstReqMsg.MessageID, Token: firstReqMsg.Token}
	buf := make([]byte, 64)
	n, _ := coap.Encode(ack, buf)
	agent.HandleInbound(peer, buf[:n])

	if len(sender.sent) != 3 {
		t.Fatalf("expected second fragment sent after first ack, got %d total", len(sender.sent))
	}
	secondResp, err := lastSent(sender)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	second, err := ParseAnswer(secondResp.Payload)
	if err != nil {
		t.Fatalf("ParseAnswer: %v", err)
	}
	if second.Answer.MoreFollows || second.Answer.Index != 1 {
		t.Fatalf("expected terminal answer at index 1, got %+v", second.Answer)
	}
}

// TestResetInvokesHooksAndAcksEmpty drives the reset flow: each type in the
// request's type-list invokes its registered reset hook, then the engine
// responds with an empty (no-payload) ack.
func TestResetInvokesHooksAndAcksEmpty(t *testing.T) {
	info := &DeviceInfo{MACCounters: MACCounters{IfInErrors: 5}, MLECounters: MLECounters{AttachAttempts: 3}}
	_, sender, agent := newTestEngine(info)
	peer := messaging.Peer{Addr: "fe80::3", Port: 5683}

	req := &codec.Message{}
	_ = encodeTypeList(codec.NewMessageAppender(req), []uint8{TLVMACCounters, TLVMLECounters})
	raw := buildRequest(messaging.Confirmable, coap.CodePOST, 3, []byte{0x01}, []string{"d", "dr"}, req.Bytes())
	agent.HandleInbound(peer, raw)

	if info.MACCounters.IfInErrors != 0 || info.MLECounters.AttachAttempts != 0 {
		t.Fatalf("expected counters reset, got %+v %+v", info.MACCounters, info.MLECounters)
	}
	resp, err := lastSent(sender)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != coap.Code204Changed || len(resp.Payload) != 0 {
		t.Fatalf("expected empty 2.04 ack, got code=%s payload=%x", resp.Code, resp.Payload)
	}
}

// TestClientFlowOrderingMismatch drives the "answer ordering enforced"
// invariant: an answer fragment arriving with an unexpected index drops the
// in-flight query and reports StatusResponseTimeout.
func TestClientFlowOrderingMismatch(t *testing.T) {
	info := &DeviceInfo{}
	e, sender, agent := newTestEngine(info)
	peer := messaging.Peer{Addr: "fe80::4", Port: 5683}

	var results []AnswerResult
	if err := e.SendQuery(0, peer, true, []uint8{TLVShortAddress}, func(r AnswerResult) {
		results = append(results, r)
	}); err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 outbound query, got %d", len(sender.sent))
	}

	// simulate an out-of-order answer fragment (index 1 when 0 is expected).
	frag := &codec.Message{}
	_ = encodeAnswerMarker(codec.NewMessageAppender(frag), AnswerMarker{Index: 1, MoreFollows: false})
	raw := buildRequest(messaging.Confirmable, coap.CodePOST, 9, []byte{0x02}, []string{"d", "da"}, frag.Bytes())
	agent.HandleInbound(peer, raw)

	if len(results) != 1 || results[0].Status != StatusResponseTimeout {
		t.Fatalf("expected single ResponseTimeout result, got %+v", results)
	}
	if e.inFlight != nil {
		t.Fatalf("expected in-flight query cleared after mismatch")
	}

	// a second query may now be issued since the slot was freed.
	if err := e.SendQuery(0, peer, true, []uint8{TLVMode}, func(AnswerResult) {}); err != nil {
		t.Fatalf("SendQuery after clearing in-flight: %v", err)
	}
}

// TestSendQueryRejectsWhileBusy checks the single-in-flight-query guard.
func TestSendQueryRejectsWhileBusy(t *testing.T) {
	info := &DeviceInfo{}
	e, _, _ := newTestEngine(info)
	peer := messaging.Peer{Addr: "fe80::5", Port: 5683}

	if err := e.SendQuery(0, peer, true, []uint8{TLVMode}, func(AnswerResult) {}); err != nil {
		t.Fatalf("first SendQuery: %v", err)
	}
	if err := e.SendQuery(0, peer, true, []uint8{TLVMode}, func(AnswerResult) {}); err == nil {
		t.Fatalf("expected Busy error for second concurrent query")
	}
}
