package mqttsn

import (
	"bytes"
	"testing"
)

func TestFrameShortForm(t *testing.T) {
	raw := Frame(TypePingReq, []byte("dev1"))
	if raw[0] != byte(2+len("dev1")) {
		t.Fatalf("unexpected length byte %d", raw[0])
	}
	msgType, body, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if msgType != TypePingReq || string(body) != "dev1" {
		t.Fatalf("got type=%d body=%q", msgType, body)
	}
}

func TestFrameLongForm(t *testing.T) {
	body := bytes.Repeat([]byte{0x42}, 300)
	raw := Frame(TypePublish, body)
	if raw[0] != 0x01 {
		t.Fatalf("expected long-form marker, got %d", raw[0])
	}
	msgType, gotBody, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if msgType != TypePublish || !bytes.Equal(gotBody, body) {
		t.Fatalf("round trip mismatch")
	}
}

func TestConnectRoundTrip(t *testing.T) {
	c := Connect{Flags: Flags{CleanSession: true, Will: true}, Duration: 60, ClientID: "dev1"}
	got, err := decodeConnect(c.encode())
	if err != nil {
		t.Fatalf("decodeConnect: %v", err)
	}
	if got != c {
		t.Fatalf("got %+v, want %+v", got, c)
	}
}

func TestConnAckRoundTrip(t *testing.T) {
	a := ConnAck{ReturnCode: RejectedCongestion}
	got, err := decodeConnAck(a.encode())
	if err != nil || got != a {
		t.Fatalf("got %+v, err %v, want %+v", got, err, a)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	r := Register{TopicID: 0, MessageID: 9, TopicName: "a/b/c"}
	got, err := decodeRegister(r.encode())
	if err != nil || got != r {
		t.Fatalf("got %+v, err %v, want %+v", got, err, r)
	}
}

func TestRegAckRoundTrip(t *testing.T) {
	r := RegAck{TopicID: 42, MessageID: 9, ReturnCode: Accepted}
	got, err := decodeRegAck(r.encode())
	if err != nil || got != r {
		t.Fatalf("got %+v, err %v, want %+v", got, err, r)
	}
}

func TestPublishRoundTrip(t *testing.T) {
	p := Publish{Flags: Flags{QoS: 2, Dup: true, TopicIDType: TopicPredefined}, TopicID: 7, MessageID: 5, Data: []byte{0xDE, 0xAD}}
	body := p.encode()
	got, err := decodePublish(body)
	if err != nil {
		t.Fatalf("decodePublish: %v", err)
	}
	if got.Flags != p.Flags || got.TopicID != p.TopicID || got.MessageID != p.MessageID || !bytes.Equal(got.Data, p.Data) {
		t.Fatalf("got %+v, want %+v", got, p)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	s := Subscribe{Flags: Flags{QoS: 1, TopicIDType: TopicNamed}, MessageID: 3, TopicNameOrID: []byte("a/b")}
	got, err := decodeSubscribe(s.encode())
	if err != nil {
		t.Fatalf("decodeSubscribe: %v", err)
	}
	if got.Flags != s.Flags || got.MessageID != s.MessageID || !bytes.Equal(got.TopicNameOrID, s.TopicNameOrID) {
		t.Fatalf("got %+v, want %+v", got, s)
	}
}

func TestSubAckRoundTrip(t *testing.T) {
	s := SubAck{Flags: Flags{QoS: 2}, TopicID: 7, MessageID: 3, ReturnCode: Accepted}
	got, err := decodeSubAck(s.encode())
	if err != nil || got != s {
		t.Fatalf("got %+v, err %v, want %+v", got, err, s)
	}
}

func TestSearchGWAndGWInfoRoundTrip(t *testing.T) {
	sg := SearchGW{Radius: 3}
	gotSG, err := decodeSearchGW(sg.encode())
	if err != nil || gotSG != sg {
		t.Fatalf("SearchGW round trip failed: %+v, %v", gotSG, err)
	}

	gi := GWInfo{GatewayID: 1, GWAdd: []byte{0xfe, 0x80}}
	gotGI, err := decodeGWInfo(gi.encode())
	if err != nil || gotGI.GatewayID != gi.GatewayID || !bytes.Equal(gotGI.GWAdd, gi.GWAdd) {
		t.Fatalf("GWInfo round trip failed: %+v, %v", gotGI, err)
	}
}

func TestAdvertiseRoundTrip(t *testing.T) {
	a := Advertise{GatewayID: 2, Duration: 900}
	got, err := decodeAdvertise(a.encode())
	if err != nil || got != a {
		t.Fatalf("got %+v, err %v, want %+v", got, err, a)
	}
}

func TestDisconnectRoundTrip(t *testing.T) {
	d := Disconnect{Duration: 120}
	got, err := decodeDisconnect(d.encode())
	if err != nil || got != d {
		t.Fatalf("got %+v, err %v, want %+v", got, err, d)
	}

	empty := Disconnect{}
	gotEmpty, err := decodeDisconnect(empty.encode())
	if err != nil || gotEmpty != empty {
		t.Fatalf("got %+v, err %v, want %+v", gotEmpty, err, empty)
	}
}

func TestMessageIDOnlyRoundTrip(t *testing.T) {
	m := messageIDOnly{MessageID: 77}
	got, err := decodeMessageIDOnly(m.encode())
	if err != nil || got != m {
		t.Fatalf("got %+v, err %v, want %+v", got, err, m)
	}
}

func TestQoSBitsRoundTrip(t *testing.T) {
	for _, qos := range []int8{-1, 0, 1, 2} {
		if got := qosFromBits(qosBits(qos)); got != qos {
			t.Fatalf("qos %d round-tripped to %d", qos, got)
		}
	}
}
