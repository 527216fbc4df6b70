package messaging

import (
	"testing"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) SendTo(peer Peer, b []byte) error {
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}

type fixedEntropy struct{ v float64 }

func (f fixedEntropy) Float64() float64 { return f.v }

// TestConfirmableRetransmitSchedule checks that a 10-byte confirmable POST
// with no incoming ACK retransmits at t=0,2,6,14,30s and times out around
// t=46s, without a further doubling for the final wait.
func TestConfirmableRetransmitSchedule(t *testing.T) {
	sender := &fakeSender{}
	core := NewCore(sender, WithEntropy(fixedEntropy{v: 0})) // entropy=0 => timeout == ACK_TIMEOUT exactly
	peer := Peer{Addr: "fe80::1", Port: 5683}

	var result *Result
	body := make([]byte, 10)
	if err := core.SendConfirmable(peer, 0x1234, []byte{0xCA, 0xFE}, body, func(r Result) {
		result = &r
	}); err != nil {
		t.Fatalf("SendConfirmable: %v", err)
	}
	core.SetNextShot(peer, 0x1234, 0)

	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 send at t=0, got %d", len(sender.sent))
	}

	// expected retransmits at 2s, 6s, 14s, 30s (ms)
	times := []int64{2000, 6000, 14000, 30000}
	for i, ts := range times {
		core.Tick(ts - 1)
		if len(sender.sent) != i+1 {
			t.Fatalf("unexpected send before deadline %d", ts)
		}
		core.Tick(ts)
		if len(sender.sent) != i+2 {
			t.Fatalf("at t=%d want %d sends, got %d", ts, i+2, len(sender.sent))
		}
	}

	if result != nil {
		t.Fatalf("handler fired early: %+v", result)
	}

	// final timeout, budget exhausted (MAX_RETRANSMIT=4 retransmits already sent)
	core.Tick(46_000)
	if result == nil || result.Status != StatusTimeout {
		t.Fatalf("expected StatusTimeout, got %+v", result)
	}
	if core.Len() != 0 {
		t.Fatalf("expected pending table empty, got %d", core.Len())
	}
}

// TestPiggybackedResponse checks that a piggy-backed response completes the
// pending request and clears it from the table.
func TestPiggybackedResponse(t *testing.T) {
	sender := &fakeSender{}
	core := NewCore(sender)
	peer := Peer{Addr: "fe80::2", Port: 5683}

	var result *Result
	token := []byte{0xAA}
	if err := core.SendConfirmable(peer, 0x0001, token, []byte("GET"), func(r Result) {
		result = &r
	}); err != nil {
		t.Fatalf("SendConfirmable: %v", err)
	}
	core.SetNextShot(peer, 0x0001, 0)

	ok := core.HandleResponse(peer, 0x0001, token, nil)
	if !ok {
		t.Fatalf("HandleResponse did not match")
	}
	if result == nil || result.Status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %+v", result)
	}
	if core.Len() != 0 {
		t.Fatalf("expected pending table empty after response, got %d", core.Len())
	}
}

func TestDuplicateMessageIDRejected(t *testing.T) {
	sender := &fakeSender{}
	core := NewCore(sender)
	peer := Peer{Addr: "fe80::3", Port: 5683}

	if err := core.SendConfirmable(peer, 7, nil, []byte("a"), nil); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := core.SendConfirmable(peer, 7, nil, []byte("b"), nil); err == nil {
		t.Fatalf("expected error for duplicate (peer, messageID)")
	}
}

func TestResetCompletesWithStatusReset(t *testing.T) {
	sender := &fakeSender{}
	core := NewCore(sender)
	peer := Peer{Addr: "fe80::4", Port: 5683}

	var result *Result
	_ = core.SendConfirmable(peer, 9, nil, []byte("x"), func(r Result) { result = &r })

	if !core.HandleReset(peer, 9) {
		t.Fatalf("HandleReset did not match")
	}
	if result == nil || result.Status != StatusReset {
		t.Fatalf("expected StatusReset, got %+v", result)
	}
}

func TestShutdownAbortsAllPending(t *testing.T) {
	sender := &fakeSender{}
	core := NewCore(sender)
	var statuses []Status
	for i := uint16(1); i <= 3; i++ {
		i := i
		_ = core.SendConfirmable(Peer{Addr: "a", Port: 1}, i, nil, []byte("x"), func(r Result) {
			statuses = append(statuses, r.Status)
		})
	}
	core.Shutdown()
	if len(statuses) != 3 {
		t.Fatalf("expected 3 aborted callbacks, got %d", len(statuses))
	}
	for _, s := range statuses {
		if s != StatusAborted {
			t.Fatalf("expected StatusAborted, got %v", s)
		}
	}
	if core.Len() != 0 {
		t.Fatalf("expected empty table after shutdown")
	}
}

func TestNonConfirmableNotTracked(t *testing.T) {
	sender := &fakeSender{}
	core := NewCore(sender)
	if err := core.SendNonConfirmable(Peer{Addr: "a", Port: 1}, []byte("x")); err != nil {
		t.Fatalf("SendNonConfirmable: %v", err)
	}
	if core.Len() != 0 {
		t.Fatalf("non-confirmable send must not be tracked, got %d pending", core.Len())
	}
}
