package dtlstransport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/threadmesh/agent/coap"
	"github.com/threadmesh/agent/messaging"
)

type pipeSender struct{ other *coap.Agent }

func (pipeSender) SendTo(messaging.Peer, []byte) error { return nil }

func pskCreds() Credentials {
	return Credentials{Mode: CredentialPSK, PSKIdentity: []byte("client"), PSKKey: []byte{0x01, 0x02, 0x03, 0x04}}
}

// TestHandshakeOverPipeThenExchange drives a real pion/dtls PSK handshake
// over an in-memory net.Pipe and checks that a request routed through the
// client Agent reaches the server Agent's resource handler over the
// encrypted session.
func TestHandshakeOverPipeThenExchange(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	clientAgent := coap.NewAgent(pipeSender{})
	serverAgent := coap.NewAgent(pipeSender{})

	var gotPayload []byte
	serverAgent.AddResource([]string{"d", "dg"}, func(w coap.ResponseWriter, r *coap.Request) {
		gotPayload = r.Header.Payload
		_ = w.WriteResponse(coap.Code205Content, []byte("ack"))
	})

	clientTransport := New(clientAgent)
	serverTransport := New(serverAgent)

	peer := messaging.Peer{Addr: "pipe", Port: 0}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- serverTransport.Accept(ctx, serverConn, peer, pskCreds()) }()
	go func() { errCh <- clientTransport.Connect(ctx, clientConn, peer, pskCreds()) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("handshake leg failed: %v", err)
		}
	}

	if clientTransport.State() != Connected || serverTransport.State() != Connected {
		t.Fatalf("expected both sides Connected, got client=%s server=%s", clientTransport.State(), serverTransport.State())
	}

	done := make(chan struct{})
	clientAgent.SetDefaultHandler(func(w coap.ResponseWriter, r *coap.Request) {})
	err := clientAgent.SendRequest(peer, true, coap.CodePOST, []string{"d", "dg"}, nil, []byte("hi"), func(r messaging.Result) {
		if r.Status != messaging.StatusSuccess {
			t.Errorf("expected success, got %+v", r)
		}
		close(done)
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for response callback")
	}

	if string(gotPayload) != "hi" {
		t.Fatalf("server saw payload %q", gotPayload)
	}
}

func TestConnectWhileNotClosedFails(t *testing.T) {
	agent := coap.NewAgent(pipeSender{})
	tr := New(agent)
	tr.setState(Connecting)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	if err := tr.Connect(context.Background(), c1, messaging.Peer{}, pskCreds()); err == nil {
		t.Fatalf("expected InvalidState error")
	}
}

func TestDisconnectAbortsPending(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	clientAgent := coap.NewAgent(pipeSender{})
	serverAgent := coap.NewAgent(pipeSender{})
	serverAgent.AddResource([]string{"x"}, func(w coap.ResponseWriter, r *coap.Request) {
		// never respond, so the client's request stays pending
	})

	clientTransport := New(clientAgent)
	serverTransport := New(serverAgent)
	peer := messaging.Peer{Addr: "pipe", Port: 0}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errCh := make(chan error, 2)
	go func() { errCh <- serverTransport.Accept(ctx, serverConn, peer, pskCreds()) }()
	go func() { errCh <- clientTransport.Connect(ctx, clientConn, peer, pskCreds()) }()
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("handshake leg failed: %v", err)
		}
	}

	var status messaging.Status
	done := make(chan struct{})
	_ = clientAgent.SendRequest(peer, true, coap.CodeGET, []string{"x"}, nil, nil, func(r messaging.Result) {
		status = r.Status
		close(done)
	})

	if err := clientTransport.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	<-done
	if status != messaging.StatusAborted {
		t.Fatalf("expected StatusAborted, got %v", status)
	}
}
