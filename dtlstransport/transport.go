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

// Package dtlstransport wraps a coap.Agent with a DTLS session: inbound
// bytes are decrypted before reaching the Agent, outbound Agent traffic is
// queued until the session is Connected and then encrypted onto the wire.
package dtlstransport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"

	piondtls "github.com/pion/dtls/v2"

	"github.com/threadmesh/agent/coap"
	"github.com/threadmesh/agent/errs"
	"github.com/threadmesh/agent/logging"
	"github.com/threadmesh/agent/messaging"
)

// State is one of the DTLS session's lifecycle states.
type State int

// The session lifecycle: Closed -> Initializing -> Connecting -> Connected
// -> Disconnecting -> Closed, with a Connecting|Connected -> Closed
// transition on handshake failure.
const (
	Closed State = iota
	Initializing
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Initializing:
		return "initializing"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// CredentialMode selects which of the two mutually-exclusive credential
// shapes a session authenticates with.
type CredentialMode int

const (
	CredentialPSK CredentialMode = iota
	CredentialCertificate
)

// Credentials configures exactly one of the two supported credential modes.
type Credentials struct {
	Mode CredentialMode

	// PSK mode.
	PSKIdentity []byte
	PSKKey      []byte

	// Certificate mode.
	OwnCertificate *tls.Certificate
	TrustedCAs     *x509.CertPool

	// PeerVerify, when true, requires and verifies the peer's certificate
	// (certificate mode) or is otherwise ignored (PSK mode has no chain to
	// verify).
	PeerVerify bool
}

func (c Credentials) pionConfig() (*piondtls.Config, error) {
	cfg := &piondtls.Config{}
	switch c.Mode {
	case CredentialPSK:
		if len(c.PSKKey) == 0 {
			return nil, fmt.Errorf("PSK mode requires a non-empty key: %w", errs.InvalidArgument)
		}
		cfg.PSK = func([]byte) ([]byte, error) { return c.PSKKey, nil }
		cfg.PSKIdentityHint = c.PSKIdentity
	case CredentialCertificate:
		if c.OwnCertificate == nil {
			return nil, fmt.Errorf("certificate mode requires OwnCertificate: %w", errs.InvalidArgument)
		}
		cfg.Certificates = []tls.Certificate{*c.OwnCertificate}
		cfg.RootCAs = c.TrustedCAs
		cfg.ClientCAs = c.TrustedCAs
		if c.PeerVerify {
			cfg.ClientAuth = piondtls.RequireAndVerifyClientCert
		} else {
			cfg.InsecureSkipVerify = true
		}
	default:
		return nil, fmt.Errorf("unknown credential mode %d: %w", c.Mode, errs.InvalidArgument)
	}
	return cfg, nil
}

type queuedSend struct {
	peer messaging.Peer
	b    []byte
}

// Transport owns one DTLS session at a time and wraps a coap.Agent's
// send/receive path with it.
type Transport struct {
	agent *coap.Agent
	log   logging.Logger

	mu       sync.Mutex
	state    State
	peer     messaging.Peer
	creds    Credentials
	conn     net.Conn
	dtlsConn *piondtls.Conn
	txQueue  []queuedSend
	readDone chan struct{}
}

// Option configures a Transport at construction.
type Option func(*Transport)

// WithLogger attaches a Logger.
func WithLogger(l logging.Logger) Option { return func(t *Transport) { t.log = l } }

// New wraps agent with a DTLS session manager. agent's send-interceptor is
// claimed by the Transport; callers must not also call
// agent.SetSendInterceptor.
func New(agent *coap.Agent, opts ...Option) *Transport {
	t := &Transport{agent: agent, state: Closed}
	for _, o := range opts {
		o(t)
	}
	agent.SetSendInterceptor(t.intercept)
	return t
}

// State returns the current session state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Connect dials remote over conn (already bound, connected UDP) and
// performs the DTLS handshake as the client side. peer identifies the
// remote endpoint for Agent correlation purposes (its address is usually,
// but need not be, derived from conn.RemoteAddr()).
func (t *Transport) Connect(ctx context.Context, conn net.Conn, peer messaging.Peer, creds Credentials) error {
	t.mu.Lock()
	if t.state != Closed {
		t.mu.Unlock()
		return fmt.Errorf("connect while state=%s: %w", t.state, errs.InvalidState)
	}
	t.state = Initializing
	t.peer = peer
	t.creds = creds
	t.conn = conn
	t.mu.Unlock()

	cfg, err := creds.pionConfig()
	if err != nil {
		t.setState(Closed)
		return err
	}

	t.setState(Connecting)
	dtlsConn, err := piondtls.ClientWithContext(ctx, conn, cfg)
	if err != nil {
		t.setState(Closed)
		return fmt.Errorf("dtls handshake failed: %w", errs.Security)
	}

	t.mu.Lock()
	t.dtlsConn = dtlsConn
	t.state = Connected
	t.readDone = make(chan struct{})
	t.mu.Unlock()

	go t.readLoop(dtlsConn, t.readDone)
	t.drainQueue()
	return nil
}

// Accept performs the DTLS handshake as the server side over an already
// connected conn, otherwise behaving like Connect.
func (t *Transport) Accept(ctx context.Context, conn net.Conn, peer messaging.Peer, creds Credentials) error {
	t.mu.Lock()
	if t.state != Closed {
		t.mu.Unlock()
		return fmt.Errorf("accept while state=%s: %w", t.state, errs.InvalidState)
	}
	t.state = Initializing
	t.peer = peer
	t.creds = creds
	t.conn = conn
	t.mu.Unlock()

	cfg, err := creds.pionConfig()
	if err != nil {
		t.setState(Closed)
		return err
	}

	t.setState(Connecting)
	dtlsConn, err := piondtls.ServerWithContext(ctx, conn, cfg)
	if err != nil {
		t.setState(Closed)
		return fmt.Errorf("dtls handshake failed: %w", errs.Security)
	}

	t.mu.Lock()
	t.dtlsConn = dtlsConn
	t.state = Connected
	t.readDone = make(chan struct{})
	t.mu.Unlock()

	go t.readLoop(dtlsConn, t.readDone)
	t.drainQueue()
	return nil
}

// readLoop bridges the DTLS connection's blocking Read into the Agent's
// inbound dispatch. It is the one part of this otherwise cooperative,
// single-threaded design that must run on its own goroutine, since
// pion/dtls exposes no non-blocking read.
func (t *Transport) readLoop(conn *piondtls.Conn, done chan struct{}) {
	buf := make([]byte, 2048)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			close(done)
			return
		}
		t.mu.Lock()
		peer := t.peer
		t.mu.Unlock()
		t.agent.HandleInbound(peer, append([]byte(nil), buf[:n]...))
	}
}

// intercept is installed as the Agent's SendInterceptor: while not
// Connected, bytes are queued; once Connected, they (and anything already
// queued) are written straight to the DTLS connection. It always returns a
// nil output slice because it delivers the bytes itself rather than handing
// them back for the Agent to send.
func (t *Transport) intercept(peer messaging.Peer, b []byte) ([]byte, error) {
	t.mu.Lock()
	if t.state != Connected {
		t.txQueue = append(t.txQueue, queuedSend{peer: peer, b: append([]byte(nil), b...)})
		t.mu.Unlock()
		return nil, nil
	}
	conn := t.dtlsConn
	t.mu.Unlock()

	if _, err := conn.Write(b); err != nil {
		return nil, fmt.Errorf("dtls write failed: %w", err)
	}
	return nil, nil
}

// drainQueue writes every queued send to the wire in FIFO order, stopping
// at the first failure (remaining entries stay queued for the next drain).
func (t *Transport) drainQueue() {
	for {
		t.mu.Lock()
		if t.state != Connected || len(t.txQueue) == 0 {
			t.mu.Unlock()
			return
		}
		next := t.txQueue[0]
		conn := t.dtlsConn
		t.mu.Unlock()

		if _, err := conn.Write(next.b); err != nil {
			logging.Printf(t.log, "dtls drain to %+v failed: %s", next.peer, err)
			return
		}
		t.mu.Lock()
		if len(t.txQueue) > 0 {
			t.txQueue = t.txQueue[1:]
		}
		t.mu.Unlock()
	}
}

// Disconnect tears down the session: queued sends are dropped, every
// pending request on the wrapped Agent is completed with Aborted, and the
// underlying connection is closed.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.state != Connected {
		t.mu.Unlock()
		return fmt.Errorf("disconnect while state=%s: %w", t.state, errs.InvalidState)
	}
	t.state = Disconnecting
	conn := t.dtlsConn
	t.txQueue = nil
	t.mu.Unlock()

	t.agent.Core().Shutdown()
	err := conn.Close()
	t.setState(Closed)
	return err
}

// LocalCertificate returns the certificate this session authenticated with
// in certificate mode, or nil otherwise.
func (t *Transport) LocalCertificate() *tls.Certificate {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.creds.Mode != CredentialCertificate {
		return nil
	}
	return t.creds.OwnCertificate
}

// PeerCertificates returns the verified peer certificate chain once
// Connected in certificate mode, or nil otherwise.
func (t *Transport) PeerCertificates() []*x509.Certificate {
	t.mu.Lock()
	conn := t.dtlsConn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	state, ok := conn.ConnectionState()
	if !ok {
		return nil
	}
	var out []*x509.Certificate
	for _, der := range state.PeerCertificates {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		out = append(out, cert)
	}
	return out
}
