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

package coap

import (
	"crypto/rand"
	"fmt"

	"github.com/threadmesh/agent/codec"
	"github.com/threadmesh/agent/errs"
	"github.com/threadmesh/agent/logging"
	"github.com/threadmesh/agent/messaging"
)

const (
	defaultMaxMessageLen = 1280 // the IPv6 minimum MTU
	defaultTokenLen      = 4
)

// Request is the decoded inbound header paired with the sender's address.
type Request struct {
	Header *Header
	Peer   messaging.Peer
}

// ResponseWriter lets a resource handler reply to the request it was
// invoked with, piggy-backed on the ACK if the request was confirmable or as
// a stand-alone non-confirmable message otherwise.
type ResponseWriter interface {
	WriteResponse(code Code, payload []byte) error
}

// Handler processes one routed or default-routed request.
type Handler func(w ResponseWriter, r *Request)

// SendInterceptor transforms outbound bytes before they reach the
// underlying transport, e.g. DTLS encryption. It must not retain b past the
// call.
type SendInterceptor func(peer messaging.Peer, b []byte) ([]byte, error)

type resourceEntry struct {
	path    []string
	handler Handler
}

// Agent implements the CoapAgent component: header codec, URI routing and
// request/response correlation, built on top of messaging.Core.
type Agent struct {
	core       *messaging.Core
	underlying messaging.Sender
	interceptor SendInterceptor

	resources      []*resourceEntry
	defaultHandler Handler

	maxMessageLen int
	log           logging.Logger
	coreOpts      []messaging.Option
}

// AgentOption configures an Agent at construction.
type AgentOption func(*Agent)

// WithLogger attaches a Logger, forwarded to the underlying messaging.Core.
func WithLogger(l logging.Logger) AgentOption { return func(a *Agent) { a.log = l } }

// WithMaxMessageLen overrides the scratch buffer size used to encode
// outbound messages (default 1280, the IPv6 minimum MTU).
func WithMaxMessageLen(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.maxMessageLen = n
		}
	}
}

// WithMessagingOptions forwards additional options to the underlying
// messaging.Core (e.g. WithEntropy, WithConstants for tests).
func WithMessagingOptions(opts ...messaging.Option) AgentOption {
	return func(a *Agent) { a.coreOpts = append(a.coreOpts, opts...) }
}

// NewAgent creates an Agent sending through sender.
func NewAgent(sender messaging.Sender, opts ...AgentOption) *Agent {
	a := &Agent{
		underlying:    sender,
		maxMessageLen: defaultMaxMessageLen,
	}
	for _, o := range opts {
		o(a)
	}
	coreOpts := append([]messaging.Option{messaging.WithLogger(a.log)}, a.coreOpts...)
	a.core = messaging.NewCore(agentSender{a}, coreOpts...)
	return a
}

// agentSender adapts Agent to messaging.Sender, applying the send
// interceptor (if any) before handing bytes to the real transport.
type agentSender struct{ a *Agent }

func (s agentSender) SendTo(peer messaging.Peer, b []byte) error {
	if s.a.interceptor != nil {
		out, err := s.a.interceptor(peer, b)
		if err != nil {
			return err
		}
		if out == nil {
			// the interceptor already delivered the bytes itself (e.g.
			// DtlsTransport encrypting-and-writing in one step).
			return nil
		}
		return s.a.underlying.SendTo(peer, out)
	}
	return s.a.underlying.SendTo(peer, b)
}

// Core exposes the underlying retransmission engine, e.g. so a caller can
// drive Tick directly.
func (a *Agent) Core() *messaging.Core { return a.core }

// SetSendInterceptor installs fn to wrap every outbound datagram, letting
// DtlsTransport sit between Agent and the wire without Agent holding a
// back-pointer to it.
func (a *Agent) SetSendInterceptor(fn SendInterceptor) { a.interceptor = fn }

// SetDefaultHandler installs the handler invoked when no resource matches a
// routed request.
func (a *Agent) SetDefaultHandler(h Handler) { a.defaultHandler = h }

// AddResource registers h to handle requests whose Uri-Path segments exactly
// match path.
func (a *Agent) AddResource(path []string, h Handler) {
	a.resources = append(a.resources, &resourceEntry{path: append([]string(nil), path...), handler: h})
}

// RemoveResource unregisters the resource at path, if present.
func (a *Agent) RemoveResource(path []string) {
	for i, r := range a.resources {
		if pathEqual(r.path, path) {
			a.resources = append(a.resources[:i], a.resources[i+1:]...)
			return
		}
	}
}

func pathEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SendRequest encodes and sends a request to peer. If confirmable, handler
// (which may be nil) is invoked once on completion via messaging.Core's
// retransmission machinery; otherwise the send is fire-and-forget.
func (a *Agent) SendRequest(peer messaging.Peer, confirmable bool, code Code, uriPath []string, uriQuery []string, payload []byte, handler messaging.ResponseHandler) error {
	token := make([]byte, defaultTokenLen)
	if _, err := rand.Read(token); err != nil {
		return fmt.Errorf("generating request token: %w", err)
	}
	messageID := a.core.NextMessageID()

	typ := messaging.NonConfirmable
	if confirmable {
		typ = messaging.Confirmable
	}
	h := &Header{
		Version:   1,
		Type:      typ,
		Code:      code,
		MessageID: messageID,
		Token:     token,
		Payload:   payload,
	}
	h.AddURIPath(uriPath...)
	for _, q := range uriQuery {
		h.Options = append(h.Options, Option{Number: OptionURIQuery, Value: []byte(q)})
	}

	buf := make([]byte, a.maxMessageLen)
	n, err := Encode(h, buf)
	if err != nil {
		return err
	}
	bytes := buf[:n]

	if confirmable {
		return a.core.SendConfirmable(peer, messageID, token, bytes, handler)
	}
	return a.core.SendNonConfirmable(peer, bytes)
}

// Tick drives the underlying retransmission timer; callers arm their single
// scheduler tick against messaging.Core.NextShot() and invoke this here.
func (a *Agent) Tick(now int64) { a.core.Tick(now) }

// HandleInbound parses and dispatches one inbound datagram from peer:
// acknowledgements and resets correlate against the pending table; requests
// route to a matching resource, the default handler, or 4.04.
func (a *Agent) HandleInbound(peer messaging.Peer, raw []byte) {
	h, err := Decode(raw)
	if err != nil {
		logging.Printf(a.log, "dropping unparseable datagram from %+v: %s", peer, err)
		return
	}

	switch h.Type {
	case messaging.Acknowledgement:
		a.handleInboundAck(peer, h)
	case messaging.Reset:
		a.core.HandleReset(peer, h.MessageID)
	case messaging.Confirmable, messaging.NonConfirmable:
		if h.Code.Class() != 0 {
			if a.handleSeparateResponse(peer, h) {
				return
			}
		}
		a.routeRequest(peer, h)
	}
}

func (a *Agent) handleInboundAck(peer messaging.Peer, h *Header) {
	if h.Code == CodeEmpty {
		// empty ACK: a separate response is still expected.
		a.core.HandleAck(peer, h.MessageID, true)
		return
	}
	msg := responseMessage(h)
	a.core.HandleResponse(peer, h.MessageID, h.Token, msg)
}

func (a *Agent) handleSeparateResponse(peer messaging.Peer, h *Header) bool {
	messageID, ok := a.core.FindByToken(peer, h.Token)
	if !ok {
		return false
	}
	msg := responseMessage(h)
	a.core.HandleResponse(peer, messageID, h.Token, msg)
	if h.Type == messaging.Confirmable {
		a.sendEmptyAck(peer, h.MessageID)
	}
	return true
}

func responseMessage(h *Header) *codec.Message {
	m := &codec.Message{}
	_ = m.Append(h.Payload)
	m.SetMeta("code", h.Code)
	return m
}

func (a *Agent) routeRequest(peer messaging.Peer, h *Header) {
	segs := h.URIPathSegments()
	for _, r := range a.resources {
		if pathEqual(r.path, segs) {
			r.handler(a.newResponseWriter(peer, h), &Request{Header: h, Peer: peer})
			return
		}
	}
	if a.defaultHandler != nil {
		a.defaultHandler(a.newResponseWriter(peer, h), &Request{Header: h, Peer: peer})
		return
	}
	_ = a.writeDirectResponse(peer, h, Code404NotFound, nil)
}

func (a *Agent) sendEmptyAck(peer messaging.Peer, messageID uint16) {
	h := &Header{Version: 1, Type: messaging.Acknowledgement, Code: CodeEmpty, MessageID: messageID}
	a.sendRaw(peer, h)
}

func (a *Agent) sendRaw(peer messaging.Peer, h *Header) {
	buf := make([]byte, a.maxMessageLen)
	n, err := Encode(h, buf)
	if err != nil {
		logging.Printf(a.log, "encoding outbound message to %+v failed: %s", peer, err)
		return
	}
	if err := (agentSender{a}).SendTo(peer, buf[:n]); err != nil {
		logging.Printf(a.log, "sending to %+v failed: %s", peer, err)
	}
}

// writeDirectResponse replies to req without going through a ResponseWriter,
// used for the built-in 4.04 fallback.
func (a *Agent) writeDirectResponse(peer messaging.Peer, req *Header, code Code, payload []byte) error {
	return a.newResponseWriter(peer, req).WriteResponse(code, payload)
}

func (a *Agent) newResponseWriter(peer messaging.Peer, req *Header) ResponseWriter {
	return &responseWriter{agent: a, peer: peer, req: req}
}

// responseWriter implements ResponseWriter for one inbound request: a
// confirmable request gets a piggy-backed ACK, a non-confirmable one gets a
// stand-alone non-confirmable response carrying the same token.
type responseWriter struct {
	agent      *Agent
	peer       messaging.Peer
	req        *Header
	responded  bool
}

func (w *responseWriter) WriteResponse(code Code, payload []byte) error {
	if w.responded {
		return fmt.Errorf("response already written for message id %d: %w", w.req.MessageID, errs.InvalidState)
	}
	w.responded = true

	typ := messaging.NonConfirmable
	if w.req.Type == messaging.Confirmable {
		typ = messaging.Acknowledgement
	}
	h := &Header{
		Version:   1,
		Type:      typ,
		Code:      code,
		MessageID: w.req.MessageID,
		Token:     w.req.Token,
		Payload:   payload,
	}
	w.agent.sendRaw(w.peer, h)
	return nil
}
