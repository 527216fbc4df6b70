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

// Package messaging implements the confirmable-message pending-request
// table, retransmission timer and response dispatch for CoAP-shaped
// protocols. CoapAgent embeds a Core (and DiagEngine sends through that
// agent); MqttSnClient follows the same pattern in its own code.
package messaging

import (
	"fmt"
	"math/rand"

	"github.com/threadmesh/agent/codec"
	"github.com/threadmesh/agent/errs"
	"github.com/threadmesh/agent/logging"
)

// Type mirrors the four CoAP message classes that drive retransmission and
// correlation behavior. Defined here (the leaf retransmission layer) rather
// than in package coap, so coap can depend on messaging without a cycle.
type Type uint8

// The four CoAP message types.
const (
	Confirmable Type = iota
	NonConfirmable
	Acknowledgement
	Reset
)

// Constants (configurable): the standard CoAP-style transmission parameters.
const (
	DefaultAckTimeoutMillis   = 2000
	DefaultAckRandomFactor    = 1.5
	DefaultMaxRetransmit      = 4
	DefaultNStart             = 1
	DefaultMaxLatencyMillis   = 100_000
	// DefaultProcessingDelayMillis equals DefaultAckTimeoutMillis.
	DefaultProcessingDelayMillis = DefaultAckTimeoutMillis
)

// Peer identifies a remote endpoint by address and UDP port.
type Peer struct {
	Addr string
	Port int
}

// Key is the (peer, message-id) lookup key for entries in the pending table.
// The token is folded into correlation separately since it is required for
// a match but not for table uniqueness: no new request may be issued for a
// (peer, message-id) pair that already has one pending.
type Key struct {
	Peer      Peer
	MessageID uint16
}

// Status is delivered to a ResponseHandler when a pending request completes.
type Status int

// Terminal statuses for a pending request.
const (
	StatusSuccess Status = iota
	StatusTimeout
	StatusReset
	StatusAborted
)

// Result is passed to a ResponseHandler on completion.
type Result struct {
	Status   Status
	Response *codec.Message // nil unless Status == StatusSuccess
}

// ResponseHandler is invoked once per pending request, either with the
// matched response or a terminal failure status.
type ResponseHandler func(Result)

// Sender is the transport dependency: push bytes to a peer, possibly
// failing with a send error.
type Sender interface {
	SendTo(peer Peer, b []byte) error
}

// Entropy is the entropy dependency, used here for jittered initial
// back-off.
type Entropy interface {
	Float64() float64 // uniform [0,1)
}

// defaultEntropy is math/rand-backed; fine for jitter, never for crypto.
type defaultEntropy struct{}

func (defaultEntropy) Float64() float64 { return rand.Float64() }

// pendingRequest is one in-flight confirmable exchange awaiting either an
// ACK/response or retransmission-budget exhaustion.
type pendingRequest struct {
	key          Key
	token        string
	bytes        []byte
	nextShot     int64
	timeout      int64 // current back-off, ms
	remaining    int   // remaining retransmission count
	acknowledged bool
	confirmable  bool
	separate     bool // expecting a later, separate response after an ACK
	handler      ResponseHandler
	createdAt    int64
}

// Core owns the pending-request table (insertion-ordered) and drives its
// single retransmission timer.
type Core struct {
	sender  Sender
	entropy Entropy
	log     logging.Logger

	ackTimeoutMillis    int64
	ackRandomFactor     float64
	maxRetransmit       int
	maxLatencyMillis    int64
	processingDelayMs   int64

	nextMessageID uint16
	entries       []*pendingRequest
}

// Option configures a Core at construction.
type Option func(*Core)

// WithEntropy overrides the entropy source used for jittered back-off.
func WithEntropy(e Entropy) Option { return func(c *Core) { c.entropy = e } }

// WithLogger attaches a Logger.
func WithLogger(l logging.Logger) Option { return func(c *Core) { c.log = l } }

// WithConstants overrides the RFC 7252 transmission constants; zero values
// keep the default.
func WithConstants(ackTimeoutMillis int64, ackRandomFactor float64, maxRetransmit int) Option {
	return func(c *Core) {
		if ackTimeoutMillis > 0 {
			c.ackTimeoutMillis = ackTimeoutMillis
		}
		if ackRandomFactor > 0 {
			c.ackRandomFactor = ackRandomFactor
		}
		if maxRetransmit > 0 {
			c.maxRetransmit = maxRetransmit
		}
	}
}

// NewCore creates a Core sending through sender.
func NewCore(sender Sender, opts ...Option) *Core {
	c := &Core{
		sender:            sender,
		entropy:           defaultEntropy{},
		ackTimeoutMillis:  DefaultAckTimeoutMillis,
		ackRandomFactor:   DefaultAckRandomFactor,
		maxRetransmit:     DefaultMaxRetransmit,
		maxLatencyMillis:  DefaultMaxLatencyMillis,
		processingDelayMs: DefaultProcessingDelayMillis,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ExchangeLifetimeMillis returns MAX_TRANSMIT_SPAN + 2*MAX_LATENCY +
// PROCESSING_DELAY, the unconditional eviction deadline for an exchange.
func (c *Core) ExchangeLifetimeMillis() int64 {
	return c.maxTransmitSpanMillis() + 2*c.maxLatencyMillis + c.processingDelayMs
}

func (c *Core) maxTransmitSpanMillis() int64 {
	// ACK_TIMEOUT * (2^MAX_RETRANSMIT - 1) * ACK_RANDOM_FACTOR
	span := float64(c.ackTimeoutMillis) * float64((int64(1)<<uint(c.maxRetransmit))-1) * c.ackRandomFactor
	return int64(span)
}

// NextMessageID returns a process-monotonic 16-bit message id, used when the
// caller did not set one explicitly.
func (c *Core) NextMessageID() uint16 {
	c.nextMessageID++
	if c.nextMessageID == 0 {
		c.nextMessageID = 1
	}
	return c.nextMessageID
}

// SendConfirmable enqueues a clone of msg's bytes for retransmission and
// sends the first copy now. messageID and token identify the exchange;
// handler (may be nil) is invoked exactly once on completion.
//
// While a pending request exists for (peer, messageID), a second call with
// the same pair returns errs.InvalidState.
func (c *Core) SendConfirmable(peer Peer, messageID uint16, token []byte, body []byte, handler ResponseHandler) error {
	key := Key{Peer: peer, MessageID: messageID}
	if c.find(key) != nil {
		return fmt.Errorf("pending request already exists for %+v: %w", key, errs.InvalidState)
	}

	timeout := c.initialTimeoutMillis()
	entry := &pendingRequest{
		key:         key,
		token:       string(token),
		bytes:       append([]byte(nil), body...),
		timeout:     timeout,
		remaining:   c.maxRetransmit,
		confirmable: true,
		handler:     handler,
	}
	c.entries = append(c.entries, entry)

	return c.sender.SendTo(peer, entry.bytes)
}

// SendNonConfirmable sends body to peer immediately without enqueueing any
// retransmission state: a non-confirmable send is never tracked.
func (c *Core) SendNonConfirmable(peer Peer, body []byte) error {
	return c.sender.SendTo(peer, body)
}

func (c *Core) initialTimeoutMillis() int64 {
	lo := float64(c.ackTimeoutMillis)
	hi := lo * c.ackRandomFactor
	return int64(lo + c.entropy.Float64()*(hi-lo))
}

func (c *Core) find(key Key) *pendingRequest {
	for _, e := range c.entries {
		if e.key == key {
			return e
		}
	}
	return nil
}

// SetNextShot arms entry's next-shot deadline relative to a start time; used
// right after SendConfirmable so the caller controls the clock. Exposed so
// callers that want deterministic tests can set this explicitly instead of
// relying on wall-clock Tick cadence.
func (c *Core) SetNextShot(peer Peer, messageID uint16, now int64) {
	if e := c.find(Key{Peer: peer, MessageID: messageID}); e != nil {
		e.nextShot = now + e.timeout
		e.createdAt = now
	}
}

// Tick runs one pass of the retransmission timer: every entry whose
// next-shot has passed either retransmits (doubling its back-off) or, if
// its retransmission budget is exhausted, fires StatusTimeout and is
// removed. Entries past their exchange lifetime are unconditionally evicted
// even if still within budget.
func (c *Core) Tick(now int64) {
	lifetime := c.ExchangeLifetimeMillis()
	var remaining []*pendingRequest
	for _, e := range c.entries {
		if now-e.createdAt >= lifetime {
			c.complete(e, Result{Status: StatusTimeout})
			continue
		}
		if !expired(now, e.nextShot) {
			remaining = append(remaining, e)
			continue
		}
		if e.acknowledged && e.separate {
			// acknowledged but awaiting a separate response: stop
			// retransmitting, just wait out the exchange lifetime.
			remaining = append(remaining, e)
			continue
		}
		if e.remaining > 0 {
			if err := c.sender.SendTo(e.key.Peer, e.bytes); err != nil {
				logging.Printf(c.log, "retransmit to %+v failed: %s", e.key.Peer, err)
			}
			e.remaining--
			if e.remaining > 0 {
				// another retransmission will follow: back off further.
				e.timeout *= 2
			}
			// else: budget exhausted, wait out this same interval once more
			// before declaring the exchange dead, rather than doubling again
			// for a retransmission that will never happen.
			e.nextShot = now + e.timeout
			remaining = append(remaining, e)
		} else {
			c.complete(e, Result{Status: StatusTimeout})
		}
	}
	c.entries = remaining
}

func expired(now, deadline int64) bool {
	return int32(now-deadline) >= 0
}

func (c *Core) complete(e *pendingRequest, res Result) {
	if e.handler != nil {
		e.handler(res)
	}
}

// HandleAck processes an inbound ACK for (peer, messageID). If
// expectSeparateResponse is true the entry is marked acknowledged and kept
// (separate-response mode); otherwise (empty ACK with no separate response
// coming, i.e. a piggy-backed response) the caller should use HandleResponse
// instead.
func (c *Core) HandleAck(peer Peer, messageID uint16, expectSeparateResponse bool) {
	e := c.find(Key{Peer: peer, MessageID: messageID})
	if e == nil {
		return
	}
	e.acknowledged = true
	if expectSeparateResponse {
		e.separate = true
		return
	}
	c.remove(e)
}

// HandleResponse delivers a matched response (piggy-backed or separate) and
// removes the pending entry. token must match the entry's recorded token;
// callers are expected to have already verified the peer/messageID pair
// corresponds to an inbound message believed to be a response.
func (c *Core) HandleResponse(peer Peer, messageID uint16, token []byte, response *codec.Message) bool {
	e := c.find(Key{Peer: peer, MessageID: messageID})
	if e == nil || e.token != string(token) {
		return false
	}
	c.removeAndComplete(e, Result{Status: StatusSuccess, Response: response})
	return true
}

// FindByToken locates a pending request for peer by token alone, ignoring
// message id. Used to correlate a separate response, which arrives as its
// own confirmable or non-confirmable message carrying a brand new message
// id but the original request's token.
func (c *Core) FindByToken(peer Peer, token []byte) (messageID uint16, ok bool) {
	for _, e := range c.entries {
		if e.key.Peer == peer && e.token == string(token) {
			return e.key.MessageID, true
		}
	}
	return 0, false
}

// HandleReset processes an inbound RST matching (peer, messageID): the
// pending entry is completed with StatusReset and removed.
func (c *Core) HandleReset(peer Peer, messageID uint16) bool {
	e := c.find(Key{Peer: peer, MessageID: messageID})
	if e == nil {
		return false
	}
	c.removeAndComplete(e, Result{Status: StatusReset})
	return true
}

func (c *Core) remove(e *pendingRequest) {
	for i, x := range c.entries {
		if x == e {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

func (c *Core) removeAndComplete(e *pendingRequest, res Result) {
	c.remove(e)
	c.complete(e, res)
}

// Shutdown traverses every pending entry once, invoking its handler with
// StatusAborted, then frees the table.
func (c *Core) Shutdown() {
	entries := c.entries
	c.entries = nil
	for _, e := range entries {
		c.complete(e, Result{Status: StatusAborted})
	}
}

// Len returns the number of currently pending requests, mostly for tests
// asserting the table empties out after completion.
func (c *Core) Len() int { return len(c.entries) }

// NextShot returns the minimum next-shot deadline across all entries and
// true, or (0, false) if the table is empty — the deadline the owning
// subsystem should arm its single timer to.
func (c *Core) NextShot() (int64, bool) {
	var (
		best  int64
		found bool
	)
	for _, e := range c.entries {
		if !found || e.nextShot < best {
			best = e.nextShot
			found = true
		}
	}
	return best, found
}
