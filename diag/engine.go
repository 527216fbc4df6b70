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

package diag

import (
	"fmt"

	"github.com/threadmesh/agent/coap"
	"github.com/threadmesh/agent/codec"
	"github.com/threadmesh/agent/errs"
	"github.com/threadmesh/agent/logging"
	"github.com/threadmesh/agent/messaging"
	"github.com/threadmesh/agent/sched"
)

// Status is delivered to an AnswerCallback.
type Status int

// Terminal statuses for one answer delivery.
const (
	StatusAccepted Status = iota
	StatusResponseTimeout
	StatusAborted
)

// AnswerResult is passed to an AnswerCallback once per received answer
// fragment, or once to report a terminal failure.
type AnswerResult struct {
	Status Status
	Answer *ParsedAnswer // nil unless Status == StatusAccepted
}

// AnswerCallback is invoked once per answer fragment (in order) and,
// on ordering mismatch or stall, once more with a terminal status.
type AnswerCallback func(AnswerResult)

// defaultQueryTimeoutMillis bounds how long a client waits for the next
// expected answer fragment before giving up on the whole query.
const defaultQueryTimeoutMillis = 5000

// inFlightQuery is the single query a client may have outstanding at once.
type inFlightQuery struct {
	queryID   uint16
	nextIndex uint16
	callback  AnswerCallback
	timerID   sched.TimerID
}

// Engine implements the DiagEngine component: a CoapAgent resource handler
// for diag-get-query, diag-get-request and diag-reset, plus the client side
// (SendQuery/SendReset) that issues queries and reassembles their answers.
type Engine struct {
	agent      *coap.Agent
	scheduler  *sched.Scheduler
	info       *DeviceInfo
	generators map[uint8]Generator
	resetHooks map[uint8]func(*DeviceInfo)
	log        logging.Logger

	queryTimeoutMillis int64
	nextQueryID        uint16
	inFlight           *inFlightQuery
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger attaches a Logger.
func WithLogger(l logging.Logger) Option { return func(e *Engine) { e.log = l } }

// WithGenerator overrides or adds the Response TLV generator for typ.
func WithGenerator(typ uint8, g Generator) Option {
	return func(e *Engine) { e.generators[typ] = g }
}

// WithResetHook overrides or adds the reset hook invoked for typ by the
// reset flow.
func WithResetHook(typ uint8, hook func(*DeviceInfo)) Option {
	return func(e *Engine) { e.resetHooks[typ] = hook }
}

// WithQueryTimeout overrides how long a client-side query waits for its next
// expected answer fragment (default 5000ms).
func WithQueryTimeout(millis int64) Option {
	return func(e *Engine) {
		if millis > 0 {
			e.queryTimeoutMillis = millis
		}
	}
}

// NewEngine creates an Engine serving from info and registers its resources
// on agent. scheduler arms the per-query answer timeout; CoAP retransmission
// and MqttSnClient are driven by their own Tick methods, not by it.
func NewEngine(agent *coap.Agent, scheduler *sched.Scheduler, info *DeviceInfo, opts ...Option) *Engine {
	e := &Engine{
		agent:              agent,
		scheduler:          scheduler,
		info:               info,
		generators:         defaultGenerators(),
		resetHooks:         defaultResetHooks(),
		queryTimeoutMillis: defaultQueryTimeoutMillis,
	}
	for _, o := range opts {
		o(e)
	}
	agent.AddResource([]string{"d", "dg"}, e.handleGetRequest)
	agent.AddResource([]string{"d", "dq"}, e.handleGetQuery)
	agent.AddResource([]string{"d", "dr"}, e.handleReset)
	agent.AddResource([]string{"d", "da"}, e.handleAnswer)
	return e
}

func defaultResetHooks() map[uint8]func(*DeviceInfo) {
	return map[uint8]func(*DeviceInfo){
		TLVMACCounters: func(info *DeviceInfo) { info.MACCounters = MACCounters{} },
		TLVMLECounters: func(info *DeviceInfo) { info.MLECounters = MLECounters{} },
	}
}

// handleGetRequest serves diag-get-request: confirmable, unicast. The
// request is acknowledged immediately with an empty ACK; the answer
// sequence (one or more fragments) follows as separate confirmable requests
// to the peer's "d/da" resource.
func (e *Engine) handleGetRequest(w coap.ResponseWriter, r *coap.Request) {
	_ = w.WriteResponse(coap.CodeEmpty, nil)
	e.serverFlow(r.Peer, r.Header.Payload)
}

// handleGetQuery serves diag-get-query: non-confirmable, multi-recipient.
// There is no request-level ACK; answers are transmitted the same way as
// handleGetRequest.
func (e *Engine) handleGetQuery(_ coap.ResponseWriter, r *coap.Request) {
	e.serverFlow(r.Peer, r.Header.Payload)
}

// handleReset serves diag-reset: confirmable, unicast. For each type in the
// request's Type-List, the corresponding reset hook (if any) is invoked;
// the engine then responds with an empty ACK.
func (e *Engine) handleReset(w coap.ResponseWriter, r *coap.Request) {
	tlv, ok := codec.Find(r.Header.Payload, 0, TLVTypeList)
	if !ok {
		logging.Printf(e.log, "diag reset from %+v missing type-list, dropping", r.Peer)
		return
	}
	types, err := decodeTypeList(tlv.Value)
	if err != nil {
		logging.Printf(e.log, "diag reset from %+v: %s, dropping", r.Peer, err)
		return
	}
	for _, t := range types {
		if hook, ok := e.resetHooks[t]; ok {
			hook(e.info)
		}
	}
	// no further message follows a reset, so "empty ACK" here means an
	// immediate response with no payload, not a CoAP code-0.00 ack.
	_ = w.WriteResponse(coap.Code204Changed, nil)
}

// serverFlow parses payload's Query-Id and Type-List TLVs, builds one or
// more paginated answer messages from the registered generators, and
// transmits them in index order.
func (e *Engine) serverFlow(peer messaging.Peer, payload []byte) {
	var (
		queryID    uint16
		hasQueryID bool
	)
	if tlv, ok := codec.Find(payload, 0, TLVQueryID); ok {
		if len(tlv.Value) != 2 {
			logging.Printf(e.log, "diag query from %+v: malformed query-id, dropping", peer)
			return
		}
		queryID = uint16(tlv.Value[0])<<8 | uint16(tlv.Value[1])
		hasQueryID = true
	}

	tlv, ok := codec.Find(payload, 0, TLVTypeList)
	if !ok {
		logging.Printf(e.log, "diag query from %+v missing type-list, dropping", peer)
		return
	}
	types, err := decodeTypeList(tlv.Value)
	if err != nil {
		logging.Printf(e.log, "diag query from %+v: %s, dropping", peer, err)
		return
	}

	fragments, err := e.buildAnswers(hasQueryID, queryID, types)
	if err != nil {
		logging.Printf(e.log, "diag query from %+v: building answers: %s", peer, err)
		return
	}
	e.transmitAnswers(peer, fragments)
}

// buildAnswers runs the registered generator for each requested type in
// order, splitting into a new answer message whenever the current one's
// length reaches answerLengthThreshold, and terminates the last one with a
// more-follows=false Answer TLV.
func (e *Engine) buildAnswers(hasQueryID bool, queryID uint16, types []uint8) ([][]byte, error) {
	var fragments [][]byte
	cur := &codec.Message{}
	startFragment := func() error {
		if hasQueryID {
			return encodeQueryID(codec.NewMessageAppender(cur), queryID)
		}
		return nil
	}
	if err := startFragment(); err != nil {
		return nil, err
	}

	index := uint16(0)
	for _, t := range types {
		gen, ok := e.generators[t]
		if !ok {
			continue
		}
		if err := gen(e.info, codec.NewMessageAppender(cur)); err != nil {
			return nil, fmt.Errorf("generating TLV type %d: %w", t, err)
		}
		if cur.Len() >= answerLengthThreshold {
			if err := encodeAnswerMarker(codec.NewMessageAppender(cur), AnswerMarker{Index: index, MoreFollows: true}); err != nil {
				return nil, err
			}
			fragments = append(fragments, cur.Bytes())
			index++
			cur = &codec.Message{}
			if err := startFragment(); err != nil {
				return nil, err
			}
		}
	}
	if err := encodeAnswerMarker(codec.NewMessageAppender(cur), AnswerMarker{Index: index, MoreFollows: false}); err != nil {
		return nil, err
	}
	fragments = append(fragments, cur.Bytes())
	return fragments, nil
}

// transmitAnswers sends fragments in strict index order, awaiting each
// fragment's 2.xx response before sending the next. Any send failure or
// non-success response drops the remaining, unsent fragments.
func (e *Engine) transmitAnswers(peer messaging.Peer, fragments [][]byte) {
	var sendNext func(i int)
	sendNext = func(i int) {
		if i >= len(fragments) {
			return
		}
		err := e.agent.SendRequest(peer, true, coap.CodePOST, []string{"d", "da"}, nil, fragments[i], func(r messaging.Result) {
			if r.Status != messaging.StatusSuccess {
				logging.Printf(e.log, "diag answer fragment %d/%d to %+v: %v, dropping %d remaining", i+1, len(fragments), peer, r.Status, len(fragments)-i-1)
				return
			}
			sendNext(i + 1)
		})
		if err != nil {
			logging.Printf(e.log, "sending diag answer fragment %d to %+v: %s", i+1, peer, err)
		}
	}
	sendNext(0)
}

// handleAnswer receives one answer fragment on the client side, via a fresh
// confirmable request to "d/da". It is acknowledged immediately (an empty
// ACK), then matched against the single in-flight query.
func (e *Engine) handleAnswer(w coap.ResponseWriter, r *coap.Request) {
	// the fragment has no further message following it, so "empty ACK"
	// here is a 2.04 response with no payload, piggy-backed on this
	// request's ACK — this is what lets transmitAnswers chain to the next
	// fragment once messaging.Core sees it as a completed exchange.
	_ = w.WriteResponse(coap.Code204Changed, nil)

	parsed, err := ParseAnswer(r.Header.Payload)
	if err != nil {
		logging.Printf(e.log, "diag answer from %+v: %s, dropping", r.Peer, err)
		return
	}
	e.handleInboundAnswer(parsed)
}

func (e *Engine) handleInboundAnswer(parsed *ParsedAnswer) {
	q := e.inFlight
	if q == nil {
		return
	}
	if parsed.HasQueryID && parsed.QueryID != q.queryID {
		return
	}
	if parsed.Answer.Index != q.nextIndex {
		e.scheduler.CancelTimer(q.timerID)
		e.inFlight = nil
		q.callback(AnswerResult{Status: StatusResponseTimeout})
		return
	}

	q.nextIndex++
	more := parsed.Answer.MoreFollows
	if !more {
		e.scheduler.CancelTimer(q.timerID)
		e.inFlight = nil
	}
	q.callback(AnswerResult{Status: StatusAccepted, Answer: parsed})
}

// SendQuery issues a DIAG_GET query for types to peer and stores a single
// in-flight query-id and callback: only one query may be outstanding at a
// time. confirmable selects diag-get-request (unicast) vs diag-get-query
// (non-confirmable, multi-recipient).
func (e *Engine) SendQuery(now int64, peer messaging.Peer, confirmable bool, types []uint8, cb AnswerCallback) error {
	if e.inFlight != nil {
		return fmt.Errorf("diag query already in flight: %w", errs.Busy)
	}
	if len(types) == 0 || len(types) > maxTypeListEntries {
		return fmt.Errorf("type-list length %d: %w", len(types), errs.InvalidArgument)
	}

	queryID := e.nextQueryID
	e.nextQueryID++

	msg := &codec.Message{}
	a := codec.NewMessageAppender(msg)
	if err := encodeQueryID(a, queryID); err != nil {
		return err
	}
	if err := encodeTypeList(a, types); err != nil {
		return err
	}

	uri := []string{"d", "dq"}
	if confirmable {
		uri = []string{"d", "dg"}
	}

	handler := func(r messaging.Result) {
		if r.Status == messaging.StatusSuccess {
			// the empty ack (or, in the non-confirmable case, nothing) only
			// signals the query itself was delivered; answers arrive
			// out-of-band via handleAnswer.
			return
		}
		if e.inFlight != nil && e.inFlight.queryID == queryID {
			e.scheduler.CancelTimer(e.inFlight.timerID)
			e.inFlight = nil
			cb(AnswerResult{Status: StatusResponseTimeout})
		}
	}
	if !confirmable {
		handler = nil
	}
	if err := e.agent.SendRequest(peer, confirmable, coap.CodeGET, uri, nil, msg.Bytes(), handler); err != nil {
		return err
	}

	timerID := e.scheduler.ArmTimer(now+e.queryTimeoutMillis, func(int64) {
		if e.inFlight == nil || e.inFlight.queryID != queryID {
			return
		}
		e.inFlight = nil
		cb(AnswerResult{Status: StatusResponseTimeout})
	})
	e.inFlight = &inFlightQuery{queryID: queryID, nextIndex: 0, callback: cb, timerID: timerID}
	return nil
}

// SendReset issues a diag-reset for types to peer; the reset flow has no
// answer sequence, so there is no callback beyond the CoAP-level one.
func (e *Engine) SendReset(peer messaging.Peer, types []uint8, handler messaging.ResponseHandler) error {
	if len(types) == 0 || len(types) > maxTypeListEntries {
		return fmt.Errorf("type-list length %d: %w", len(types), errs.InvalidArgument)
	}
	msg := &codec.Message{}
	if err := encodeTypeList(codec.NewMessageAppender(msg), types); err != nil {
		return err
	}
	return e.agent.SendRequest(peer, true, coap.CodePOST, []string{"d", "dr"}, nil, msg.Bytes(), handler)
}
