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

// Package errs defines the error taxonomy shared by every subsystem: each
// operation returns exactly one Kind, wrapped with context via
// fmt.Errorf("...: %w", Kind).
package errs

import "errors"

// Kind is one of the sentinel error values operations return.
type Kind error

// The error taxonomy. Parse and Duplicate are never surfaced to a peer: an
// inbound datagram that triggers them is silently dropped. Parse is still
// returned by public decoding helpers such as diag.ParseAnswer. The rest are
// surfaced, either as a direct return value or via a callback's status
// argument.
var (
	// InvalidArgument: out-of-range input from a caller.
	InvalidArgument Kind = errors.New("invalid argument")
	// InvalidState: operation forbidden in the current FSM state.
	InvalidState Kind = errors.New("invalid state")
	// NoBuffer: message-buffer pool exhausted.
	NoBuffer Kind = errors.New("no buffer")
	// Parse: wire bytes cannot be decoded; local only, the datagram is dropped.
	Parse Kind = errors.New("parse error")
	// Timeout: retransmission budget exhausted.
	Timeout Kind = errors.New("timeout")
	// Aborted: shutdown or disconnect occurred mid-operation.
	Aborted Kind = errors.New("aborted")
	// Security: DTLS handshake or certificate verification failure.
	Security Kind = errors.New("security error")
	// Busy: an in-flight query already exists on a single-slot client.
	Busy Kind = errors.New("busy")
	// Duplicate: a QoS 2 PUBLISH arrived with an already-pending message id.
	Duplicate Kind = errors.New("duplicate")
	// Reset: peer sent a CoAP RST in response to a confirmable request.
	Reset Kind = errors.New("reset")
)

// Is reports whether err is (or wraps) the given Kind.
func Is(err error, k Kind) bool {
	return errors.Is(err, k)
}
