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

package codec

import "sync"

// Priority is a coarse send-priority hint carried alongside a Message, not
// inlined with its payload bytes.
type Priority uint8

// Priority levels, lowest first.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Message is an append-only byte buffer paired with a read offset, a
// priority hint, and free-form per-subsystem metadata appended at the tail
// (never inlined with payload). A Message is owned by exactly one holder at
// a time; ownership transfers on enqueue/dequeue, which in Go terms just
// means: don't keep a reference to one you handed off.
type Message struct {
	buf      []byte
	readOff  int
	Priority Priority
	meta     map[string]interface{}
	pool     *MessagePool
}

// Append appends b to the message tail.
func (m *Message) Append(b []byte) error {
	if m.pool != nil && len(m.buf)+len(b) > m.pool.maxMessageLen {
		return ErrInsufficientBuffer
	}
	m.buf = append(m.buf, b...)
	return nil
}

// Len returns the number of bytes currently in the message.
func (m *Message) Len() int { return len(m.buf) }

// Bytes returns the full message content.
func (m *Message) Bytes() []byte { return m.buf }

// ReadRange returns length bytes starting at offset, without affecting the
// message's own read offset.
func (m *Message) ReadRange(offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > len(m.buf) {
		return nil, ErrParse
	}
	return m.buf[offset : offset+length], nil
}

// ReadOffset returns the current read offset.
func (m *Message) ReadOffset() int { return m.readOff }

// SetReadOffset sets the current read offset.
func (m *Message) SetReadOffset(off int) { m.readOff = off }

// Read reads up to len(b) bytes starting at the message's read offset,
// advancing it. It implements io.Reader-like semantics without importing io
// to keep this a leaf package.
func (m *Message) Read(b []byte) (int, error) {
	if m.readOff >= len(m.buf) {
		return 0, ErrParse
	}
	n := copy(b, m.buf[m.readOff:])
	m.readOff += n
	return n, nil
}

// SetMeta attaches a metadata value to the message, keyed by subsystem-chosen
// name. Metadata never appears in Bytes()/Len().
func (m *Message) SetMeta(key string, v interface{}) {
	if m.meta == nil {
		m.meta = make(map[string]interface{})
	}
	m.meta[key] = v
}

// Meta retrieves a previously attached metadata value.
func (m *Message) Meta(key string) (interface{}, bool) {
	v, ok := m.meta[key]
	return v, ok
}

// CloneWithLength produces an owned copy of the message limited to the first
// n bytes (or the full length if n exceeds it). Metadata is dropped, matching
// the "clone-with-length" contract in the data model: clones are fresh
// owners, not views.
func (m *Message) CloneWithLength(n int) *Message {
	if n > len(m.buf) {
		n = len(m.buf)
	}
	clone := &Message{
		buf:      append([]byte(nil), m.buf[:n]...),
		Priority: m.Priority,
		pool:     m.pool,
	}
	return clone
}

// Free returns the message's backing buffer to its pool, if any. The caller
// must not use the Message after calling Free.
func (m *Message) Free() {
	if m.pool != nil {
		m.pool.put(m)
	}
}

// MessagePool is a process-wide pool of reusable Message buffers. Allocation
// can fail with ErrNoBuffer once outstanding messages reach maxOutstanding;
// callers must propagate that failure rather than retry within a tick (see
// the cooperative scheduling model).
type MessagePool struct {
	pool          sync.Pool
	maxMessageLen int

	mu             sync.Mutex
	maxOutstanding int
	outstanding    int
}

// NewMessagePool creates a pool bounding individual messages to
// maxMessageLen bytes and the pool as a whole to maxOutstanding
// simultaneously-allocated messages. maxOutstanding <= 0 means unbounded.
func NewMessagePool(maxMessageLen, maxOutstanding int) *MessagePool {
	p := &MessagePool{
		maxMessageLen:  maxMessageLen,
		maxOutstanding: maxOutstanding,
	}
	p.pool.New = func() interface{} {
		return &Message{buf: make([]byte, 0, 64)}
	}
	return p
}

// New allocates a Message from the pool, or returns ErrNoBuffer if the pool
// is exhausted.
func (p *MessagePool) New() (*Message, error) {
	p.mu.Lock()
	if p.maxOutstanding > 0 && p.outstanding >= p.maxOutstanding {
		p.mu.Unlock()
		return nil, ErrNoBuffer
	}
	p.outstanding++
	p.mu.Unlock()

	m := p.pool.Get().(*Message)
	m.buf = m.buf[:0]
	m.readOff = 0
	m.Priority = PriorityNormal
	m.meta = nil
	m.pool = p
	return m, nil
}

func (p *MessagePool) put(m *Message) {
	p.mu.Lock()
	if p.outstanding > 0 {
		p.outstanding--
	}
	p.mu.Unlock()
	m.pool = nil
	p.pool.Put(m)
}

// Outstanding returns the number of messages currently allocated from the
// pool and not yet freed.
func (p *MessagePool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}
