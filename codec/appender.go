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

// Appender lets callers build content identically whether the backing store
// is a raw FrameBuilder buffer or a Message's tail. The spec describes this
// as a tagged union; in Go it's simply two implementations of one interface,
// selected by which constructor the caller used.
type Appender interface {
	AppendByte(b byte) error
	AppendBytes(b []byte) error
	AppendFromMessage(src *Message, offset, length int) error
	Len() int
}

// frameAppender adapts a *FrameBuilder to Appender.
type frameAppender struct{ fb *FrameBuilder }

// NewFrameAppender wraps fb as an Appender.
func NewFrameAppender(fb *FrameBuilder) Appender { return frameAppender{fb: fb} }

func (a frameAppender) AppendByte(b byte) error { return a.fb.AppendU8(b) }
func (a frameAppender) AppendBytes(b []byte) error { return a.fb.AppendBytes(b) }
func (a frameAppender) AppendFromMessage(src *Message, offset, length int) error {
	return a.fb.AppendFromMessage(src, offset, length)
}
func (a frameAppender) Len() int { return a.fb.Len() }

// messageAppender adapts a *Message to Appender, appending to its tail.
type messageAppender struct{ msg *Message }

// NewMessageAppender wraps msg as an Appender.
func NewMessageAppender(msg *Message) Appender { return messageAppender{msg: msg} }

func (a messageAppender) AppendByte(b byte) error { return a.msg.Append([]byte{b}) }
func (a messageAppender) AppendBytes(b []byte) error { return a.msg.Append(b) }
func (a messageAppender) AppendFromMessage(src *Message, offset, length int) error {
	b, err := src.ReadRange(offset, length)
	if err != nil {
		return err
	}
	return a.msg.Append(b)
}
func (a messageAppender) Len() int { return a.msg.Len() }
