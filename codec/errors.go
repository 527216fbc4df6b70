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

import "errors"

// ErrInsufficientBuffer is returned when an append or insert would exceed the
// configured maximum length of a FrameBuilder.
var ErrInsufficientBuffer = errors.New("insufficient buffer")

// ErrParse is returned when a FrameData read requires more bytes than remain.
var ErrParse = errors.New("parse error")

// ErrNoBuffer is returned when the Message buffer pool is exhausted.
var ErrNoBuffer = errors.New("no buffer available")
