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

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// EncodeVendorString CBOR-encodes a single vendor-info string (name, model,
// software version or app URL), used as the value bytes of a Vendor-* TLV.
// CBOR keeps these compact and self-describing compared to a raw UTF-8 dump,
// matching the teacher's own CBOR-over-plain-JSON tradeoff.
func EncodeVendorString(s string) ([]byte, error) {
	b, err := cbor.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("cbor-encoding vendor string: %w", err)
	}
	return b, nil
}

// DecodeVendorString is the inverse of EncodeVendorString.
func DecodeVendorString(b []byte) (string, error) {
	var s string
	if err := cbor.Unmarshal(b, &s); err != nil {
		return "", fmt.Errorf("%w: cbor-decoding vendor string: %s", ErrParse, err)
	}
	return s, nil
}
