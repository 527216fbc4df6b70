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
	"encoding/binary"

	"github.com/threadmesh/agent/codec"
	"github.com/threadmesh/agent/errs"
)

// AnswerMarker is the decoded Answer TLV: the fragment's position in its
// query's sequence, and whether more fragments follow.
type AnswerMarker struct {
	Index       uint16
	MoreFollows bool
}

// ParsedAnswer is one answer fragment decoded into typed fields. Fields the
// fragment didn't carry a TLV for are left at their zero value; Present
// records which TLV types were actually seen, for DumpAnswerJSON and tests.
type ParsedAnswer struct {
	QueryID    uint16
	HasQueryID bool
	Answer     AnswerMarker
	Present    map[uint8]bool

	DeviceInfo
}

// encodeQueryID appends the optional Query-Id TLV.
func encodeQueryID(a codec.Appender, queryID uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], queryID)
	return codec.AppendTLV(a, TLVQueryID, b[:])
}

// encodeTypeList appends a Type-List TLV carrying types verbatim; it neither
// de-duplicates nor caps them (SendQuery and SendReset enforce the cap).
func encodeTypeList(a codec.Appender, types []uint8) error {
	return codec.AppendTLV(a, TLVTypeList, types)
}

// decodeTypeList validates and de-duplicates a Type-List TLV's value,
// preserving first-seen order, and enforces maxTypeListEntries.
func decodeTypeList(value []byte) ([]uint8, error) {
	if len(value) > maxTypeListEntries {
		return nil, errs.InvalidArgument
	}
	seen := make(map[uint8]bool, len(value))
	out := make([]uint8, 0, len(value))
	for _, t := range value {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

// encodeAnswerMarker appends the terminal/non-terminal Answer TLV.
func encodeAnswerMarker(a codec.Appender, m AnswerMarker) error {
	more := byte(0)
	if m.MoreFollows {
		more = 1
	}
	b := []byte{byte(m.Index >> 8), byte(m.Index), more}
	return codec.AppendTLV(a, TLVAnswer, b)
}

func decodeAnswerMarker(value []byte) (AnswerMarker, error) {
	if len(value) != 3 {
		return AnswerMarker{}, errs.Parse
	}
	return AnswerMarker{
		Index:       binary.BigEndian.Uint16(value[0:2]),
		MoreFollows: value[2] != 0,
	}, nil
}

// ParseAnswer scans raw (a complete answer message's TLV sequence) into a
// ParsedAnswer. Unknown TLV types are skipped silently; malformed length
// fields fail the whole scan with errs.Parse (codec.ScanAll already does
// this uniformly).
func ParseAnswer(raw []byte) (*ParsedAnswer, error) {
	tlvs, err := codec.ScanAll(raw)
	if err != nil {
		return nil, errs.Parse
	}

	out := &ParsedAnswer{Present: make(map[uint8]bool)}
	for _, t := range tlvs {
		switch t.Type {
		case TLVQueryID:
			if len(t.Value) != 2 {
				return nil, errs.Parse
			}
			out.QueryID = binary.BigEndian.Uint16(t.Value)
			out.HasQueryID = true
		case TLVAnswer:
			m, err := decodeAnswerMarker(t.Value)
			if err != nil {
				return nil, err
			}
			out.Answer = m
		case TLVExtMacAddress:
			if len(t.Value) != 8 {
				return nil, errs.Parse
			}
			copy(out.ExtMacAddress[:], t.Value)
		case TLVShortAddress:
			if len(t.Value) != 2 {
				return nil, errs.Parse
			}
			out.ShortAddress = binary.BigEndian.Uint16(t.Value)
		case TLVMode:
			if len(t.Value) != 1 {
				return nil, errs.Parse
			}
			out.Mode = t.Value[0]
		case TLVTimeout:
			if len(t.Value) != 4 {
				return nil, errs.Parse
			}
			out.Timeout = binary.BigEndian.Uint32(t.Value)
		case TLVConnectivity:
			if len(t.Value) != 10 {
				return nil, errs.Parse
			}
			out.Connectivity = Connectivity{
				ParentPriority:   int8(t.Value[0]),
				LinkQuality3:     t.Value[1],
				LinkQuality2:     t.Value[2],
				LinkQuality1:     t.Value[3],
				LeaderCost:       t.Value[4],
				IDSequence:       t.Value[5],
				ActiveRouters:    t.Value[6],
				SedBufferSize:    binary.BigEndian.Uint16(t.Value[7:9]),
				SedDatagramCount: t.Value[9],
			}
		case TLVRoute:
			if len(t.Value) < 9 || (len(t.Value)-9)%3 != 0 {
				return nil, errs.Parse
			}
			r := Route{
				IDSequence:   t.Value[0],
				RouterIDMask: binary.BigEndian.Uint64(t.Value[1:9]),
			}
			for i := 9; i < len(t.Value); i += 3 {
				r.Entries = append(r.Entries, RouteEntry{
					OutgoingLinkQuality: t.Value[i],
					IncomingLinkQuality: t.Value[i+1],
					RouteCost:           t.Value[i+2],
				})
			}
			out.Route = r
		case TLVLeaderData:
			if len(t.Value) != 8 {
				return nil, errs.Parse
			}
			out.LeaderData = LeaderData{
				PartitionID:       binary.BigEndian.Uint32(t.Value[0:4]),
				Weighting:         t.Value[4],
				DataVersion:       t.Value[5],
				StableDataVersion: t.Value[6],
				LeaderRouterID:    t.Value[7],
			}
		case TLVNetworkData:
			out.NetworkData = append([]byte(nil), t.Value...)
		case TLVIPv6AddressList:
			if len(t.Value)%16 != 0 {
				return nil, errs.Parse
			}
			for i := 0; i < len(t.Value); i += 16 {
				var addr [16]byte
				copy(addr[:], t.Value[i:i+16])
				out.IPv6Addresses = append(out.IPv6Addresses, addr)
			}
		case TLVMACCounters:
			if len(t.Value) != 36 {
				return nil, errs.Parse
			}
			var vals [9]uint32
			for i := range vals {
				vals[i] = binary.BigEndian.Uint32(t.Value[i*4:])
			}
			out.MACCounters = MACCounters{
				IfInUnknownProtos: vals[0], IfInErrors: vals[1], IfOutErrors: vals[2],
				IfInUcastPkts: vals[3], IfInBroadcastPkts: vals[4], IfInDiscards: vals[5],
				IfOutUcastPkts: vals[6], IfOutBroadcastPkts: vals[7], IfOutDiscards: vals[8],
			}
		case TLVMLECounters:
			if len(t.Value) != 18 {
				return nil, errs.Parse
			}
			var vals [9]uint16
			for i := range vals {
				vals[i] = binary.BigEndian.Uint16(t.Value[i*2:])
			}
			out.MLECounters = MLECounters{
				DisabledRole: vals[0], DetachedRole: vals[1], ChildRole: vals[2],
				RouterRole: vals[3], LeaderRole: vals[4], AttachAttempts: vals[5],
				PartitionIDChanges: vals[6], BetterPartitionAttachAttempts: vals[7],
				ParentChanges: vals[8],
			}
		case TLVBatteryLevel:
			if len(t.Value) != 1 {
				return nil, errs.Parse
			}
			out.BatteryLevel = t.Value[0]
		case TLVSupplyVoltage:
			if len(t.Value) != 2 {
				return nil, errs.Parse
			}
			out.SupplyVoltageMilliV = binary.BigEndian.Uint16(t.Value)
		case TLVChildTable:
			if len(t.Value)%7 != 0 {
				return nil, errs.Parse
			}
			for i := 0; i < len(t.Value); i += 7 {
				out.ChildTable = append(out.ChildTable, ChildEntry{
					Timeout: binary.BigEndian.Uint32(t.Value[i : i+4]),
					RLOC16:  binary.BigEndian.Uint16(t.Value[i+4 : i+6]),
					Mode:    t.Value[i+6],
				})
			}
		case TLVChannelPages:
			out.ChannelPages = append([]byte(nil), t.Value...)
		case TLVMaxChildTimeout:
			if len(t.Value) != 4 {
				return nil, errs.Parse
			}
			out.MaxChildTimeout = binary.BigEndian.Uint32(t.Value)
		case TLVVendorName, TLVVendorModel, TLVVendorSwVersion, TLVVendorAppURL:
			s, err := codec.DecodeVendorString(t.Value)
			if err != nil {
				return nil, err
			}
			switch t.Type {
			case TLVVendorName:
				out.VendorName = s
			case TLVVendorModel:
				out.VendorModel = s
			case TLVVendorSwVersion:
				out.VendorSwVersion = s
			case TLVVendorAppURL:
				out.VendorAppURL = s
			}
		case TLVThreadStackVersion:
			out.ThreadStackVersion = string(t.Value)
		case TLVVersion:
			if len(t.Value) != 2 {
				return nil, errs.Parse
			}
			out.Version = binary.BigEndian.Uint16(t.Value)
		default:
			// unknown TLV type: skipped silently.
			continue
		}
		out.Present[t.Type] = true
	}
	return out, nil
}
