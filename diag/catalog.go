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

// Package diag implements the Network Diagnostics / History-Tracker
// query-answer engine: a CoapAgent resource handler serving paginated,
// fragment-ordered diagnostic TLV answers, plus the client side that sends
// queries and reassembles them.
package diag

// TLV type codes. There is no central registry; this is simply the catalog
// of codes this engine reproduces, each 1-byte wide, in one flat namespace
// shared by response TLVs and the three control TLVs (Query-Id, Type-List,
// Answer).
const (
	TLVExtMacAddress uint8 = iota
	TLVShortAddress
	TLVMode
	TLVTimeout
	TLVConnectivity
	TLVRoute
	TLVLeaderData
	TLVNetworkData
	TLVIPv6AddressList
	TLVMACCounters
	TLVMLECounters
	TLVBatteryLevel
	TLVSupplyVoltage
	TLVChildTable
	TLVChannelPages
	TLVMaxChildTimeout
	TLVVendorName
	TLVVendorModel
	TLVVendorSwVersion
	TLVVendorAppURL
	TLVThreadStackVersion
	TLVVersion

	TLVQueryID
	TLVTypeList
	TLVAnswer
)

// maxTypeListEntries bounds a Type-List TLV's length (§9 audit note: the
// source doesn't bound it, inviting pathological expansion).
const maxTypeListEntries = 64

// answerLengthThreshold is the point past which the currently-being-built
// answer message is closed off and a fresh one started.
const answerLengthThreshold = 800

// RouteEntry is one neighboring router's link-quality/cost record within a
// Route TLV.
type RouteEntry struct {
	OutgoingLinkQuality uint8
	IncomingLinkQuality uint8
	RouteCost           uint8
}

// Connectivity mirrors the Connectivity TLV's field layout.
type Connectivity struct {
	ParentPriority   int8
	LinkQuality3     uint8
	LinkQuality2     uint8
	LinkQuality1     uint8
	LeaderCost       uint8
	IDSequence       uint8
	ActiveRouters    uint8
	SedBufferSize    uint16
	SedDatagramCount uint8
}

// LeaderData mirrors the Leader-Data TLV's field layout.
type LeaderData struct {
	PartitionID       uint32
	Weighting         uint8
	DataVersion       uint8
	StableDataVersion uint8
	LeaderRouterID    uint8
}

// Route mirrors the Route TLV's field layout: a sequence-number plus one
// entry per router present in RouterIDMask, in ascending router-ID order.
type Route struct {
	IDSequence   uint8
	RouterIDMask uint64
	Entries      []RouteEntry
}

// MACCounters mirrors the MAC-Counters TLV's field layout.
type MACCounters struct {
	IfInUnknownProtos  uint32
	IfInErrors         uint32
	IfOutErrors        uint32
	IfInUcastPkts      uint32
	IfInBroadcastPkts  uint32
	IfInDiscards       uint32
	IfOutUcastPkts     uint32
	IfOutBroadcastPkts uint32
	IfOutDiscards      uint32
}

// MLECounters mirrors the MLE-Counters TLV's field layout.
type MLECounters struct {
	DisabledRole                  uint16
	DetachedRole                  uint16
	ChildRole                     uint16
	RouterRole                    uint16
	LeaderRole                    uint16
	AttachAttempts                uint16
	PartitionIDChanges            uint16
	BetterPartitionAttachAttempts uint16
	ParentChanges                 uint16
}

// ChildEntry is one row of the Child-Table TLV.
type ChildEntry struct {
	Timeout uint32
	RLOC16  uint16
	Mode    uint8
}

// DeviceInfo is the snapshot of local diagnostic state a server answers
// queries from. The engine never mutates it except through a reset hook:
// the default MAC/MLE counter hooks or one installed via WithResetHook.
type DeviceInfo struct {
	ExtMacAddress      [8]byte
	ShortAddress       uint16
	Mode               uint8
	Timeout            uint32
	Connectivity       Connectivity
	Route              Route
	LeaderData         LeaderData
	NetworkData        []byte // opaque, itself a nested TLV set
	IPv6Addresses      [][16]byte
	MACCounters        MACCounters
	MLECounters        MLECounters
	BatteryLevel       uint8
	SupplyVoltageMilliV uint16
	ChildTable         []ChildEntry
	ChannelPages       []byte
	MaxChildTimeout    uint32
	VendorName         string
	VendorModel        string
	VendorSwVersion    string
	VendorAppURL       string
	ThreadStackVersion string
	Version            uint16
}
