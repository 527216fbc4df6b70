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
)

// Generator appends one Response TLV built from info to a, the
// currently-being-built answer message. Generators are pluggable so a
// caller can override or add TLV types without touching the engine.
type Generator func(info *DeviceInfo, a codec.Appender) error

func defaultGenerators() map[uint8]Generator {
	return map[uint8]Generator{
		TLVExtMacAddress:      genExtMacAddress,
		TLVShortAddress:       genShortAddress,
		TLVMode:               genMode,
		TLVTimeout:            genTimeout,
		TLVConnectivity:       genConnectivity,
		TLVRoute:              genRoute,
		TLVLeaderData:         genLeaderData,
		TLVNetworkData:        genNetworkData,
		TLVIPv6AddressList:    genIPv6AddressList,
		TLVMACCounters:        genMACCounters,
		TLVMLECounters:        genMLECounters,
		TLVBatteryLevel:       genBatteryLevel,
		TLVSupplyVoltage:      genSupplyVoltage,
		TLVChildTable:         genChildTable,
		TLVChannelPages:       genChannelPages,
		TLVMaxChildTimeout:    genMaxChildTimeout,
		TLVVendorName:         genVendorName,
		TLVVendorModel:        genVendorModel,
		TLVVendorSwVersion:    genVendorSwVersion,
		TLVVendorAppURL:       genVendorAppURL,
		TLVThreadStackVersion: genThreadStackVersion,
		TLVVersion:            genVersion,
	}
}

func genExtMacAddress(info *DeviceInfo, a codec.Appender) error {
	return codec.AppendTLV(a, TLVExtMacAddress, info.ExtMacAddress[:])
}

func genShortAddress(info *DeviceInfo, a codec.Appender) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], info.ShortAddress)
	return codec.AppendTLV(a, TLVShortAddress, b[:])
}

func genMode(info *DeviceInfo, a codec.Appender) error {
	return codec.AppendTLV(a, TLVMode, []byte{info.Mode})
}

func genTimeout(info *DeviceInfo, a codec.Appender) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], info.Timeout)
	return codec.AppendTLV(a, TLVTimeout, b[:])
}

func genConnectivity(info *DeviceInfo, a codec.Appender) error {
	c := info.Connectivity
	b := []byte{
		byte(c.ParentPriority), c.LinkQuality3, c.LinkQuality2, c.LinkQuality1,
		c.LeaderCost, c.IDSequence, c.ActiveRouters,
		byte(c.SedBufferSize >> 8), byte(c.SedBufferSize),
		c.SedDatagramCount,
	}
	return codec.AppendTLV(a, TLVConnectivity, b)
}

func genRoute(info *DeviceInfo, a codec.Appender) error {
	r := info.Route
	b := make([]byte, 0, 9+3*len(r.Entries))
	b = append(b, r.IDSequence)
	var mask [8]byte
	binary.BigEndian.PutUint64(mask[:], r.RouterIDMask)
	b = append(b, mask[:]...)
	for _, e := range r.Entries {
		b = append(b, e.OutgoingLinkQuality, e.IncomingLinkQuality, e.RouteCost)
	}
	return codec.AppendTLV(a, TLVRoute, b)
}

func genLeaderData(info *DeviceInfo, a codec.Appender) error {
	ld := info.LeaderData
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], ld.PartitionID)
	b[4] = ld.Weighting
	b[5] = ld.DataVersion
	b[6] = ld.StableDataVersion
	b[7] = ld.LeaderRouterID
	return codec.AppendTLV(a, TLVLeaderData, b[:])
}

func genNetworkData(info *DeviceInfo, a codec.Appender) error {
	return codec.AppendTLV(a, TLVNetworkData, info.NetworkData)
}

func genIPv6AddressList(info *DeviceInfo, a codec.Appender) error {
	b := make([]byte, 0, 16*len(info.IPv6Addresses))
	for _, addr := range info.IPv6Addresses {
		b = append(b, addr[:]...)
	}
	return codec.AppendTLV(a, TLVIPv6AddressList, b)
}

func genMACCounters(info *DeviceInfo, a codec.Appender) error {
	c := info.MACCounters
	vals := []uint32{
		c.IfInUnknownProtos, c.IfInErrors, c.IfOutErrors, c.IfInUcastPkts,
		c.IfInBroadcastPkts, c.IfInDiscards, c.IfOutUcastPkts,
		c.IfOutBroadcastPkts, c.IfOutDiscards,
	}
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint32(b[i*4:], v)
	}
	return codec.AppendTLV(a, TLVMACCounters, b)
}

func genMLECounters(info *DeviceInfo, a codec.Appender) error {
	c := info.MLECounters
	vals := []uint16{
		c.DisabledRole, c.DetachedRole, c.ChildRole, c.RouterRole, c.LeaderRole,
		c.AttachAttempts, c.PartitionIDChanges, c.BetterPartitionAttachAttempts,
		c.ParentChanges,
	}
	b := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint16(b[i*2:], v)
	}
	return codec.AppendTLV(a, TLVMLECounters, b)
}

func genBatteryLevel(info *DeviceInfo, a codec.Appender) error {
	return codec.AppendTLV(a, TLVBatteryLevel, []byte{info.BatteryLevel})
}

func genSupplyVoltage(info *DeviceInfo, a codec.Appender) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], info.SupplyVoltageMilliV)
	return codec.AppendTLV(a, TLVSupplyVoltage, b[:])
}

func genChildTable(info *DeviceInfo, a codec.Appender) error {
	b := make([]byte, 0, 7*len(info.ChildTable))
	for _, c := range info.ChildTable {
		var entry [7]byte
		binary.BigEndian.PutUint32(entry[0:4], c.Timeout)
		binary.BigEndian.PutUint16(entry[4:6], c.RLOC16)
		entry[6] = c.Mode
		b = append(b, entry[:]...)
	}
	return codec.AppendTLV(a, TLVChildTable, b)
}

func genChannelPages(info *DeviceInfo, a codec.Appender) error {
	return codec.AppendTLV(a, TLVChannelPages, info.ChannelPages)
}

func genMaxChildTimeout(info *DeviceInfo, a codec.Appender) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], info.MaxChildTimeout)
	return codec.AppendTLV(a, TLVMaxChildTimeout, b[:])
}

func genVendorString(typ uint8, s string, a codec.Appender) error {
	b, err := codec.EncodeVendorString(s)
	if err != nil {
		return err
	}
	return codec.AppendTLV(a, typ, b)
}

func genVendorName(info *DeviceInfo, a codec.Appender) error {
	return genVendorString(TLVVendorName, info.VendorName, a)
}

func genVendorModel(info *DeviceInfo, a codec.Appender) error {
	return genVendorString(TLVVendorModel, info.VendorModel, a)
}

func genVendorSwVersion(info *DeviceInfo, a codec.Appender) error {
	return genVendorString(TLVVendorSwVersion, info.VendorSwVersion, a)
}

func genVendorAppURL(info *DeviceInfo, a codec.Appender) error {
	return genVendorString(TLVVendorAppURL, info.VendorAppURL, a)
}

func genThreadStackVersion(info *DeviceInfo, a codec.Appender) error {
	return codec.AppendTLV(a, TLVThreadStackVersion, []byte(info.ThreadStackVersion))
}

func genVersion(info *DeviceInfo, a codec.Appender) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], info.Version)
	return codec.AppendTLV(a, TLVVersion, b[:])
}
