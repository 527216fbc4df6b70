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
	"encoding/hex"
	"fmt"

	"github.com/tidwall/sjson"
)

// DumpAnswerJSON renders a parsed diagnostic answer as JSON, built up one
// path-set call at a time the way cmd/proxy patches a JSON body field by
// field with sjson.SetBytes, rather than via a single json.Marshal of the
// whole struct: only TLVs actually present in the fragment are written.
func DumpAnswerJSON(p *ParsedAnswer) ([]byte, error) {
	b := []byte("{}")
	var err error
	set := func(path string, v interface{}) {
		if err != nil {
			return
		}
		b, err = sjson.SetBytes(b, path, v)
	}

	if p.HasQueryID {
		set("query_id", p.QueryID)
	}
	set("answer.index", p.Answer.Index)
	set("answer.more_follows", p.Answer.MoreFollows)

	if p.Present[TLVExtMacAddress] {
		set("ext_mac_address", hex.EncodeToString(p.ExtMacAddress[:]))
	}
	if p.Present[TLVShortAddress] {
		set("short_address", p.ShortAddress)
	}
	if p.Present[TLVMode] {
		set("mode", p.Mode)
	}
	if p.Present[TLVTimeout] {
		set("timeout", p.Timeout)
	}
	if p.Present[TLVConnectivity] {
		set("connectivity.parent_priority", p.Connectivity.ParentPriority)
		set("connectivity.link_quality_3", p.Connectivity.LinkQuality3)
		set("connectivity.link_quality_2", p.Connectivity.LinkQuality2)
		set("connectivity.link_quality_1", p.Connectivity.LinkQuality1)
		set("connectivity.leader_cost", p.Connectivity.LeaderCost)
		set("connectivity.id_sequence", p.Connectivity.IDSequence)
		set("connectivity.active_routers", p.Connectivity.ActiveRouters)
	}
	if p.Present[TLVLeaderData] {
		set("leader_data.partition_id", p.LeaderData.PartitionID)
		set("leader_data.weighting", p.LeaderData.Weighting)
		set("leader_data.leader_router_id", p.LeaderData.LeaderRouterID)
	}
	if p.Present[TLVIPv6AddressList] {
		addrs := make([]string, len(p.IPv6Addresses))
		for i, a := range p.IPv6Addresses {
			addrs[i] = hex.EncodeToString(a[:])
		}
		set("ipv6_addresses", addrs)
	}
	if p.Present[TLVMACCounters] {
		set("mac_counters.if_in_unknown_protos", p.MACCounters.IfInUnknownProtos)
		set("mac_counters.if_in_errors", p.MACCounters.IfInErrors)
		set("mac_counters.if_out_errors", p.MACCounters.IfOutErrors)
	}
	if p.Present[TLVBatteryLevel] {
		set("battery_level", p.BatteryLevel)
	}
	if p.Present[TLVSupplyVoltage] {
		set("supply_voltage_mv", p.SupplyVoltageMilliV)
	}
	if p.Present[TLVMaxChildTimeout] {
		set("max_child_timeout", p.MaxChildTimeout)
	}
	if p.Present[TLVVendorName] {
		set("vendor.name", p.VendorName)
	}
	if p.Present[TLVVendorModel] {
		set("vendor.model", p.VendorModel)
	}
	if p.Present[TLVVendorSwVersion] {
		set("vendor.sw_version", p.VendorSwVersion)
	}
	if p.Present[TLVVendorAppURL] {
		set("vendor.app_url", p.VendorAppURL)
	}
	if p.Present[TLVThreadStackVersion] {
		set("thread_stack_version", p.ThreadStackVersion)
	}
	if p.Present[TLVVersion] {
		set("version", p.Version)
	}

	if err != nil {
		return nil, fmt.Errorf("building answer JSON: %w", err)
	}
	return b, nil
}
