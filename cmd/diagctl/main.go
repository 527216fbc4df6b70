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

// Command diagctl issues a single diagnostics query against a peer and
// prints the reassembled answer, optionally as JSON.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/threadmesh/agent/coap"
	"github.com/threadmesh/agent/diag"
	"github.com/threadmesh/agent/messaging"
	"github.com/threadmesh/agent/sched"
)

var (
	target       = flag.String("target", "", "Diagnostics peer address (host:port)")
	types        = flag.String("types", "short-address,mode,version", "Comma-separated TLV type names to query")
	asJSON       = flag.Bool("json", false, "Print the answer as JSON instead of a human-readable summary")
	jsonFilter   = flag.String("filter", "", "gjson path to extract from each answer's JSON before printing (implies -json)")
	confirmable  = flag.Bool("confirmable", true, "Use diag-get-request (unicast, confirmable) instead of diag-get-query")
	timeoutMilli = flag.Int64("timeout-ms", 5000, "Overall query timeout in milliseconds")
)

var typeNames = map[string]uint8{
	"ext-mac-address":      diag.TLVExtMacAddress,
	"short-address":        diag.TLVShortAddress,
	"mode":                 diag.TLVMode,
	"timeout":              diag.TLVTimeout,
	"connectivity":         diag.TLVConnectivity,
	"route":                diag.TLVRoute,
	"leader-data":          diag.TLVLeaderData,
	"network-data":         diag.TLVNetworkData,
	"ipv6-address-list":    diag.TLVIPv6AddressList,
	"mac-counters":         diag.TLVMACCounters,
	"mle-counters":         diag.TLVMLECounters,
	"battery-level":        diag.TLVBatteryLevel,
	"supply-voltage":       diag.TLVSupplyVoltage,
	"child-table":          diag.TLVChildTable,
	"channel-pages":        diag.TLVChannelPages,
	"max-child-timeout":    diag.TLVMaxChildTimeout,
	"vendor-name":          diag.TLVVendorName,
	"vendor-model":         diag.TLVVendorModel,
	"vendor-sw-version":    diag.TLVVendorSwVersion,
	"vendor-app-url":       diag.TLVVendorAppURL,
	"thread-stack-version": diag.TLVThreadStackVersion,
	"version":              diag.TLVVersion,
}

func main() {
	flag.Parse()
	if *target == "" {
		logrus.Panicf("-target is required")
	}

	var requestedTypes []uint8
	for _, name := range strings.Split(*types, ",") {
		name = strings.TrimSpace(name)
		typ, ok := typeNames[name]
		if !ok {
			logrus.Panicf("unknown TLV type name %q", name)
		}
		requestedTypes = append(requestedTypes, typ)
	}

	gwAddr, err := net.ResolveUDPAddr("udp", *target)
	if err != nil {
		logrus.WithError(err).Panicf("resolving %s", *target)
	}
	conn, err := net.DialUDP("udp", nil, gwAddr)
	if err != nil {
		logrus.WithError(err).Panicf("dialing %s", *target)
	}
	defer conn.Close()

	clock := sched.NewRealClock()
	scheduler := sched.NewScheduler(clock)
	agent := coap.NewAgent(connSender{conn})
	engine := diag.NewEngine(agent, scheduler, &diag.DeviceInfo{})

	peer := messaging.Peer{Addr: gwAddr.IP.String(), Port: gwAddr.Port}
	done := make(chan struct{})
	var fragments []*diag.ParsedAnswer
	err = engine.SendQuery(clock.NowMillis(), peer, *confirmable, requestedTypes, func(r diag.AnswerResult) {
		switch r.Status {
		case diag.StatusAccepted:
			fragments = append(fragments, r.Answer)
			if !r.Answer.Answer.MoreFollows {
				close(done)
			}
		default:
			close(done)
		}
	})
	if err != nil {
		logrus.WithError(err).Panicf("sending diagnostics query")
	}

	go readLoop(agent, conn)

	deadline := time.Now().Add(time.Duration(*timeoutMilli) * time.Millisecond)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			printAnswers(fragments)
			return
		case <-ticker.C:
			now := clock.NowMillis()
			scheduler.RunTick(now)
			agent.Tick(now)
			if time.Now().After(deadline) {
				fmt.Fprintln(os.Stderr, "diagnostics query timed out")
				os.Exit(1)
			}
		}
	}
}

func readLoop(agent *coap.Agent, conn *net.UDPConn) {
	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		agent.HandleInbound(messaging.Peer{}, append([]byte(nil), buf[:n]...))
	}
}

func printAnswers(fragments []*diag.ParsedAnswer) {
	for _, f := range fragments {
		if *asJSON || *jsonFilter != "" {
			b, err := diag.DumpAnswerJSON(f)
			if err != nil {
				logrus.WithError(err).Error("rendering answer JSON")
				continue
			}
			if *jsonFilter != "" {
				fmt.Println(gjson.GetBytes(b, *jsonFilter).String())
				continue
			}
			fmt.Println(string(b))
			continue
		}
		fmt.Printf("answer %d (more=%v): present=%v\n", f.Answer.Index, f.Answer.MoreFollows, f.Present)
	}
}

type connSender struct{ conn *net.UDPConn }

func (s connSender) SendTo(_ messaging.Peer, b []byte) error {
	_, err := s.conn.Write(b)
	return err
}
