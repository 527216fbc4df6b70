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

// Command gateway runs a Thread border-router-facing agent: a CoAP/DTLS
// session serving diagnostics, plus an independent MQTT-SN uplink for
// publish/subscribe traffic. It dials out to the border router rather than
// listening, mirroring how a constrained device reaches its single upstream
// peer.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/threadmesh/agent/coap"
	"github.com/threadmesh/agent/diag"
	"github.com/threadmesh/agent/dtlstransport"
	"github.com/threadmesh/agent/logging"
	"github.com/threadmesh/agent/messaging"
	"github.com/threadmesh/agent/mqttsn"
	"github.com/threadmesh/agent/sched"
)

var (
	remoteAddr   = flag.String("remote", "", "The border router's CoAP/DTLS address (host:port)")
	pskIdentity  = flag.String("psk-identity", "", "DTLS PSK identity hint")
	pskKeyHex    = flag.String("psk-key", "", "DTLS PSK key, hex-encoded")
	mqttsnAddr   = flag.String("mqttsn-bind", ":10000", "Local UDP address for the MQTT-SN uplink (SO_REUSEPORT)")
	mqttsnGW     = flag.String("mqttsn-gateway", "", "MQTT-SN gateway address (host:port)")
	clientID     = flag.String("client-id", "thread-agent", "MQTT-SN client id")
	keepalive    = flag.Int("keepalive", 60, "MQTT-SN keepalive in seconds")
	vendorName   = flag.String("vendor-name", "Acme", "Vendor name reported by the diagnostics engine")
	vendorModel  = flag.String("vendor-model", "Thread Gateway", "Vendor model reported by the diagnostics engine")
)

func main() {
	flag.Parse()
	log := logging.NewLogrus(nil)

	if *remoteAddr == "" {
		logrus.Panicf("-remote is required")
	}
	pskKey, err := hex.DecodeString(*pskKeyHex)
	if err != nil {
		logrus.WithError(err).Panicf("invalid -psk-key")
	}

	clock := sched.NewRealClock()
	scheduler := sched.NewScheduler(clock)

	udpConn, err := net.Dial("udp", *remoteAddr)
	if err != nil {
		logrus.WithError(err).Panicf("dialing %s", *remoteAddr)
	}
	remotePeer := messaging.Peer{Addr: udpConn.RemoteAddr().(*net.UDPAddr).IP.String(), Port: udpConn.RemoteAddr().(*net.UDPAddr).Port}

	agent := coap.NewAgent(udpSender{udpConn}, coap.WithLogger(log))
	transport := dtlstransport.New(agent, dtlstransport.WithLogger(log))

	info := &diag.DeviceInfo{VendorName: *vendorName, VendorModel: *vendorModel}
	diag.NewEngine(agent, scheduler, info, diag.WithLogger(log))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	creds := dtlstransport.Credentials{
		Mode:        dtlstransport.CredentialPSK,
		PSKIdentity: []byte(*pskIdentity),
		PSKKey:      pskKey,
	}
	if err := transport.Connect(ctx, udpConn, remotePeer, creds); err != nil {
		logrus.WithError(err).Panicf("DTLS handshake with %s", *remoteAddr)
	}
	logrus.Infof("DTLS session established with %s", *remoteAddr)

	var mqClient *mqttsn.Client
	if *mqttsnGW != "" {
		mqConn, err := listenReusePort(*mqttsnAddr)
		if err != nil {
			logrus.WithError(err).Panicf("binding MQTT-SN socket %s", *mqttsnAddr)
		}
		gwAddr, err := net.ResolveUDPAddr("udp", *mqttsnGW)
		if err != nil {
			logrus.WithError(err).Panicf("resolving MQTT-SN gateway %s", *mqttsnGW)
		}
		gwPeer := messaging.Peer{Addr: gwAddr.IP.String(), Port: gwAddr.Port}
		mqClient = mqttsn.NewClient(udpPacketSender{mqConn}, gwPeer, *clientID, *keepalive,
			mqttsn.WithLogger(log),
			mqttsn.WithConnectCallback(func(rc mqttsn.ReturnCode) {
				logrus.Infof("MQTT-SN CONNECT result: %v", rc)
			}),
		)
		go mqttsnReadLoop(mqClient, mqConn, gwAddr)
		if err := mqClient.Connect(clock.NowMillis(), true); err != nil {
			logrus.WithError(err).Error("MQTT-SN connect")
		}
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			now := clock.NowMillis()
			scheduler.RunTick(now)
			agent.Tick(now)
			if mqClient != nil {
				mqClient.Tick(now)
			}
		case <-sigCh:
			logrus.Infof("shutting down")
			if mqClient != nil && mqClient.State() == mqttsn.Active {
				_ = mqClient.Disconnect(clock.NowMillis(), 0)
			}
			_ = transport.Disconnect()
			return
		}
	}
}

// udpSender adapts a connected *net.UDPConn (a single fixed peer) to
// messaging.Sender for the DTLS-wrapped CoAP agent. The interceptor installed
// by dtlstransport.New queues or writes every outbound datagram itself, so
// once it is installed the agent never calls this sender.
type udpSender struct{ conn net.Conn }

func (s udpSender) SendTo(_ messaging.Peer, b []byte) error {
	_, err := s.conn.Write(b)
	return err
}

// udpPacketSender adapts a *net.UDPConn bound for multiple peers (MQTT-SN's
// plaintext uplink) to messaging.Sender.
type udpPacketSender struct{ conn *net.UDPConn }

func (s udpPacketSender) SendTo(peer messaging.Peer, b []byte) error {
	_, err := s.conn.WriteToUDP(b, &net.UDPAddr{IP: net.ParseIP(peer.Addr), Port: peer.Port})
	return err
}

func mqttsnReadLoop(c *mqttsn.Client, conn *net.UDPConn, gw *net.UDPAddr) {
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		c.HandleInbound(time.Now().UnixMilli(), append([]byte(nil), buf[:n]...))
		_ = gw
	}
}

// listenReusePort binds addr with SO_REUSEPORT set, so multiple gateway
// instances can share the same MQTT-SN uplink port for load distribution.
func listenReusePort(addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
