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

package mqttsn

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv6"

	"github.com/threadmesh/agent/messaging"
)

// MulticastDiscovery is a messaging.Sender that broadcasts SEARCHGW onto an
// IPv6 multicast group, and feeds GWINFO/ADVERTISE replies it receives back
// into a Client via HandleInbound.
type MulticastDiscovery struct {
	pc    *ipv6.PacketConn
	group *net.UDPAddr
}

// JoinMulticastDiscovery binds conn (already listening on the gateway
// discovery port) to the ipv6 control-message layer and joins group on
// every up, multicast-capable interface.
func JoinMulticastDiscovery(conn net.PacketConn, group *net.UDPAddr) (*MulticastDiscovery, error) {
	pc := ipv6.NewPacketConn(conn)

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerating interfaces: %w", err)
	}
	joined := 0
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, group); err == nil {
			joined++
		}
	}
	if joined == 0 {
		return nil, fmt.Errorf("joined multicast group %s on no interface", group)
	}
	return &MulticastDiscovery{pc: pc, group: group}, nil
}

// SendTo implements messaging.Sender: peer is ignored, every send goes to
// the joined multicast group.
func (m *MulticastDiscovery) SendTo(_ messaging.Peer, b []byte) error {
	_, err := m.pc.WriteTo(b, nil, m.group)
	return err
}

// ReadLoop blocks reading discovery replies (GWINFO, ADVERTISE) and
// dispatches each to client.HandleInbound, stopping when Close is called on
// the underlying connection. Run on its own goroutine, the one deliberate
// exception the cooperative model otherwise avoids (mirroring
// dtlstransport.Transport.readLoop).
func (m *MulticastDiscovery) ReadLoop(client *Client, now func() int64) {
	buf := make([]byte, 512)
	for {
		n, _, _, err := m.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		client.HandleInbound(now(), append([]byte(nil), buf[:n]...))
	}
}

// Close leaves the multicast group and releases the connection.
func (m *MulticastDiscovery) Close() error {
	return m.pc.Close()
}
