package main

import (
	"fmt"
	"net"

	"github.com/nextmesh/relay/pkg/netaddr"
)

// udpSender is the production router.Sender / relaymanager.Sender: it
// writes datagrams out the same socket the receive loop reads from.
type udpSender struct {
	conn net.PacketConn
}

func (s udpSender) SendTo(addr netaddr.Address, payload []byte) error {
	_, err := s.conn.WriteTo(payload, addr.UDPAddr())
	if err != nil {
		return fmt.Errorf("udpsender: write to %s: %w", addr, err)
	}
	return nil
}
