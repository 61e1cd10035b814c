package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// AddrResolver maps a username to the UDP address its session registered.
type AddrResolver interface {
	UDPAddr(username string) (*net.UDPAddr, bool)
}

// UDPSink sends closedTrades datagrams to each owner's session address and
// threshold alerts to a multicast group.
type UDPSink struct {
	conn     *net.UDPConn
	group    *net.UDPAddr
	resolver AddrResolver
}

// NewUDPSink opens an ephemeral IPv4 socket. An empty group disables alerts.
func NewUDPSink(resolver AddrResolver, group string, ttl int) (*UDPSink, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("open udp socket: %w", err)
	}

	s := &UDPSink{conn: conn, resolver: resolver}
	if group != "" {
		s.group, err = net.ResolveUDPAddr("udp4", group)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("resolve multicast group %s: %w", group, err)
		}
		pc := ipv4.NewPacketConn(conn)
		if err := pc.SetMulticastTTL(ttl); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set multicast ttl: %w", err)
		}
		if err := pc.SetMulticastLoopback(true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set multicast loopback: %w", err)
		}
	}
	return s, nil
}

func (s *UDPSink) DeliverTrades(_ context.Context, owner string, msg ClosedTrades) error {
	addr, ok := s.resolver.UDPAddr(owner)
	if !ok {
		return nil
	}
	return s.send(msg, addr)
}

func (s *UDPSink) DeliverThreshold(_ context.Context, msg ThresholdReached) error {
	if s.group == nil {
		return nil
	}
	return s.send(msg, s.group)
}

func (s *UDPSink) Close() error { return s.conn.Close() }

func (s *UDPSink) send(v interface{}, addr *net.UDPAddr) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteToUDP(payload, addr); err != nil {
		return fmt.Errorf("udp send to %s: %w", addr, err)
	}
	return nil
}

var _ Sink = (*UDPSink)(nil)
