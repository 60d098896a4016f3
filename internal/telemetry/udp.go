package telemetry

import (
	"encoding/json"
	"fmt"
	"net"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)

type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

func dialUDP(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
	return net.DialUDP(network, laddr, raddr)
}

// UDPSink sends each frame as one JSON datagram.
type UDPSink struct {
	dest string
	conn udpConn
}

func DialUDP(dest string) (*UDPSink, error) {
	return newUDPSink(dest, net.ResolveUDPAddr, dialUDP)
}

func newUDPSink(dest string, resolve resolveFunc, dial dialFunc) (*UDPSink, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &UDPSink{dest: dest, conn: conn}, nil
}

func (s *UDPSink) Name() string { return "udp:" + s.dest }

func (s *UDPSink) Send(r Readings) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return s.write(payload)
}

func (s *UDPSink) write(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := s.conn.Write(payload)
	return err
}

func (s *UDPSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
