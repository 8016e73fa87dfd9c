package engine

import (
	"fmt"
	"net"
)

// Sender pushes one encoded datagram at a resolved address. The
// default deployment is plain UDP; tests substitute their own.
type Sender interface {
	Send(addr string, data []byte) error
}

// UDPSender is the production sender: one connected socket per send.
// Datagrams are fire-and-forget; a successful OS-level write counts
// as "reached".
type UDPSender struct{}

func (UDPSender) Send(addr string, data []byte) error {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}
