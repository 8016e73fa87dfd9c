package node

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/time/rate"

	"github.com/synapse-mesh/synapse-relay/internal/logger"
	"github.com/synapse-mesh/synapse-relay/internal/metrics"
	"github.com/synapse-mesh/synapse-relay/internal/protocol"
)

const maxDatagram = 64 * 1024

// Options tune the read loop. Zero values pick the defaults.
type Options struct {
	RatePerSec float64 // inbound datagram budget, default 500/s
	Burst      int     // default 1000
}

// Node owns the UDP socket. Decode, tumble, and dispatch run inline on
// the read loop; handler work that fans out is concurrent downstream.
type Node struct {
	conn     *net.UDPConn
	tumbler  *protocol.Tumbler
	handlers *Handlers
	limiter  *rate.Limiter
}

// Listen binds the UDP socket. Port 0 picks an ephemeral port.
func Listen(port int, tum *protocol.Tumbler, h *Handlers, opts Options) (*Node, error) {
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 500
	}
	if opts.Burst <= 0 {
		opts.Burst = 1000
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen udp :%d: %w", port, err)
	}
	return &Node{
		conn:     conn,
		tumbler:  tum,
		handlers: h,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
	}, nil
}

// Addr returns the bound address.
func (n *Node) Addr() *net.UDPAddr {
	return n.conn.LocalAddr().(*net.UDPAddr)
}

// Run reads datagrams until ctx is done. Malformed, stale, and
// over-budget datagrams are counted and dropped, never propagated.
func (n *Node) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		n.conn.Close()
	}()
	logger.Info("listening for signals", "addr", n.Addr().String())

	buf := make([]byte, maxDatagram)
	for {
		size, from, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("udp read: %w", err)
		}
		metrics.DatagramsReceived.Inc()

		if !n.limiter.Allow() {
			metrics.DatagramsDropped.WithLabelValues("ratelimit").Inc()
			continue
		}

		data := make([]byte, size)
		copy(data, buf[:size])

		m := protocol.Decode(data)
		if m == nil {
			metrics.DatagramsDropped.WithLabelValues("decode").Inc()
			logger.Error("undecodable datagram dropped", "from", from.String(), "size", size)
			continue
		}
		if !n.tumbler.Accept(m) {
			metrics.DatagramsDropped.WithLabelValues("tumbler").Inc()
			logger.Error("datagram rejected by tumbler", "from", from.String(), "signal_type", m.SignalType)
			continue
		}
		n.handlers.Handle(m)
	}
}
