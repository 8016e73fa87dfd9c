package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Signal codes exchanged between mesh nodes. The numeric values are
// part of the external contract and must not change.
const (
	SignalDockRequest   uint16 = 0x01
	SignalDockApproved  uint16 = 0x02
	SignalDockRejected  uint16 = 0x03
	SignalHeartbeat     uint16 = 0x04
	SignalUndock        uint16 = 0x05
	SignalRelayRequest  uint16 = 0x50
	SignalRelayResponse uint16 = 0x51
	SignalRelayFailed   uint16 = 0x52
	SignalBufferFlush   uint16 = 0x53
	SignalBufferRetry   uint16 = 0x54
	SignalError         uint16 = 0xF0
	SignalPing          uint16 = 0xF1
	SignalPong          uint16 = 0xF2
	SignalShutdown      uint16 = 0xFF
)

// Version is the current framed-binary protocol version.
const Version uint16 = 0x0100

// legacyNames maps symbolic type names from the old text formats to
// signal codes. Unknown names map to 0x00, which the tumbler rejects.
var legacyNames = map[string]uint16{
	"DOCK_REQUEST":   SignalDockRequest,
	"DOCK_APPROVED":  SignalDockApproved,
	"DOCK_REJECTED":  SignalDockRejected,
	"HEARTBEAT":      SignalHeartbeat,
	"UNDOCK":         SignalUndock,
	"RELAY_REQUEST":  SignalRelayRequest,
	"RELAY_RESPONSE": SignalRelayResponse,
	"RELAY_FAILED":   SignalRelayFailed,
	"BUFFER_FLUSH":   SignalBufferFlush,
	"BUFFER_RETRY":   SignalBufferRetry,
	"ERROR":          SignalError,
	"PING":           SignalPing,
	"PONG":           SignalPong,
	"SHUTDOWN":       SignalShutdown,
}

// Message is a decoded datagram.
type Message struct {
	SignalType uint16
	Version    uint16
	Timestamp  int64 // unix seconds
	Payload    map[string]any
}

// Sender returns the sender name injected into the payload by the
// encoder, or "" if absent.
func (m *Message) Sender() string {
	if s, ok := m.Payload["sender"].(string); ok {
		return s
	}
	return ""
}

// ParseSignalCode parses a signal code from its config representation:
// "0x50" hex form or a bare decimal.
func ParseSignalCode(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	n, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return 0, fmt.Errorf("parse signal code %q: %w", s, err)
	}
	return uint16(n), nil
}

func legacyCode(v any) uint16 {
	switch t := v.(type) {
	case float64:
		return uint16(t)
	case string:
		if n, err := ParseSignalCode(t); err == nil && n > 0 {
			return n
		}
		return legacyNames[strings.ToUpper(t)]
	}
	return 0
}
