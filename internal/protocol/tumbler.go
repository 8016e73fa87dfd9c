package protocol

import (
	"time"

	"github.com/synapse-mesh/synapse-relay/internal/logger"
)

// Freshness bounds for inbound messages.
const (
	maxSkew   = 300_000 * time.Millisecond // total drift either way
	maxFuture = 60_000 * time.Millisecond  // far-future cutoff
)

// Tumbler is the inbound admission filter: a signal-type whitelist and
// a freshness window. The peer whitelist is advisory only: unknown
// senders are accepted so that heartbeats from new nodes are welcomed
// before the operator adds them to the config.
type Tumbler struct {
	allowed map[uint16]bool
	peers   map[string]bool
	now     func() time.Time
}

// NewTumbler builds a tumbler from config values. Signal codes are the
// hex-string forms from the config file ("0x50"); unparseable entries
// are skipped with a warning.
func NewTumbler(incoming []string, peers []string) *Tumbler {
	t := &Tumbler{
		allowed: make(map[uint16]bool, len(incoming)),
		peers:   make(map[string]bool, len(peers)),
		now:     time.Now,
	}
	for _, s := range incoming {
		code, err := ParseSignalCode(s)
		if err != nil {
			logger.Warn("tumbler: bad signal code in config", "value", s, "error", err)
			continue
		}
		t.allowed[code] = true
	}
	for _, p := range peers {
		t.peers[p] = true
	}
	return t
}

// Accept reports whether the message passes admission. Rejections are
// logged and otherwise silent; the caller drops the datagram.
func (t *Tumbler) Accept(m *Message) bool {
	if m == nil || m.SignalType == 0 {
		return false
	}
	if len(t.allowed) > 0 && !t.allowed[m.SignalType] {
		logger.Error("tumbler: signal type not whitelisted", "signal_type", m.SignalType)
		return false
	}

	now := t.now()
	msgTime := time.UnixMilli(m.Timestamp * 1000)
	age := now.Sub(msgTime)
	if age < 0 {
		age = -age
	}
	if age > maxSkew {
		logger.Error("tumbler: stale message", "signal_type", m.SignalType, "timestamp", m.Timestamp)
		return false
	}
	if msgTime.Sub(now) > maxFuture {
		logger.Error("tumbler: message from the future", "signal_type", m.SignalType, "timestamp", m.Timestamp)
		return false
	}

	if sender := m.Sender(); sender != "" && len(t.peers) > 0 && !t.peers[sender] {
		// Advisory only: note the unknown sender but let it through.
		logger.Debug("tumbler: sender not in peer list", "sender", sender)
	}
	return true
}
