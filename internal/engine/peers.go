package engine

import (
	"net"
	"strconv"
	"sync"
)

// PeerMap is the read-mostly name → port table. Peers resolve to
// loopback in the default deployment; hot reload swaps the whole map.
type PeerMap struct {
	mu    sync.RWMutex
	ports map[string]int
	host  string
}

func NewPeerMap(ports map[string]int) *PeerMap {
	p := &PeerMap{host: "127.0.0.1"}
	p.Replace(ports)
	return p
}

// Replace swaps in a new port table (config reload).
func (p *PeerMap) Replace(ports map[string]int) {
	cp := make(map[string]int, len(ports))
	for k, v := range ports {
		cp[k] = v
	}
	p.mu.Lock()
	p.ports = cp
	p.mu.Unlock()
}

// Resolve returns the peer's datagram address, or false if the name
// has no port mapping.
func (p *PeerMap) Resolve(name string) (string, bool) {
	p.mu.RLock()
	port, ok := p.ports[name]
	p.mu.RUnlock()
	if !ok {
		return "", false
	}
	return net.JoinHostPort(p.host, strconv.Itoa(port)), true
}

// Names returns every known peer name.
func (p *PeerMap) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.ports))
	for name := range p.ports {
		names = append(names, name)
	}
	return names
}
