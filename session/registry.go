package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/migadu/popsync/consts"
)

type ReceiveFactory func() ReceiveSession
type SendFactory func() SendSession

// Registry maps protocol names to session factories.
type Registry struct {
	mu      sync.RWMutex
	receive map[string]ReceiveFactory
	send    map[string]SendFactory
}

func NewRegistry() *Registry {
	return &Registry{
		receive: make(map[string]ReceiveFactory),
		send:    make(map[string]SendFactory),
	}
}

func key(protocol string) string {
	return strings.ToLower(strings.TrimSpace(protocol))
}

// RegisterReceive adds a receive backend. Registering a name twice is an error.
func (r *Registry) RegisterReceive(protocol string, f ReceiveFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(protocol)
	if _, exists := r.receive[k]; exists {
		return fmt.Errorf("receive session %q already registered", protocol)
	}
	r.receive[k] = f
	return nil
}

// RegisterSend adds a send backend. Registering a name twice is an error.
func (r *Registry) RegisterSend(protocol string, f SendFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(protocol)
	if _, exists := r.send[k]; exists {
		return fmt.Errorf("send session %q already registered", protocol)
	}
	r.send[k] = f
	return nil
}

// NewReceiveSession creates a receive session for protocol.
func (r *Registry) NewReceiveSession(protocol string) (ReceiveSession, error) {
	r.mu.RLock()
	f, ok := r.receive[key(protocol)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", consts.ErrUnknownProtocol, protocol)
	}
	return f(), nil
}

// NewSendSession creates a send session for protocol.
func (r *Registry) NewSendSession(protocol string) (SendSession, error) {
	r.mu.RLock()
	f, ok := r.send[key(protocol)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", consts.ErrUnknownProtocol, protocol)
	}
	return f(), nil
}

// Protocols lists the registered receive protocols.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.receive))
	for k := range r.receive {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
