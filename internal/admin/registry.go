package admin

import (
	"net"
	"sort"
	"sync"

	"github.com/danmuck/racefwd/internal/forwarder"
)

// Source is one forwarder exposed over HTTP.
type Source interface {
	Protocol() string
	Addr() net.Addr
	State() forwarder.State
	Devices() []forwarder.Device
}

// Registry stores sources by protocol name.
type Registry struct {
	mu   sync.RWMutex
	repo map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{repo: make(map[string]Source)}
}

// Register adds src under its protocol name, replacing any previous one.
func (r *Registry) Register(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repo[src.Protocol()] = src
}

func (r *Registry) Get(protocol string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.repo[protocol]
	return src, ok
}

// All returns sources sorted by protocol name.
func (r *Registry) All() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.repo))
	for _, src := range r.repo {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Protocol() < out[j].Protocol() })
	return out
}
