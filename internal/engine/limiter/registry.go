package limiter

import (
	"net/url"
	"sync"
)

// Registry maps host names to their shared backoff state. One Registry is
// owned by the download manager and handed to every item it runs.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]*Host
}

func NewRegistry() *Registry {
	return &Registry{hosts: make(map[string]*Host)}
}

// Get returns the state for host, creating it on first use.
func (r *Registry) Get(host string) *Host {
	r.mu.RLock()
	h, ok := r.hosts[host]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hosts[host]; ok {
		return h
	}
	h = newHost(host)
	r.hosts[host] = h
	return h
}

// ForURL returns the state for the host part of rawurl. Unparseable URLs
// share the "" entry.
func (r *Registry) ForURL(rawurl string) *Host {
	var host string
	if u, err := url.Parse(rawurl); err == nil {
		host = u.Hostname()
	}
	return r.Get(host)
}

// Len is the number of tracked hosts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hosts)
}
