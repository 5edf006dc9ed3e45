// Package ports hands out loopback TCP ports for backend instances.
package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrExhausted is returned when every port in the range is reserved or busy.
var ErrExhausted = errors.New("no free port in range")

// ProbeFunc reports whether a port can currently be bound.
type ProbeFunc func(port int) bool

// Allocator reserves ports in [base, max]. A port stays reserved from
// Allocate until Release, whether or not its owner ever bound it.
type Allocator struct {
	mu       sync.Mutex
	base     int
	max      int
	reserved map[int]string
	probe    ProbeFunc
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithProbe replaces the OS bind check. A nil probe skips it.
func WithProbe(p ProbeFunc) Option {
	return func(a *Allocator) { a.probe = p }
}

// NewAllocator creates an allocator for the inclusive range [base, max].
func NewAllocator(base, max int, opts ...Option) *Allocator {
	a := &Allocator{
		base:     base,
		max:      max,
		reserved: make(map[int]string),
		probe:    CanBind,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate reserves the lowest free port for owner.
func (a *Allocator) Allocate(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.base; port <= a.max; port++ {
		if _, taken := a.reserved[port]; taken {
			continue
		}
		if a.probe != nil && !a.probe(port) {
			continue
		}
		a.reserved[port] = owner
		return port, nil
	}
	return 0, fmt.Errorf("%w %d-%d", ErrExhausted, a.base, a.max)
}

// Release frees a reservation. Releasing an unreserved port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// Owner returns the owner holding port.
func (a *Allocator) Owner(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.reserved[port]
	return owner, ok
}

// Reserved returns the number of ports currently held.
func (a *Allocator) Reserved() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reserved)
}

// CanBind reports whether 127.0.0.1:port is free at the OS level.
func CanBind(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
