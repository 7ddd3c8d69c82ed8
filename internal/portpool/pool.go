// Package portpool manages the range of TCP ports handed to deployed apps.
package portpool

import (
	"fmt"
	"net"
	"sync"
)

// ErrExhausted is returned when no bindable port remains in the pool.
var ErrExhausted = fmt.Errorf("port pool exhausted")

// Pool tracks free ports in the half-open range [start, end). A checkout
// verifies the port is actually bindable on the host; ports that fail the
// probe are discarded so a later release cannot resurrect them.
type Pool struct {
	mu    sync.Mutex
	start int
	end   int
	free  map[int]struct{}

	// probe is swappable for tests.
	probe func(port int) bool
}

// New creates a pool covering [start, end).
func New(start, end int) (*Pool, error) {
	if start <= 0 || end <= start {
		return nil, fmt.Errorf("invalid port range [%d, %d)", start, end)
	}
	free := make(map[int]struct{}, end-start)
	for p := start; p < end; p++ {
		free[p] = struct{}{}
	}
	return &Pool{start: start, end: end, free: free, probe: bindProbe}, nil
}

// Checkout removes and returns a free port that passed a bind probe.
// Ports found busy by the probe are dropped from the pool entirely.
func (p *Pool) Checkout() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.start; port < p.end; port++ {
		if _, ok := p.free[port]; !ok {
			continue
		}
		delete(p.free, port)
		if p.probe(port) {
			return port, nil
		}
		// Busy on the host although our books said free: discard.
	}
	return 0, ErrExhausted
}

// Release returns a port to the pool. Ports outside the configured range
// are ignored so stale metadata cannot widen the pool.
func (p *Pool) Release(port int) {
	if port < p.start || port >= p.end {
		return
	}
	p.mu.Lock()
	p.free[port] = struct{}{}
	p.mu.Unlock()
}

// Remove takes a specific port out of the pool without a probe. Used at
// startup to account for apps already running on recorded ports.
func (p *Pool) Remove(port int) {
	p.mu.Lock()
	delete(p.free, port)
	p.mu.Unlock()
}

// Free returns the number of ports currently available.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Probe reports whether a port is currently bindable on this host.
func Probe(port int) bool {
	return bindProbe(port)
}

func bindProbe(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
