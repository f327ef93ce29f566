package preview

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// PortAllocator hands out ports from [base, base+count).
// It scans from a rotating cursor so a released port is not reused immediately.
type PortAllocator struct {
	mu     sync.Mutex
	base   int
	count  int
	cursor int
	used   map[int]string

	// probe reports whether a port can be bound. Ports held by foreign processes are skipped.
	probe func(port int) bool
}

// NewPortAllocator creates an allocator over count ports starting at base.
func NewPortAllocator(base, count int) *PortAllocator {
	return &PortAllocator{
		base:  base,
		count: count,
		used:  make(map[int]string),
		probe: canBind,
	}
}

// Allocate reserves a port for owner. The preferred port is used when it lies in
// the range and is free. Returns ErrResourceExhausted when every port is taken.
func (a *PortAllocator) Allocate(owner string, preferred int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inRange(preferred) && a.available(preferred) {
		a.used[preferred] = owner
		return preferred, nil
	}

	for i := 0; i < a.count; i++ {
		port := a.base + (a.cursor+i)%a.count
		if !a.available(port) {
			continue
		}
		a.used[port] = owner
		a.cursor = (port - a.base + 1) % a.count
		return port, nil
	}
	return 0, fmt.Errorf("%w: no free port in %d-%d", ErrResourceExhausted, a.base, a.base+a.count-1)
}

// Release returns a port to the pool.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	delete(a.used, port)
	a.mu.Unlock()
}

// InUse returns the number of reserved ports.
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

// Contains reports whether port belongs to the allocator's range.
func (a *PortAllocator) Contains(port int) bool {
	return a.inRange(port)
}

func (a *PortAllocator) inRange(port int) bool {
	return port >= a.base && port < a.base+a.count
}

func (a *PortAllocator) available(port int) bool {
	if _, taken := a.used[port]; taken {
		return false
	}
	return a.probe == nil || a.probe(port)
}

func canBind(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
