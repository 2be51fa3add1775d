package infra

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Passphrase holds the launch passphrase outside the Go heap.
// The backing memory is an anonymous mmap region, locked against swapping where the
// OS allows it, excluded from core dumps on Linux, and zeroed on Close.
// It is the only copy the launcher keeps; children receive it over their stdin pipes.
type Passphrase struct {
	mu     sync.Mutex
	data   []byte
	length int
	locked bool
	closed bool
}

// NewPassphrase copies source into a protected region and zeroes source in place.
// An empty passphrase is valid.
func NewPassphrase(source []byte) (*Passphrase, error) {
	// mmap needs a non-zero length; one page covers any realistic passphrase
	size := unix.Getpagesize()
	for size < len(source) {
		size += unix.Getpagesize()
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("passphrase: mmap failed: %w", err)
	}

	// RLIMIT_MEMLOCK can be tiny in containers; an unlocked buffer is still zeroed on close
	locked := unix.Mlock(data) == nil
	excludeFromCoreDump(data)

	copy(data, source)
	for i := range source {
		source[i] = 0
	}

	return &Passphrase{data: data, length: len(source), locked: locked}, nil
}

// Bytes returns the passphrase. The slice points into the protected region and must
// not be retained. Panics after Close.
func (p *Passphrase) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		panic("passphrase: read from closed buffer")
	}
	return p.data[:p.length]
}

// Len returns the passphrase length.
func (p *Passphrase) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.length
}

// Locked reports whether the region is locked into RAM.
func (p *Passphrase) Locked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locked
}

// Close zeroes, unlocks and unmaps the buffer. Close is idempotent.
func (p *Passphrase) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	for i := range p.data {
		p.data[i] = 0
	}

	var firstErr error
	if p.locked {
		if err := unix.Munlock(p.data); err != nil {
			firstErr = fmt.Errorf("passphrase: munlock failed: %w", err)
		}
	}
	if err := unix.Munmap(p.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("passphrase: munmap failed: %w", err)
	}
	p.data = nil
	return firstErr
}
