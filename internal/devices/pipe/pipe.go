package pipe

import "sync"

// Pipe is one open channel between the guest and a host service backend.
//
// wanted and closed are touched both by the guest-driven command path and by
// service goroutines delivering wakes, so they live under the pipe's own
// lock, independent of the device lock. queued is drain bookkeeping owned by
// the device and guarded by the device's wake lock.
type Pipe struct {
	channel  uint64
	endpoint Endpoint

	mu     sync.Mutex
	wanted uint8
	closed bool

	// queued reports whether the pipe currently sits in the device's
	// ready queue. Guarded by Device.mu.
	queued bool
}

// Channel returns the guest-chosen 64-bit channel id.
func (p *Pipe) Channel() uint64 { return p.channel }

// setWanted ORs bits into the wake-interest mask and reports whether the
// host has already closed the pipe.
func (p *Pipe) setWanted(bits uint8) (closed bool) {
	p.mu.Lock()
	p.wanted |= bits
	closed = p.closed
	p.mu.Unlock()
	return closed
}

// takeWanted returns the pending wake bits and clears them.
func (p *Pipe) takeWanted() uint8 {
	p.mu.Lock()
	bits := p.wanted
	p.wanted = 0
	p.mu.Unlock()
	return bits
}

// hasWanted reports whether any wake bits are pending.
func (p *Pipe) hasWanted() bool {
	p.mu.Lock()
	pending := p.wanted != 0
	p.mu.Unlock()
	return pending
}

// markClosed sets the host-closed flag and reports whether this call was the
// one that closed the pipe.
func (p *Pipe) markClosed() bool {
	p.mu.Lock()
	was := p.closed
	p.closed = true
	p.mu.Unlock()
	return !was
}

// isClosed reports whether the host has closed the pipe.
func (p *Pipe) isClosed() bool {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	return closed
}

// pipeWaker binds a pipe to its device as the service-facing Waker.
type pipeWaker struct {
	dev  *Device
	pipe *Pipe
}

func (w pipeWaker) Wake(bits uint8) { w.dev.signalWake(w.pipe, bits) }

func (w pipeWaker) CloseFromHost() { w.dev.closeFromHost(w.pipe) }

var _ Waker = pipeWaker{}
