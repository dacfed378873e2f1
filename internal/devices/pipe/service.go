package pipe

import (
	"fmt"
	"sort"
	"sync"
)

// Waker is the device-side handle a service uses to notify the guest about a
// pipe. Both methods are safe to call from any goroutine at any time,
// including synchronously from inside an Endpoint call.
type Waker interface {
	// Wake records the given wake bits for the pipe and raises the device
	// interrupt so the guest drains it.
	Wake(bits uint8)

	// CloseFromHost marks the pipe closed on the host side and wakes the
	// guest with WakeClosed. The guest still has to issue CmdClose to
	// release the channel.
	CloseFromHost()
}

// Endpoint is one open pipe as seen by its service backend. All calls are
// made from the thread driving guest instructions and must not block: a
// backend that cannot make progress returns StatusAgain and later reports
// readiness through the pipe's Waker.
//
// Send, Recv and Poll return device status values: a non-negative byte count
// on success or a negative Status code. Negative values are forwarded to the
// guest verbatim.
type Endpoint interface {
	// Send consumes guest-to-host data from buf.
	Send(buf []byte) int32

	// Recv fills buf with host-to-guest data.
	Recv(buf []byte) int32

	// Poll reports the current readiness bits (PollIn/PollOut/PollHup).
	Poll() int32

	// WakeOn tells the backend the full set of wake bits the guest is
	// currently interested in.
	WakeOn(bits uint8)

	// Close releases the backend resources for this pipe. The endpoint's
	// Waker stays valid during the call.
	Close()
}

// Service creates endpoints for newly opened pipes.
type Service interface {
	// Open binds a new pipe on the given channel. A nil endpoint with a
	// negative status rejects the open; the status is returned to the
	// guest unchanged.
	Open(channel uint64, w Waker) (Endpoint, int32)
}

// Opener is the open-dispatch hook a Device calls for CmdOpen. Which service
// variant serves an open request is decided outside the device core.
type Opener func(channel uint64, w Waker) (Endpoint, int32)

// Registry holds named service variants. Selection by name happens at device
// configuration time, not per open request.
type Registry struct {
	mu       sync.Mutex
	services map[string]Service
}

// NewRegistry returns an empty service registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Service)}
}

// Register adds a named service variant. Registering the same name twice is
// an error.
func (r *Registry) Register(name string, svc Service) error {
	if name == "" {
		return fmt.Errorf("pipe: service name is empty")
	}
	if svc == nil {
		return fmt.Errorf("pipe: service %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("pipe: service %q already registered", name)
	}
	r.services[name] = svc
	return nil
}

// Lookup returns the service registered under name.
func (r *Registry) Lookup(name string) (Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("pipe: unknown service %q", name)
	}
	return svc, nil
}

// Names returns the registered service names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Opener returns an Opener backed by the named service.
func (r *Registry) Opener(name string) (Opener, error) {
	svc, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return svc.Open, nil
}
