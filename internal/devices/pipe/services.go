package pipe

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Built-in test/loopback services. These are the host-side counterparts of
// the guest-visible services the original device family registers at device
// realize time: a null sink/source, a loopback echo, and a rate-limited
// loopback that exercises the asynchronous wake path.

// ZeroService discards everything the guest sends and supplies zero bytes on
// demand. It is always ready in both directions.
type ZeroService struct{}

// Open implements Service.
func (ZeroService) Open(channel uint64, w Waker) (Endpoint, int32) {
	return zeroEndpoint{}, 0
}

type zeroEndpoint struct{}

func (zeroEndpoint) Send(buf []byte) int32 { return int32(len(buf)) }

func (zeroEndpoint) Recv(buf []byte) int32 {
	for i := range buf {
		buf[i] = 0
	}
	return int32(len(buf))
}

func (zeroEndpoint) Poll() int32 { return PollIn | PollOut }

func (zeroEndpoint) WakeOn(bits uint8) {}

func (zeroEndpoint) Close() {}

// PingPongService echoes guest data back to the guest through an unbounded
// internal buffer.
type PingPongService struct{}

// Open implements Service.
func (PingPongService) Open(channel uint64, w Waker) (Endpoint, int32) {
	return &pingPongEndpoint{waker: w}, 0
}

type pingPongEndpoint struct {
	waker Waker

	mu    sync.Mutex
	data  []byte
	armed uint8
}

func (e *pingPongEndpoint) Send(buf []byte) int32 {
	e.mu.Lock()
	e.data = append(e.data, buf...)
	wake := len(buf) > 0 && e.armed&WakeRead != 0
	if wake {
		e.armed &^= WakeRead
	}
	e.mu.Unlock()

	if wake {
		e.waker.Wake(WakeRead)
	}
	return int32(len(buf))
}

func (e *pingPongEndpoint) Recv(buf []byte) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.data) == 0 {
		return StatusAgain
	}
	n := copy(buf, e.data)
	e.data = e.data[n:]
	return int32(n)
}

func (e *pingPongEndpoint) Poll() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ready := PollOut
	if len(e.data) > 0 {
		ready |= PollIn
	}
	return ready
}

func (e *pingPongEndpoint) WakeOn(bits uint8) {
	e.mu.Lock()
	e.armed |= bits
	wake := e.armed&WakeRead != 0 && len(e.data) > 0
	if wake {
		e.armed &^= WakeRead
	}
	e.mu.Unlock()

	// Data was already buffered when read interest arrived.
	if wake {
		e.waker.Wake(WakeRead)
	}
}

func (e *pingPongEndpoint) Close() {
	e.mu.Lock()
	e.data = nil
	e.mu.Unlock()
}

// ThrottleService is PingPongService with a byte-rate budget on the send
// side. A send that exceeds the budget fails with StatusAgain and the
// write-ready wake is delivered asynchronously once the budget recovers,
// exercising the same backend-thread wake path a real transport uses.
type ThrottleService struct {
	// BytesPerSec is the sustained send budget. Zero disables throttling.
	BytesPerSec int
	// Burst is the burst allowance in bytes. Defaults to BytesPerSec.
	Burst int
}

// Open implements Service.
func (s ThrottleService) Open(channel uint64, w Waker) (Endpoint, int32) {
	burst := s.Burst
	if burst <= 0 {
		burst = s.BytesPerSec
	}
	ep := &throttleEndpoint{
		pingPongEndpoint: pingPongEndpoint{waker: w},
	}
	if s.BytesPerSec > 0 {
		ep.limiter = rate.NewLimiter(rate.Limit(s.BytesPerSec), burst)
	}
	return ep, 0
}

type throttleEndpoint struct {
	pingPongEndpoint

	limiter *rate.Limiter

	timerMu sync.Mutex
	timer   *time.Timer
}

func (e *throttleEndpoint) Send(buf []byte) int32 {
	if e.limiter != nil && len(buf) > 0 {
		res := e.limiter.ReserveN(time.Now(), len(buf))
		if !res.OK() {
			// Request larger than the burst can ever allow.
			return StatusInval
		}
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			e.scheduleWriteWake(delay)
			return StatusAgain
		}
	}
	return e.pingPongEndpoint.Send(buf)
}

func (e *throttleEndpoint) scheduleWriteWake(delay time.Duration) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(delay, func() {
		e.waker.Wake(WakeWrite)
	})
}

func (e *throttleEndpoint) Close() {
	e.timerMu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerMu.Unlock()
	e.pingPongEndpoint.Close()
}

// RegisterBuiltinServices adds the built-in service variants to a registry
// under their conventional names.
func RegisterBuiltinServices(r *Registry) error {
	if err := r.Register("zero", ZeroService{}); err != nil {
		return err
	}
	if err := r.Register("pingpong", PingPongService{}); err != nil {
		return err
	}
	return r.Register("throttle", ThrottleService{BytesPerSec: 64 * 1024})
}

var (
	_ Service  = ZeroService{}
	_ Service  = PingPongService{}
	_ Service  = ThrottleService{}
	_ Endpoint = zeroEndpoint{}
	_ Endpoint = (*pingPongEndpoint)(nil)
	_ Endpoint = (*throttleEndpoint)(nil)
)
