package pipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSingleWakeDrain(t *testing.T) {
	h := newHarness(t)
	h.open(0x1)

	h.svc.endpoint(0x1).waker.Wake(WakeRead)
	require.True(t, h.irq.Level())

	assert.Equal(t, uint32(0x1), h.readReg(RegChannel))
	assert.Equal(t, uint32(WakeRead), h.readReg(RegWakes))

	// No new wakes: the drain is exhausted and the interrupt drops.
	assert.Equal(t, uint32(0), h.readReg(RegChannel))
	assert.False(t, h.irq.Level())
}

func TestWakeBitsAccumulate(t *testing.T) {
	h := newHarness(t)
	h.open(0x1)
	waker := h.svc.endpoint(0x1).waker

	waker.Wake(WakeRead)
	waker.Wake(WakeWrite)

	assert.Equal(t, uint32(0x1), h.readReg(RegChannel))
	assert.Equal(t, uint32(WakeRead|WakeWrite), h.readReg(RegWakes))
	assert.Equal(t, uint32(0), h.readReg(RegChannel))
	assert.False(t, h.irq.Level())
}

func TestConcurrentWakesDrainExactlyOnce(t *testing.T) {
	h := newHarness(t)

	const numChannels = 64
	for ch := uint64(1); ch <= numChannels; ch++ {
		h.open(ch)
	}

	var g errgroup.Group
	for ch := uint64(1); ch <= numChannels; ch++ {
		waker := h.svc.endpoint(ch).waker
		g.Go(func() error {
			waker.Wake(WakeRead)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.True(t, h.irq.Level())

	seen := make(map[uint32]int)
	for {
		ch := h.readReg(RegChannel)
		if ch == 0 {
			break
		}
		seen[ch]++
		assert.Equal(t, uint32(WakeRead), h.readReg(RegWakes))
	}

	assert.Len(t, seen, numChannels)
	for ch, count := range seen {
		assert.Equal(t, 1, count, "channel 0x%x drained more than once", ch)
	}
	assert.False(t, h.irq.Level())
}

func TestChannelHighDrain(t *testing.T) {
	h := newHarness(t)

	const channel = uint64(0xdeadbeef00000005)
	h.open(channel)
	h.svc.endpoint(channel).waker.Wake(WakeWrite)

	// 64-bit drain order: CHANNEL_HIGH first, then CHANNEL for the low
	// half and the wake bits.
	assert.Equal(t, uint32(0xdeadbeef), h.readReg(RegChannelHigh))
	assert.Equal(t, uint32(0x5), h.readReg(RegChannel))
	assert.Equal(t, uint32(WakeWrite), h.readReg(RegWakes))

	assert.Equal(t, uint32(0), h.readReg(RegChannelHigh))
	assert.False(t, h.irq.Level())
}

func TestChannelHighContinuationSlot(t *testing.T) {
	h := newHarness(t)

	const channel = uint64(0xabc0000000000001)
	h.open(channel)
	h.svc.endpoint(channel).waker.Wake(WakeRead)

	// Re-reading CHANNEL_HIGH before CHANNEL keeps returning the parked
	// pipe instead of consuming the next one.
	assert.Equal(t, uint32(0xabc00000), h.readReg(RegChannelHigh))
	assert.Equal(t, uint32(0xabc00000), h.readReg(RegChannelHigh))
	assert.Equal(t, uint32(0x1), h.readReg(RegChannel))
	assert.Equal(t, uint32(WakeRead), h.readReg(RegWakes))
}

func TestCloseScrubsPendingWake(t *testing.T) {
	h := newHarness(t)
	h.open(0x9)

	h.svc.endpoint(0x9).waker.Wake(WakeRead)
	require.True(t, h.irq.Level())

	// Guest closes before draining: the stale wake must not resurface.
	require.Equal(t, int32(0), h.command(0x9, CmdClose))
	assert.Equal(t, uint32(0), h.readReg(RegChannel))
	assert.False(t, h.irq.Level())
}

func TestCloseFromHostDrain(t *testing.T) {
	h := newHarness(t)
	h.open(0x4)
	ep := h.svc.endpoint(0x4)

	ep.waker.CloseFromHost()
	require.True(t, h.irq.Level())

	assert.Equal(t, uint32(0x4), h.readReg(RegChannel))
	assert.Equal(t, uint32(WakeClosed), h.readReg(RegWakes))
	assert.Equal(t, uint32(0), h.readReg(RegChannel))

	// CloseFromHost is idempotent and wakes at most once.
	ep.waker.CloseFromHost()
	assert.Equal(t, uint32(0), h.readReg(RegChannel))

	require.Equal(t, int32(0), h.command(0x4, CmdClose))
	assert.True(t, ep.isClosed())
}

func TestWakeWhileDraining(t *testing.T) {
	h := newHarness(t)
	h.open(0x1)
	h.open(0x2)

	h.svc.endpoint(0x1).waker.Wake(WakeRead)
	assert.Equal(t, uint32(0x1), h.readReg(RegChannel))

	// A wake that lands mid-drain is picked up by the same burst.
	h.svc.endpoint(0x2).waker.Wake(WakeWrite)
	assert.Equal(t, uint32(0x2), h.readReg(RegChannel))
	assert.Equal(t, uint32(WakeWrite), h.readReg(RegWakes))
	assert.Equal(t, uint32(0), h.readReg(RegChannel))
	assert.False(t, h.irq.Level())
}

func TestRewakeAfterDrain(t *testing.T) {
	h := newHarness(t)
	h.open(0x1)
	waker := h.svc.endpoint(0x1).waker

	waker.Wake(WakeRead)
	assert.Equal(t, uint32(0x1), h.readReg(RegChannel))
	assert.Equal(t, uint32(0), h.readReg(RegChannel))

	waker.Wake(WakeWrite)
	require.True(t, h.irq.Level())
	assert.Equal(t, uint32(0x1), h.readReg(RegChannel))
	assert.Equal(t, uint32(WakeWrite), h.readReg(RegWakes))
	assert.Equal(t, uint32(0), h.readReg(RegChannel))
	assert.False(t, h.irq.Level())
}
