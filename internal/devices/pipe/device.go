// Package pipe implements a goldfish-style virtual pipe device: a small
// memory-mapped register interface through which a guest opens many
// independent, named communication channels to host-side services.
//
// The guest drives the device from the thread executing its instructions;
// register access never blocks. Service backends run on their own goroutines
// and report readiness asynchronously through per-pipe Wakers, which the
// guest later drains through the CHANNEL/CHANNEL_HIGH/WAKES registers. The
// drain is the only path that lowers the interrupt line.
package pipe

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/goldfish/internal/chipset"
	"github.com/tinyrange/goldfish/internal/hv"
)

// Device is one pipe device instance.
//
// Locking: regMu serializes guest register access and guards the register
// file and the channel index. mu guards the state shared with service
// goroutines: the ready queue, the cache slots and interrupt coordination.
// Each pipe's own lock guards its wanted/closed bits. Where locks nest the
// order is regMu, then mu, then the pipe lock; wake callbacks take the pipe
// lock and mu sequentially, never nested, so a service may call its Waker
// synchronously from inside Send/Recv/Close without deadlocking.
type Device struct {
	base uint64
	size uint64

	irqLine chipset.LineInterrupt
	open    Opener

	vm hv.VirtualMachine

	regMu     sync.Mutex
	byChannel map[uint64]*Pipe

	// i/o registers
	address    uint64
	bufSize    uint32
	status     int32
	channel    uint64
	wakes      uint8
	paramsAddr uint64

	mu          sync.Mutex
	ready       []uint64
	cachePipe   *Pipe
	cachePipe64 *Pipe
}

// New creates a pipe device serving a register window at the given base
// address. CmdOpen requests are dispatched through open; a nil open rejects
// every open with StatusInval.
func New(base uint64, irqLine chipset.LineInterrupt, open Opener) *Device {
	if irqLine == nil {
		irqLine = chipset.LineInterruptDetached()
	}
	if open == nil {
		open = func(uint64, Waker) (Endpoint, int32) { return nil, StatusInval }
	}
	return &Device{
		base:      base,
		size:      DefaultMMIOSize,
		irqLine:   irqLine,
		open:      open,
		byChannel: make(map[uint64]*Pipe),
	}
}

// NewDefault creates a pipe device at the default base address.
func NewDefault(irqLine chipset.LineInterrupt, open Opener) *Device {
	return New(DefaultMMIOBase, irqLine, open)
}

// Init implements hv.Device.
func (d *Device) Init(vm hv.VirtualMachine) error {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	d.vm = vm
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (d *Device) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (d *Device) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState. It tears down every open pipe,
// clears the drain state and the register file, and deasserts the interrupt.
func (d *Device) Reset() error {
	d.regMu.Lock()
	defer d.regMu.Unlock()

	for ch, p := range d.byChannel {
		delete(d.byChannel, ch)
		p.mu.Lock()
		p.wanted = 0
		p.closed = true
		p.mu.Unlock()
		p.endpoint.Close()
	}

	d.mu.Lock()
	d.ready = nil
	d.cachePipe = nil
	d.cachePipe64 = nil
	d.mu.Unlock()

	d.address = 0
	d.bufSize = 0
	d.status = 0
	d.channel = 0
	d.wakes = 0
	d.paramsAddr = 0

	d.irqLine.SetLevel(false)
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{
			{
				Address: d.base,
				Size:    d.size,
			},
		},
		Handler: d,
	}
}

// Base returns the MMIO base address.
func (d *Device) Base() uint64 { return d.base }

// Size returns the MMIO region size.
func (d *Device) Size() uint64 { return d.size }

// OpenCount returns the number of currently open pipes.
func (d *Device) OpenCount() int {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	return len(d.byChannel)
}

// ReadMMIO implements chipset.MmioHandler. Registers are 32-bit words; reads
// of any other width are logged and return zeroes, since several read
// registers (CHANNEL, CHANNEL_HIGH) have drain side effects that byte-wise
// access would corrupt.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	if addr < d.base || addr+uint64(len(data)) > d.base+d.size {
		return fmt.Errorf("pipe: MMIO read at 0x%x out of bounds", addr)
	}
	if len(data) != 4 {
		slog.Warn("pipe: unsupported MMIO read width", "addr", fmt.Sprintf("0x%x", addr), "len", len(data))
		for i := range data {
			data[i] = 0
		}
		return nil
	}

	offset := addr - d.base

	d.regMu.Lock()
	value := d.readRegister(offset)
	d.regMu.Unlock()

	binary.LittleEndian.PutUint32(data, value)
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	if addr < d.base || addr+uint64(len(data)) > d.base+d.size {
		return fmt.Errorf("pipe: MMIO write at 0x%x out of bounds", addr)
	}
	if len(data) != 4 {
		slog.Warn("pipe: unsupported MMIO write width", "addr", fmt.Sprintf("0x%x", addr), "len", len(data))
		return nil
	}

	offset := addr - d.base
	value := binary.LittleEndian.Uint32(data)

	d.regMu.Lock()
	d.writeRegister(offset, value)
	d.regMu.Unlock()
	return nil
}

// readRegister handles a 32-bit register read. Caller holds regMu.
func (d *Device) readRegister(offset uint64) uint32 {
	switch offset {
	case RegStatus:
		return uint32(d.status)
	case RegChannel:
		return d.drainChannel()
	case RegChannelHigh:
		return d.drainChannelHigh()
	case RegWakes:
		return uint32(d.wakes)
	case RegParamsAddrLow:
		return uint32(d.paramsAddr)
	case RegParamsAddrHigh:
		return uint32(d.paramsAddr >> 32)
	case RegVersion:
		return Version
	default:
		slog.Warn("pipe: read from unknown register", "offset", fmt.Sprintf("0x%x", offset))
		return 0
	}
}

// writeRegister handles a 32-bit register write. Caller holds regMu.
func (d *Device) writeRegister(offset uint64, value uint32) {
	switch offset {
	case RegCommand:
		d.doCommand(value)
	case RegSize:
		d.bufSize = value
	case RegAddress:
		setLow32(&d.address, value)
	case RegAddressHigh:
		setHigh32(&d.address, value)
	case RegChannel:
		setLow32(&d.channel, value)
	case RegChannelHigh:
		setHigh32(&d.channel, value)
	case RegParamsAddrLow:
		setLow32(&d.paramsAddr, value)
	case RegParamsAddrHigh:
		setHigh32(&d.paramsAddr, value)
	case RegAccessParams:
		d.accessParams()
	default:
		slog.Warn("pipe: write to unknown register",
			"offset", fmt.Sprintf("0x%x", offset), "value", fmt.Sprintf("0x%x", value))
	}
}

// doCommand executes one command against the currently addressed channel.
// Caller holds regMu.
func (d *Device) doCommand(command uint32) {
	p := d.byChannel[d.channel]

	// Every command except OPEN addresses an existing channel.
	if command != CmdOpen && p == nil {
		d.status = StatusInval
		return
	}

	// A host-closed pipe only accepts CLOSE.
	if p != nil && command != CmdClose && p.isClosed() {
		d.status = StatusIO
		return
	}

	switch command {
	case CmdOpen:
		if p != nil {
			d.status = StatusInval
			break
		}
		d.doOpen()

	case CmdClose:
		d.doClose(p)

	case CmdPoll:
		d.status = p.endpoint.Poll()

	case CmdReadBuffer:
		d.doReadBuffer(p)

	case CmdWriteBuffer:
		d.doWriteBuffer(p)

	case CmdWakeOnRead:
		d.armWake(p, WakeRead)

	case CmdWakeOnWrite:
		d.armWake(p, WakeWrite)

	default:
		slog.Debug("pipe: unknown command", "command", command)
	}
}

func (d *Device) doOpen() {
	p := &Pipe{channel: d.channel}
	ep, status := d.open(d.channel, pipeWaker{dev: d, pipe: p})
	if ep == nil {
		if status >= 0 {
			status = StatusInval
		}
		d.clearWakeRefs(p)
		d.status = status
		return
	}
	p.endpoint = ep
	d.byChannel[d.channel] = p
	d.status = 0
}

func (d *Device) doClose(p *Pipe) {
	delete(d.byChannel, p.channel)
	d.clearWakeRefs(p)

	// Serialize with any in-flight wake delivery, and make sure a wake
	// issued from inside Close cannot re-cache the dying pipe.
	p.mu.Lock()
	p.wanted = 0
	p.closed = true
	p.mu.Unlock()

	p.endpoint.Close()
	d.clearWakeRefs(p)
	d.status = 0
}

func (d *Device) doReadBuffer(p *Pipe) {
	buf, ok := d.mapGuestBuffer()
	if !ok {
		d.status = StatusInval
		return
	}
	status := p.endpoint.Recv(buf)
	if status > 0 {
		n, err := d.vm.WriteAt(buf[:status], int64(d.address))
		if err != nil || int32(n) != status {
			d.status = StatusInval
			return
		}
	}
	d.status = status
}

func (d *Device) doWriteBuffer(p *Pipe) {
	buf, ok := d.mapGuestBuffer()
	if !ok {
		d.status = StatusInval
		return
	}
	if len(buf) > 0 {
		n, err := d.vm.ReadAt(buf, int64(d.address))
		if err != nil || n != len(buf) {
			d.status = StatusInval
			return
		}
	}
	d.status = p.endpoint.Send(buf)
}

// mapGuestBuffer validates that the guest buffer named by the address/size
// registers lies fully inside guest RAM and returns a transfer buffer for
// it. A buffer that is only partially backed by RAM fails as a whole rather
// than being shortened.
func (d *Device) mapGuestBuffer() ([]byte, bool) {
	if d.vm == nil {
		return nil, false
	}
	size := uint64(d.bufSize)
	memBase := d.vm.MemoryBase()
	memEnd := memBase + d.vm.MemorySize()
	if d.address+size < d.address {
		return nil, false
	}
	if d.address < memBase || d.address+size > memEnd {
		return nil, false
	}
	return make([]byte, size), true
}

func (d *Device) armWake(p *Pipe, bit uint8) {
	p.mu.Lock()
	newly := p.wanted&bit == 0
	p.wanted |= bit
	bits := p.wanted
	p.mu.Unlock()

	if newly {
		p.endpoint.WakeOn(bits)
	}
	d.status = 0
}

// drainChannel serves a CHANNEL read: the low 32 bits of the next woken
// channel, or 0 when no wakes are pending. Consuming a channel clears its
// wake bits into the WAKES register. An exhausted drain deasserts the
// interrupt line. Caller holds regMu.
func (d *Device) drainChannel() uint32 {
	d.mu.Lock()
	p := d.takeCachePipeLocked()
	if p == nil {
		p = d.nextReadyLocked()
	}
	if p == nil {
		d.irqLine.SetLevel(false)
		d.mu.Unlock()
		return 0
	}
	d.mu.Unlock()

	d.wakes = p.takeWanted()
	return uint32(p.channel)
}

// drainChannelHigh serves a CHANNEL_HIGH read: the high 32 bits of the next
// woken channel. The selected pipe parks in the continuation slot so the
// following CHANNEL read returns the matching low half and consumes the wake
// bits.
//
// A channel whose high 32 bits are zero cannot be represented through this
// register: returning 0 stops the guest's drain loop. Such channels must not
// be woken through the CHANNEL_HIGH pair; the restriction is part of the
// protocol and deliberately not worked around here. Caller holds regMu.
func (d *Device) drainChannelHigh() uint32 {
	d.mu.Lock()
	if p := d.cachePipe64; p != nil {
		d.mu.Unlock()
		return uint32(p.channel >> 32)
	}
	p := d.takeCachePipeLocked()
	if p == nil {
		p = d.nextReadyLocked()
	}
	if p == nil {
		d.irqLine.SetLevel(false)
		d.mu.Unlock()
		return 0
	}
	d.cachePipe64 = p
	d.mu.Unlock()

	high := uint32(p.channel >> 32)
	if high == 0 {
		slog.Warn("pipe: channel with zero high bits woken through CHANNEL_HIGH",
			"channel", fmt.Sprintf("0x%x", p.channel))
	}
	return high
}

// takeCachePipeLocked empties the fast-path cache slots, continuation slot
// first. Caller holds mu.
func (d *Device) takeCachePipeLocked() *Pipe {
	if p := d.cachePipe64; p != nil {
		d.cachePipe64 = nil
		return p
	}
	p := d.cachePipe
	d.cachePipe = nil
	return p
}

// nextReadyLocked pops the ready queue until it finds a live pipe with
// pending wake bits. Entries whose channel has since been closed, or whose
// wake bits were already consumed through the cache fast path, are skipped.
// Caller holds regMu and mu.
func (d *Device) nextReadyLocked() *Pipe {
	for len(d.ready) > 0 {
		ch := d.ready[0]
		d.ready = d.ready[1:]
		p := d.byChannel[ch]
		if p == nil {
			continue
		}
		p.queued = false
		if !p.hasWanted() {
			continue
		}
		return p
	}
	return nil
}

// signalWake records wake bits for a pipe and raises the interrupt line. It
// is called by service backends from arbitrary goroutines. The cache slot,
// ready queue and interrupt line are updated under the device wake lock so a
// concurrent drain either observes the wake or runs strictly before it.
func (d *Device) signalWake(p *Pipe, bits uint8) {
	closed := p.setWanted(bits)

	d.mu.Lock()
	if !closed {
		d.cachePipe = p
	}
	if !p.queued {
		p.queued = true
		d.ready = append(d.ready, p.channel)
	}
	d.irqLine.SetLevel(true)
	d.mu.Unlock()
}

// closeFromHost marks a pipe closed on the host side and wakes the guest
// with WakeClosed. Idempotent.
func (d *Device) closeFromHost(p *Pipe) {
	if p.markClosed() {
		d.signalWake(p, WakeClosed)
	}
}

// clearWakeRefs scrubs every drain-path reference to a pipe that is going
// away, so the cache slots never point at a removed pipe.
func (d *Device) clearWakeRefs(p *Pipe) {
	d.mu.Lock()
	if d.cachePipe == p {
		d.cachePipe = nil
	}
	if d.cachePipe64 == p {
		d.cachePipe64 = nil
	}
	p.queued = false
	d.mu.Unlock()
}

func setLow32(v *uint64, value uint32) {
	*v = (*v &^ 0xFFFFFFFF) | uint64(value)
}

func setHigh32(v *uint64, value uint32) {
	*v = (*v & 0xFFFFFFFF) | uint64(value)<<32
}

var (
	_ hv.Device                 = (*Device)(nil)
	_ chipset.ChipsetDevice     = (*Device)(nil)
	_ chipset.MmioHandler       = (*Device)(nil)
	_ chipset.ChangeDeviceState = (*Device)(nil)
)
