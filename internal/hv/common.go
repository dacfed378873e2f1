package hv

import (
	"fmt"
	"io"
)

// VirtualMachine is the surface a device needs from the machine that hosts
// it: guest physical memory access plus the layout of the RAM window.
//
// ReadAt/WriteAt address guest physical memory directly. Implementations
// backed by a single RAM block translate the physical address internally;
// accesses that leave the RAM window return a short count or an error.
type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	MemorySize() uint64
	MemoryBase() uint64
}

// Device is implemented by everything attachable to a VirtualMachine.
type Device interface {
	Init(vm VirtualMachine) error
}

// MMIORegion describes one memory-mapped region served by a device.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// MemoryMappedIODevice is a device that serves MMIO regions.
type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// SimpleMMIODevice adapts plain functions to MemoryMappedIODevice.
type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }

func (d SimpleMMIODevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X", addr)
}

func (d SimpleMMIODevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X", addr)
}

func (d SimpleMMIODevice) Init(vm VirtualMachine) error {
	return nil
}

var (
	_ MemoryMappedIODevice = SimpleMMIODevice{}
)
