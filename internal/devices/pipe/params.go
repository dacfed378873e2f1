package pipe

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

// Batched parameter block, read from guest memory at the PARAMS_ADDR
// registers. Two packed little-endian layouts share the same base address:
//
//	32-bit: channel u32 @0, size u32 @4, address u32 @8,
//	        cmd u32 @12, result s32 @16, flags u32 @20   (24 bytes)
//	64-bit: channel u64 @0, size u32 @8, address u64 @12,
//	        cmd u32 @20, result s32 @24, flags u32 @28   (32 bytes)
//
// The layouts are told apart by the word at offset 20: the 32-bit encoding
// always zeroes its flags field there, while in the 64-bit layout the same
// bytes carry cmd, which is never zero for a valid command. 64-bit guests
// additionally set flags nonzero.
const (
	params32Size = 24
	params64Size = 32

	params32ResultOff = 16
	params64ResultOff = 24

	paramsProbeOff = 20
)

// accessParams executes the read/write command described by the guest
// parameter block and writes the resulting status back into the block's
// result field, in the same layout the block was read in. Any command other
// than READ_BUFFER/WRITE_BUFFER is ignored without a result write-back.
// Caller holds regMu.
func (d *Device) accessParams() {
	if d.paramsAddr == 0 || d.vm == nil {
		return
	}

	var block [params64Size]byte
	if !d.readParamsBlock(block[:params32Size]) {
		return
	}

	is64bit := binary.LittleEndian.Uint32(block[paramsProbeOff:]) != 0

	var cmd uint32
	if is64bit {
		if !d.readParamsBlock(block[:params64Size]) {
			return
		}
		d.channel = binary.LittleEndian.Uint64(block[0:])
		d.bufSize = binary.LittleEndian.Uint32(block[8:])
		d.address = binary.LittleEndian.Uint64(block[12:])
		cmd = binary.LittleEndian.Uint32(block[20:])
	} else {
		d.channel = uint64(binary.LittleEndian.Uint32(block[0:]))
		d.bufSize = binary.LittleEndian.Uint32(block[4:])
		d.address = uint64(binary.LittleEndian.Uint32(block[8:]))
		cmd = binary.LittleEndian.Uint32(block[12:])
	}

	if cmd != CmdReadBuffer && cmd != CmdWriteBuffer {
		slog.Debug("pipe: non-data command in parameter block", "command", cmd)
		return
	}

	d.doCommand(cmd)

	resultOff := uint64(params32ResultOff)
	if is64bit {
		resultOff = params64ResultOff
	}
	var result [4]byte
	binary.LittleEndian.PutUint32(result[:], uint32(d.status))
	if n, err := d.vm.WriteAt(result[:], int64(d.paramsAddr+resultOff)); err != nil || n != len(result) {
		slog.Warn("pipe: parameter block result write-back failed",
			"addr", fmt.Sprintf("0x%x", d.paramsAddr), "err", err)
	}
}

func (d *Device) readParamsBlock(buf []byte) bool {
	n, err := d.vm.ReadAt(buf, int64(d.paramsAddr))
	if err != nil || n != len(buf) {
		slog.Warn("pipe: parameter block read failed",
			"addr", fmt.Sprintf("0x%x", d.paramsAddr), "err", err)
		return false
	}
	return true
}
