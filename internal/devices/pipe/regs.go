package pipe

// Register offsets, one 32-bit MMIO word each. 64-bit quantities are split
// across a low/high register pair and combined losslessly on the device side.
const (
	RegCommand        = 0x00 // write: command to execute
	RegStatus         = 0x04 // read: status of the last command
	RegChannel        = 0x08 // read/write: channel id, low 32 bits
	RegSize           = 0x0c // write: buffer size for the next data command
	RegAddress        = 0x10 // write: guest buffer physical address, low 32 bits
	RegWakes          = 0x14 // read: wake bits of the last drained channel
	RegParamsAddrLow  = 0x18 // read/write: parameter block address, low 32 bits
	RegParamsAddrHigh = 0x1c // read/write: parameter block address, high 32 bits
	RegAccessParams   = 0x20 // write: execute the command described by the parameter block
	RegVersion        = 0x24 // read: device protocol version
	RegChannelHigh    = 0x30 // read/write: channel id, high 32 bits
	RegAddressHigh    = 0x34 // write: guest buffer physical address, high 32 bits

	// RegChannelLow is the historical name of the low-word channel register.
	RegChannelLow = RegChannel
)

// Commands written to RegCommand.
const (
	CmdOpen        = 1
	CmdClose       = 2
	CmdPoll        = 3
	CmdWriteBuffer = 4
	CmdWakeOnWrite = 5
	CmdReadBuffer  = 6
	CmdWakeOnRead  = 7
)

// Status codes read back from RegStatus or a parameter block's result field.
// Non-negative values are byte counts. Other negative values produced by a
// service backend are passed through to the guest unchanged.
const (
	StatusInval int32 = -1 // unknown channel, or channel/state misuse
	StatusAgain int32 = -2 // operation would block, retry after a wake
	StatusNomem int32 = -3 // backend out of resources
	StatusIO    int32 = -4 // operation on a pipe closed by the host
)

// Wake bits. Set by services through Waker.Wake, consumed by the guest
// through RegWakes during a drain.
const (
	WakeClosed uint8 = 1 << 0
	WakeRead   uint8 = 1 << 1
	WakeWrite  uint8 = 1 << 2
)

// Poll readiness bits returned by Endpoint.Poll.
const (
	PollIn  int32 = 1 << 0
	PollOut int32 = 1 << 1
	PollHup int32 = 1 << 2
)

// Version is the fixed protocol version reported by RegVersion. Update it
// whenever the register interface changes.
const Version = 1

// DefaultMMIOSize is the span of the device's register window.
const DefaultMMIOSize = 0x2000

// DefaultMMIOBase is the default base address for the register window.
const DefaultMMIOBase = 0xd0008000
