// Package spectrum provides control of Spectrum Instrumentation M2/M4 series
// digitizer cards and star-hub groups of them, including FIFO streaming of
// samples to the host over a ring-shaped transfer buffer, hardware
// timestamping, and mock implementations usable without the vendor driver.
package spectrum

import (
	"fmt"
	"log"
)

// DeviceHandle is an opaque handle to an open card or star hub.
type DeviceHandle int

// RegisterLength is the width of a register access.
type RegisterLength int

// register access widths
const (
	Len32 RegisterLength = 32
	Len64 RegisterLength = 64
)

// BufferType distinguishes sample data transfer from timestamp transfer.
type BufferType int

// buffer types
const (
	BufData      BufferType = 1000
	BufABA       BufferType = 2000
	BufTimestamp BufferType = 3000
)

// BufferDirection is the direction of DMA transfer.
type BufferDirection int

// buffer directions
const (
	DirPCToCard BufferDirection = 0
	DirCardToPC BufferDirection = 1
)

// register addresses, a subset of the vendor header covering acquisition,
// transfer, synchronization and timestamping
const (
	SPC_M2CMD    = 100
	SPC_M2STATUS = 110

	SPC_DATA_AVAIL_USER_LEN = 200
	SPC_DATA_AVAIL_USER_POS = 201
	SPC_DATA_AVAIL_CARD_LEN = 202
	SPC_TS_AVAIL_USER_LEN   = 220
	SPC_TS_AVAIL_USER_POS   = 221
	SPC_TS_AVAIL_CARD_LEN   = 222

	SPC_PCITYP                = 2000
	SPC_FNCTYPE               = 2001
	SPC_MIINST_MODULES        = 1100
	SPC_MIINST_CHPERMODULE    = 1110
	SPC_MIINST_BYTESPERSAMPLE = 1160
	SPC_MIINST_MAXADCVALUE    = 1126

	SPC_CARDMODE    = 9500
	SPC_MEMSIZE     = 10000
	SPC_SEGMENTSIZE = 10010
	SPC_POSTTRIGGER = 10100
	SPC_CHENABLE    = 11000
	SPC_CHCOUNT     = 11001

	SPC_SAMPLERATE = 20000
	SPC_CLOCKMODE  = 20200
	SPC_TIMEOUT    = 295130

	SPC_AVERAGES = 101000

	SPC_TRIG_ORMASK          = 40410
	SPC_TRIG_ANDMASK         = 40430
	SPC_TRIG_EXT0_MODE       = 40510
	SPC_TRIG_EXT1_MODE       = 40511
	SPC_TRIG_EXT0_LEVEL0     = 42320
	SPC_TRIG_EXT1_LEVEL0     = 42321
	SPC_TRIG_EXT0_PULSEWIDTH = 44210

	SPC_TIMESTAMP_CMD = 47000

	SPC_SYNC_ENABLEMASK = 49200
)

// per-channel registers are strided by 100 from channel 0's address
const (
	SPC_AMP0              = 30010
	SPC_OFFS0             = 30100
	channelRegisterStride = 100
)

// M2CMD card and data commands, written to SPC_M2CMD
const (
	M2CMD_CARD_RESET          = 0x1
	M2CMD_CARD_WRITESETUP     = 0x2
	M2CMD_CARD_START          = 0x4
	M2CMD_CARD_ENABLETRIGGER  = 0x8
	M2CMD_CARD_FORCETRIGGER   = 0x10
	M2CMD_CARD_DISABLETRIGGER = 0x20
	M2CMD_CARD_STOP           = 0x40
	M2CMD_CARD_WAITPREFULL    = 0x1000
	M2CMD_CARD_WAITTRIGGER    = 0x2000
	M2CMD_CARD_WAITREADY      = 0x4000

	M2CMD_DATA_STARTDMA = 0x10000
	M2CMD_DATA_WAITDMA  = 0x20000
	M2CMD_DATA_STOPDMA  = 0x40000

	M2CMD_EXTRA_POLL = 0x100000
)

// M2STAT status bits, read from SPC_M2STATUS
const (
	M2STAT_CARD_PRETRIGGER = 0x1
	M2STAT_CARD_TRIGGER    = 0x2
	M2STAT_CARD_READY      = 0x4

	M2STAT_DATA_BLOCKREADY = 0x100
	M2STAT_DATA_END        = 0x200
	M2STAT_DATA_OVERRUN    = 0x400
)

// timestamp command values, written to SPC_TIMESTAMP_CMD
const (
	SPC_TSMODE_DISABLE    = 0
	SPC_TSMODE_STANDARD   = 2
	SPC_TSMODE_STARTRESET = 4
	SPC_TS_RESET          = 8
	SPC_TSCNT_INTERNAL    = 0x100
	SPC_TSFEAT_NONE       = 0
)

// driver error codes
const (
	ERR_OK            = 0x0
	ERR_LASTERR       = 0x10
	ERR_ABORT         = 0x20
	ERR_TIMEOUT       = 0x107
	ERR_FIFOHWOVERRUN = 0x301
)

// errorCodeNames maps the benign codes to human descriptions for log lines
var errorCodeNames = map[int64]string{
	ERR_LASTERR: "repeat of previous error",
	ERR_ABORT:   "operation aborted",
}

// RegisterInterface is the low-level register access surface of the driver.
// The hardware implementation wraps the vendor kernel driver; MockRegisters
// implements the same surface in memory.
type RegisterInterface interface {
	// Connect opens the device with the given visa-style identifier,
	// e.g. /dev/spcm0 for a card or sync0 for a star hub.
	Connect(id string) (DeviceHandle, error)

	// Disconnect closes the handle.  Further access errors.
	Disconnect(h DeviceHandle) error

	// Read reads a register of the given width
	Read(h DeviceHandle, register int32, length RegisterLength) (int64, error)

	// Write writes a register of the given width
	Write(h DeviceHandle, register int32, value int64, length RegisterLength) error

	// DefineTransfer binds host memory to the device for DMA, with
	// notify as the chunk notification threshold in bytes
	DefineTransfer(h DeviceHandle, typ BufferType, dir BufferDirection, notify int, mem []byte) error
}

// check classifies a driver return code.  ERR_OK passes.  Codes the vendor
// documents as informational are logged and swallowed.  Timeout and overrun
// map to their sentinel errors so callers can retry or abort.  Anything else
// wraps into an ApiCallError carrying the register and value involved.
func check(code int64, register int32, value int64) error {
	switch code {
	case ERR_OK:
		return nil
	case ERR_LASTERR, ERR_ABORT:
		log.Printf("spectrum: register %d value %d: %s (code 0x%x), continuing", register, value, errorCodeNames[code], code)
		return nil
	case ERR_TIMEOUT:
		return fmt.Errorf("register %d: %w", register, ErrTransferTimeout)
	case ERR_FIFOHWOVERRUN:
		return fmt.Errorf("register %d: %w", register, ErrHardwareBufferOverrun)
	default:
		return ApiCallError{Register: register, Value: value, Code: code}
	}
}

// amplitudeRegister returns the vertical range register for a channel index
func amplitudeRegister(ch int) int32 {
	return int32(SPC_AMP0 + ch*channelRegisterStride)
}

// offsetRegister returns the vertical offset register for a channel index
func offsetRegister(ch int) int32 {
	return int32(SPC_OFFS0 + ch*channelRegisterStride)
}
