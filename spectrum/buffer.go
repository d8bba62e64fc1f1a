package spectrum

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BufferState is the lifecycle state of a transfer buffer
type BufferState int

// transfer buffer states
const (
	BufferUndefined BufferState = iota
	BufferAllocated
	BufferBound
	BufferTransferring
	BufferComplete
	BufferStopped
)

func (s BufferState) String() string {
	switch s {
	case BufferUndefined:
		return "undefined"
	case BufferAllocated:
		return "allocated"
	case BufferBound:
		return "bound"
	case BufferTransferring:
		return "transferring"
	case BufferComplete:
		return "complete"
	case BufferStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// timestampBufferBytes is the fixed size of a timestamp transfer buffer.
// Polling mode requires the notify size set to 4096 even though it is unused.
const timestampBufferBytes = 4096

// bytesPerSample is the sample width of the 16-bit ADC family
const bytesPerSample = 2

// TransferBuffer is a region of host memory bound to the card for DMA.
// Sample buffers are rings the card fills continuously in FIFO mode;
// timestamp buffers are polled.  The avail/consumed register protocol is
// mediated entirely through the bound RegisterInterface so the same code
// drives hardware and mocks.
type TransferBuffer struct {
	typ    BufferType
	dir    BufferDirection
	notify int
	mem    []byte

	state  BufferState
	regs   RegisterInterface
	handle DeviceHandle

	availLenReg int32
	availPosReg int32
	consumedReg int32
}

// NewSampleBuffer allocates a card-to-PC sample transfer buffer.
// sizeInSamples counts int16 samples across all enabled channels;
// notifyBytes is the chunk notification threshold.
func NewSampleBuffer(sizeInSamples, notifyBytes int) *TransferBuffer {
	return &TransferBuffer{
		typ:         BufData,
		dir:         DirCardToPC,
		notify:      notifyBytes,
		mem:         make([]byte, sizeInSamples*bytesPerSample),
		state:       BufferAllocated,
		availLenReg: SPC_DATA_AVAIL_USER_LEN,
		availPosReg: SPC_DATA_AVAIL_USER_POS,
		consumedReg: SPC_DATA_AVAIL_CARD_LEN,
	}
}

// NewTimestampBuffer allocates a card-to-PC timestamp transfer buffer
func NewTimestampBuffer() *TransferBuffer {
	return &TransferBuffer{
		typ:         BufTimestamp,
		dir:         DirCardToPC,
		notify:      timestampBufferBytes,
		mem:         make([]byte, timestampBufferBytes),
		state:       BufferAllocated,
		availLenReg: SPC_TS_AVAIL_USER_LEN,
		availPosReg: SPC_TS_AVAIL_USER_POS,
		consumedReg: SPC_TS_AVAIL_CARD_LEN,
	}
}

// State returns the buffer lifecycle state
func (b *TransferBuffer) State() BufferState {
	return b.state
}

// SizeBytes returns the capacity of the buffer in bytes
func (b *TransferBuffer) SizeBytes() int {
	return len(b.mem)
}

// NotifyBytes returns the chunk notification threshold in bytes
func (b *TransferBuffer) NotifyBytes() int {
	return b.notify
}

// Bind registers the buffer memory with the device for DMA.  Binding an
// already bound buffer to the same device is a no-op; rebinding while a
// transfer is active is an error.
func (b *TransferBuffer) Bind(regs RegisterInterface, h DeviceHandle) error {
	if b.state == BufferTransferring {
		return errors.New("cannot rebind a buffer while a transfer is active")
	}
	if b.state == BufferBound && b.regs == regs && b.handle == h {
		return nil
	}
	err := regs.DefineTransfer(h, b.typ, b.dir, b.notify, b.mem)
	if err != nil {
		return fmt.Errorf("defining transfer buffer: %w", err)
	}
	b.regs = regs
	b.handle = h
	b.state = BufferBound
	return nil
}

func (b *TransferBuffer) bound() bool {
	return b.state == BufferBound || b.state == BufferTransferring ||
		b.state == BufferComplete || b.state == BufferStopped
}

// StartTransfer starts DMA into the buffer
func (b *TransferBuffer) StartTransfer() error {
	if !b.bound() {
		return ErrNoTransferBufferDefined
	}
	err := b.regs.Write(b.handle, SPC_M2CMD, M2CMD_DATA_STARTDMA, Len32)
	if err != nil {
		return err
	}
	b.state = BufferTransferring
	return nil
}

// StopTransfer halts DMA.  Data already transferred remains readable.
func (b *TransferBuffer) StopTransfer() error {
	if b.state != BufferTransferring {
		return nil
	}
	err := b.regs.Write(b.handle, SPC_M2CMD, M2CMD_DATA_STOPDMA, Len32)
	if err != nil {
		return err
	}
	b.state = BufferStopped
	return nil
}

// WaitForChunk blocks until at least the notify threshold of new data is
// available, the transfer completes, or the card timeout elapses.  A timeout
// surfaces as ErrTransferTimeout and may be retried without restarting the
// acquisition.  An overrun surfaces as ErrHardwareBufferOverrun and may not.
func (b *TransferBuffer) WaitForChunk() error {
	if !b.bound() {
		return ErrNoTransferBufferDefined
	}
	return b.regs.Write(b.handle, SPC_M2CMD, M2CMD_DATA_WAITDMA, Len32)
}

// ReadAvailable returns the byte position of the oldest unread data in the
// buffer and the number of contiguous-or-wrapping bytes available to read
func (b *TransferBuffer) ReadAvailable() (pos, n int, err error) {
	if !b.bound() {
		return 0, 0, ErrNoTransferBufferDefined
	}
	p, err := b.regs.Read(b.handle, b.availPosReg, Len32)
	if err != nil {
		return 0, 0, err
	}
	l, err := b.regs.Read(b.handle, b.availLenReg, Len32)
	if err != nil {
		return 0, 0, err
	}
	return int(p), int(l), nil
}

// MarkConsumed tells the card n bytes have been read by the host and may be
// overwritten.  MarkConsumed(0) is a no-op and touches no register.
func (b *TransferBuffer) MarkConsumed(n int) error {
	if n == 0 {
		return nil
	}
	if !b.bound() {
		return ErrNoTransferBufferDefined
	}
	return b.regs.Write(b.handle, b.consumedReg, int64(n), Len32)
}

// CopyContents returns a copy of the whole buffer memory
func (b *TransferBuffer) CopyContents() []byte {
	out := make([]byte, len(b.mem))
	copy(out, b.mem)
	return out
}

// Samples decodes the buffer memory as little-endian int16 samples
func (b *TransferBuffer) Samples() []int16 {
	out := make([]int16, len(b.mem)/bytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b.mem[i*bytesPerSample:]))
	}
	return out
}

// markComplete is used by the card after a completed standard-mode transfer
func (b *TransferBuffer) markComplete() {
	b.state = BufferComplete
}
