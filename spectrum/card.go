package spectrum

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

// fifoStepSamples is the hardware granularity of acquisition lengths in FIFO
// modes.  Requested lengths are coerced down to a multiple of this, never up.
const fifoStepSamples = 8

// validChannelCounts is the set of enabled-channel counts the hardware
// accepts per card
var validChannelCounts = map[int]bool{1: true, 2: true, 4: true, 8: true}

// CardStatus is the decoded SPC_M2STATUS register
type CardStatus struct {
	// Triggered is true once a trigger event has been detected
	Triggered bool `json:"triggered"`

	// Ready is true once the acquisition has completed
	Ready bool `json:"ready"`

	// BlockReady is true when at least one notify-sized chunk of
	// transferred data is waiting for the consumer
	BlockReady bool `json:"blockReady"`

	// TransferEnd is true once the data transfer has finished
	TransferEnd bool `json:"transferEnd"`

	// Overrun is true if the on-board buffer overran
	Overrun bool `json:"overrun"`
}

func (s CardStatus) String() string {
	parts := []string{}
	if s.Triggered {
		parts = append(parts, "triggered")
	}
	if s.Ready {
		parts = append(parts, "ready")
	}
	if s.BlockReady {
		parts = append(parts, "block-ready")
	}
	if s.TransferEnd {
		parts = append(parts, "transfer-end")
	}
	if s.Overrun {
		parts = append(parts, "overrun")
	}
	if len(parts) == 0 {
		return "idle"
	}
	return strings.Join(parts, "|")
}

// Card is one digitizer card.  It owns the transfer buffer, the enabled
// channel set and, when timestamping is on, a Timestamper.  Cards are not
// safe for concurrent acquisition by multiple consumers; see the locker
// middleware for enforcing a single consumer over HTTP.
type Card struct {
	regs      RegisterInterface
	handle    DeviceHandle
	id        string
	connected bool

	channels []*Channel
	enabled  []int

	mode       AcquisitionMode
	batch      int
	acqLen     int
	sampleRate int
	timeoutMs  int
	averages   int
	trig       TriggerSettings

	fullScale int

	buf *TransferBuffer
	ts  *Timestamper
}

// NewCard connects to the card at the given device index (/dev/spcm0 for
// index 0) and initializes it with channel 0 enabled and a software trigger
func NewCard(regs RegisterInterface, deviceIndex int) (*Card, error) {
	id := fmt.Sprintf("/dev/spcm%d", deviceIndex)
	h, err := regs.Connect(id)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", id, err)
	}
	c := &Card{
		regs:      regs,
		handle:    h,
		id:        id,
		connected: true,
		batch:     1,
		mode:      ModeStandardSingle,
		trig:      TriggerSettings{Sources: []TriggerSource{TriggerSoftware}},
	}
	err = c.initChannels()
	if err != nil {
		regs.Disconnect(h)
		return nil, err
	}
	err = c.SetEnabledChannels([]int{0})
	if err != nil {
		regs.Disconnect(h)
		return nil, err
	}
	return c, nil
}

func (c *Card) initChannels() error {
	modules, err := c.regs.Read(c.handle, SPC_MIINST_MODULES, Len32)
	if err != nil {
		return err
	}
	perModule, err := c.regs.Read(c.handle, SPC_MIINST_CHPERMODULE, Len32)
	if err != nil {
		return err
	}
	fullScale, err := c.regs.Read(c.handle, SPC_MIINST_MAXADCVALUE, Len32)
	if err != nil {
		return err
	}
	c.fullScale = int(fullScale)
	n := int(modules * perModule)
	c.channels = make([]*Channel, n)
	for i := 0; i < n; i++ {
		c.channels[i] = &Channel{
			regs:      c.regs,
			handle:    c.handle,
			index:     i,
			fullScale: c.fullScale,
		}
	}
	return nil
}

func (c *Card) String() string {
	return fmt.Sprintf("Card(%s)", c.id)
}

// Connected returns true if the card handle is open
func (c *Card) Connected() bool {
	return c.connected
}

// Disconnect stops the card and closes the handle
func (c *Card) Disconnect() error {
	if !c.connected {
		return ErrNotConnected
	}
	c.Stop()
	err := c.regs.Disconnect(c.handle)
	if err != nil {
		return err
	}
	c.connected = false
	return nil
}

// Reconnect reopens the card after a Disconnect
func (c *Card) Reconnect() error {
	if c.connected {
		return nil
	}
	h, err := c.regs.Connect(c.id)
	if err != nil {
		return err
	}
	c.handle = h
	c.connected = true
	for _, ch := range c.channels {
		ch.handle = h
	}
	return nil
}

// Channels returns the card's channels, enabled or not
func (c *Card) Channels() []*Channel {
	return c.channels
}

// NumChannels returns the number of channels the card has
func (c *Card) NumChannels() int {
	return len(c.channels)
}

// EnabledChannels returns the indices of the enabled channels, ascending
func (c *Card) EnabledChannels() ([]int, error) {
	out := make([]int, len(c.enabled))
	copy(out, c.enabled)
	return out, nil
}

// SetEnabledChannels enables exactly the given channel indices.  The count
// must be 1, 2, 4 or 8 and every index must exist on the card.
func (c *Card) SetEnabledChannels(idxs []int) error {
	if !c.connected {
		return ErrNotConnected
	}
	if !validChannelCounts[len(idxs)] {
		return fmt.Errorf("%d channels requested: %w", len(idxs), ErrInvalidChannelCount)
	}
	sorted := make([]int, len(idxs))
	copy(sorted, idxs)
	sort.Ints(sorted)
	var mask int64
	for _, i := range sorted {
		if i < 0 || i >= len(c.channels) {
			return fmt.Errorf("channel index %d out of range, card has %d channels", i, len(c.channels))
		}
		mask |= c.channels[i].EnableBit()
	}
	err := c.regs.Write(c.handle, SPC_CHENABLE, mask, Len32)
	if err != nil {
		return err
	}
	c.enabled = sorted
	return nil
}

// AcquisitionMode returns the configured acquisition mode
func (c *Card) AcquisitionMode() (AcquisitionMode, error) {
	v, err := c.regs.Read(c.handle, SPC_CARDMODE, Len32)
	if err != nil {
		return 0, err
	}
	c.mode = AcquisitionMode(v)
	return c.mode, nil
}

// SetAcquisitionMode sets the acquisition mode.  An active timestamper is
// recreated because its reference epoch is mode dependent.
func (c *Card) SetAcquisitionMode(m AcquisitionMode) error {
	err := c.regs.Write(c.handle, SPC_CARDMODE, int64(m), Len32)
	if err != nil {
		return err
	}
	c.mode = m
	if c.ts != nil {
		return c.EnableTimestamping()
	}
	return nil
}

// SampleRate returns the sample rate in Hz
func (c *Card) SampleRate() (int, error) {
	v, err := c.regs.Read(c.handle, SPC_SAMPLERATE, Len64)
	if err != nil {
		return 0, err
	}
	c.sampleRate = int(v)
	return c.sampleRate, nil
}

// SetSampleRate sets the sample rate in Hz.  An active timestamper is
// recreated because it converts counter values using the rate.
func (c *Card) SetSampleRate(hz int) error {
	err := c.regs.Write(c.handle, SPC_SAMPLERATE, int64(hz), Len64)
	if err != nil {
		return err
	}
	c.sampleRate = hz
	if c.ts != nil {
		return c.EnableTimestamping()
	}
	return nil
}

// AcquisitionLength returns the length of one measurement in samples per
// channel
func (c *Card) AcquisitionLength() (int, error) {
	reg := int32(SPC_MEMSIZE)
	if c.mode.FIFO() {
		reg = SPC_SEGMENTSIZE
	}
	v, err := c.regs.Read(c.handle, reg, Len64)
	if err != nil {
		return 0, err
	}
	c.acqLen = int(v)
	return c.acqLen, nil
}

// SetAcquisitionLength sets the measurement length in samples per channel.
// FIFO modes only accept multiples of the hardware step, so the value is
// coerced down and a warning logged when it changes.
func (c *Card) SetAcquisitionLength(samples int) error {
	coerced := samples
	if c.mode.FIFO() {
		coerced = samples - samples%fifoStepSamples
		if coerced != samples {
			log.Printf("spectrum: acquisition length %d coerced to %d (FIFO step is %d samples)", samples, coerced, fifoStepSamples)
		}
	}
	reg := int32(SPC_MEMSIZE)
	if c.mode.FIFO() {
		reg = SPC_SEGMENTSIZE
	}
	err := c.regs.Write(c.handle, reg, int64(coerced), Len64)
	if err != nil {
		return err
	}
	c.acqLen = coerced
	return nil
}

// setPostTrigger writes the post-trigger length derived from the acquisition
// length and pre-trigger count
func (c *Card) setPostTrigger(preTrigger int) error {
	return c.regs.Write(c.handle, SPC_POSTTRIGGER, int64(c.acqLen-preTrigger), Len64)
}

// Timeout returns the card timeout in milliseconds
func (c *Card) Timeout() (int, error) {
	v, err := c.regs.Read(c.handle, SPC_TIMEOUT, Len32)
	if err != nil {
		return 0, err
	}
	c.timeoutMs = int(v)
	return c.timeoutMs, nil
}

// SetTimeout sets the card timeout in milliseconds, bounding every blocking
// wait
func (c *Card) SetTimeout(ms int) error {
	err := c.regs.Write(c.handle, SPC_TIMEOUT, int64(ms), Len32)
	if err != nil {
		return err
	}
	c.timeoutMs = ms
	return nil
}

// ClockMode returns the sample clock source
func (c *Card) ClockMode() (ClockMode, error) {
	v, err := c.regs.Read(c.handle, SPC_CLOCKMODE, Len32)
	if err != nil {
		return 0, err
	}
	return ClockMode(v), nil
}

// SetClockMode sets the sample clock source
func (c *Card) SetClockMode(m ClockMode) error {
	return c.regs.Write(c.handle, SPC_CLOCKMODE, int64(m), Len32)
}

// Averages returns the on-board averaging factor
func (c *Card) Averages() (int, error) {
	v, err := c.regs.Read(c.handle, SPC_AVERAGES, Len32)
	if err != nil {
		return 0, err
	}
	c.averages = int(v)
	return c.averages, nil
}

// SetAverages sets the on-board averaging factor, used by the averaging
// FIFO mode
func (c *Card) SetAverages(n int) error {
	err := c.regs.Write(c.handle, SPC_AVERAGES, int64(n), Len32)
	if err != nil {
		return err
	}
	c.averages = n
	return nil
}

// BatchSize returns the number of measurements downloaded per transfer
// iteration
func (c *Card) BatchSize() (int, error) {
	return c.batch, nil
}

// SetBatchSize sets the number of measurements per transfer iteration.
// Values above 1 require a FIFO mode.
func (c *Card) SetBatchSize(n int) error {
	if n < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", n)
	}
	if n > 1 && !c.mode.FIFO() {
		return fmt.Errorf("batch size %d: %w", n, ErrWrongAcquisitionMode)
	}
	c.batch = n
	return nil
}

// TriggerSettings returns the trigger configuration
func (c *Card) TriggerSettings() (TriggerSettings, error) {
	return c.trig, nil
}

// SetTriggerSettings applies the trigger configuration.  External mode,
// level and pulse width are only written when an external source is enabled.
func (c *Card) SetTriggerSettings(t TriggerSettings) error {
	if !c.connected {
		return ErrNotConnected
	}
	err := c.regs.Write(c.handle, SPC_TRIG_ORMASK, t.ORMask(), Len32)
	if err != nil {
		return err
	}
	err = c.regs.Write(c.handle, SPC_TRIG_ANDMASK, 0, Len32)
	if err != nil {
		return err
	}
	c.trig = t
	for _, src := range t.Sources {
		if !src.External() {
			continue
		}
		err = c.setExternalTrigger(src, t)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Card) setExternalTrigger(src TriggerSource, t TriggerSettings) error {
	modeReg := int32(SPC_TRIG_EXT0_MODE)
	levelReg := int32(SPC_TRIG_EXT0_LEVEL0)
	if src == TriggerExt1 {
		modeReg = SPC_TRIG_EXT1_MODE
		levelReg = SPC_TRIG_EXT1_LEVEL0
	}
	err := c.regs.Write(c.handle, modeReg, int64(t.ExternalMode), Len32)
	if err != nil {
		return err
	}
	err = c.regs.Write(c.handle, levelReg, int64(t.ExternalLevelMV), Len32)
	if err != nil {
		return err
	}
	if t.ExternalPulseWidth != 0 {
		// only ext0 has a pulse width qualifier on this hardware family
		if src == TriggerExt1 {
			return fmt.Errorf("pulse width on ext1: %w", ErrTriggerOperationNotImplemented)
		}
		err = c.regs.Write(c.handle, SPC_TRIG_EXT0_PULSEWIDTH, int64(t.ExternalPulseWidth), Len32)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Card) externalTriggerEnabled() bool {
	for _, s := range c.trig.Sources {
		if s.External() {
			return true
		}
	}
	return false
}

// ExternalTriggerMode returns the external trigger edge/level condition
func (c *Card) ExternalTriggerMode() (ExternalTriggerMode, error) {
	if !c.externalTriggerEnabled() {
		return 0, ErrExternalTriggerNotEnabled
	}
	return c.trig.ExternalMode, nil
}

// SetExternalTriggerMode sets the external trigger edge/level condition
func (c *Card) SetExternalTriggerMode(m ExternalTriggerMode) error {
	if !c.externalTriggerEnabled() {
		return ErrExternalTriggerNotEnabled
	}
	t := c.trig
	t.ExternalMode = m
	return c.SetTriggerSettings(t)
}

// ExternalTriggerLevel returns the external trigger threshold in millivolts
func (c *Card) ExternalTriggerLevel() (int, error) {
	if !c.externalTriggerEnabled() {
		return 0, ErrExternalTriggerNotEnabled
	}
	return c.trig.ExternalLevelMV, nil
}

// SetExternalTriggerLevel sets the external trigger threshold in millivolts
func (c *Card) SetExternalTriggerLevel(mv int) error {
	if !c.externalTriggerEnabled() {
		return ErrExternalTriggerNotEnabled
	}
	t := c.trig
	t.ExternalLevelMV = mv
	return c.SetTriggerSettings(t)
}

// Configure applies a complete acquisition configuration and commits it to
// the hardware with a single write-setup command
func (c *Card) Configure(s AcquisitionSettings) error {
	if !c.connected {
		return ErrNotConnected
	}
	if s.BatchSize == 0 {
		s.BatchSize = 1
	}
	if s.BatchSize > 1 && !s.Mode.FIFO() {
		return fmt.Errorf("batch size %d outside FIFO mode: %w", s.BatchSize, ErrWrongAcquisitionMode)
	}
	if len(s.VerticalRangesMV) != 0 && len(s.VerticalRangesMV) != len(s.EnabledChannels) {
		return fmt.Errorf("got %d vertical ranges for %d channels", len(s.VerticalRangesMV), len(s.EnabledChannels))
	}
	if len(s.VerticalOffsetsPercent) != 0 && len(s.VerticalOffsetsPercent) != len(s.EnabledChannels) {
		return fmt.Errorf("got %d vertical offsets for %d channels", len(s.VerticalOffsetsPercent), len(s.EnabledChannels))
	}
	err := c.SetAcquisitionMode(s.Mode)
	if err != nil {
		return err
	}
	err = c.SetSampleRate(s.SampleRateHz)
	if err != nil {
		return err
	}
	err = c.SetAcquisitionLength(s.AcquisitionLengthSamples)
	if err != nil {
		return err
	}
	err = c.setPostTrigger(s.PreTriggerSamples)
	if err != nil {
		return err
	}
	err = c.SetTimeout(s.TimeoutMs)
	if err != nil {
		return err
	}
	err = c.SetEnabledChannels(s.EnabledChannels)
	if err != nil {
		return err
	}
	for i, idx := range c.enabled {
		ch := c.channels[idx]
		if len(s.VerticalRangesMV) != 0 {
			err = ch.SetVerticalRange(s.VerticalRangesMV[i])
			if err != nil {
				return err
			}
		}
		if len(s.VerticalOffsetsPercent) != 0 {
			err = ch.SetVerticalOffset(s.VerticalOffsetsPercent[i])
			if err != nil {
				return err
			}
		}
	}
	if s.Mode == ModeFIFOAverage {
		err = c.SetAverages(s.NumberOfAverages)
		if err != nil {
			return err
		}
	}
	err = c.SetBatchSize(s.BatchSize)
	if err != nil {
		return err
	}
	err = c.regs.Write(c.handle, SPC_M2CMD, M2CMD_CARD_WRITESETUP, Len32)
	if err != nil {
		return err
	}
	if s.TimestampingEnabled {
		return c.EnableTimestamping()
	}
	c.ts = nil
	return c.regs.Write(c.handle, SPC_TIMESTAMP_CMD, SPC_TSMODE_DISABLE, Len32)
}

// Start arms the card and enables the trigger engine
func (c *Card) Start() error {
	if !c.connected {
		return ErrNotConnected
	}
	return c.regs.Write(c.handle, SPC_M2CMD, M2CMD_CARD_START|M2CMD_CARD_ENABLETRIGGER, Len32)
}

// Stop halts the acquisition
func (c *Card) Stop() error {
	if !c.connected {
		return ErrNotConnected
	}
	return c.regs.Write(c.handle, SPC_M2CMD, M2CMD_CARD_STOP, Len32)
}

// ForceTrigger issues a software trigger event regardless of the trigger
// configuration
func (c *Card) ForceTrigger() error {
	if !c.connected {
		return ErrNotConnected
	}
	return c.regs.Write(c.handle, SPC_M2CMD, M2CMD_CARD_FORCETRIGGER, Len32)
}

// WaitForAcquisitionComplete blocks until the acquisition has finished or
// the card timeout elapses
func (c *Card) WaitForAcquisitionComplete() error {
	if !c.connected {
		return ErrNotConnected
	}
	return c.regs.Write(c.handle, SPC_M2CMD, M2CMD_CARD_WAITREADY, Len32)
}

// Status reads and decodes the card status register
func (c *Card) Status() (CardStatus, error) {
	if !c.connected {
		return CardStatus{}, ErrNotConnected
	}
	v, err := c.regs.Read(c.handle, SPC_M2STATUS, Len32)
	if err != nil {
		return CardStatus{}, err
	}
	return CardStatus{
		Triggered:   v&M2STAT_CARD_TRIGGER != 0,
		Ready:       v&M2STAT_CARD_READY != 0,
		BlockReady:  v&M2STAT_DATA_BLOCKREADY != 0,
		TransferEnd: v&M2STAT_DATA_END != 0,
		Overrun:     v&M2STAT_DATA_OVERRUN != 0,
	}, nil
}

// frameBytes is the size of one measurement across all enabled channels
func (c *Card) frameBytes() int {
	return c.acqLen * len(c.enabled) * bytesPerSample
}

// DefineTransferBuffer allocates and binds the sample transfer buffer sized
// for the current configuration: batch size frames, with chunk notifications
// every frame in FIFO modes and a single end notification otherwise
func (c *Card) DefineTransferBuffer() error {
	if !c.connected {
		return ErrNotConnected
	}
	totalSamples := c.acqLen * len(c.enabled) * c.batch
	notify := c.frameBytes()
	if !c.mode.FIFO() {
		notify = totalSamples * bytesPerSample
	}
	buf := NewSampleBuffer(totalSamples, notify)
	err := buf.Bind(c.regs, c.handle)
	if err != nil {
		return err
	}
	c.buf = buf
	return nil
}

// TransferBuffer returns the bound sample transfer buffer, or nil before
// DefineTransferBuffer
func (c *Card) TransferBuffer() *TransferBuffer {
	return c.buf
}

// StartTransfer begins DMA into the transfer buffer
func (c *Card) StartTransfer() error {
	if c.buf == nil {
		return ErrNoTransferBufferDefined
	}
	return c.buf.StartTransfer()
}

// StopTransfer halts DMA
func (c *Card) StopTransfer() error {
	if c.buf == nil {
		return ErrNoTransferBufferDefined
	}
	return c.buf.StopTransfer()
}

// GetWaveforms downloads one batch of measurements and converts them to
// volts.  In FIFO modes it drains the ring chunk by chunk, clamping each
// read to the buffer end (a wrapping chunk arrives as two copies) and to the
// bytes still owed for the batch, and releases every chunk back to the card
// as soon as it is copied.  In standard mode the whole frame is resident
// after one completed wait and a single copy suffices.
func (c *Card) GetWaveforms() ([][][]float64, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}
	if c.buf == nil {
		return nil, ErrNoTransferBufferDefined
	}
	expected := c.frameBytes() * c.batch
	raw := make([]byte, expected)
	if c.mode.FIFO() {
		copied := 0
		for copied < expected {
			err := c.buf.WaitForChunk()
			if err != nil {
				return nil, err
			}
			pos, avail, err := c.buf.ReadAvailable()
			if err != nil {
				return nil, err
			}
			if avail > c.buf.SizeBytes()-pos {
				avail = c.buf.SizeBytes() - pos
			}
			if avail > expected-copied {
				avail = expected - copied
			}
			copy(raw[copied:], c.buf.mem[pos:pos+avail])
			copied += avail
			err = c.buf.MarkConsumed(avail)
			if err != nil {
				return nil, err
			}
		}
	} else {
		err := c.buf.WaitForChunk()
		if err != nil {
			return nil, err
		}
		copy(raw, c.buf.mem)
		c.buf.markComplete()
	}
	return c.decodeFrames(raw), nil
}

// decodeFrames splits raw bytes into batch frames, de-interleaves the
// channels and scales to volts
func (c *Card) decodeFrames(raw []byte) [][][]float64 {
	nch := len(c.enabled)
	frames := make([][][]float64, c.batch)
	fb := c.frameBytes()
	scratch := make([]int16, c.acqLen)
	for f := 0; f < c.batch; f++ {
		frame := raw[f*fb : (f+1)*fb]
		frames[f] = make([][]float64, nch)
		for j, idx := range c.enabled {
			for s := 0; s < c.acqLen; s++ {
				off := (s*nch + j) * bytesPerSample
				scratch[s] = int16(uint16(frame[off]) | uint16(frame[off+1])<<8)
			}
			frames[f][j] = c.channels[idx].Physical(scratch)
		}
	}
	return frames
}

// EnableTimestamping turns on hardware timestamping, replacing any existing
// timestamper so the reference epoch matches the current configuration
func (c *Card) EnableTimestamping() error {
	if !c.connected {
		return ErrNotConnected
	}
	ts, err := newTimestamper(c)
	if err != nil {
		return err
	}
	c.ts = ts
	return nil
}

// TimestampingEnabled returns true if a timestamper is active
func (c *Card) TimestampingEnabled() bool {
	return c.ts != nil
}

// GetTimestamp returns the hardware timestamp of the most recent trigger
// event.  ErrNoTimestampsAvailable is returned when timestamping is off.
func (c *Card) GetTimestamp() (*time.Time, error) {
	if c.ts == nil {
		return nil, ErrNoTimestampsAvailable
	}
	t, err := c.ts.Timestamp()
	if err != nil {
		return nil, err
	}
	return &t, nil
}
