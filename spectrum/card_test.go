package spectrum

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

// ringRegs is a scripted RegisterInterface with a deterministic ring: reads
// of the avail registers report pos/avail, consuming advances them, and a
// DMA wait succeeds whenever data is available
type ringRegs struct {
	params map[int32]int64
	mem    []byte
	pos    int
	avail  int
}

func newRingRegs(modules, perModule int) *ringRegs {
	return &ringRegs{params: map[int32]int64{
		SPC_MIINST_MODULES:     int64(modules),
		SPC_MIINST_CHPERMODULE: int64(perModule),
		SPC_MIINST_MAXADCVALUE: mockFullScale,
	}}
}

func (r *ringRegs) Connect(id string) (DeviceHandle, error) {
	return 1, nil
}

func (r *ringRegs) Disconnect(h DeviceHandle) error {
	return nil
}

func (r *ringRegs) Read(h DeviceHandle, register int32, length RegisterLength) (int64, error) {
	switch register {
	case SPC_DATA_AVAIL_USER_POS:
		return int64(r.pos), nil
	case SPC_DATA_AVAIL_USER_LEN:
		return int64(r.avail), nil
	default:
		return r.params[register], nil
	}
}

func (r *ringRegs) Write(h DeviceHandle, register int32, value int64, length RegisterLength) error {
	switch register {
	case SPC_M2CMD:
		if value&M2CMD_DATA_WAITDMA != 0 && r.avail == 0 {
			return check(ERR_TIMEOUT, register, value)
		}
		return nil
	case SPC_DATA_AVAIL_CARD_LEN:
		n := int(value)
		if n > r.avail {
			return check(ERR_FIFOHWOVERRUN, register, value)
		}
		r.avail -= n
		if len(r.mem) > 0 {
			r.pos = (r.pos + n) % len(r.mem)
		}
		return nil
	default:
		r.params[register] = value
		return nil
	}
}

func (r *ringRegs) DefineTransfer(h DeviceHandle, typ BufferType, dir BufferDirection, notify int, mem []byte) error {
	if typ == BufData {
		r.mem = mem
	}
	return nil
}

func TestFIFODownloadWrapsAroundRingEnd(t *testing.T) {
	regs := newRingRegs(1, 1)
	c, err := NewCard(regs, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = c.SetAcquisitionMode(ModeFIFOMulti)
	if err != nil {
		t.Fatal(err)
	}
	err = c.SetAcquisitionLength(8)
	if err != nil {
		t.Fatal(err)
	}
	err = c.SetBatchSize(2)
	if err != nil {
		t.Fatal(err)
	}
	err = c.Channels()[0].SetVerticalRange(1000)
	if err != nil {
		t.Fatal(err)
	}
	err = c.DefineTransferBuffer()
	if err != nil {
		t.Fatal(err)
	}
	if len(regs.mem) != 32 {
		t.Fatalf("transfer buffer is %d bytes, expected 32 (8 samples x 1 channel x batch 2)", len(regs.mem))
	}
	// samples 0..15 occupy the ring in order; the oldest unread data starts
	// halfway through, so the batch wraps around the ring end
	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint16(regs.mem[i*2:], uint16(int16(i)))
	}
	regs.pos = 16
	regs.avail = 32

	frames, err := c.GetWaveforms()
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || len(frames[0]) != 1 || len(frames[0][0]) != 8 {
		t.Fatalf("frame shape [%d][%d][%d], expected [2][1][8]", len(frames), len(frames[0]), len(frames[0][0]))
	}
	// frame 0 holds samples 8..15 (the tail of the ring), frame 1 samples 0..7
	for s := 0; s < 8; s++ {
		want0 := float64(s+8) / mockFullScale
		want1 := float64(s) / mockFullScale
		if math.Abs(frames[0][0][s]-want0) > 1e-9 {
			t.Errorf("frame 0 sample %d = %v, expected %v", s, frames[0][0][s], want0)
		}
		if math.Abs(frames[1][0][s]-want1) > 1e-9 {
			t.Errorf("frame 1 sample %d = %v, expected %v", s, frames[1][0][s], want1)
		}
	}
	if regs.avail != 0 {
		t.Errorf("%d bytes left unconsumed after the batch", regs.avail)
	}
	if regs.pos != 16 {
		t.Errorf("ring position %d after the batch, expected 16", regs.pos)
	}
}

func TestFIFOAcquisitionLengthCoercedDown(t *testing.T) {
	regs := newRingRegs(1, 1)
	c, err := NewCard(regs, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = c.SetAcquisitionMode(ModeFIFOMulti)
	if err != nil {
		t.Fatal(err)
	}
	err = c.SetAcquisitionLength(1001)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.AcquisitionLength()
	if err != nil {
		t.Fatal(err)
	}
	if got != 1000 {
		t.Errorf("1001 samples in FIFO mode coerced to %d, expected 1000", got)
	}
	if regs.params[SPC_SEGMENTSIZE] != 1000 {
		t.Errorf("segment size register holds %d, expected 1000", regs.params[SPC_SEGMENTSIZE])
	}
}

func TestStandardModeLengthNotCoerced(t *testing.T) {
	regs := newRingRegs(1, 1)
	c, err := NewCard(regs, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = c.SetAcquisitionLength(1001)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.AcquisitionLength()
	if err != nil {
		t.Fatal(err)
	}
	if got != 1001 {
		t.Errorf("standard mode length %d, expected 1001 unchanged", got)
	}
	if regs.params[SPC_MEMSIZE] != 1001 {
		t.Errorf("memsize register holds %d, expected 1001", regs.params[SPC_MEMSIZE])
	}
}

func TestBatchSizeRequiresFIFOMode(t *testing.T) {
	regs := newRingRegs(1, 1)
	c, err := NewCard(regs, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = c.SetBatchSize(2)
	if !errors.Is(err, ErrWrongAcquisitionMode) {
		t.Errorf("batch size 2 in standard mode gave %v", err)
	}
	err = c.Configure(AcquisitionSettings{
		Mode:                     ModeStandardSingle,
		SampleRateHz:             1000,
		AcquisitionLengthSamples: 8,
		EnabledChannels:          []int{0},
		BatchSize:                2,
	})
	if !errors.Is(err, ErrWrongAcquisitionMode) {
		t.Errorf("configure with batch 2 in standard mode gave %v", err)
	}
}

func TestEnabledChannelCountValidation(t *testing.T) {
	regs := newRingRegs(2, 4)
	c, err := NewCard(regs, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, idxs := range [][]int{{0, 1, 2}, {0, 1, 2, 3, 4}, {}} {
		err = c.SetEnabledChannels(idxs)
		if !errors.Is(err, ErrInvalidChannelCount) {
			t.Errorf("%d channels gave %v", len(idxs), err)
		}
	}
	err = c.SetEnabledChannels([]int{0, 8})
	if err == nil {
		t.Error("channel index 8 on an 8 channel card should be rejected")
	}
	err = c.SetEnabledChannels([]int{7, 0, 3, 5})
	if err != nil {
		t.Fatalf("4 valid channels rejected: %v", err)
	}
	en, err := c.EnabledChannels()
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []int{0, 3, 5, 7} {
		if en[i] != want {
			t.Errorf("enabled[%d] = %d, expected %d (ascending)", i, en[i], want)
		}
	}
	mask := regs.params[SPC_CHENABLE]
	if mask != 1|1<<3|1<<5|1<<7 {
		t.Errorf("channel enable mask 0b%b", mask)
	}
}

func TestChannelPhysicalScaling(t *testing.T) {
	ch := &Channel{fullScale: 32767, rangeMV: 2000, offsetPct: 10}
	got := ch.Physical([]int16{0, 32767, -32767})
	want := []float64{0.2, 2.2, -1.8}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("sample %d converts to %v V, expected %v V", i, got[i], want[i])
		}
	}
}

func TestExternalTriggerGuards(t *testing.T) {
	regs := newRingRegs(1, 1)
	c, err := NewCard(regs, 0)
	if err != nil {
		t.Fatal(err)
	}
	// software trigger is the default; external accessors must refuse
	if _, err := c.ExternalTriggerMode(); !errors.Is(err, ErrExternalTriggerNotEnabled) {
		t.Errorf("external mode with software trigger gave %v", err)
	}
	if err := c.SetExternalTriggerLevel(200); !errors.Is(err, ErrExternalTriggerNotEnabled) {
		t.Errorf("external level with software trigger gave %v", err)
	}
	err = c.SetTriggerSettings(TriggerSettings{
		Sources:            []TriggerSource{TriggerExt1},
		ExternalMode:       ExtTriggerPositiveEdge,
		ExternalLevelMV:    150,
		ExternalPulseWidth: 16,
	})
	if !errors.Is(err, ErrTriggerOperationNotImplemented) {
		t.Errorf("pulse width on ext1 gave %v", err)
	}
	err = c.SetTriggerSettings(TriggerSettings{
		Sources:         []TriggerSource{TriggerExt0},
		ExternalMode:    ExtTriggerNegativeEdge,
		ExternalLevelMV: 150,
	})
	if err != nil {
		t.Fatal(err)
	}
	if regs.params[SPC_TRIG_EXT0_MODE] != int64(ExtTriggerNegativeEdge) {
		t.Errorf("ext0 mode register holds %d", regs.params[SPC_TRIG_EXT0_MODE])
	}
	if regs.params[SPC_TRIG_EXT0_LEVEL0] != 150 {
		t.Errorf("ext0 level register holds %d", regs.params[SPC_TRIG_EXT0_LEVEL0])
	}
	m, err := c.ExternalTriggerMode()
	if err != nil {
		t.Fatal(err)
	}
	if m != ExtTriggerNegativeEdge {
		t.Errorf("external mode %v", m)
	}
}

func TestStatusDecode(t *testing.T) {
	regs := newRingRegs(1, 1)
	c, err := NewCard(regs, 0)
	if err != nil {
		t.Fatal(err)
	}
	regs.params[SPC_M2STATUS] = M2STAT_CARD_READY | M2STAT_DATA_OVERRUN
	s, err := c.Status()
	if err != nil {
		t.Fatal(err)
	}
	if !s.Ready || !s.Overrun || s.Triggered || s.BlockReady || s.TransferEnd {
		t.Errorf("decoded status %+v", s)
	}
	if s.String() != "ready|overrun" {
		t.Errorf("status string %q", s.String())
	}
}

func TestGetWaveformsTimeoutSurfaces(t *testing.T) {
	regs := newRingRegs(1, 1)
	c, err := NewCard(regs, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = c.SetAcquisitionMode(ModeFIFOMulti)
	if err != nil {
		t.Fatal(err)
	}
	err = c.SetAcquisitionLength(8)
	if err != nil {
		t.Fatal(err)
	}
	err = c.DefineTransferBuffer()
	if err != nil {
		t.Fatal(err)
	}
	// nothing available, the scripted wait times out
	_, err = c.GetWaveforms()
	if !errors.Is(err, ErrTransferTimeout) {
		t.Errorf("empty ring gave %v, expected a transfer timeout", err)
	}
}
