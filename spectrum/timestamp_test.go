package spectrum

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

// tsRegs scripts the timestamp ring: each read of the avail register pops
// the next value from feed, consuming advances the position
type tsRegs struct {
	mem  []byte
	pos  int
	feed []int
}

func (r *tsRegs) Connect(id string) (DeviceHandle, error) {
	return 1, nil
}

func (r *tsRegs) Disconnect(h DeviceHandle) error {
	return nil
}

func (r *tsRegs) Read(h DeviceHandle, register int32, length RegisterLength) (int64, error) {
	switch register {
	case SPC_TS_AVAIL_USER_POS:
		return int64(r.pos), nil
	case SPC_TS_AVAIL_USER_LEN:
		if len(r.feed) == 0 {
			return 0, nil
		}
		v := r.feed[0]
		r.feed = r.feed[1:]
		return int64(v), nil
	default:
		return 0, nil
	}
}

func (r *tsRegs) Write(h DeviceHandle, register int32, value int64, length RegisterLength) error {
	if register == SPC_TS_AVAIL_CARD_LEN && len(r.mem) > 0 {
		r.pos = (r.pos + int(value)) % len(r.mem)
	}
	return nil
}

func (r *tsRegs) DefineTransfer(h DeviceHandle, typ BufferType, dir BufferDirection, notify int, mem []byte) error {
	if typ == BufTimestamp {
		r.mem = mem
	}
	return nil
}

func TestTimestampSoftwareTriggerFastPath(t *testing.T) {
	c := &Card{trig: TriggerSettings{Sources: []TriggerSource{TriggerSoftware}}}
	ts := &Timestamper{card: c}
	before := time.Now()
	got, err := ts.Timestamp()
	if err != nil {
		t.Fatal(err)
	}
	if got.Before(before) || got.After(time.Now()) {
		t.Errorf("software trigger timestamp %v not the host clock", got)
	}
}

func TestTimestampAssemblesSplitRecord(t *testing.T) {
	regs := &tsRegs{}
	buf := NewTimestampBuffer()
	err := buf.Bind(regs, 1)
	if err != nil {
		t.Fatal(err)
	}
	// one record at the ring head: the second 64-bit word carries the
	// counter, 1000 samples at 1 kHz is one second past the epoch
	binary.LittleEndian.PutUint64(buf.mem[8:16], 1000)
	// the record arrives over three polls, the middle one empty
	regs.feed = []int{8, 0, 8}

	epoch := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	c := &Card{trig: TriggerSettings{Sources: []TriggerSource{TriggerExt0}}}
	ts := &Timestamper{card: c, buf: buf, epoch: epoch, sampleRate: 1000}
	got, err := ts.Timestamp()
	if err != nil {
		t.Fatal(err)
	}
	want := epoch.Add(time.Second)
	if !got.Equal(want) {
		t.Errorf("timestamp %v, expected %v", got, want)
	}
	if regs.pos != 16 {
		t.Errorf("ring position %d after the record, expected 16", regs.pos)
	}
}

func TestTimestampPollingBudgetExhausted(t *testing.T) {
	regs := &tsRegs{}
	buf := NewTimestampBuffer()
	err := buf.Bind(regs, 1)
	if err != nil {
		t.Fatal(err)
	}
	c := &Card{trig: TriggerSettings{Sources: []TriggerSource{TriggerExt0}}}
	ts := &Timestamper{card: c, buf: buf, epoch: time.Now(), sampleRate: 1000}
	_, err = ts.Timestamp()
	if !errors.Is(err, ErrTimestampsPollingTimeout) {
		t.Errorf("empty timestamp ring gave %v", err)
	}
}

func TestGetTimestampWithoutTimestamper(t *testing.T) {
	card, err := NewMockCard(1, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer card.Disconnect()
	_, err = card.GetTimestamp()
	if !errors.Is(err, ErrNoTimestampsAvailable) {
		t.Errorf("timestamp with timestamping off gave %v", err)
	}
}

func TestMockHardwareTimestampsAdvance(t *testing.T) {
	card, err := NewMockCard(1, 1, 200)
	if err != nil {
		t.Fatal(err)
	}
	defer card.Disconnect()
	err = card.Configure(AcquisitionSettings{
		Mode:                     ModeFIFOMulti,
		SampleRateHz:             1000,
		AcquisitionLengthSamples: 8,
		TimeoutMs:                5000,
		EnabledChannels:          []int{0},
		VerticalRangesMV:         []int{1000},
		TimestampingEnabled:      true,
	})
	if err != nil {
		t.Fatal(err)
	}
	// an external trigger source forces the hardware timestamp path
	err = card.SetTriggerSettings(TriggerSettings{
		Sources:         []TriggerSource{TriggerExt0},
		ExternalMode:    ExtTriggerPositiveEdge,
		ExternalLevelMV: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	before := time.Now()
	ms, err := ExecuteFiniteFIFOAcquisition(card, 2)
	if err != nil {
		t.Fatal(err)
	}
	if ms[0].Timestamp == nil || ms[1].Timestamp == nil {
		t.Fatal("missing hardware timestamps")
	}
	// frame counters are 0 and 8 samples at 1 kHz past the epoch
	if !ms[1].Timestamp.After(*ms[0].Timestamp) {
		t.Errorf("timestamps %v, %v do not advance", ms[0].Timestamp, ms[1].Timestamp)
	}
	if ms[0].Timestamp.After(time.Now()) || ms[0].Timestamp.Before(before.Add(-time.Second)) {
		t.Errorf("timestamp %v far from the acquisition window", ms[0].Timestamp)
	}
}
