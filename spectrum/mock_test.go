package spectrum

import (
	"errors"
	"testing"
	"time"
)

func TestMockFiniteFIFOAcquisition(t *testing.T) {
	card, err := NewMockCard(2, 4, 200)
	if err != nil {
		t.Fatal(err)
	}
	defer card.Disconnect()
	err = card.Configure(AcquisitionSettings{
		Mode:                     ModeFIFOMulti,
		SampleRateHz:             1000,
		AcquisitionLengthSamples: 64,
		TimeoutMs:                5000,
		EnabledChannels:          []int{0, 1},
		VerticalRangesMV:         []int{1000, 1000},
		VerticalOffsetsPercent:   []int{0, 0},
		BatchSize:                2,
		TimestampingEnabled:      true,
	})
	if err != nil {
		t.Fatal(err)
	}
	before := time.Now()
	ms, err := ExecuteFiniteFIFOAcquisition(card, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 4 {
		t.Fatalf("got %d measurements, expected 4", len(ms))
	}
	for i, m := range ms {
		if len(m.Waveforms) != 2 {
			t.Fatalf("measurement %d has %d waveforms, expected 2", i, len(m.Waveforms))
		}
		for j, w := range m.Waveforms {
			if len(w) != 64 {
				t.Fatalf("measurement %d channel %d has %d samples, expected 64", i, j, len(w))
			}
			for _, v := range w {
				// the simulated noise spans a quarter of full scale
				if v < -0.26 || v > 0.26 {
					t.Fatalf("measurement %d channel %d sample %v V outside the simulated noise band", i, j, v)
				}
			}
		}
		if m.Timestamp == nil {
			t.Fatalf("measurement %d has no timestamp with timestamping on", i)
		}
		if m.Timestamp.Before(before) || m.Timestamp.After(time.Now()) {
			t.Errorf("measurement %d timestamp %v outside the acquisition window", i, m.Timestamp)
		}
	}
}

func TestMockStandardSingleAcquisition(t *testing.T) {
	card, err := NewMockCard(1, 2, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer card.Disconnect()
	err = card.Configure(AcquisitionSettings{
		Mode:                     ModeStandardSingle,
		SampleRateHz:             1000,
		AcquisitionLengthSamples: 32,
		TimeoutMs:                1000,
		EnabledChannels:          []int{0, 1},
		VerticalRangesMV:         []int{2000, 2000},
		VerticalOffsetsPercent:   []int{0, 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	m, err := ExecuteStandardSingleAcquisition(card)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Waveforms) != 2 || len(m.Waveforms[0]) != 32 {
		t.Fatalf("waveform shape [%d][%d], expected [2][32]", len(m.Waveforms), len(m.Waveforms[0]))
	}
	if m.Timestamp != nil {
		t.Error("timestamp present with timestamping off")
	}
}

func TestMockStandardSingleRejectedInFIFOMode(t *testing.T) {
	card, err := NewMockCard(1, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer card.Disconnect()
	err = card.SetAcquisitionMode(ModeFIFOMulti)
	if err != nil {
		t.Fatal(err)
	}
	_, err = ExecuteStandardSingleAcquisition(card)
	if !errors.Is(err, ErrWrongAcquisitionMode) {
		t.Errorf("standard acquisition in FIFO mode gave %v", err)
	}
}

func TestMockFiniteFIFORequiresBatchMultiple(t *testing.T) {
	card, err := NewMockCard(1, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer card.Disconnect()
	err = card.Configure(AcquisitionSettings{
		Mode:                     ModeFIFOMulti,
		SampleRateHz:             1000,
		AcquisitionLengthSamples: 8,
		TimeoutMs:                1000,
		EnabledChannels:          []int{0},
		BatchSize:                3,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = ExecuteFiniteFIFOAcquisition(card, 7)
	if err == nil {
		t.Error("7 measurements with batch size 3 should be rejected")
	}
}

func TestMockWaitWithoutProducerTimesOut(t *testing.T) {
	card, err := NewMockCard(1, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer card.Disconnect()
	err = card.Configure(AcquisitionSettings{
		Mode:                     ModeFIFOMulti,
		SampleRateHz:             1000,
		AcquisitionLengthSamples: 8,
		TimeoutMs:                100,
		EnabledChannels:          []int{0},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = card.DefineTransferBuffer()
	if err != nil {
		t.Fatal(err)
	}
	// the acquisition was never started, so no data will ever arrive
	_, err = card.GetWaveforms()
	if !errors.Is(err, ErrTransferTimeout) {
		t.Errorf("wait with no producer gave %v, expected a transfer timeout", err)
	}
}

func TestMockOverrunWhenConsumerStalls(t *testing.T) {
	card, err := NewMockCard(1, 1, 500)
	if err != nil {
		t.Fatal(err)
	}
	defer card.Disconnect()
	// the transfer buffer holds exactly one frame, so a stalled consumer
	// overruns as soon as the second frame lands
	err = card.Configure(AcquisitionSettings{
		Mode:                     ModeFIFOMulti,
		SampleRateHz:             1000,
		AcquisitionLengthSamples: 8,
		TimeoutMs:                1000,
		EnabledChannels:          []int{0},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = ExecuteContinuousFIFOAcquisition(card)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		s, err := card.Status()
		if err != nil {
			t.Fatal(err)
		}
		if s.Overrun {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no overrun within 2s of a stalled consumer")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// drain what is there; the overrun surfaces on the next wait at the latest
	var got error
	for i := 0; i < 3; i++ {
		_, got = card.GetWaveforms()
		if got != nil {
			break
		}
	}
	if !errors.Is(got, ErrHardwareBufferOverrun) {
		t.Errorf("stalled consumer gave %v, expected a hardware buffer overrun", got)
	}
	card.Stop()
}

func TestMockDisconnectReconnect(t *testing.T) {
	card, err := NewMockCard(1, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	err = card.Disconnect()
	if err != nil {
		t.Fatal(err)
	}
	if err = card.Disconnect(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("second disconnect gave %v", err)
	}
	if err = card.Start(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("start after disconnect gave %v", err)
	}
	if _, err = card.Status(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("status after disconnect gave %v", err)
	}
	err = card.Reconnect()
	if err != nil {
		t.Fatal(err)
	}
	if !card.Connected() {
		t.Fatal("card not connected after reconnect")
	}
	if _, err = card.Status(); err != nil {
		t.Errorf("status after reconnect gave %v", err)
	}
	card.Disconnect()
}

func TestMockConnectUnknownDevice(t *testing.T) {
	m := NewMockRegisters()
	_, err := m.Connect("/dev/spcm0")
	if !errors.Is(err, ErrDriversNotFound) {
		t.Errorf("connecting an unregistered device gave %v", err)
	}
}
