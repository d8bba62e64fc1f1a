package spectrum

import (
	"errors"
	"testing"
)

func TestHubPartitionsGlobalChannels(t *testing.T) {
	hub, err := NewMockStarHub(2, 1, 8, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Disconnect()
	if hub.NumChannels() != 16 {
		t.Fatalf("hub has %d channels, expected 16", hub.NumChannels())
	}
	// global channel 9 is local channel 1 of the second card
	err = hub.SetEnabledChannels([]int{0, 9})
	if err != nil {
		t.Fatal(err)
	}
	en, err := hub.EnabledChannels()
	if err != nil {
		t.Fatal(err)
	}
	if len(en) != 2 || en[0] != 0 || en[1] != 9 {
		t.Errorf("enabled global channels %v, expected [0 9]", en)
	}
	local0, err := hub.Cards()[0].EnabledChannels()
	if err != nil {
		t.Fatal(err)
	}
	local1, err := hub.Cards()[1].EnabledChannels()
	if err != nil {
		t.Fatal(err)
	}
	if len(local0) != 1 || local0[0] != 0 {
		t.Errorf("card 0 local channels %v, expected [0]", local0)
	}
	if len(local1) != 1 || local1[0] != 1 {
		t.Errorf("card 1 local channels %v, expected [1]", local1)
	}
}

func TestHubRejectsInvalidPerCardCounts(t *testing.T) {
	hub, err := NewMockStarHub(2, 1, 8, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Disconnect()
	// card 0 would end up with 3 enabled channels
	err = hub.SetEnabledChannels([]int{0, 1, 2, 8})
	if !errors.Is(err, ErrInvalidChannelCount) {
		t.Errorf("3 channels on one card gave %v", err)
	}
	// card 1 would end up with 0 enabled channels
	err = hub.SetEnabledChannels([]int{0, 1})
	if !errors.Is(err, ErrInvalidChannelCount) {
		t.Errorf("0 channels on one card gave %v", err)
	}
	err = hub.SetEnabledChannels([]int{17})
	if err == nil {
		t.Error("global channel 17 on a 16 channel hub should be rejected")
	}
}

func TestHubWritesSyncEnableMask(t *testing.T) {
	m := NewMockRegisters()
	m.AddCard(0, 1, 8, 50)
	m.AddCard(1, 1, 8, 50)
	cards := make([]*Card, 2)
	var err error
	for i := range cards {
		cards[i], err = NewCard(m, i)
		if err != nil {
			t.Fatal(err)
		}
	}
	err = m.AddHub(2, []int{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	hub, err := NewStarHub(m, 2, cards, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Disconnect()
	h, err := m.Connect("sync2")
	if err != nil {
		t.Fatal(err)
	}
	mask, err := m.Read(h, SPC_SYNC_ENABLEMASK, Len32)
	if err != nil {
		t.Fatal(err)
	}
	if mask != 0b11 {
		t.Errorf("sync enable mask 0b%b, expected 0b11", mask)
	}
}

func TestHubDetectsSettingsMismatch(t *testing.T) {
	hub, err := NewMockStarHub(2, 1, 8, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Disconnect()
	err = hub.SetSampleRate(40_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = hub.SampleRate(); err != nil {
		t.Fatalf("equal rates reported as %v", err)
	}
	// settings diverge when a card is driven directly behind the hub's back
	err = hub.Cards()[1].SetSampleRate(20_000_000)
	if err != nil {
		t.Fatal(err)
	}
	_, err = hub.SampleRate()
	if !errors.Is(err, ErrSettingsMismatch) {
		t.Errorf("diverged rates gave %v", err)
	}
}

func TestHubTriggerFanOut(t *testing.T) {
	hub, err := NewMockStarHub(2, 1, 8, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Disconnect()
	err = hub.SetTriggeringCard(1)
	if err != nil {
		t.Fatal(err)
	}
	err = hub.SetTriggerSettings(TriggerSettings{
		Sources:         []TriggerSource{TriggerExt0},
		ExternalMode:    ExtTriggerPositiveEdge,
		ExternalLevelMV: 200,
	})
	if err != nil {
		t.Fatal(err)
	}
	ts0, err := hub.Cards()[0].TriggerSettings()
	if err != nil {
		t.Fatal(err)
	}
	if len(ts0.Sources) != 1 || ts0.Sources[0] != TriggerNone {
		t.Errorf("non-triggering card sources %v, expected [none]", ts0.Sources)
	}
	ts1, err := hub.TriggerSettings()
	if err != nil {
		t.Fatal(err)
	}
	if len(ts1.Sources) != 1 || ts1.Sources[0] != TriggerExt0 {
		t.Errorf("triggering card sources %v, expected [ext0]", ts1.Sources)
	}
}

func TestHubAcquisitionConcatenatesCards(t *testing.T) {
	hub, err := NewMockStarHub(2, 1, 8, 200, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Disconnect()
	err = hub.Configure(AcquisitionSettings{
		Mode:                     ModeFIFOMulti,
		SampleRateHz:             1000,
		AcquisitionLengthSamples: 16,
		TimeoutMs:                5000,
		EnabledChannels:          []int{0, 1, 8, 9},
		VerticalRangesMV:         []int{1000, 1000, 1000, 1000},
		VerticalOffsetsPercent:   []int{0, 0, 0, 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	ms, err := ExecuteFiniteFIFOAcquisition(hub, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 2 {
		t.Fatalf("got %d measurements, expected 2", len(ms))
	}
	for i, m := range ms {
		// two channels from each card, card 0 first
		if len(m.Waveforms) != 4 {
			t.Fatalf("measurement %d has %d waveforms, expected 4", i, len(m.Waveforms))
		}
		for j, w := range m.Waveforms {
			if len(w) != 16 {
				t.Fatalf("measurement %d channel %d has %d samples, expected 16", i, j, len(w))
			}
		}
	}
}

func TestHubDisconnectClosesCards(t *testing.T) {
	hub, err := NewMockStarHub(2, 1, 8, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = hub.Disconnect()
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range hub.Cards() {
		if c.Connected() {
			t.Errorf("card %d still connected after hub disconnect", i)
		}
	}
	if err = hub.Disconnect(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("second disconnect gave %v", err)
	}
}
