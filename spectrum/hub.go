package spectrum

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// StarHub is a group of cards synchronized by star-hub hardware, consumed as
// one logical digitizer.  Channel indices are global: channel 9 on two
// 8-channel cards is local channel 1 of the second card.  Scalar settings
// are pushed to every card on write and asserted identical on read.
type StarHub struct {
	regs      RegisterInterface
	handle    DeviceHandle
	id        string
	connected bool

	cards      []*Card
	master     int
	triggering int
}

// NewStarHub connects to the star hub at the given device index (sync0 for
// index 0) over the given already-connected cards.  The synchronization
// enable mask covering every card is written once here; after that the
// hardware fans out start, stop and trigger to all of them.  masterIndex
// selects the card whose clock drives the group; it is also the initial
// triggering card.
func NewStarHub(regs RegisterInterface, deviceIndex int, cards []*Card, masterIndex int) (*StarHub, error) {
	if len(cards) == 0 {
		return nil, fmt.Errorf("a star hub needs at least one card")
	}
	if masterIndex < 0 || masterIndex >= len(cards) {
		return nil, fmt.Errorf("master index %d out of range for %d cards", masterIndex, len(cards))
	}
	id := fmt.Sprintf("sync%d", deviceIndex)
	h, err := regs.Connect(id)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", id, err)
	}
	var mask int64
	for i := range cards {
		mask |= 1 << uint(i)
	}
	err = regs.Write(h, SPC_SYNC_ENABLEMASK, mask, Len32)
	if err != nil {
		regs.Disconnect(h)
		return nil, err
	}
	return &StarHub{
		regs:       regs,
		handle:     h,
		id:         id,
		connected:  true,
		cards:      cards,
		master:     masterIndex,
		triggering: masterIndex,
	}, nil
}

func (h *StarHub) String() string {
	return fmt.Sprintf("StarHub(%s, %d cards)", h.id, len(h.cards))
}

// Cards returns the hub's cards in hub order
func (h *StarHub) Cards() []*Card {
	return h.cards
}

// MasterCard returns the index of the clock master card
func (h *StarHub) MasterCard() int {
	return h.master
}

// TriggeringCard returns the index of the card trigger settings proxy to
func (h *StarHub) TriggeringCard() int {
	return h.triggering
}

// SetTriggeringCard selects which card receives trigger settings.  It may
// differ from the master card.
func (h *StarHub) SetTriggeringCard(i int) error {
	if i < 0 || i >= len(h.cards) {
		return fmt.Errorf("triggering card %d out of range for %d cards", i, len(h.cards))
	}
	h.triggering = i
	return nil
}

// NumChannels returns the total channel count across all cards
func (h *StarHub) NumChannels() int {
	n := 0
	for _, c := range h.cards {
		n += c.NumChannels()
	}
	return n
}

// partition splits ascending global channel indices into per-card local
// index lists
func (h *StarHub) partition(global []int) ([][]int, error) {
	sorted := make([]int, len(global))
	copy(sorted, global)
	sort.Ints(sorted)
	total := h.NumChannels()
	local := make([][]int, len(h.cards))
	offset := 0
	for i, c := range h.cards {
		hi := offset + c.NumChannels()
		for _, g := range sorted {
			if g < 0 || g >= total {
				return nil, fmt.Errorf("global channel %d out of range, hub has %d channels", g, total)
			}
			if g >= offset && g < hi {
				local[i] = append(local[i], g-offset)
			}
		}
		offset = hi
	}
	for i, l := range local {
		if !validChannelCounts[len(l)] {
			return nil, fmt.Errorf("card %d would have %d enabled channels: %w", i, len(l), ErrInvalidChannelCount)
		}
	}
	return local, nil
}

// EnabledChannels returns the enabled channels as global indices
func (h *StarHub) EnabledChannels() ([]int, error) {
	out := []int{}
	offset := 0
	for _, c := range h.cards {
		en, err := c.EnabledChannels()
		if err != nil {
			return nil, err
		}
		for _, e := range en {
			out = append(out, e+offset)
		}
		offset += c.NumChannels()
	}
	return out, nil
}

// SetEnabledChannels enables the given global channel indices.  Every card
// must end up with 1, 2, 4 or 8 enabled channels.
func (h *StarHub) SetEnabledChannels(global []int) error {
	local, err := h.partition(global)
	if err != nil {
		return err
	}
	for i, c := range h.cards {
		err = c.SetEnabledChannels(local[i])
		if err != nil {
			return err
		}
	}
	return nil
}

// equality-asserting scalar reads

func (h *StarHub) allEqualInt(name string, read func(*Card) (int, error)) (int, error) {
	first := 0
	for i, c := range h.cards {
		v, err := read(c)
		if err != nil {
			return 0, err
		}
		if i == 0 {
			first = v
			continue
		}
		if v != first {
			return 0, fmt.Errorf("%s is %d on card 0 but %d on card %d: %w", name, first, v, i, ErrSettingsMismatch)
		}
	}
	return first, nil
}

// AcquisitionMode returns the mode shared by all cards
func (h *StarHub) AcquisitionMode() (AcquisitionMode, error) {
	v, err := h.allEqualInt("acquisition mode", func(c *Card) (int, error) {
		m, err := c.AcquisitionMode()
		return int(m), err
	})
	return AcquisitionMode(v), err
}

// SetAcquisitionMode sets the acquisition mode on every card
func (h *StarHub) SetAcquisitionMode(m AcquisitionMode) error {
	for _, c := range h.cards {
		err := c.SetAcquisitionMode(m)
		if err != nil {
			return err
		}
	}
	return nil
}

// SampleRate returns the sample rate shared by all cards
func (h *StarHub) SampleRate() (int, error) {
	return h.allEqualInt("sample rate", (*Card).SampleRate)
}

// SetSampleRate sets the sample rate on every card
func (h *StarHub) SetSampleRate(hz int) error {
	for _, c := range h.cards {
		err := c.SetSampleRate(hz)
		if err != nil {
			return err
		}
	}
	return nil
}

// AcquisitionLength returns the measurement length shared by all cards
func (h *StarHub) AcquisitionLength() (int, error) {
	return h.allEqualInt("acquisition length", (*Card).AcquisitionLength)
}

// SetAcquisitionLength sets the measurement length on every card
func (h *StarHub) SetAcquisitionLength(samples int) error {
	for _, c := range h.cards {
		err := c.SetAcquisitionLength(samples)
		if err != nil {
			return err
		}
	}
	return nil
}

// Timeout returns the timeout shared by all cards
func (h *StarHub) Timeout() (int, error) {
	return h.allEqualInt("timeout", (*Card).Timeout)
}

// SetTimeout sets the timeout on every card
func (h *StarHub) SetTimeout(ms int) error {
	for _, c := range h.cards {
		err := c.SetTimeout(ms)
		if err != nil {
			return err
		}
	}
	return nil
}

// BatchSize returns the batch size shared by all cards
func (h *StarHub) BatchSize() (int, error) {
	return h.allEqualInt("batch size", (*Card).BatchSize)
}

// ClockMode returns the master card's clock mode
func (h *StarHub) ClockMode() (ClockMode, error) {
	return h.cards[h.master].ClockMode()
}

// SetClockMode sets the clock mode on the master card only; the hub
// distributes its clock to the others
func (h *StarHub) SetClockMode(m ClockMode) error {
	return h.cards[h.master].SetClockMode(m)
}

// TriggerSettings returns the triggering card's trigger configuration
func (h *StarHub) TriggerSettings() (TriggerSettings, error) {
	return h.cards[h.triggering].TriggerSettings()
}

// SetTriggerSettings applies trigger settings to the triggering card and
// disables trigger sources on every other card.  Multiple active sources on
// synchronized cards would conflict.
func (h *StarHub) SetTriggerSettings(t TriggerSettings) error {
	for i, c := range h.cards {
		if i == h.triggering {
			err := c.SetTriggerSettings(t)
			if err != nil {
				return err
			}
			continue
		}
		err := c.SetTriggerSettings(TriggerSettings{Sources: []TriggerSource{TriggerNone}})
		if err != nil {
			return err
		}
	}
	return nil
}

// Configure applies a complete configuration across the hub.  Channel lists
// and their vertical settings are given in global indices and partitioned
// per card; scalar settings go to every card unchanged.
func (h *StarHub) Configure(s AcquisitionSettings) error {
	local, err := h.partition(s.EnabledChannels)
	if err != nil {
		return err
	}
	if len(s.VerticalRangesMV) != 0 && len(s.VerticalRangesMV) != len(s.EnabledChannels) {
		return fmt.Errorf("got %d vertical ranges for %d channels", len(s.VerticalRangesMV), len(s.EnabledChannels))
	}
	if len(s.VerticalOffsetsPercent) != 0 && len(s.VerticalOffsetsPercent) != len(s.EnabledChannels) {
		return fmt.Errorf("got %d vertical offsets for %d channels", len(s.VerticalOffsetsPercent), len(s.EnabledChannels))
	}
	consumed := 0
	for i, c := range h.cards {
		cs := s
		cs.EnabledChannels = local[i]
		n := len(local[i])
		if len(s.VerticalRangesMV) != 0 {
			cs.VerticalRangesMV = s.VerticalRangesMV[consumed : consumed+n]
		}
		if len(s.VerticalOffsetsPercent) != 0 {
			cs.VerticalOffsetsPercent = s.VerticalOffsetsPercent[consumed : consumed+n]
		}
		consumed += n
		err = c.Configure(cs)
		if err != nil {
			return fmt.Errorf("configuring card %d: %w", i, err)
		}
	}
	return nil
}

// Start arms every card through one hub instruction
func (h *StarHub) Start() error {
	if !h.connected {
		return ErrNotConnected
	}
	return h.regs.Write(h.handle, SPC_M2CMD, M2CMD_CARD_START|M2CMD_CARD_ENABLETRIGGER, Len32)
}

// Stop halts every card through one hub instruction
func (h *StarHub) Stop() error {
	if !h.connected {
		return ErrNotConnected
	}
	return h.regs.Write(h.handle, SPC_M2CMD, M2CMD_CARD_STOP, Len32)
}

// ForceTrigger issues a software trigger on the triggering card; the hub
// hardware propagates the event to the group
func (h *StarHub) ForceTrigger() error {
	return h.cards[h.triggering].ForceTrigger()
}

// WaitForAcquisitionComplete blocks until every card has finished
func (h *StarHub) WaitForAcquisitionComplete() error {
	for _, c := range h.cards {
		err := c.WaitForAcquisitionComplete()
		if err != nil {
			return err
		}
	}
	return nil
}

// DefineTransferBuffer allocates and binds a transfer buffer on every card
func (h *StarHub) DefineTransferBuffer() error {
	for _, c := range h.cards {
		err := c.DefineTransferBuffer()
		if err != nil {
			return err
		}
	}
	return nil
}

// StartTransfer begins DMA on every card, in card order
func (h *StarHub) StartTransfer() error {
	for _, c := range h.cards {
		err := c.StartTransfer()
		if err != nil {
			return err
		}
	}
	return nil
}

// StopTransfer halts DMA on every card, in card order
func (h *StarHub) StopTransfer() error {
	for _, c := range h.cards {
		err := c.StopTransfer()
		if err != nil {
			return err
		}
	}
	return nil
}

// GetWaveforms downloads one batch from every card concurrently and
// concatenates the frames preserving card order and per-card channel order
func (h *StarHub) GetWaveforms() ([][][]float64, error) {
	results := make([][][][]float64, len(h.cards))
	errs := make([]error, len(h.cards))
	var wg sync.WaitGroup
	for i := range h.cards {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.cards[i].GetWaveforms()
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("card %d: %w", i, err)
		}
	}
	batch, err := h.BatchSize()
	if err != nil {
		return nil, err
	}
	out := make([][][]float64, batch)
	for f := 0; f < batch; f++ {
		for i := range h.cards {
			out[f] = append(out[f], results[i][f]...)
		}
	}
	return out, nil
}

// TimestampingEnabled returns true if the triggering card records timestamps
func (h *StarHub) TimestampingEnabled() bool {
	return h.cards[h.triggering].TimestampingEnabled()
}

// GetTimestamp returns the triggering card's timestamp of the most recent
// trigger event, which is shared by the whole group
func (h *StarHub) GetTimestamp() (*time.Time, error) {
	return h.cards[h.triggering].GetTimestamp()
}

// Status aggregates card statuses: ready/triggered only when every card is,
// overrun if any card overran
func (h *StarHub) Status() (CardStatus, error) {
	agg := CardStatus{Triggered: true, Ready: true, BlockReady: true, TransferEnd: true}
	for _, c := range h.cards {
		s, err := c.Status()
		if err != nil {
			return CardStatus{}, err
		}
		agg.Triggered = agg.Triggered && s.Triggered
		agg.Ready = agg.Ready && s.Ready
		agg.BlockReady = agg.BlockReady && s.BlockReady
		agg.TransferEnd = agg.TransferEnd && s.TransferEnd
		agg.Overrun = agg.Overrun || s.Overrun
	}
	return agg, nil
}

// Disconnect closes every card and then the hub handle
func (h *StarHub) Disconnect() error {
	if !h.connected {
		return ErrNotConnected
	}
	for i, c := range h.cards {
		if !c.Connected() {
			continue
		}
		err := c.Disconnect()
		if err != nil {
			return fmt.Errorf("disconnecting card %d: %w", i, err)
		}
	}
	err := h.regs.Disconnect(h.handle)
	if err != nil {
		return err
	}
	h.connected = false
	return nil
}
