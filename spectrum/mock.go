package spectrum

import (
	"context"
	"fmt"
	"math/bits"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// mock identity constants
const (
	mockModelCode      = 0x44a0
	mockFullScale      = 32767
	mockDefaultTimeout = time.Second
)

// mockDevice is the state of one simulated card or hub inside MockRegisters
type mockDevice struct {
	id     string
	params map[int32]int64
	open   bool

	// hub only
	children []*mockDevice

	// card only
	frameRate float64
	rng       *rand.Rand
	cond      *sync.Cond

	// bound transfer memory
	data       []byte
	dataNotify int
	tsMem      []byte

	// sample ring state
	producing   bool
	cancel      context.CancelFunc
	wpos        int
	userPos     int
	availLen    int
	frames      int
	overrun     bool
	ready       bool
	transferEnd bool
	generation  int

	// timestamp ring state
	tsWpos    int
	tsUserPos int
	tsAvail   int
}

func (d *mockDevice) card() bool {
	return d.children == nil
}

// MockRegisters is an in-memory RegisterInterface.  Cards and hubs are
// registered up front; Connect then opens them by the same identifiers the
// hardware driver would use.  One mutex guards all device state; frame
// production happens on a background goroutine per card under that mutex,
// so a consumer copying out of the transfer buffer always observes whole
// frames.
type MockRegisters struct {
	mu      sync.Mutex
	devices map[string]*mockDevice
	handles map[DeviceHandle]*mockDevice
	next    DeviceHandle
	seed    int64
}

// NewMockRegisters returns an empty mock driver
func NewMockRegisters() *MockRegisters {
	return &MockRegisters{
		devices: map[string]*mockDevice{},
		handles: map[DeviceHandle]*mockDevice{},
	}
}

// AddCard registers a simulated card at the given device index with the
// given channel topology, producing frames at frameRateHz when streaming
func (m *MockRegisters) AddCard(deviceIndex, numModules, channelsPerModule int, frameRateHz float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seed++
	d := &mockDevice{
		id: fmt.Sprintf("/dev/spcm%d", deviceIndex),
		params: map[int32]int64{
			SPC_MIINST_MODULES:        int64(numModules),
			SPC_MIINST_CHPERMODULE:    int64(channelsPerModule),
			SPC_MIINST_BYTESPERSAMPLE: bytesPerSample,
			SPC_MIINST_MAXADCVALUE:    mockFullScale,
			SPC_PCITYP:                mockModelCode,
		},
		frameRate: frameRateHz,
		rng:       rand.New(rand.NewSource(m.seed)),
	}
	d.cond = sync.NewCond(&m.mu)
	m.devices[d.id] = d
}

// AddHub registers a simulated star hub at the given device index over the
// cards at the given device indices, in hub order
func (m *MockRegisters) AddHub(deviceIndex int, cardIndices []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	children := make([]*mockDevice, len(cardIndices))
	for i, ci := range cardIndices {
		id := fmt.Sprintf("/dev/spcm%d", ci)
		c, ok := m.devices[id]
		if !ok {
			return fmt.Errorf("no mock card registered at device index %d", ci)
		}
		children[i] = c
	}
	d := &mockDevice{
		id:       fmt.Sprintf("sync%d", deviceIndex),
		params:   map[int32]int64{},
		children: children,
	}
	m.devices[d.id] = d
	return nil
}

// Connect opens a registered device by identifier
func (m *MockRegisters) Connect(id string) (DeviceHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return 0, fmt.Errorf("no mock device registered as %s: %w", id, ErrDriversNotFound)
	}
	d.open = true
	m.next++
	h := m.next
	m.handles[h] = d
	return h, nil
}

// Disconnect closes the handle.  Further access returns ErrNotConnected.
func (m *MockRegisters) Disconnect(h DeviceHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.handles[h]
	if !ok || !d.open {
		return ErrNotConnected
	}
	if d.card() {
		m.stopProducerLocked(d)
	}
	d.open = false
	delete(m.handles, h)
	return nil
}

func (m *MockRegisters) device(h DeviceHandle) (*mockDevice, error) {
	d, ok := m.handles[h]
	if !ok || !d.open {
		return nil, ErrNotConnected
	}
	return d, nil
}

// DefineTransfer binds host memory for DMA simulation
func (m *MockRegisters) DefineTransfer(h DeviceHandle, typ BufferType, dir BufferDirection, notify int, mem []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.device(h)
	if err != nil {
		return err
	}
	if dir != DirCardToPC {
		return fmt.Errorf("mock only simulates card-to-PC transfer")
	}
	switch typ {
	case BufData:
		d.data = mem
		d.dataNotify = notify
	case BufTimestamp:
		d.tsMem = mem
	default:
		return fmt.Errorf("buffer type %d not simulated", typ)
	}
	return nil
}

// Read reads a register
func (m *MockRegisters) Read(h DeviceHandle, register int32, length RegisterLength) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.device(h)
	if err != nil {
		return 0, err
	}
	switch register {
	case SPC_DATA_AVAIL_USER_POS:
		return int64(d.userPos), nil
	case SPC_DATA_AVAIL_USER_LEN:
		return int64(d.availLen), nil
	case SPC_TS_AVAIL_USER_POS:
		return int64(d.tsUserPos), nil
	case SPC_TS_AVAIL_USER_LEN:
		return int64(d.tsAvail), nil
	case SPC_CHCOUNT:
		return int64(bits.OnesCount64(uint64(d.params[SPC_CHENABLE]))), nil
	case SPC_M2STATUS:
		return m.statusLocked(d), nil
	default:
		return d.params[register], nil
	}
}

func (m *MockRegisters) statusLocked(d *mockDevice) int64 {
	var s int64
	if d.frames > 0 {
		s |= M2STAT_CARD_TRIGGER
	}
	if d.ready {
		s |= M2STAT_CARD_READY
	}
	if d.availLen >= d.dataNotify && d.dataNotify > 0 {
		s |= M2STAT_DATA_BLOCKREADY
	}
	if d.transferEnd {
		s |= M2STAT_DATA_END
	}
	if d.overrun {
		s |= M2STAT_DATA_OVERRUN
	}
	return s
}

// Write writes a register.  Command registers drive the simulation; all
// others land in the parameter store.
func (m *MockRegisters) Write(h DeviceHandle, register int32, value int64, length RegisterLength) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.device(h)
	if err != nil {
		return err
	}
	switch register {
	case SPC_M2CMD:
		if !d.card() {
			// the hub fans commands out to its cards in card order
			for _, c := range d.children {
				err = m.commandLocked(c, value)
				if err != nil {
					return err
				}
			}
			return nil
		}
		return m.commandLocked(d, value)
	case SPC_DATA_AVAIL_CARD_LEN:
		n := int(value)
		if n > d.availLen {
			return check(ERR_FIFOHWOVERRUN, register, value)
		}
		d.availLen -= n
		if len(d.data) > 0 {
			d.userPos = (d.userPos + n) % len(d.data)
		}
		return nil
	case SPC_TS_AVAIL_CARD_LEN:
		n := int(value)
		if n > d.tsAvail {
			return ApiCallError{Register: register, Value: value, Code: ERR_FIFOHWOVERRUN}
		}
		d.tsAvail -= n
		if len(d.tsMem) > 0 {
			d.tsUserPos = (d.tsUserPos + n) % len(d.tsMem)
		}
		return nil
	case SPC_TIMESTAMP_CMD:
		if value == SPC_TS_RESET {
			d.tsWpos = 0
			d.tsUserPos = 0
			d.tsAvail = 0
			return nil
		}
		d.params[register] = value
		return nil
	default:
		d.params[register] = value
		return nil
	}
}

// commandLocked executes an M2CMD bitmask on a card
func (m *MockRegisters) commandLocked(d *mockDevice, cmd int64) error {
	if cmd&M2CMD_CARD_START != 0 {
		m.startLocked(d)
	}
	if cmd&M2CMD_CARD_FORCETRIGGER != 0 && !d.ready && !AcquisitionMode(d.params[SPC_CARDMODE]).FIFO() {
		m.producePendingLocked(d)
	}
	if cmd&M2CMD_CARD_STOP != 0 {
		m.stopProducerLocked(d)
	}
	if cmd&M2CMD_DATA_STARTDMA != 0 {
		err := m.startDMALocked(d)
		if err != nil {
			return err
		}
	}
	if cmd&M2CMD_DATA_STOPDMA != 0 {
		m.stopProducerLocked(d)
	}
	if cmd&M2CMD_CARD_WAITREADY != 0 {
		err := m.waitLocked(d, func() bool { return d.ready })
		if err != nil {
			return err
		}
	}
	if cmd&M2CMD_DATA_WAITDMA != 0 {
		err := m.waitDMALocked(d)
		if err != nil {
			return err
		}
	}
	return nil
}

// startLocked resets the ring state and, in standard mode, captures the
// single on-board frame immediately (the software trigger fires on arm)
func (m *MockRegisters) startLocked(d *mockDevice) {
	d.wpos = 0
	d.userPos = 0
	d.availLen = 0
	d.frames = 0
	d.overrun = false
	d.ready = false
	d.transferEnd = false
	if !AcquisitionMode(d.params[SPC_CARDMODE]).FIFO() {
		m.producePendingLocked(d)
	}
}

// producePendingLocked fills the whole transfer window once for standard
// mode.  The data lands in the bound buffer at DMA start.
func (m *MockRegisters) producePendingLocked(d *mockDevice) {
	d.ready = true
	d.frames = 1
	d.cond.Broadcast()
}

func (m *MockRegisters) frameBytesLocked(d *mockDevice) int {
	mode := AcquisitionMode(d.params[SPC_CARDMODE])
	samples := d.params[SPC_MEMSIZE]
	if mode.FIFO() {
		samples = d.params[SPC_SEGMENTSIZE]
	}
	nch := bits.OnesCount64(uint64(d.params[SPC_CHENABLE]))
	return int(samples) * nch * bytesPerSample
}

// startDMALocked begins the simulated transfer.  Standard mode copies the
// pending frame into the bound buffer in one shot; FIFO modes launch the
// paced producer goroutine.
func (m *MockRegisters) startDMALocked(d *mockDevice) error {
	if len(d.data) == 0 {
		return fmt.Errorf("DMA start with no bound buffer: %w", ErrNoTransferBufferDefined)
	}
	if !AcquisitionMode(d.params[SPC_CARDMODE]).FIFO() {
		m.fillLocked(d, d.data)
		d.availLen = len(d.data)
		d.transferEnd = true
		d.generation++
		d.cond.Broadcast()
		return nil
	}
	if d.producing {
		return nil
	}
	d.producing = true
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go m.produce(ctx, d)
	return nil
}

// produce is the FIFO frame producer.  It paces itself with a rate limiter
// and checks the stop signal at every iteration boundary, so a stop may let
// one in-flight frame finish.
func (m *MockRegisters) produce(ctx context.Context, d *mockDevice) {
	lim := rate.NewLimiter(rate.Limit(d.frameRate), 1)
	for {
		err := lim.Wait(ctx)
		if err != nil {
			return
		}
		m.mu.Lock()
		if !d.producing {
			m.mu.Unlock()
			return
		}
		m.produceFrameLocked(d)
		stop := d.overrun
		m.mu.Unlock()
		if stop {
			return
		}
	}
}

// produceFrameLocked appends one frame of samples to the ring, wrapping at
// the end, and a timestamp record if timestamping is on
func (m *MockRegisters) produceFrameLocked(d *mockDevice) {
	fb := m.frameBytesLocked(d)
	if fb == 0 || len(d.data) == 0 {
		return
	}
	if d.availLen+fb > len(d.data) {
		// consumer fell behind, the ring would overwrite unread data
		d.overrun = true
		d.cond.Broadcast()
		return
	}
	first := fb
	if d.wpos+first > len(d.data) {
		first = len(d.data) - d.wpos
	}
	m.fillLocked(d, d.data[d.wpos:d.wpos+first])
	if first < fb {
		m.fillLocked(d, d.data[:fb-first])
	}
	d.wpos = (d.wpos + fb) % len(d.data)
	d.availLen += fb
	d.frames++
	d.generation++
	if d.params[SPC_TIMESTAMP_CMD]&SPC_TSMODE_STANDARD != 0 && len(d.tsMem) > 0 {
		m.produceTimestampLocked(d)
	}
	d.cond.Broadcast()
}

// produceTimestampLocked appends a 16 byte timestamp record: padding word
// then the sample counter of the frame's trigger
func (m *MockRegisters) produceTimestampLocked(d *mockDevice) {
	if d.tsAvail+timestampRecordBytes > len(d.tsMem) {
		return
	}
	mode := AcquisitionMode(d.params[SPC_CARDMODE])
	samples := d.params[SPC_MEMSIZE]
	if mode.FIFO() {
		samples = d.params[SPC_SEGMENTSIZE]
	}
	counter := uint64(d.frames-1) * uint64(samples)
	rec := make([]byte, timestampRecordBytes)
	for i := 0; i < 8; i++ {
		rec[8+i] = byte(counter >> uint(8*i))
	}
	for i := 0; i < timestampRecordBytes; i++ {
		d.tsMem[(d.tsWpos+i)%len(d.tsMem)] = rec[i]
	}
	d.tsWpos = (d.tsWpos + timestampRecordBytes) % len(d.tsMem)
	d.tsAvail += timestampRecordBytes
}

// fillLocked writes uniform noise samples scaled to a quarter of full scale
func (m *MockRegisters) fillLocked(d *mockDevice, dst []byte) {
	for i := 0; i+1 < len(dst); i += bytesPerSample {
		v := int16(d.rng.Intn(mockFullScale/2) - mockFullScale/4)
		dst[i] = byte(v)
		dst[i+1] = byte(uint16(v) >> 8)
	}
}

// stopProducerLocked signals the producer to stop at its next iteration
// boundary
func (m *MockRegisters) stopProducerLocked(d *mockDevice) {
	d.producing = false
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.cond != nil {
		d.cond.Broadcast()
	}
}

func (m *MockRegisters) timeoutLocked(d *mockDevice) time.Duration {
	t := time.Duration(d.params[SPC_TIMEOUT]) * time.Millisecond
	if t == 0 {
		t = mockDefaultTimeout
	}
	return t
}

// waitLocked blocks on the device condition until pred holds or the card
// timeout elapses
func (m *MockRegisters) waitLocked(d *mockDevice, pred func() bool) error {
	timeout := m.timeoutLocked(d)
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, d.cond.Broadcast)
	defer timer.Stop()
	for !pred() {
		if time.Now().After(deadline) {
			return check(ERR_TIMEOUT, SPC_M2CMD, 0)
		}
		d.cond.Wait()
	}
	return nil
}

// waitDMALocked blocks until transferred data is available.  A stopped
// producer with nothing left to read reports a timeout immediately, an
// overrun reports the overrun error.
func (m *MockRegisters) waitDMALocked(d *mockDevice) error {
	timeout := m.timeoutLocked(d)
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, d.cond.Broadcast)
	defer timer.Stop()
	for d.availLen == 0 {
		if d.overrun {
			return check(ERR_FIFOHWOVERRUN, SPC_M2CMD, M2CMD_DATA_WAITDMA)
		}
		if !d.producing && !d.transferEnd {
			return check(ERR_TIMEOUT, SPC_M2CMD, M2CMD_DATA_WAITDMA)
		}
		if time.Now().After(deadline) {
			return check(ERR_TIMEOUT, SPC_M2CMD, M2CMD_DATA_WAITDMA)
		}
		d.cond.Wait()
	}
	if d.overrun {
		return check(ERR_FIFOHWOVERRUN, SPC_M2CMD, M2CMD_DATA_WAITDMA)
	}
	return nil
}

// NewMockCard builds a Card over a fresh mock driver with the given channel
// topology, producing frames at frameRateHz in FIFO modes
func NewMockCard(numModules, channelsPerModule int, frameRateHz float64) (*Card, error) {
	m := NewMockRegisters()
	m.AddCard(0, numModules, channelsPerModule, frameRateHz)
	return NewCard(m, 0)
}

// NewMockStarHub builds a StarHub of numCards identical mock cards sharing
// one mock driver
func NewMockStarHub(numCards, numModules, channelsPerModule int, frameRateHz float64, masterIndex int) (*StarHub, error) {
	m := NewMockRegisters()
	indices := make([]int, numCards)
	cards := make([]*Card, numCards)
	for i := 0; i < numCards; i++ {
		m.AddCard(i, numModules, channelsPerModule, frameRateHz)
		indices[i] = i
	}
	var err error
	for i := 0; i < numCards; i++ {
		cards[i], err = NewCard(m, i)
		if err != nil {
			return nil, err
		}
	}
	err = m.AddHub(0, indices)
	if err != nil {
		return nil, err
	}
	return NewStarHub(m, 0, cards, masterIndex)
}
