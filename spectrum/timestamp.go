package spectrum

import (
	"encoding/binary"
	"fmt"
	"time"
)

// maxTimestampPolls bounds the number of ring polls per timestamp request
const maxTimestampPolls = 50

// timestampRecordBytes is the size of one timestamp record: two 64-bit
// words, of which the second carries the trigger counter
const timestampRecordBytes = 16

// Timestamper reads hardware timestamps of trigger events.  The card's
// timestamp counter is reset when the Timestamper is created and the host
// clock is read at the same moment, so counter values convert to absolute
// times by adding counter/sampleRate seconds to that epoch.
type Timestamper struct {
	card *Card
	buf  *TransferBuffer

	epoch      time.Time
	sampleRate int
}

// newTimestamper configures timestamping on the card, binds the timestamp
// transfer buffer, resets the counter against a freshly read epoch and
// starts the polling transfer
func newTimestamper(c *Card) (*Timestamper, error) {
	t := &Timestamper{
		card:       c,
		buf:        NewTimestampBuffer(),
		sampleRate: c.sampleRate,
	}
	err := t.buf.Bind(c.regs, c.handle)
	if err != nil {
		return nil, fmt.Errorf("binding timestamp buffer: %w", err)
	}
	mode := int64(SPC_TSMODE_STANDARD | SPC_TSCNT_INTERNAL | SPC_TSFEAT_NONE)
	err = c.regs.Write(c.handle, SPC_TIMESTAMP_CMD, mode, Len32)
	if err != nil {
		return nil, err
	}
	err = c.regs.Write(c.handle, SPC_M2CMD, M2CMD_CARD_WRITESETUP, Len32)
	if err != nil {
		return nil, err
	}
	t.epoch = time.Now()
	err = c.regs.Write(c.handle, SPC_TIMESTAMP_CMD, SPC_TS_RESET, Len32)
	if err != nil {
		return nil, err
	}
	err = c.regs.Write(c.handle, SPC_M2CMD, M2CMD_EXTRA_POLL, Len32)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Timestamp returns the absolute time of the most recent trigger event.
// When the software trigger is the only enabled source there is no delay
// worth measuring and the host clock is returned directly.  Otherwise the
// timestamp ring is polled, each chunk released back to the card as soon as
// it is copied, until a whole record is assembled.  A record may arrive
// split across polls.
func (t *Timestamper) Timestamp() (time.Time, error) {
	if t.card.trig.SoftwareOnly() {
		return time.Now(), nil
	}
	record := make([]byte, 0, timestampRecordBytes)
	for polls := 0; len(record) < timestampRecordBytes; polls++ {
		if polls >= maxTimestampPolls {
			return time.Time{}, ErrTimestampsPollingTimeout
		}
		pos, n, err := t.buf.ReadAvailable()
		if err != nil {
			return time.Time{}, err
		}
		if n > t.buf.SizeBytes()-pos {
			n = t.buf.SizeBytes() - pos
		}
		if need := timestampRecordBytes - len(record); n > need {
			n = need
		}
		record = append(record, t.buf.mem[pos:pos+n]...)
		err = t.buf.MarkConsumed(n)
		if err != nil {
			return time.Time{}, err
		}
	}
	counter := binary.LittleEndian.Uint64(record[8:16])
	elapsed := time.Duration(float64(counter) / float64(t.sampleRate) * float64(time.Second))
	return t.epoch.Add(elapsed), nil
}
