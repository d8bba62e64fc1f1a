package spectrum

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// Digitizer is the common surface of a single Card and a StarHub.  The
// acquisition drivers below and the HTTP adapter work against it so a hub
// of synchronized cards is consumed exactly like one card.
type Digitizer interface {
	// Configure applies a complete acquisition configuration
	Configure(AcquisitionSettings) error

	// Start arms the device and enables the trigger engine
	Start() error

	// Stop halts the acquisition
	Stop() error

	// ForceTrigger issues a software trigger event
	ForceTrigger() error

	// WaitForAcquisitionComplete blocks until acquisition finishes
	WaitForAcquisitionComplete() error

	// DefineTransferBuffer allocates and binds transfer memory for the
	// current configuration
	DefineTransferBuffer() error

	// StartTransfer begins DMA to the host
	StartTransfer() error

	// StopTransfer halts DMA
	StopTransfer() error

	// GetWaveforms downloads one batch of frames in volts
	GetWaveforms() ([][][]float64, error)

	// GetTimestamp returns the time of the most recent trigger event
	GetTimestamp() (*time.Time, error)

	// TimestampingEnabled returns true if timestamps are being recorded
	TimestampingEnabled() bool

	// BatchSize returns the measurements downloaded per iteration
	BatchSize() (int, error)

	// AcquisitionMode and SetAcquisitionMode access the configured mode
	AcquisitionMode() (AcquisitionMode, error)
	SetAcquisitionMode(AcquisitionMode) error

	// ClockMode and SetClockMode access the sample clock source
	ClockMode() (ClockMode, error)
	SetClockMode(ClockMode) error

	// TriggerSettings and SetTriggerSettings access the trigger
	// configuration
	TriggerSettings() (TriggerSettings, error)
	SetTriggerSettings(TriggerSettings) error

	// SampleRate and SetSampleRate access the sample rate in Hz
	SampleRate() (int, error)
	SetSampleRate(int) error

	// AcquisitionLength and SetAcquisitionLength access the measurement
	// length in samples per channel
	AcquisitionLength() (int, error)
	SetAcquisitionLength(int) error

	// Timeout and SetTimeout access the blocking-wait bound in ms
	Timeout() (int, error)
	SetTimeout(int) error

	// EnabledChannels and SetEnabledChannels access the enabled channel
	// indices
	EnabledChannels() ([]int, error)
	SetEnabledChannels([]int) error

	// Status reads the decoded status register
	Status() (CardStatus, error)

	// Disconnect closes the device
	Disconnect() error
}

// transfer timeout retry policy: a handful of quick retries, constant spacing
const (
	transferRetries       = 5
	transferRetryInterval = 50 * time.Millisecond
)

// getWaveformsRetry downloads a batch, re-issuing the wait on transfer
// timeouts.  Any other error, overruns included, aborts immediately.
func getWaveformsRetry(d Digitizer) ([][][]float64, error) {
	var frames [][][]float64
	op := func() error {
		var err error
		frames, err = d.GetWaveforms()
		if err != nil && !errors.Is(err, ErrTransferTimeout) {
			return backoff.Permanent(err)
		}
		return err
	}
	pol := backoff.WithMaxRetries(backoff.NewConstantBackOff(transferRetryInterval), transferRetries)
	err := backoff.Retry(op, pol)
	if err != nil {
		return nil, err
	}
	return frames, nil
}

// measurements converts downloaded frames into Measurements, attaching a
// timestamp per frame when timestamping is on
func measurements(d Digitizer, frames [][][]float64) ([]Measurement, error) {
	out := make([]Measurement, len(frames))
	for i, f := range frames {
		out[i] = Measurement{Waveforms: f}
		if d.TimestampingEnabled() {
			t, err := d.GetTimestamp()
			if err != nil {
				return nil, err
			}
			out[i].Timestamp = t
		}
	}
	return out, nil
}

// ExecuteStandardSingleAcquisition performs one complete standard-mode
// acquisition: arm, wait for the acquisition to finish, transfer the frame
// and convert it
func ExecuteStandardSingleAcquisition(d Digitizer) (Measurement, error) {
	m, err := d.AcquisitionMode()
	if err != nil {
		return Measurement{}, err
	}
	if m.FIFO() {
		return Measurement{}, fmt.Errorf("standard single acquisition in %s: %w", FormatAcquisitionMode(m), ErrWrongAcquisitionMode)
	}
	err = d.Start()
	if err != nil {
		return Measurement{}, err
	}
	err = d.WaitForAcquisitionComplete()
	if err != nil {
		return Measurement{}, err
	}
	err = d.DefineTransferBuffer()
	if err != nil {
		return Measurement{}, err
	}
	err = d.StartTransfer()
	if err != nil {
		return Measurement{}, err
	}
	frames, err := getWaveformsRetry(d)
	if err != nil {
		return Measurement{}, err
	}
	err = d.Stop()
	if err != nil {
		return Measurement{}, err
	}
	ms, err := measurements(d, frames)
	if err != nil {
		return Measurement{}, err
	}
	return ms[0], nil
}

// ExecuteContinuousFIFOAcquisition starts an endless FIFO acquisition.  The
// caller drains it with DownloadFIFOBatch until calling Stop.
func ExecuteContinuousFIFOAcquisition(d Digitizer) error {
	m, err := d.AcquisitionMode()
	if err != nil {
		return err
	}
	if !m.FIFO() {
		return fmt.Errorf("FIFO acquisition in %s: %w", FormatAcquisitionMode(m), ErrWrongAcquisitionMode)
	}
	err = d.DefineTransferBuffer()
	if err != nil {
		return err
	}
	err = d.Start()
	if err != nil {
		return err
	}
	return d.StartTransfer()
}

// DownloadFIFOBatch downloads one batch of measurements from a running FIFO
// acquisition
func DownloadFIFOBatch(d Digitizer) ([]Measurement, error) {
	frames, err := getWaveformsRetry(d)
	if err != nil {
		return nil, err
	}
	return measurements(d, frames)
}

// ExecuteFiniteFIFOAcquisition acquires exactly n measurements in FIFO mode
// and stops.  n must be a multiple of the batch size.
func ExecuteFiniteFIFOAcquisition(d Digitizer, n int) ([]Measurement, error) {
	batch, err := d.BatchSize()
	if err != nil {
		return nil, err
	}
	if n%batch != 0 {
		return nil, fmt.Errorf("%d measurements requested with batch size %d, must be a multiple", n, batch)
	}
	err = ExecuteContinuousFIFOAcquisition(d)
	if err != nil {
		return nil, err
	}
	out := make([]Measurement, 0, n)
	for len(out) < n {
		ms, err := DownloadFIFOBatch(d)
		if err != nil {
			d.Stop()
			return nil, err
		}
		out = append(out, ms...)
	}
	err = d.Stop()
	if err != nil {
		return nil, err
	}
	err = d.StopTransfer()
	if err != nil {
		return nil, err
	}
	return out, nil
}
