package spectrum

import (
	"errors"
	"fmt"
)

// sentinel errors for connection, configuration, transfer and timestamping
// failure modes
var (
	// ErrNotConnected is returned when a device is used after Disconnect
	// or before Connect
	ErrNotConnected = errors.New("device is not connected")

	// ErrDriversNotFound is returned when the vendor kernel driver is not
	// installed on the host
	ErrDriversNotFound = errors.New("spectrum drivers not found on this system")

	// ErrSettingsMismatch is returned when a setting read from the cards of
	// a star hub is not identical across all of them
	ErrSettingsMismatch = errors.New("settings differ between cards in the hub")

	// ErrInvalidChannelCount is returned when the number of enabled
	// channels on a card is not 1, 2, 4 or 8
	ErrInvalidChannelCount = errors.New("number of enabled channels per card must be 1, 2, 4 or 8")

	// ErrWrongAcquisitionMode is returned when an operation requires a
	// different acquisition mode, e.g. batch sizes above 1 outside FIFO
	ErrWrongAcquisitionMode = errors.New("operation not valid in the current acquisition mode")

	// ErrExternalTriggerNotEnabled is returned by external trigger getters
	// and setters when no external trigger source is enabled
	ErrExternalTriggerNotEnabled = errors.New("no external trigger source is enabled")

	// ErrTriggerOperationNotImplemented is returned for trigger settings
	// the enabled source does not support
	ErrTriggerOperationNotImplemented = errors.New("trigger operation not implemented for the enabled source")

	// ErrNoTransferBufferDefined is returned when waveforms are requested
	// before DefineTransferBuffer
	ErrNoTransferBufferDefined = errors.New("no transfer buffer has been defined")

	// ErrTransferTimeout is returned when a wait for a chunk of transferred
	// data exceeds the configured timeout.  It is retryable; the consumer
	// may re-issue the wait without restarting the acquisition.
	ErrTransferTimeout = errors.New("timed out waiting for transferred data")

	// ErrHardwareBufferOverrun is returned when the consumer fell behind
	// and the on-board ring overwrote unread data.  The acquisition is
	// corrupt and must be restarted.
	ErrHardwareBufferOverrun = errors.New("hardware buffer overrun, acquisition must be restarted")

	// ErrTimestampsPollingTimeout is returned when the timestamp poll
	// budget is exhausted before a whole record arrived
	ErrTimestampsPollingTimeout = errors.New("timed out polling for a timestamp record")

	// ErrNoTimestampsAvailable is returned when a timestamp is requested
	// but timestamping is not enabled
	ErrNoTimestampsAvailable = errors.New("no timestamps available, timestamping is not enabled")
)

// ApiCallError describes a driver call that returned an unexpected code
type ApiCallError struct {
	// Register is the register address involved in the call
	Register int32

	// Value is the value written, or zero for reads
	Value int64

	// Code is the code the driver returned
	Code int64
}

func (e ApiCallError) Error() string {
	return fmt.Sprintf("driver call on register %d with value %d failed with code 0x%x", e.Register, e.Value, e.Code)
}
