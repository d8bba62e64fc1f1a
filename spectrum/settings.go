package spectrum

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// AcquisitionMode selects between standard (on-board memory) and FIFO
// (streaming) acquisition
type AcquisitionMode int

// acquisition modes, values per the vendor register map
const (
	ModeStandardSingle AcquisitionMode = 0x1
	ModeFIFOMulti      AcquisitionMode = 0x20
	ModeFIFOAverage    AcquisitionMode = 0x200000
)

// FIFO returns true if the mode streams indefinitely instead of filling
// on-board memory once
func (m AcquisitionMode) FIFO() bool {
	return m == ModeFIFOMulti || m == ModeFIFOAverage
}

// FormatAcquisitionMode converts a mode to a string
func FormatAcquisitionMode(m AcquisitionMode) string {
	switch m {
	case ModeStandardSingle:
		return "standard-single"
	case ModeFIFOMulti:
		return "fifo-multi"
	case ModeFIFOAverage:
		return "fifo-average"
	default:
		return fmt.Sprintf("unknown(0x%x)", int(m))
	}
}

// ValidateAcquisitionMode converts a string to a mode
func ValidateAcquisitionMode(s string) (AcquisitionMode, error) {
	switch s {
	case "standard-single":
		return ModeStandardSingle, nil
	case "fifo-multi":
		return ModeFIFOMulti, nil
	case "fifo-average":
		return ModeFIFOAverage, nil
	default:
		return 0, fmt.Errorf("acquisition mode %q not known, must be standard-single, fifo-multi or fifo-average", s)
	}
}

// ClockMode selects the sample clock source
type ClockMode int

// clock modes
const (
	ClockInternalPLL       ClockMode = 0x1
	ClockExternalReference ClockMode = 0x8
)

// FormatClockMode converts a clock mode to a string
func FormatClockMode(c ClockMode) string {
	switch c {
	case ClockInternalPLL:
		return "internal-pll"
	case ClockExternalReference:
		return "external-reference"
	default:
		return fmt.Sprintf("unknown(0x%x)", int(c))
	}
}

// ValidateClockMode converts a string to a clock mode
func ValidateClockMode(s string) (ClockMode, error) {
	switch s {
	case "internal-pll":
		return ClockInternalPLL, nil
	case "external-reference":
		return ClockExternalReference, nil
	default:
		return 0, fmt.Errorf("clock mode %q not known, must be internal-pll or external-reference", s)
	}
}

// TriggerSource is a bit in the trigger OR mask
type TriggerSource int

// trigger sources
const (
	TriggerNone     TriggerSource = 0x0
	TriggerSoftware TriggerSource = 0x1
	TriggerExt0     TriggerSource = 0x2
	TriggerExt1     TriggerSource = 0x4
)

// External returns true for the external trigger inputs
func (t TriggerSource) External() bool {
	return t == TriggerExt0 || t == TriggerExt1
}

// FormatTriggerSource converts a trigger source to a string
func FormatTriggerSource(t TriggerSource) string {
	switch t {
	case TriggerNone:
		return "none"
	case TriggerSoftware:
		return "software"
	case TriggerExt0:
		return "ext0"
	case TriggerExt1:
		return "ext1"
	default:
		return fmt.Sprintf("unknown(0x%x)", int(t))
	}
}

// ValidateTriggerSource converts a string to a trigger source
func ValidateTriggerSource(s string) (TriggerSource, error) {
	switch s {
	case "none":
		return TriggerNone, nil
	case "software":
		return TriggerSoftware, nil
	case "ext0":
		return TriggerExt0, nil
	case "ext1":
		return TriggerExt1, nil
	default:
		return 0, fmt.Errorf("trigger source %q not known, must be none, software, ext0 or ext1", s)
	}
}

// ExternalTriggerMode is the edge or level condition for an external trigger
type ExternalTriggerMode int

// external trigger modes
const (
	ExtTriggerPositiveEdge ExternalTriggerMode = 0x1
	ExtTriggerNegativeEdge ExternalTriggerMode = 0x2
	ExtTriggerBothEdges    ExternalTriggerMode = 0x4
	ExtTriggerLevelHigh    ExternalTriggerMode = 0x8
	ExtTriggerLevelLow     ExternalTriggerMode = 0x10
)

// FormatExternalTriggerMode converts an external trigger mode to a string
func FormatExternalTriggerMode(m ExternalTriggerMode) string {
	switch m {
	case ExtTriggerPositiveEdge:
		return "positive-edge"
	case ExtTriggerNegativeEdge:
		return "negative-edge"
	case ExtTriggerBothEdges:
		return "both-edges"
	case ExtTriggerLevelHigh:
		return "level-high"
	case ExtTriggerLevelLow:
		return "level-low"
	default:
		return fmt.Sprintf("unknown(0x%x)", int(m))
	}
}

// ValidateExternalTriggerMode converts a string to an external trigger mode
func ValidateExternalTriggerMode(s string) (ExternalTriggerMode, error) {
	switch s {
	case "positive-edge":
		return ExtTriggerPositiveEdge, nil
	case "negative-edge":
		return ExtTriggerNegativeEdge, nil
	case "both-edges":
		return ExtTriggerBothEdges, nil
	case "level-high":
		return ExtTriggerLevelHigh, nil
	case "level-low":
		return ExtTriggerLevelLow, nil
	default:
		return 0, fmt.Errorf("external trigger mode %q not known", s)
	}
}

// TriggerSettings describes the trigger configuration of a card or hub
type TriggerSettings struct {
	// Sources is the list of enabled trigger sources (OR mask)
	Sources []TriggerSource `json:"sources"`

	// ExternalMode is the edge/level condition, used when an external
	// source is enabled
	ExternalMode ExternalTriggerMode `json:"externalMode"`

	// ExternalLevelMV is the trigger threshold in millivolts
	ExternalLevelMV int `json:"externalLevelMV"`

	// ExternalPulseWidth is the minimum pulse width in samples, 0 to
	// disable the pulse width condition
	ExternalPulseWidth int `json:"externalPulseWidth"`
}

// SoftwareOnly returns true if the software trigger is the only enabled source
func (t TriggerSettings) SoftwareOnly() bool {
	return len(t.Sources) == 1 && t.Sources[0] == TriggerSoftware
}

// ORMask folds the sources into the register mask
func (t TriggerSettings) ORMask() int64 {
	var mask int64
	for _, s := range t.Sources {
		mask |= int64(s)
	}
	return mask
}

// AcquisitionSettings is the complete configuration of an acquisition,
// applied atomically by Configure
type AcquisitionSettings struct {
	// Mode is the acquisition mode
	Mode AcquisitionMode `json:"mode"`

	// SampleRateHz is the per-channel sample rate
	SampleRateHz int `json:"sampleRateHz"`

	// AcquisitionLengthSamples is the length of one measurement in samples
	// per channel.  In FIFO modes it is coerced down to the hardware step.
	AcquisitionLengthSamples int `json:"acquisitionLengthSamples"`

	// PreTriggerSamples is the number of samples recorded before the
	// trigger event
	PreTriggerSamples int `json:"preTriggerSamples"`

	// TimeoutMs bounds every blocking wait on the card
	TimeoutMs int `json:"timeoutMs"`

	// EnabledChannels lists the enabled channel indices, ascending.
	// Per card, the count must be 1, 2, 4 or 8.
	EnabledChannels []int `json:"enabledChannels"`

	// VerticalRangesMV is the full-scale input range per enabled channel
	VerticalRangesMV []int `json:"verticalRangesMV"`

	// VerticalOffsetsPercent is the vertical offset per enabled channel,
	// as a percentage of the range
	VerticalOffsetsPercent []int `json:"verticalOffsetsPercent"`

	// BatchSize is the number of measurements downloaded per transfer
	// iteration.  Values above 1 are only valid in FIFO modes.
	BatchSize int `json:"batchSize"`

	// NumberOfAverages is the on-board averaging factor for the averaging
	// FIFO mode
	NumberOfAverages int `json:"numberOfAverages"`

	// TimestampingEnabled turns on hardware timestamping of trigger events
	TimestampingEnabled bool `json:"timestampingEnabled"`
}

// Measurement is one acquired frame: one waveform in volts per enabled
// channel, and the hardware timestamp of its trigger event if timestamping
// was enabled
type Measurement struct {
	Waveforms [][]float64 `json:"waveforms"`

	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// EncodeCSV writes the measurement as CSV, one column per channel
func (m Measurement) EncodeCSV(w io.Writer) error {
	if len(m.Waveforms) == 0 {
		return fmt.Errorf("measurement holds no waveforms")
	}
	labels := make([]string, len(m.Waveforms))
	for i := range labels {
		labels[i] = "ch" + strconv.Itoa(i)
	}
	w2 := bufio.NewWriter(w)
	w3 := csv.NewWriter(w2)
	err := w3.Write(labels)
	if err != nil {
		return err
	}
	row := make([]string, len(m.Waveforms))
	for i := 0; i < len(m.Waveforms[0]); i++ {
		for j := range m.Waveforms {
			row[j] = strconv.FormatFloat(m.Waveforms[j][i], 'G', -1, 64)
		}
		err = w3.Write(row)
		if err != nil {
			return err
		}
	}
	w3.Flush()
	return w2.Flush()
}
