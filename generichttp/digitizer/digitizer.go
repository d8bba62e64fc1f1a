// Package digitizer exposes an HTTP interface to multi-channel digitizer
// cards and star hubs
package digitizer

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nasa-jpl/godaq/generichttp"
	"github.com/nasa-jpl/godaq/server"
	"github.com/nasa-jpl/godaq/spectrum"

	"goji.io/pat"
)

// HTTPDigitizer wraps a digitizer (one card or a star hub) with an HTTP
// route table.  Streaming routes admit one consumer at a time; a second
// in-flight acquire receives 423.
type HTTPDigitizer struct {
	// D is the underlying device
	D spectrum.Digitizer

	// RouteTable maps URLs to methods
	RouteTable generichttp.RouteTable

	busy uint32
}

// NewHTTPDigitizer returns an HTTPDigitizer with the route table populated
func NewHTTPDigitizer(d spectrum.Digitizer) *HTTPDigitizer {
	h := &HTTPDigitizer{D: d}
	rt := generichttp.RouteTable{
		pat.Get("/sample-rate"):         generichttp.GetInt(d.SampleRate),
		pat.Post("/sample-rate"):        generichttp.SetInt(d.SetSampleRate),
		pat.Get("/acquisition-length"):  generichttp.GetInt(d.AcquisitionLength),
		pat.Post("/acquisition-length"): generichttp.SetInt(d.SetAcquisitionLength),
		pat.Get("/timeout"):             generichttp.GetInt(d.Timeout),
		pat.Post("/timeout"):            generichttp.SetInt(d.SetTimeout),
		pat.Get("/acquisition-mode"):    h.GetAcquisitionMode,
		pat.Post("/acquisition-mode"):   h.SetAcquisitionMode,
		pat.Get("/clock-mode"):          h.GetClockMode,
		pat.Post("/clock-mode"):         h.SetClockMode,
		pat.Get("/enabled-channels"):    h.GetEnabledChannels,
		pat.Post("/enabled-channels"):   h.SetEnabledChannels,
		pat.Get("/trigger"):             h.GetTriggerSettings,
		pat.Post("/trigger"):            h.SetTriggerSettings,
		pat.Post("/configure"):          h.Configure,
		pat.Post("/start"):              h.Start,
		pat.Post("/stop"):               h.Stop,
		pat.Post("/force-trigger"):      h.ForceTrigger,
		pat.Get("/status"):              h.Status,
		pat.Get("/timestamp"):           h.Timestamp,
		pat.Get("/acquire"):             h.Acquire,
		pat.Get("/acquire.csv"):         h.AcquireCSV,
	}
	h.RouteTable = rt
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPDigitizer) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetAcquisitionMode returns the acquisition mode as a string over HTTP
func (h *HTTPDigitizer) GetAcquisitionMode(w http.ResponseWriter, r *http.Request) {
	m, err := h.D.AcquisitionMode()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.String, String: spectrum.FormatAcquisitionMode(m)}
	hp.EncodeAndRespond(w, r)
}

// SetAcquisitionMode sets the acquisition mode from a json string payload
func (h *HTTPDigitizer) SetAcquisitionMode(w http.ResponseWriter, r *http.Request) {
	s := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m, err := spectrum.ValidateAcquisitionMode(s.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.D.SetAcquisitionMode(m)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetClockMode returns the clock mode as a string over HTTP
func (h *HTTPDigitizer) GetClockMode(w http.ResponseWriter, r *http.Request) {
	m, err := h.D.ClockMode()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.String, String: spectrum.FormatClockMode(m)}
	hp.EncodeAndRespond(w, r)
}

// SetClockMode sets the clock mode from a json string payload
func (h *HTTPDigitizer) SetClockMode(w http.ResponseWriter, r *http.Request) {
	s := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m, err := spectrum.ValidateClockMode(s.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.D.SetClockMode(m)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetEnabledChannels returns the enabled channel indices as a json array
func (h *HTTPDigitizer) GetEnabledChannels(w http.ResponseWriter, r *http.Request) {
	chans, err := h.D.EnabledChannels()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err = json.NewEncoder(w).Encode(chans)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SetEnabledChannels sets the enabled channels from a json array of indices
func (h *HTTPDigitizer) SetEnabledChannels(w http.ResponseWriter, r *http.Request) {
	chans := []int{}
	err := json.NewDecoder(r.Body).Decode(&chans)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.D.SetEnabledChannels(chans)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetTriggerSettings returns the trigger configuration as json
func (h *HTTPDigitizer) GetTriggerSettings(w http.ResponseWriter, r *http.Request) {
	t, err := h.D.TriggerSettings()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err = json.NewEncoder(w).Encode(t)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SetTriggerSettings applies a trigger configuration from json
func (h *HTTPDigitizer) SetTriggerSettings(w http.ResponseWriter, r *http.Request) {
	t := spectrum.TriggerSettings{}
	err := json.NewDecoder(r.Body).Decode(&t)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.D.SetTriggerSettings(t)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Configure applies a complete acquisition configuration from json
func (h *HTTPDigitizer) Configure(w http.ResponseWriter, r *http.Request) {
	s := spectrum.AcquisitionSettings{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.D.Configure(s)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Start arms the device
func (h *HTTPDigitizer) Start(w http.ResponseWriter, r *http.Request) {
	err := h.D.Start()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Stop halts the acquisition
func (h *HTTPDigitizer) Stop(w http.ResponseWriter, r *http.Request) {
	err := h.D.Stop()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ForceTrigger issues a software trigger event
func (h *HTTPDigitizer) ForceTrigger(w http.ResponseWriter, r *http.Request) {
	err := h.D.ForceTrigger()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Status returns the decoded status register as json
func (h *HTTPDigitizer) Status(w http.ResponseWriter, r *http.Request) {
	s, err := h.D.Status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err = json.NewEncoder(w).Encode(s)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Timestamp returns the time of the most recent trigger event as a string
func (h *HTTPDigitizer) Timestamp(w http.ResponseWriter, r *http.Request) {
	t, err := h.D.GetTimestamp()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.String, String: t.Format(time.RFC3339Nano)}
	hp.EncodeAndRespond(w, r)
}

// acquire runs one acquisition appropriate for the configured mode and
// returns the measurements.  The n query parameter selects the measurement
// count for FIFO modes; it defaults to one batch.
func (h *HTTPDigitizer) acquire(r *http.Request) ([]spectrum.Measurement, error) {
	m, err := h.D.AcquisitionMode()
	if err != nil {
		return nil, err
	}
	if !m.FIFO() {
		meas, err := spectrum.ExecuteStandardSingleAcquisition(h.D)
		if err != nil {
			return nil, err
		}
		return []spectrum.Measurement{meas}, nil
	}
	n, err := h.D.BatchSize()
	if err != nil {
		return nil, err
	}
	if q := r.URL.Query().Get("n"); q != "" {
		n, err = strconv.Atoi(q)
		if err != nil {
			return nil, err
		}
	}
	return spectrum.ExecuteFiniteFIFOAcquisition(h.D, n)
}

// Acquire performs an acquisition and returns the measurements as json.
// Only one acquisition may be in flight; concurrent requests receive 423.
func (h *HTTPDigitizer) Acquire(w http.ResponseWriter, r *http.Request) {
	if !atomic.CompareAndSwapUint32(&h.busy, 0, 1) {
		w.WriteHeader(http.StatusLocked)
		return
	}
	defer atomic.StoreUint32(&h.busy, 0)
	ms, err := h.acquire(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err = json.NewEncoder(w).Encode(ms)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// AcquireCSV performs an acquisition and returns the first measurement as
// CSV, one column per channel
func (h *HTTPDigitizer) AcquireCSV(w http.ResponseWriter, r *http.Request) {
	if !atomic.CompareAndSwapUint32(&h.busy, 0, 1) {
		w.WriteHeader(http.StatusLocked)
		return
	}
	defer atomic.StoreUint32(&h.busy, 0)
	ms, err := h.acquire(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hdr := w.Header()
	hdr.Set("Content-Type", "text/csv")
	hdr.Set("Content-Disposition", "attachment; filename=measurement.csv")
	w.WriteHeader(http.StatusOK)
	err = ms[0].EncodeCSV(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
