// Command daqtest exercises a simulated digitizer card end to end: it
// configures a FIFO acquisition, streams a number of measurements and prints
// summary statistics, optionally dumping the first measurement as CSV.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/nasa-jpl/godaq/spectrum"

	"github.com/theckman/yacspin"
)

func main() {
	var (
		n         = flag.Int("n", 10, "number of measurements to acquire")
		batch     = flag.Int("batch", 5, "measurements per transfer iteration")
		rateHz    = flag.Int("rate", 40_000_000, "sample rate, Hz")
		length    = flag.Int("len", 400, "acquisition length, samples per channel")
		channels  = flag.Int("channels", 2, "enabled channels, must be 1, 2, 4 or 8")
		frameRate = flag.Float64("framerate", 50, "mock frame production rate, Hz")
		csv       = flag.Bool("csv", false, "dump the first measurement as CSV to stdout")
	)
	flag.Parse()

	card, err := spectrum.NewMockCard(2, 4, *frameRate)
	if err != nil {
		log.Fatal(err)
	}
	defer card.Disconnect()

	enabled := make([]int, *channels)
	ranges := make([]int, *channels)
	offsets := make([]int, *channels)
	for i := range enabled {
		enabled[i] = i
		ranges[i] = 1000
	}
	err = card.Configure(spectrum.AcquisitionSettings{
		Mode:                     spectrum.ModeFIFOMulti,
		SampleRateHz:             *rateHz,
		AcquisitionLengthSamples: *length,
		TimeoutMs:                5000,
		EnabledChannels:          enabled,
		VerticalRangesMV:         ranges,
		VerticalOffsetsPercent:   offsets,
		BatchSize:                *batch,
		TimestampingEnabled:      true,
	})
	if err != nil {
		log.Fatal(err)
	}

	cfg := yacspin.Config{
		Frequency:     100 * time.Millisecond,
		CharSet:       yacspin.CharSets[59],
		Suffix:        " acquiring",
		StopCharacter: "✓",
		StopColors:    []string{"fgGreen"},
	}
	spinner, err := yacspin.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	start := time.Now()
	ms, err := spectrum.ExecuteFiniteFIFOAcquisition(card, *n)
	elapsed := time.Since(start)
	spinner.Stop()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("acquired %d measurements of %d channels x %d samples in %v\n",
		len(ms), *channels, *length, elapsed.Round(time.Millisecond))
	for i, m := range ms {
		lo, hi, mean := summarize(m.Waveforms[0])
		when := "-"
		if m.Timestamp != nil {
			when = m.Timestamp.Format(time.RFC3339Nano)
		}
		fmt.Printf("  %3d  ch0 min %+.4f V  max %+.4f V  mean %+.4f V  t %s\n", i, lo, hi, mean, when)
	}
	if *csv {
		err = ms[0].EncodeCSV(os.Stdout)
		if err != nil {
			log.Fatal(err)
		}
	}
}

func summarize(w []float64) (lo, hi, mean float64) {
	lo = math.Inf(1)
	hi = math.Inf(-1)
	for _, v := range w {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		mean += v
	}
	mean /= float64(len(w))
	return lo, hi, mean
}
