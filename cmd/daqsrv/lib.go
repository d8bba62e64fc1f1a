package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/nasa-jpl/godaq/generichttp"
	"github.com/nasa-jpl/godaq/generichttp/digitizer"
	"github.com/nasa-jpl/godaq/server/middleware/locker"
	"github.com/nasa-jpl/godaq/spectrum"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-yaml/yaml"
)

// ObjSetup holds the per-device arguments from the config file
type ObjSetup struct {
	// Endpoint is the path the routes from this device will be served on,
	// ex. Endpoint="/lab/daq" will produce routes of /lab/daq/acquire, etc.
	Endpoint string `yaml:"Endpoint"`

	// Type is the kind of device, "card" or "starhub"
	Type string `yaml:"Type"`

	// Device is the device index, /dev/spcm0 for 0 (sync0 for a star hub)
	Device int `yaml:"Device"`

	// Modules and ChannelsPerModule describe the channel topology of a
	// mock card.  Real cards report their own topology.
	Modules           int `yaml:"Modules"`
	ChannelsPerModule int `yaml:"ChannelsPerModule"`

	// FrameRateHz is the frame production rate of a mock card
	FrameRateHz float64 `yaml:"FrameRateHz"`

	// Cards lists the device indices of a star hub's cards, in hub order
	Cards []int `yaml:"Cards"`

	// Master is the index into Cards of the clock master
	Master int `yaml:"Master"`
}

// Config holds the initialization parameters for the served devices.
// It is populated from the yaml config file.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Mock substitutes simulated hardware for every device
	Mock bool `yaml:"Mock"`

	// Nodes is the list of devices to set up
	Nodes []ObjSetup `yaml:"Nodes"`
}

// LoadYaml converts a (path to a) yaml file into a Config struct
func LoadYaml(path string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	err = yaml.NewDecoder(f).Decode(&cfg)
	return cfg, err
}

// BuildMux constructs a chi router with one submux per configured device.
// Driver availability is resolved exactly once here: with Mock false the
// vendor driver must be present or startup fails.
func BuildMux(c Config) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	var (
		regs spectrum.RegisterInterface
		mock *spectrum.MockRegisters
	)
	if c.Mock {
		mock = spectrum.NewMockRegisters()
		regs = mock
	} else {
		var err error
		regs, err = spectrum.NativeRegisters()
		if err != nil {
			log.Fatal(err)
		}
	}

	for _, node := range c.Nodes {
		var (
			d   spectrum.Digitizer
			err error
		)
		typ := strings.ToLower(node.Type)
		switch typ {
		case "card":
			if c.Mock {
				mock.AddCard(node.Device, node.Modules, node.ChannelsPerModule, node.FrameRateHz)
			}
			d, err = spectrum.NewCard(regs, node.Device)
			if err != nil {
				log.Fatal(err)
			}

		case "starhub", "hub":
			cards := make([]*spectrum.Card, len(node.Cards))
			for i, ci := range node.Cards {
				if c.Mock {
					mock.AddCard(ci, node.Modules, node.ChannelsPerModule, node.FrameRateHz)
				}
				cards[i], err = spectrum.NewCard(regs, ci)
				if err != nil {
					log.Fatal(err)
				}
			}
			if c.Mock {
				err = mock.AddHub(node.Device, node.Cards)
				if err != nil {
					log.Fatal(err)
				}
			}
			d, err = spectrum.NewStarHub(regs, node.Device, cards, node.Master)
			if err != nil {
				log.Fatal(err)
			}

		default:
			log.Fatal("type ", typ, " not understood")
		}

		httper := digitizer.NewHTTPDigitizer(d)

		// prepare the URL, "lab/daq" => "/lab/daq"
		hndlS := generichttp.SubMuxSanitize(node.Endpoint)

		// add the endpoints to the graph
		supergraph[hndlS] = httper.RT().Endpoints()

		// add a lock interface for this node
		lock := locker.New()
		locker.Inject(httper, lock)

		// bind to the mux
		r := chi.NewRouter()
		r.Use(lock.Check)
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}
