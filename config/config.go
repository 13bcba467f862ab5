// Package config loads gesha's YAML configuration file (spec §6), the way
// the retrieved pack's own runtime-config loaders decode into a plain
// struct with gopkg.in/yaml.v3 (ariadne's packages/engine/config/runtime.go)
// rather than a flag-only or env-only scheme.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"gesha/errcode"
)

// SPISlot names one of the five wired SPI chip-select positions a probe can
// be configured onto (spec §6: "each one of Rpi0|Rpi0_1|Rpi1|Rpi1_1|Rpi1_2").
type SPISlot string

const (
	Rpi0   SPISlot = "Rpi0"
	Rpi0_1 SPISlot = "Rpi0_1"
	Rpi1   SPISlot = "Rpi1"
	Rpi1_1 SPISlot = "Rpi1_1"
	Rpi1_2 SPISlot = "Rpi1_2"
)

// SPIWiring is the (bus name, chip-select GPIO) pair a slot resolves to,
// mirroring the teacher's small CapAddr-style value objects
// (services/hal/internal/core/addr.go).
type SPIWiring struct {
	Bus        string
	ChipSelect int
}

// spiWirings is the fixed lookup table for the five supported slots on a
// Raspberry Pi: SPI0 carries two chip-selects (CE0/CE1), SPI1 carries three
// (CE0/CE1/CE2).
var spiWirings = map[SPISlot]SPIWiring{
	Rpi0:   {Bus: "SPI0.0", ChipSelect: 8},
	Rpi0_1: {Bus: "SPI0.1", ChipSelect: 7},
	Rpi1:   {Bus: "SPI1.0", ChipSelect: 18},
	Rpi1_1: {Bus: "SPI1.1", ChipSelect: 17},
	Rpi1_2: {Bus: "SPI1.2", ChipSelect: 16},
}

// Wiring resolves a slot to its bus/chip-select pair. ok is false for an
// unrecognized slot string (spec §7 InvariantViolation).
func (s SPISlot) Wiring() (SPIWiring, bool) {
	w, ok := spiWirings[s]
	return w, ok
}

const defaultBoilerPin = 26

// File is the decoded shape of gesha.config.yaml (spec §6).
type File struct {
	BoilerSPI       SPISlot `yaml:"boilerSpi"`
	GroupheadSPI    SPISlot `yaml:"groupheadSpi"`
	ThermofilterSPI SPISlot `yaml:"thermofilterSpi,omitempty"`

	MQTTURL string `yaml:"mqttUrl"`

	// RelayBase names the external mains relay's topic prefix (spec §4.6's
	// "<relay>" placeholder): <relay>/switch/power/state|command,
	// <relay>/status.
	RelayBase string `yaml:"relayBase"`

	BoilerPin int `yaml:"boilerPin"`

	// DBPath overrides the default persistent store location (spec §6).
	DBPath string `yaml:"dbPath,omitempty"`
}

// Load reads and decodes the YAML file at path, applying defaults for
// fields the file omits (spec §6: "boilerPin (GPIO number, default 26)").
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, &errcode.E{C: errcode.PermanentIO, Op: "config.Load", Err: err}
	}

	f := File{BoilerPin: defaultBoilerPin}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, &errcode.E{C: errcode.PayloadDecode, Op: "config.Load", Err: err}
	}

	if f.BoilerPin == 0 {
		f.BoilerPin = defaultBoilerPin
	}
	if f.RelayBase == "" {
		f.RelayBase = "relay"
	}
	if f.DBPath == "" {
		f.DBPath = "/opt/gesha/var/db/gesha.db"
	}

	if err := f.validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func (f File) validate() error {
	if f.MQTTURL == "" {
		return &errcode.E{C: errcode.PayloadDecode, Op: "config.validate", Msg: "mqttUrl is required"}
	}
	if _, ok := f.BoilerSPI.Wiring(); !ok {
		return &errcode.E{C: errcode.InvariantViolation, Op: "config.validate", Msg: fmt.Sprintf("unknown boilerSpi slot %q", f.BoilerSPI)}
	}
	if _, ok := f.GroupheadSPI.Wiring(); !ok {
		return &errcode.E{C: errcode.InvariantViolation, Op: "config.validate", Msg: fmt.Sprintf("unknown groupheadSpi slot %q", f.GroupheadSPI)}
	}
	if f.ThermofilterSPI != "" {
		if _, ok := f.ThermofilterSPI.Wiring(); !ok {
			return &errcode.E{C: errcode.InvariantViolation, Op: "config.validate", Msg: fmt.Sprintf("unknown thermofilterSpi slot %q", f.ThermofilterSPI)}
		}
	}
	return nil
}
