// Package max31855 decodes the MAX31855 thermocouple-to-digital converter's
// 32-bit SPI frame (spec §6 "SPI wire"). The register layout is fixed by
// the datasheet; decoding follows the teacher's own register-driver style
// (drivers/ltc4015: small, allocation-free bit-twiddling functions over a
// byte buffer, no reflection) rather than a generic binary.Read call.
package max31855

import (
	"errors"

	"tinygo.org/x/drivers"
)

// Fault is one of the probe fault classes named in spec §6.
type Fault string

const (
	FaultSPIError             Fault = "spi_error"
	FaultChipSelect           Fault = "chip_select"
	FaultGeneric              Fault = "fault"
	FaultVccShort             Fault = "vcc_short"
	FaultGroundShort          Fault = "ground_short"
	FaultMissingThermocouple  Fault = "missing_thermocouple"
)

func (f Fault) Error() string { return string(f) }

// ChipSelect toggles the probe's chip-select line around each SPI
// transaction (spec §6: "chip-select toggled per read").
type ChipSelect interface {
	Assert() error
	Deassert() error
}

// Probe reads one MAX31855-compatible thermocouple over SPI mode 0 at 1MHz.
type Probe struct {
	bus drivers.SPI
	cs  ChipSelect
}

// New wires a Probe to its SPI bus and chip-select line.
func New(bus drivers.SPI, cs ChipSelect) *Probe {
	return &Probe{bus: bus, cs: cs}
}

// Reading is one decoded conversion.
type Reading struct {
	ThermocoupleC  float32
	ColdJunctionC  float32
}

// Read performs one 32-bit SPI transaction and decodes it. A non-nil error
// is always a Fault.
func (p *Probe) Read() (Reading, error) {
	if err := p.cs.Assert(); err != nil {
		return Reading{}, FaultChipSelect
	}
	defer p.cs.Deassert()

	tx := make([]byte, 4)
	rx := make([]byte, 4)
	if err := p.bus.Tx(tx, rx); err != nil {
		return Reading{}, FaultSPIError
	}
	return decode(rx)
}

// decode interprets the 32-bit big-endian frame per the MAX31855 datasheet:
//
//	D[31:18] signed thermocouple temp, 0.25°C/LSB
//	D17      reserved
//	D16      fault (OR of D2|D1|D0)
//	D[15:4]  signed cold-junction (internal) temp, 0.0625°C/LSB
//	D3       reserved
//	D2       SCV - short to VCC
//	D1       SCG - short to GND
//	D0       OC  - open circuit / missing thermocouple
func decode(frame []byte) (Reading, error) {
	if len(frame) != 4 {
		return Reading{}, errors.New("max31855: short frame")
	}
	raw := uint32(frame[0])<<24 | uint32(frame[1])<<16 | uint32(frame[2])<<8 | uint32(frame[3])

	switch {
	case raw&0x1 != 0:
		return Reading{}, FaultMissingThermocouple
	case raw&0x2 != 0:
		return Reading{}, FaultGroundShort
	case raw&0x4 != 0:
		return Reading{}, FaultVccShort
	case raw&0x10000 != 0:
		return Reading{}, FaultGeneric
	}

	tcRaw := int32(raw >> 18)
	tcRaw = signExtend(tcRaw, 14)
	thermocoupleC := float32(tcRaw) * 0.25

	cjRaw := int32((raw >> 4) & 0xFFF)
	cjRaw = signExtend(cjRaw, 12)
	coldJunctionC := float32(cjRaw) * 0.0625

	return Reading{ThermocoupleC: thermocoupleC, ColdJunctionC: coldJunctionC}, nil
}

// signExtend sign-extends the low `bits` bits of v.
func signExtend(v int32, bits uint) int32 {
	shift := 32 - bits
	return (v << shift) >> shift
}
