package control

import (
	"fmt"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
)

// BoilerPin is the seam over the relay's GPIO output line, mirroring the
// teacher's halcore.GPIOPin platform interface so the manager never touches
// a concrete driver package directly.
type BoilerPin interface {
	Set(high bool) error
	Get() bool
}

// HostPin is an in-memory double for tests and non-Pi hosts, mirroring the
// teacher's platform.FakePin.
type HostPin struct {
	high bool
}

func NewHostPin() *HostPin { return &HostPin{} }

func (p *HostPin) Set(high bool) error { p.high = high; return nil }
func (p *HostPin) Get() bool           { return p.high }

// PeriphPin drives a real Raspberry Pi GPIO line through periph.io/x/periph's
// gpio/gpioreg packages, the standard ecosystem library for this concern;
// it fills the same seam role as the teacher's platform.GPIOPin.
type PeriphPin struct {
	pin gpio.PinIO
}

// OpenPeriphPin resolves a named GPIO line (e.g. "GPIO26") and configures it
// as a low output.
func OpenPeriphPin(name string) (*PeriphPin, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("control: no such gpio pin %q", name)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("control: configure pin %q: %w", name, err)
	}
	return &PeriphPin{pin: pin}, nil
}

func (p *PeriphPin) Set(high bool) error {
	if high {
		return p.pin.Out(gpio.High)
	}
	return p.pin.Out(gpio.Low)
}

func (p *PeriphPin) Get() bool { return p.pin.Read() == gpio.High }
