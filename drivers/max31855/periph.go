package max31855

import (
	"fmt"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
)

// periphChipSelect bit-bangs a GPIO line independent of the SPI port's own
// hardware CS, matching spec §6's "chip-select toggled per read" (the
// MAX31855 needs CS held low for the full 32-bit transaction, which a
// shared-bus hardware CS does not guarantee across multiple probes).
type periphChipSelect struct {
	pin gpio.PinIO
}

func (c *periphChipSelect) Assert() error   { return c.pin.Out(gpio.Low) }
func (c *periphChipSelect) Deassert() error { return c.pin.Out(gpio.High) }

// OpenPeriphProbe opens a real MAX31855 probe on a Linux SPI bus through
// periph.io/x/periph's spireg/gpioreg packages — the concrete hardware seam
// behind the tinygo.org/x/drivers.SPI interface Probe depends on (spec §6:
// "SPI wire: MAX31855-compatible thermocouple, 1 MHz, SPI mode 0,
// chip-select toggled per read").
func OpenPeriphProbe(busName string, csGPIO int) (*Probe, error) {
	port, err := spireg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("max31855: open spi bus %q: %w", busName, err)
	}
	conn, err := port.Connect(1*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("max31855: connect spi bus %q: %w", busName, err)
	}

	pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", csGPIO))
	if pin == nil {
		return nil, fmt.Errorf("max31855: no such gpio pin GPIO%d", csGPIO)
	}
	if err := pin.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("max31855: configure cs pin GPIO%d: %w", csGPIO, err)
	}

	return New(conn, &periphChipSelect{pin: pin}), nil
}
