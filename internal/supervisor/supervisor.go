// Package supervisor wires every gesha component together and drives
// graceful shutdown (spec §4.8, C8), the direct descendant of the teacher's
// main.go wiring style: build the bus, build one *eventbus.Connection per
// component, launch each component as its own goroutine, and select on
// OS signals to drive shutdown.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"gesha/config"
	"gesha/drivers/max31855"
	"gesha/internal/busadapter"
	"gesha/internal/control"
	"gesha/internal/eventbus"
	"gesha/internal/statecore"
	"gesha/internal/store"
	"gesha/internal/thermo"
)

const (
	busQueueLen  = 10000
	writerPeriod = 60 * time.Second
)

// component bundles one goroutine with its own cancellation and completion
// signal, so the supervisor can stop components one at a time in the order
// spec §5 requires rather than cancelling a single shared context.
type component struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

func (c component) stop() {
	c.cancel()
	<-c.done
}

// Supervisor owns every long-lived component and the Store/bus they share.
type Supervisor struct {
	cfg config.File
	log *logrus.Entry
}

// New builds a Supervisor from a loaded config file.
func New(cfg config.File, log *logrus.Entry) *Supervisor {
	return &Supervisor{cfg: cfg, log: log.WithField("component", "supervisor")}
}

// Run opens the Store, wires every component and blocks until SIGINT or
// SIGHUP arrives, then shuts down in order: Thermocouple Poller, Bus Adapter
// (publishes offline), Controller Manager (drives the pin low), State Core
// (flushes the Store). The Store is closed when Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	st, err := store.Open(s.cfg.DBPath, s.log)
	if err != nil {
		return fmt.Errorf("supervisor: open store: %w", err)
	}
	defer st.Close()
	st.StartWriter(writerPeriod)

	bus := eventbus.New(busQueueLen)

	boilerProbe, err := s.openProbe(s.cfg.BoilerSPI)
	if err != nil {
		return fmt.Errorf("supervisor: boiler probe: %w", err)
	}
	groupheadProbe, err := s.openProbe(s.cfg.GroupheadSPI)
	if err != nil {
		return fmt.Errorf("supervisor: grouphead probe: %w", err)
	}
	var thermofilterProbe *max31855.Probe
	if s.cfg.ThermofilterSPI != "" {
		thermofilterProbe, err = s.openProbe(s.cfg.ThermofilterSPI)
		if err != nil {
			return fmt.Errorf("supervisor: thermofilter probe: %w", err)
		}
	}

	pin, err := control.OpenPeriphPin(fmt.Sprintf("GPIO%d", s.cfg.BoilerPin))
	if err != nil {
		return fmt.Errorf("supervisor: boiler pin: %w", err)
	}

	adapter, err := busadapter.New(s.cfg.MQTTURL, "", s.cfg.RelayBase, bus.Connect("busadapter"), s.log)
	if err != nil {
		return fmt.Errorf("supervisor: bus adapter: %w", err)
	}

	poller := thermo.New(boilerProbe, groupheadProbe, thermofilterProbe, bus.Connect("thermo"), s.log)
	manager := control.New(pin, bus.Connect("control"), defaultPredictiveModel(), s.log)
	core := statecore.New(bus.Connect("statecore"), st, s.cfg.RelayBase, s.log)

	thermoC := start("thermo", poller.Run)
	controlC := start("control", manager.Run)
	coreC := start("statecore", core.Run)
	adapterC := start("busadapter", adapter.Run)

	s.waitForShutdownSignal(ctx)
	s.log.Info("shutdown signal received; stopping components")

	thermoC.stop()
	adapterC.stop()
	controlC.stop()
	coreC.stop()

	s.log.Info("shutdown complete")
	return nil
}

// start launches run(ctx) in its own goroutine with an independent
// cancellation token, returning a handle the supervisor stops explicitly
// and in its own order (not by cancelling one shared context).
func start(name string, run func(context.Context)) component {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		run(ctx)
	}()
	return component{name: name, cancel: cancel, done: done}
}

// waitForShutdownSignal blocks until the parent context is cancelled or
// SIGINT/SIGHUP arrives (spec §6: "OS signals: SIGINT and SIGHUP trigger
// graceful shutdown").
func (s *Supervisor) waitForShutdownSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.log.WithField("signal", sig.String()).Info("received shutdown signal")
	case <-ctx.Done():
	}
}

func (s *Supervisor) openProbe(slot config.SPISlot) (*max31855.Probe, error) {
	wiring, ok := slot.Wiring()
	if !ok {
		return nil, fmt.Errorf("supervisor: unknown spi slot %q", slot)
	}
	return max31855.OpenPeriphProbe(wiring.Bus, wiring.ChipSelect)
}

// defaultPredictiveModel ships gesha with a conservative affine stand-in
// for an ONNX-backed adapter (spec §4.4): it only matters when
// control_method == predictive is selected via config or the bus.
func defaultPredictiveModel() *control.LinearPredictiveModel {
	return &control.LinearPredictiveModel{
		Bias:           0.0,
		GroupheadCoeff: -0.002,
		BoilerCoeff:    -0.01,
		HeatLoadCoeff:  0.0006,
	}
}
