// Package thermo is the Thermocouple Poller (spec §4.3, C3): it samples the
// boiler, grouphead and optional thermofilter probes, smooths each channel
// by taking the median of 10 raw reads, and emits TemperatureChanged at a
// cadence that tracks the machine's current Mode.
package thermo

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"gesha/drivers/max31855"
	"gesha/internal/clockutil"
	"gesha/internal/eventbus"
	"gesha/types"
)

// cadence returns the interval between emitted samples for a mode (spec
// §4.3). Offline halts the poller entirely.
func cadence(m types.Mode) time.Duration {
	switch m {
	case types.ModeIdle:
		return time.Second
	case types.ModeActive, types.ModeBrew, types.ModeSteam:
		return 100 * time.Millisecond
	default: // Offline
		return 0
	}
}

const samplesPerWindow = 10
const minRequiredReads = 2
const minThermofilterReads = 3
const swingWarnThresholdC = 5.0

// Reader reads one instantaneous value from a probe, returning a non-nil
// error on a decode/SPI fault (the poller logs it and skips the read).
type Reader interface {
	Read() (max31855.Reading, error)
}

// Poller owns the probe set and the internal event-bus connection it uses
// to learn the current mode and publish temperature events.
type Poller struct {
	boiler       Reader
	grouphead    Reader
	thermofilter Reader // nil if not configured (spec §6 thermofilterSpi optional)

	conn  *eventbus.Connection
	clock clockutil.Clock
	log   *logrus.Entry
}

// New builds a Poller. thermofilter may be nil.
func New(boiler, grouphead, thermofilter Reader, conn *eventbus.Connection, log *logrus.Entry) *Poller {
	return &Poller{
		boiler: boiler, grouphead: grouphead, thermofilter: thermofilter,
		conn: conn, clock: clockutil.System, log: log.WithField("component", "thermo"),
	}
}

// Run drives the sampling loop until ctx is cancelled. It subscribes to
// ModeChanged and reconfigures its cadence without restarting the I/O path;
// samples accumulated in a window that is interrupted by a mode change are
// discarded (spec §4.3).
func (p *Poller) Run(ctx context.Context) {
	modeSub := p.conn.Subscribe(types.EventModeChanged)
	defer modeSub.Unsubscribe()

	mode := types.ModeIdle
	for {
		every := cadence(mode)
		if every == 0 {
			select {
			case <-ctx.Done():
				return
			case m := <-modeSub.Channel():
				if ev, ok := m.Payload.(types.Event); ok {
					mode = ev.Mode
				}
			}
			continue
		}

		newMode, stop := p.collectWindow(ctx, every/samplesPerWindow, modeSub, mode)
		if stop {
			return
		}
		mode = newMode
	}
}

// collectWindow gathers up to samplesPerWindow reads per probe at the given
// sub-interval. It returns early (without emitting) if the mode changes
// mid-window, discarding whatever was collected so far.
func (p *Poller) collectWindow(ctx context.Context, subInterval time.Duration, modeSub *eventbus.Subscription, mode types.Mode) (types.Mode, bool) {
	var boilerReads, groupheadReads, filterReads []float32

	ticker := time.NewTicker(subInterval)
	defer ticker.Stop()

	for i := 0; i < samplesPerWindow; i++ {
		select {
		case <-ctx.Done():
			return mode, true
		case m := <-modeSub.Channel():
			if ev, ok := m.Payload.(types.Event); ok && ev.Mode != mode {
				return ev.Mode, false
			}
		case <-ticker.C:
			if v, ok := p.readOne(p.boiler, "boiler"); ok {
				boilerReads = append(boilerReads, v)
			}
			if v, ok := p.readOne(p.grouphead, "grouphead"); ok {
				groupheadReads = append(groupheadReads, v)
			}
			if p.thermofilter != nil {
				if v, ok := p.readOne(p.thermofilter, "thermofilter"); ok {
					filterReads = append(filterReads, v)
				}
			}
		}
	}

	p.emit(boilerReads, groupheadReads, filterReads)
	return mode, false
}

func (p *Poller) readOne(r Reader, probe string) (float32, bool) {
	reading, err := r.Read()
	if err != nil {
		p.log.WithError(err).WithField("probe", probe).Debug("thermocouple read fault")
		return 0, false
	}
	return reading.ThermocoupleC, true
}

// emit publishes TemperatureChanged when both required probes met the
// 2-of-10 quorum, else TemperatureReadError (spec §3/§4.3).
func (p *Poller) emit(boiler, grouphead, filter []float32) {
	if len(boiler) < minRequiredReads || len(grouphead) < minRequiredReads {
		p.conn.Publish(types.Event{Kind: types.EventTemperatureReadError, ReadErrorProbe: "boiler_or_grouphead"})
		return
	}
	checkSwing(p.log, "boiler", boiler)
	checkSwing(p.log, "grouphead", grouphead)

	tm := types.TemperatureMeasurement{
		BoilerTempC:    median(boiler),
		GroupheadTempC: median(grouphead),
		Timestamp:      p.clock.Now(),
	}
	if len(filter) >= minThermofilterReads {
		v := median(filter)
		tm.ThermofilterTempC = &v
	}
	p.conn.Publish(types.Event{Kind: types.EventTemperatureChanged, Temperature: tm})
}

func checkSwing(log *logrus.Entry, channel string, reads []float32) {
	if len(reads) == 0 {
		return
	}
	lo, hi := reads[0], reads[0]
	for _, v := range reads[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi-lo > swingWarnThresholdC {
		log.WithField("channel", channel).WithField("swing_c", hi-lo).Warn("large swing within sample window")
	}
}

// median sorts a copy and returns the middle element (upper median on even
// counts), matching the convention used for bucketed history medians in
// internal/store.
func median(reads []float32) float32 {
	sorted := make([]float32, len(reads))
	copy(sorted, reads)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}
