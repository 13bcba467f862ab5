package thermo

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"gesha/drivers/max31855"
	"gesha/internal/eventbus"
	"gesha/types"
)

type fakeReader struct {
	values []float32
	i      atomic.Int32
	fail   func(n int32) bool
}

func (f *fakeReader) Read() (max31855.Reading, error) {
	n := f.i.Add(1) - 1
	if f.fail != nil && f.fail(n) {
		return max31855.Reading{}, max31855.FaultMissingThermocouple
	}
	v := f.values[int(n)%len(f.values)]
	return max31855.Reading{ThermocoupleC: v}, nil
}

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(nil)
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestEmitsMedianTemperatureInActiveMode(t *testing.T) {
	bus := eventbus.New(64)
	conn := bus.Connect("thermo")
	sub := bus.Connect("test").Subscribe(types.EventTemperatureChanged)

	boiler := &fakeReader{values: []float32{90, 91, 92, 93, 94, 95, 96, 97, 98, 99}}
	grouphead := &fakeReader{values: []float32{80, 81, 82, 83, 84, 85, 86, 87, 88, 89}}
	p := New(boiler, grouphead, nil, conn, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	// Drive it directly at Active cadence rather than through Run's mode
	// tracking, to keep the test fast and deterministic.
	newMode, stop := p.collectWindow(ctx, 2*time.Millisecond, bus.Connect("modesub").Subscribe(types.EventModeChanged), types.ModeActive)
	if stop {
		t.Fatal("unexpected stop")
	}
	if newMode != types.ModeActive {
		t.Fatalf("mode = %v", newMode)
	}

	select {
	case m := <-sub.Channel():
		ev := m.Payload.(types.Event)
		if ev.Temperature.BoilerTempC != 95 { // median of 90..99 (10 values) -> index 5 -> 95
			t.Fatalf("boiler = %v, want 95", ev.Temperature.BoilerTempC)
		}
	case <-time.After(time.Second):
		t.Fatal("no TemperatureChanged observed")
	}
}

func TestReadErrorWhenBelowQuorum(t *testing.T) {
	bus := eventbus.New(64)
	conn := bus.Connect("thermo")
	errSub := bus.Connect("test").Subscribe(types.EventTemperatureReadError)

	boiler := &fakeReader{values: []float32{90}, fail: func(n int32) bool { return true }}
	grouphead := &fakeReader{values: []float32{80}}
	p := New(boiler, grouphead, nil, conn, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	p.collectWindow(ctx, 2*time.Millisecond, bus.Connect("modesub").Subscribe(types.EventModeChanged), types.ModeActive)

	select {
	case <-errSub.Channel():
	case <-time.After(time.Second):
		t.Fatal("expected TemperatureReadError when boiler quorum not met")
	}
}

func TestCadenceTable(t *testing.T) {
	cases := map[types.Mode]time.Duration{
		types.ModeIdle:    time.Second,
		types.ModeActive:  100 * time.Millisecond,
		types.ModeBrew:    100 * time.Millisecond,
		types.ModeSteam:   100 * time.Millisecond,
		types.ModeOffline: 0,
	}
	for mode, want := range cases {
		if got := cadence(mode); got != want {
			t.Errorf("cadence(%v) = %v, want %v", mode, got, want)
		}
	}
}
