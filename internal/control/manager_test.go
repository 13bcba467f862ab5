package control

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"gesha/internal/eventbus"
	"gesha/types"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func mustEvent(t *testing.T, sub *eventbus.Subscription, timeout time.Duration) types.Event {
	t.Helper()
	select {
	case m := <-sub.Channel():
		ev, ok := m.Payload.(types.Event)
		if !ok {
			t.Fatal("payload is not a types.Event")
		}
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
	}
	return types.Event{}
}

func TestThresholdControllerDrivesLineHighBelowTarget(t *testing.T) {
	bus := eventbus.New(64)
	conn := bus.Connect("control")
	driver := bus.Connect("driver")
	levelSub := bus.Connect("test").Subscribe(types.EventBoilerHeatLevelChanged)

	pin := NewHostPin()
	mgr := New(pin, conn, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); mgr.Run(ctx) }()
	defer func() { cancel(); <-done }()

	driver.Publish(types.Event{Kind: types.EventPowerStateChanged, PowerOn: true})
	driver.Publish(types.Event{Kind: types.EventModeChanged, Mode: types.ModeActive})
	driver.Publish(types.Event{Kind: types.EventTargetTemperatureChanged, TargetTemperatureC: 95})
	driver.Publish(types.Event{Kind: types.EventControlMethodChanged, ControlMethod: types.ControlThreshold})
	driver.Publish(types.Event{Kind: types.EventTemperatureChanged, Temperature: types.TemperatureMeasurement{BoilerTempC: 80}})

	ev := mustEvent(t, levelSub, 2*time.Second)
	if ev.BoilerHeatLevel != 1.0 {
		t.Fatalf("heat level = %v, want 1.0 (boiler well under target)", ev.BoilerHeatLevel)
	}
}

func TestModeEntryIdleDrivesLow(t *testing.T) {
	bus := eventbus.New(64)
	conn := bus.Connect("control")
	driver := bus.Connect("driver")
	levelSub := bus.Connect("test").Subscribe(types.EventBoilerHeatLevelChanged)

	pin := NewHostPin()
	mgr := New(pin, conn, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); mgr.Run(ctx) }()
	defer func() { cancel(); <-done }()

	driver.Publish(types.Event{Kind: types.EventPowerStateChanged, PowerOn: true})
	driver.Publish(types.Event{Kind: types.EventModeChanged, Mode: types.ModeActive})
	driver.Publish(types.Event{Kind: types.EventTargetTemperatureChanged, TargetTemperatureC: 95})
	driver.Publish(types.Event{Kind: types.EventControlMethodChanged, ControlMethod: types.ControlThreshold})
	driver.Publish(types.Event{Kind: types.EventTemperatureChanged, Temperature: types.TemperatureMeasurement{BoilerTempC: 80}})
	if ev := mustEvent(t, levelSub, 2*time.Second); ev.BoilerHeatLevel != 1.0 {
		t.Fatalf("expected to turn on before testing idle reset, got %v", ev.BoilerHeatLevel)
	}

	driver.Publish(types.Event{Kind: types.EventModeChanged, Mode: types.ModeIdle})
	if ev := mustEvent(t, levelSub, 2*time.Second); ev.BoilerHeatLevel != 0.0 {
		t.Fatalf("heat level after idle entry = %v, want 0.0", ev.BoilerHeatLevel)
	}
}

func TestManualRequestIgnoredWhenControllerInstalled(t *testing.T) {
	bus := eventbus.New(64)
	conn := bus.Connect("control")
	driver := bus.Connect("driver")
	levelSub := bus.Connect("test").Subscribe(types.EventBoilerHeatLevelChanged)

	pin := NewHostPin()
	mgr := New(pin, conn, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); mgr.Run(ctx) }()
	defer func() { cancel(); <-done }()

	driver.Publish(types.Event{Kind: types.EventPowerStateChanged, PowerOn: true})
	driver.Publish(types.Event{Kind: types.EventModeChanged, Mode: types.ModeActive})
	driver.Publish(types.Event{Kind: types.EventControlMethodChanged, ControlMethod: types.ControlThreshold})

	driver.Publish(types.Event{Kind: types.EventManualBoilerHeatLevelCmd, BoilerHeatLevel: 0.7})

	select {
	case <-levelSub.Channel():
		t.Fatal("manual request should be ignored while an automated controller is installed")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestManualRequestAppliedWhenNoController(t *testing.T) {
	bus := eventbus.New(64)
	conn := bus.Connect("control")
	driver := bus.Connect("driver")
	levelSub := bus.Connect("test").Subscribe(types.EventBoilerHeatLevelChanged)

	pin := NewHostPin()
	mgr := New(pin, conn, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); mgr.Run(ctx) }()
	defer func() { cancel(); <-done }()

	driver.Publish(types.Event{Kind: types.EventPowerStateChanged, PowerOn: true})
	driver.Publish(types.Event{Kind: types.EventModeChanged, Mode: types.ModeActive})
	driver.Publish(types.Event{Kind: types.EventManualBoilerHeatLevelCmd, BoilerHeatLevel: 0.65})

	ev := mustEvent(t, levelSub, 2*time.Second)
	if ev.BoilerHeatLevel != 0.7 { // round(0.65*10)/10 = round(6.5)/10 = 7/10
		t.Fatalf("manual duty = %v, want 0.7", ev.BoilerHeatLevel)
	}
}

func TestShutdownDrivesLowAndEmitsZero(t *testing.T) {
	bus := eventbus.New(64)
	conn := bus.Connect("control")
	driver := bus.Connect("driver")
	levelSub := bus.Connect("test").Subscribe(types.EventBoilerHeatLevelChanged)

	pin := NewHostPin()
	mgr := New(pin, conn, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); mgr.Run(ctx) }()

	driver.Publish(types.Event{Kind: types.EventPowerStateChanged, PowerOn: true})
	driver.Publish(types.Event{Kind: types.EventModeChanged, Mode: types.ModeActive})
	driver.Publish(types.Event{Kind: types.EventManualBoilerHeatLevelCmd, BoilerHeatLevel: 1.0})
	mustEvent(t, levelSub, 2*time.Second)

	cancel()
	<-done

	ev := mustEvent(t, levelSub, time.Second)
	if ev.BoilerHeatLevel != 0.0 {
		t.Fatalf("shutdown heat level = %v, want 0.0", ev.BoilerHeatLevel)
	}
	if pin.Get() {
		t.Fatal("pin should be driven low on shutdown")
	}
}

func TestShutdownEmitsZeroEvenWhenDutyAlreadyZero(t *testing.T) {
	bus := eventbus.New(64)
	conn := bus.Connect("control")
	levelSub := bus.Connect("test").Subscribe(types.EventBoilerHeatLevelChanged)

	pin := NewHostPin()
	mgr := New(pin, conn, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); mgr.Run(ctx) }()

	cancel()
	<-done

	ev := mustEvent(t, levelSub, time.Second)
	if ev.BoilerHeatLevel != 0.0 {
		t.Fatalf("shutdown heat level = %v, want 0.0", ev.BoilerHeatLevel)
	}
}

func TestQuantizeRounding(t *testing.T) {
	cases := []struct {
		raw  float32
		want int
	}{
		{-1, 0}, {0, 0}, {0.04, 0}, {0.05, 1}, {0.65, 7}, {0.99, 10}, {1, 10}, {1.5, 10},
	}
	for _, c := range cases {
		if got := quantize(c.raw); got != c.want {
			t.Errorf("quantize(%v) = %d, want %d", c.raw, got, c.want)
		}
	}
}
