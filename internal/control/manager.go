package control

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"gesha/internal/clockutil"
	"gesha/internal/eventbus"
	"gesha/types"
)

const (
	tickPeriod    = 100 * time.Millisecond
	qWindowCap    = 500 // 50s at one duty sample per 100ms tick (spec §4.5)
	pulseQuantum  = 10 * time.Millisecond
)

// ControllerManager is the Controller Manager (spec §4.5, C6). It owns the
// boiler GPIO line, the currently-installed Controller (nil when
// control_method is None), and the rolling heat-load window shared across
// automatic controllers.
type ControllerManager struct {
	pin   BoilerPin
	conn  *eventbus.Connection
	model PredictiveModel
	clock clockutil.Clock
	log   *logrus.Entry

	controller Controller
	method     types.ControlMethod
	mode       types.Mode
	powerOn    bool
	targetC    float32
	boilerC    float32
	groupheadC float32

	lastDutyQ int
	qWindow   *clockutil.RunningSumQueue

	dutyLevel atomic.Int32 // read by the soft-PWM goroutine
}

// New builds a ControllerManager. model backs any Predictive controller
// instantiated later via a ControlMethodChanged event.
func New(pin BoilerPin, conn *eventbus.Connection, model PredictiveModel, log *logrus.Entry) *ControllerManager {
	return &ControllerManager{
		pin: pin, conn: conn, model: model, clock: clockutil.System,
		log:     log.WithField("component", "control"),
		mode:    types.ModeIdle,
		qWindow: clockutil.NewRunningSumQueue(qWindowCap),
	}
}

// Run drives the 100ms sample/drive tick and the soft-PWM pulse goroutine
// until ctx is cancelled. On exit it drives the line low and emits
// BoilerHeatLevelChanged(0) first (spec §4.5 invariant d).
func (m *ControllerManager) Run(ctx context.Context) {
	tempSub := m.conn.Subscribe(types.EventTemperatureChanged)
	defer tempSub.Unsubscribe()
	modeSub := m.conn.Subscribe(types.EventModeChanged)
	defer modeSub.Unsubscribe()
	powerSub := m.conn.Subscribe(types.EventPowerStateChanged)
	defer powerSub.Unsubscribe()
	methodSub := m.conn.Subscribe(types.EventControlMethodChanged)
	defer methodSub.Unsubscribe()
	targetSub := m.conn.Subscribe(types.EventTargetTemperatureChanged)
	defer targetSub.Unsubscribe()
	manualSub := m.conn.Subscribe(types.EventManualBoilerHeatLevelCmd)
	defer manualSub.Unsubscribe()

	pwmDone := make(chan struct{})
	go func() {
		defer close(pwmDone)
		m.runSoftPWM(ctx)
	}()

	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.lastDutyQ = 0
			m.dutyLevel.Store(0)
			m.conn.Publish(types.Event{Kind: types.EventBoilerHeatLevelChanged, BoilerHeatLevel: 0})
			<-pwmDone
			return

		case msg := <-tempSub.Channel():
			if ev, ok := msg.Payload.(types.Event); ok {
				m.boilerC = ev.Temperature.BoilerTempC
				m.groupheadC = ev.Temperature.GroupheadTempC
			}

		case msg := <-modeSub.Channel():
			if ev, ok := msg.Payload.(types.Event); ok {
				m.mode = ev.Mode
				if m.mode == types.ModeIdle {
					m.applyDuty(0) // invariant (a): drive low within one tick
				}
			}

		case msg := <-powerSub.Channel():
			if ev, ok := msg.Payload.(types.Event); ok {
				m.powerOn = ev.PowerOn
				if !m.powerOn {
					m.applyDuty(0)
				}
			}

		case msg := <-methodSub.Channel():
			if ev, ok := msg.Payload.(types.Event); ok {
				m.method = ev.ControlMethod
				m.controller = NewController(m.method, m.targetC, m.model)
				m.applyDuty(0) // invariant (b): reset duty on replacement
			}

		case msg := <-targetSub.Channel():
			if ev, ok := msg.Payload.(types.Event); ok {
				m.targetC = ev.TargetTemperatureC
				if m.controller != nil {
					m.controller.UpdateTargetTemperature(m.targetC) // invariant (c)
				}
			}

		case msg := <-manualSub.Channel():
			if ev, ok := msg.Payload.(types.Event); ok {
				m.handleManualRequest(ev.BoilerHeatLevel)
			}

		case <-ticker.C:
			m.tick()
		}
	}
}

// tick implements the per-100ms decision from spec §4.5.
func (m *ControllerManager) tick() {
	if !m.powerOn {
		if m.pin.Get() {
			m.applyDuty(0)
		}
		return
	}
	if m.mode == types.ModeIdle {
		return // already driven low on mode entry
	}
	if m.controller == nil {
		return // manual path: duty only changes via ManualBoilerHeatLevelRequest
	}

	raw := m.controller.Sample(m.boilerC, m.groupheadC, m.qWindow.Sum())
	dutyQ := quantize(raw)
	m.applyDuty(dutyQ)
	m.qWindow.Push(dutyQ)
}

func (m *ControllerManager) handleManualRequest(raw float32) {
	if m.mode == types.ModeIdle || m.controller != nil {
		return // ignored: idle, or an automated controller is installed (spec §4.5)
	}
	dutyQ := quantize(raw)
	m.applyDuty(dutyQ)
	m.qWindow.Push(dutyQ)
}

// applyDuty reprograms the soft-PWM level and emits BoilerHeatLevelChanged
// only when the quantized duty actually changes (spec §4.5 step 3).
func (m *ControllerManager) applyDuty(dutyQ int) {
	if dutyQ == m.lastDutyQ {
		return
	}
	m.lastDutyQ = dutyQ
	m.dutyLevel.Store(int32(dutyQ))
	m.conn.Publish(types.Event{Kind: types.EventBoilerHeatLevelChanged, BoilerHeatLevel: float32(dutyQ) / 10.0})
}

// quantize maps a raw [0,1] duty cycle to tenths, per spec §4.5:
// duty_q = round(clamp(raw,0,1) * 10).
func quantize(raw float32) int {
	clamped := clampF(raw, 0, 1)
	return int(math.Round(float64(clamped * 10)))
}

// runSoftPWM bit-bangs a 100ms-period PWM signal from the shared duty
// level, driven by a dedicated goroutine so the sample tick above never
// blocks on GPIO timing (spec §4.5: "100ms period long enough to matter for
// a thermal mass, short enough for a cooperative task scheduler").
func (m *ControllerManager) runSoftPWM(ctx context.Context) {
	for {
		level := m.dutyLevel.Load()
		switch {
		case level <= 0:
			_ = m.pin.Set(false)
			if !sleepOrDone(ctx, tickPeriod) {
				return
			}
		case level >= 10:
			_ = m.pin.Set(true)
			if !sleepOrDone(ctx, tickPeriod) {
				_ = m.pin.Set(false)
				return
			}
		default:
			_ = m.pin.Set(true)
			pulse := time.Duration(level) * pulseQuantum
			if !sleepOrDone(ctx, pulse) {
				_ = m.pin.Set(false)
				return
			}
			_ = m.pin.Set(false)
			if !sleepOrDone(ctx, tickPeriod-pulse) {
				return
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
