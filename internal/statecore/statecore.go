// Package statecore is the State Core (spec §4.7, C7): the sole writer of
// mode, power state, control method, target temperature, shot state,
// current temperature and boiler heat level. Every other component holds
// only read-only snapshots obtained from the events this reducer emits.
package statecore

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"gesha/errcode"
	"gesha/internal/busadapter"
	"gesha/internal/clockutil"
	"gesha/internal/eventbus"
	"gesha/internal/store"
	"gesha/types"
)

const defaultSteamTargetC = 130.0

// Core owns the state in spec §3's "Ownership" list and reduces every
// incoming event into state mutations plus derived events, the way the
// teacher's single-owner event loop reduces HAL telemetry into device
// state (services/hal/internal/core/loop.go).
type Core struct {
	conn      *eventbus.Connection
	store     *store.Store
	clock     clockutil.Clock
	relayBase string
	log       *logrus.Entry

	mode          types.Mode
	powerOn       bool
	controlMethod types.ControlMethod
	targetC       float32

	// preSteam holds the control method/target to restore when Steam exits
	// (spec §4.7 "transitioning out of Steam restores the persisted
	// control_method and target_temperature").
	preSteamMethod types.ControlMethod
	preSteamTarget float32

	shotState  types.ShotState
	current    types.TemperatureMeasurement
	heatLevel  float32
}

// New builds a Core and loads persisted control_method/target_temperature
// from the Store so a restart resumes with the same configuration (spec §8
// round-trip property).
func New(conn *eventbus.Connection, st *store.Store, relayBase string, log *logrus.Entry) *Core {
	c := &Core{
		conn: conn, store: st, clock: clockutil.System, relayBase: relayBase, log: log.WithField("component", "statecore"),
		mode: types.ModeIdle, controlMethod: types.ControlNone, targetC: 0,
	}

	cfg, err := st.ReadConfig()
	if err != nil {
		c.log.WithError(err).Warn("failed to load persisted config; starting with defaults")
		return c
	}
	if v, ok := cfg[types.ConfigKeyControlMethod]; ok {
		c.controlMethod = types.ControlMethod(v)
	}
	if v, ok := cfg[types.ConfigKeyTargetTemperature]; ok {
		if f, err := parseFloat32(v); err == nil {
			c.targetC = f
		}
	}
	return c
}

// Run subscribes to every event the reducer cares about and blocks until
// ctx is cancelled. Shutdown here means flushing the store (spec §5
// shutdown order: Bus Adapter, then Controller Manager, then State Core).
func (c *Core) Run(ctx context.Context) {
	availSub := c.conn.Subscribe(types.EventRelayAvailabilityChanged)
	defer availSub.Unsubscribe()
	powerSub := c.conn.Subscribe(types.EventPowerStateChanged)
	defer powerSub.Unsubscribe()
	modeReqSub := c.conn.Subscribe(types.EventModeChangeRequest)
	defer modeReqSub.Unsubscribe()
	targetReqSub := c.conn.Subscribe(types.EventTargetTemperatureSetReq)
	defer targetReqSub.Unsubscribe()
	methodReqSub := c.conn.Subscribe(types.EventControlMethodSetRequest)
	defer methodReqSub.Unsubscribe()
	manualReqSub := c.conn.Subscribe(types.EventManualBoilerHeatLevelReq)
	defer manualReqSub.Unsubscribe()
	tempSub := c.conn.Subscribe(types.EventTemperatureChanged)
	defer tempSub.Unsubscribe()
	heatSub := c.conn.Subscribe(types.EventBoilerHeatLevelChanged)
	defer heatSub.Unsubscribe()
	configReqSub := c.conn.Subscribe(types.EventConfigSetRequest)
	defer configReqSub.Unsubscribe()
	historyReqSub := c.conn.Subscribe(types.EventHistoryQueryRequest)
	defer historyReqSub.Unsubscribe()
	shotHistoryReqSub := c.conn.Subscribe(types.EventShotHistoryQueryRequest)
	defer shotHistoryReqSub.Unsubscribe()

	// Publish the initial retained mode so late bus subscribers observe
	// Idle immediately (mirrors the Bus Adapter's own startup publish).
	c.conn.PublishRetained(types.Event{Kind: types.EventModeChanged, Mode: c.mode})

	for {
		select {
		case <-ctx.Done():
			c.store.StopWriter()
			return
		case m := <-availSub.Channel():
			if ev, ok := m.Payload.(types.Event); ok {
				c.handleRelayAvailabilityChanged(ev)
			}
		case m := <-powerSub.Channel():
			if ev, ok := m.Payload.(types.Event); ok {
				c.handlePowerStateChanged(ev)
			}
		case m := <-modeReqSub.Channel():
			if ev, ok := m.Payload.(types.Event); ok {
				c.handleModeChangeRequest(ev.Mode)
			}
		case m := <-targetReqSub.Channel():
			if ev, ok := m.Payload.(types.Event); ok {
				c.handleTargetTemperatureSet(ev.TargetTemperatureC)
			}
		case m := <-methodReqSub.Channel():
			if ev, ok := m.Payload.(types.Event); ok {
				c.handleControlMethodSet(ev.ControlMethod)
			}
		case m := <-manualReqSub.Channel():
			if ev, ok := m.Payload.(types.Event); ok {
				c.handleManualBoilerLevelRequest(ev.BoilerHeatLevel)
			}
		case m := <-tempSub.Channel():
			if ev, ok := m.Payload.(types.Event); ok {
				c.handleTemperatureChanged(ev.Temperature)
			}
		case m := <-heatSub.Channel():
			if ev, ok := m.Payload.(types.Event); ok {
				c.heatLevel = ev.BoilerHeatLevel // record only; manager already broadcasts
			}
		case m := <-configReqSub.Channel():
			if ev, ok := m.Payload.(types.Event); ok {
				c.handleConfigSet(ev.ConfigItem)
			}
		case m := <-historyReqSub.Channel():
			if ev, ok := m.Payload.(types.Event); ok {
				c.handleHistoryQuery(ev.Range)
			}
		case m := <-shotHistoryReqSub.Channel():
			if ev, ok := m.Payload.(types.Event); ok {
				c.handleShotHistoryQuery(ev.Range)
			}
		}
	}
}

// handleHistoryQuery answers a temperature-history request on its
// id-specific reply topic. A read failure replies with an empty array
// rather than a broker disconnect (spec §7).
func (c *Core) handleHistoryQuery(r types.Range) {
	rows, err := c.store.ReadMeasurements(r)
	if err != nil {
		c.log.WithError(err).Warn("temperature history query failed")
		rows = nil
	}
	body, _ := json.Marshal(rows)
	c.conn.Publish(types.Event{Kind: types.EventOutgoingBusMessage, OutMsg: types.OutMsg{
		Topic: busadapter.TemperatureHistoryResultTopic(r.ID), Payload: body,
	}})
}

func (c *Core) handleShotHistoryQuery(r types.Range) {
	rows, err := c.store.ReadShots(r)
	if err != nil {
		c.log.WithError(err).Warn("shot history query failed")
		rows = nil
	}
	body, _ := json.Marshal(rows)
	c.conn.Publish(types.Event{Kind: types.EventOutgoingBusMessage, OutMsg: types.OutMsg{
		Topic: busadapter.ShotHistoryResultTopic(r.ID), Payload: body,
	}})
}

// handleRelayAvailabilityChanged implements "relay availability lost while
// not Idle ⇒ transition to Idle, finalize any active shot, emit power-off
// command" (spec §4.7).
func (c *Core) handleRelayAvailabilityChanged(ev types.Event) {
	available := ev.PowerOn // busadapter reuses PowerOn to carry online/offline
	if available || c.mode == types.ModeIdle {
		return
	}
	c.transitionMode(types.ModeIdle)
	c.conn.Publish(types.Event{Kind: types.EventOutgoingBusMessage, OutMsg: types.OutMsg{
		Topic: busadapter.RelayPowerCommandTopic(c.relayBase), Payload: []byte("OFF"),
	}})
}

// handlePowerStateChanged mirrors the relay's actual state into power_state
// and drives the Idle/Active transition it implies (spec §4.7).
func (c *Core) handlePowerStateChanged(ev types.Event) {
	wasOn := c.powerOn
	c.powerOn = ev.PowerOn
	if c.powerOn == wasOn {
		return
	}
	if c.powerOn && c.mode == types.ModeIdle {
		c.transitionMode(types.ModeActive)
	} else if !c.powerOn {
		c.transitionMode(types.ModeIdle)
	}
}

// handleModeChangeRequest validates the request against the legal
// transition table and performs the mode-specific derived-event fan-out
// (spec §3/§4.7).
func (c *Core) handleModeChangeRequest(requested types.Mode) {
	if !types.CanTransition(c.mode, requested) {
		c.log.WithField("from", c.mode).WithField("to", requested).
			Warn(string(errcode.IllegalTransition))
		return
	}
	c.transitionMode(requested)
}

// transitionMode performs one legal transition's side effects: Steam
// enter/exit override, Brew shot lifecycle, and the canonical broadcast.
func (c *Core) transitionMode(to types.Mode) {
	from := c.mode
	c.mode = to
	c.conn.Publish(types.Event{Kind: types.EventModeChanged, Mode: to})

	switch {
	case to == types.ModeSteam && from != types.ModeSteam:
		c.preSteamMethod = c.controlMethod
		c.preSteamTarget = c.targetC
		c.setControlMethod(types.ControlThreshold)
		c.setTargetTemperature(defaultSteamTargetC)

	case from == types.ModeSteam && to != types.ModeSteam:
		c.setControlMethod(c.preSteamMethod)
		c.setTargetTemperature(c.preSteamTarget)
	}

	if to == types.ModeBrew {
		c.shotState = types.PullStarted(c.clock.NowMs())
	} else if from == types.ModeBrew {
		c.finalizeShot()
	}
}

func (c *Core) finalizeShot() {
	if !c.shotState.Pulling {
		return
	}
	start := c.shotState.StartMs
	c.shotState = types.NotPulling
	if _, err := c.store.WriteShot(start, c.clock.NowMs()); err != nil {
		c.log.WithError(err).Warn("shot not written")
	}
}

// handleTargetTemperatureSet persists and broadcasts a new target (spec
// §4.7).
func (c *Core) handleTargetTemperatureSet(targetC float32) {
	c.setTargetTemperature(targetC)
}

func (c *Core) setTargetTemperature(targetC float32) {
	c.targetC = targetC
	if err := c.store.WriteConfig(types.ConfigItem{Key: types.ConfigKeyTargetTemperature, Value: formatFloat32(targetC)}); err != nil {
		c.log.WithError(err).Warn("failed to persist target temperature")
	}
	c.conn.Publish(types.Event{Kind: types.EventTargetTemperatureChanged, TargetTemperatureC: targetC})
	c.conn.Publish(types.Event{Kind: types.EventConfigItemChanged, ConfigItem: types.ConfigItem{
		Key: types.ConfigKeyTargetTemperature, Value: formatFloat32(targetC),
	}})
}

// handleControlMethodSet refuses the change while Steam overrides the
// controller (spec §4.7).
func (c *Core) handleControlMethodSet(method types.ControlMethod) {
	if c.mode == types.ModeSteam {
		c.log.Warn(string(errcode.IllegalStateForConfig))
		return
	}
	c.setControlMethod(method)
}

func (c *Core) setControlMethod(method types.ControlMethod) {
	c.controlMethod = method
	if err := c.store.WriteConfig(types.ConfigItem{Key: types.ConfigKeyControlMethod, Value: string(method)}); err != nil {
		c.log.WithError(err).Warn("failed to persist control method")
	}
	c.conn.Publish(types.Event{Kind: types.EventControlMethodChanged, ControlMethod: method})
}

// handleManualBoilerLevelRequest gates the raw request behind control
// method, forwarding it unchanged to the Controller Manager only when
// control_method == None (spec §4.7).
func (c *Core) handleManualBoilerLevelRequest(level float32) {
	if c.controlMethod != types.ControlNone {
		c.log.Warn(string(errcode.IllegalStateForManual))
		return
	}
	c.conn.Publish(types.Event{Kind: types.EventManualBoilerHeatLevelCmd, BoilerHeatLevel: level})
}

// handleConfigSet rejects keys that don't carry the ui_ prefix, persists
// the rest, and re-broadcasts (spec §3/§4.7).
func (c *Core) handleConfigSet(item types.ConfigItem) {
	if len(item.Key) < len(types.UIConfigKeyPrefix) || item.Key[:len(types.UIConfigKeyPrefix)] != types.UIConfigKeyPrefix {
		c.log.WithField("key", item.Key).Warn(string(errcode.PayloadDecode))
		return
	}
	if err := c.store.WriteConfig(item); err != nil {
		c.log.WithError(err).Warn("failed to persist config item")
		return
	}
	c.conn.Publish(types.Event{Kind: types.EventConfigItemChanged, ConfigItem: item})
}

// handleTemperatureChanged diffs each channel against the previous sample,
// emits a per-instrument update only where it changed, and enqueues a
// Measurement row whenever anything changed (spec §4.7).
func (c *Core) handleTemperatureChanged(tm types.TemperatureMeasurement) {
	prev := c.current
	changed := false

	if !cmp.Equal(prev.BoilerTempC, tm.BoilerTempC) {
		c.conn.Publish(types.Event{Kind: types.EventTemperatureInstrumentUpdate, Instrument: "boiler", Value: tm.BoilerTempC})
		changed = true
	}
	if !cmp.Equal(prev.GroupheadTempC, tm.GroupheadTempC) {
		c.conn.Publish(types.Event{Kind: types.EventTemperatureInstrumentUpdate, Instrument: "grouphead", Value: tm.GroupheadTempC})
		changed = true
	}
	if !cmp.Equal(prev.ThermofilterTempC, tm.ThermofilterTempC) {
		if tm.ThermofilterTempC != nil {
			c.conn.Publish(types.Event{Kind: types.EventTemperatureInstrumentUpdate, Instrument: "thermofilter", Value: *tm.ThermofilterTempC})
		}
		changed = true
	}

	c.current = tm
	if !changed {
		return
	}

	c.store.WriteMeasurementEnqueue(types.Measurement{
		TimeMs:            tm.Timestamp.UnixMilli(),
		TargetTempC:       c.targetC,
		BoilerTempC:       tm.BoilerTempC,
		GroupheadTempC:    tm.GroupheadTempC,
		ThermofilterTempC: tm.ThermofilterTempC,
		Power:             c.powerOn,
		HeatLevel:         heatLevelPtr(c.heatLevel),
		Pull:              c.mode == types.ModeBrew,
		Steam:             c.mode == types.ModeSteam,
	})
}

func heatLevelPtr(v float32) *float32 { return &v }

func parseFloat32(s string) (float32, error) {
	v, err := strconv.ParseFloat(s, 32)
	return float32(v), err
}

func formatFloat32(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', -1, 32)
}
