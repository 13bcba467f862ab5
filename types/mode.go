package types

// Mode is the machine's operating mode. The State Core is its sole owner;
// every other component mirrors it from ModeChanged events.
type Mode string

const (
	ModeIdle    Mode = "idle"
	ModeActive  Mode = "active"
	ModeBrew    Mode = "brew"
	ModeSteam   Mode = "steam"
	ModeOffline Mode = "offline"
)

// legalModeTransitions enumerates the edges allowed by spec §3. Offline is
// terminal: it is reachable from any mode but has no outgoing edge.
var legalModeTransitions = map[Mode]map[Mode]bool{
	ModeIdle:   {ModeActive: true, ModeSteam: true, ModeOffline: true},
	ModeActive: {ModeIdle: true, ModeBrew: true, ModeSteam: true, ModeOffline: true},
	ModeBrew:   {ModeActive: true, ModeSteam: true, ModeOffline: true},
	ModeSteam:  {ModeIdle: true, ModeActive: true, ModeBrew: true, ModeOffline: true},
	ModeOffline: {},
}

// CanTransition reports whether from -> to is a legal mode transition.
func CanTransition(from, to Mode) bool {
	edges, ok := legalModeTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// ControlMethod selects the heat-control strategy. None means manual control:
// no automated sample() loop runs, and ManualBoilerHeatLevelRequest events
// are accepted instead.
type ControlMethod string

const (
	ControlThreshold  ControlMethod = "threshold"
	ControlPID        ControlMethod = "pid"
	ControlPredictive ControlMethod = "predictive"
	ControlNone       ControlMethod = "none"
)

// ShotState tracks whether a brew pull is in progress and, if so, when it
// started (epoch milliseconds).
type ShotState struct {
	Pulling  bool
	StartMs  int64
}

var NotPulling = ShotState{}

func PullStarted(startMs int64) ShotState {
	return ShotState{Pulling: true, StartMs: startMs}
}
