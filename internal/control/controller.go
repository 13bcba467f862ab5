// Package control is the Heat Controllers and Controller Manager (spec
// §4.4/§4.5, C5/C6): the pluggable duty-cycle algorithms and the tick loop
// that drives the boiler's soft-PWM GPIO line from whichever controller is
// currently installed.
package control

import "gesha/types"

// Controller is the per-method contract from spec §4.4: sample the current
// thermal state into a duty cycle in [0,1], and learn about target changes.
type Controller interface {
	Sample(boilerC, groupheadC float32, q int) float32
	UpdateTargetTemperature(targetC float32)
}

// Threshold is the simplest controller: full duty below target, none at or
// above it.
type Threshold struct {
	targetC float32
}

func NewThreshold(targetC float32) *Threshold { return &Threshold{targetC: targetC} }

func (t *Threshold) Sample(boilerC, _ float32, _ int) float32 {
	if boilerC < t.targetC {
		return 1.0
	}
	return 0.0
}

func (t *Threshold) UpdateTargetTemperature(targetC float32) { t.targetC = targetC }

// PID is a standard proportional-integral-derivative controller. Output is
// clamped to [-100,100] before being mapped into [0,1] via (out+100)/200
// (spec §4.4). Each term is independently windup-limited to 100.
type PID struct {
	Kp, Ki, Kd float32

	targetC float32
	integral float32
	prevErr  float32
	hasPrev  bool
}

func NewPID(kp, ki, kd, targetC float32) *PID {
	return &PID{Kp: kp, Ki: ki, Kd: kd, targetC: targetC}
}

const pidTermLimit = 100

func (p *PID) Sample(boilerC, _ float32, _ int) float32 {
	err := p.targetC - boilerC

	p.integral += err
	p.integral = clampF(p.integral, -pidTermLimit, pidTermLimit)

	var deriv float32
	if p.hasPrev {
		deriv = err - p.prevErr
	}
	p.prevErr = err
	p.hasPrev = true

	pTerm := clampF(p.Kp*err, -pidTermLimit, pidTermLimit)
	iTerm := clampF(p.Ki*p.integral, -pidTermLimit, pidTermLimit)
	dTerm := clampF(p.Kd*deriv, -pidTermLimit, pidTermLimit)

	out := clampF(pTerm+iTerm+dTerm, -100, 100)
	return (out + 100) / 200
}

func (p *PID) UpdateTargetTemperature(targetC float32) { p.targetC = targetC }

func clampF(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PredictiveModel is the external inference adapter contract from spec
// §4.4's predict_boiler_temp_diff: given the current grouphead/boiler
// readings and the recent heat-load window q, predict how much the boiler
// temperature will move before the next sample.
type PredictiveModel interface {
	PredictBoilerDiff(groupheadC, boilerC float32, q int) (float32, error)
}

// Predictive fires full duty whenever the model forecasts the boiler will
// still be at or under target after the predicted delta; any inference
// error is treated as "do not heat" (spec §4.4).
type Predictive struct {
	model   PredictiveModel
	targetC float32
}

func NewPredictive(model PredictiveModel, targetC float32) *Predictive {
	return &Predictive{model: model, targetC: targetC}
}

func (pr *Predictive) Sample(boilerC, groupheadC float32, q int) float32 {
	delta, err := pr.model.PredictBoilerDiff(groupheadC, boilerC, q)
	if err != nil {
		return 0.0
	}
	if boilerC+delta <= pr.targetC {
		return 1.0
	}
	return 0.0
}

func (pr *Predictive) UpdateTargetTemperature(targetC float32) { pr.targetC = targetC }

// LinearPredictiveModel is a small, dependency-free stand-in for an
// ONNX-backed adapter: a constant plus per-input coefficients. It exists so
// Predictive has a concrete, testable implementation to run against without
// an inference runtime in the loop.
type LinearPredictiveModel struct {
	Bias            float32
	GroupheadCoeff  float32
	BoilerCoeff     float32
	HeatLoadCoeff   float32
}

func (m *LinearPredictiveModel) PredictBoilerDiff(groupheadC, boilerC float32, q int) (float32, error) {
	return m.Bias + m.GroupheadCoeff*groupheadC + m.BoilerCoeff*boilerC + m.HeatLoadCoeff*float32(q), nil
}

// NewController builds the Controller instance for a method, or nil for
// ControlNone (manual path, spec §4.5).
func NewController(method types.ControlMethod, targetC float32, model PredictiveModel) Controller {
	switch method {
	case types.ControlThreshold:
		return NewThreshold(targetC)
	case types.ControlPID:
		return NewPID(0.08, 0.01, 0.02, targetC)
	case types.ControlPredictive:
		return NewPredictive(model, targetC)
	default: // ControlNone
		return nil
	}
}
