package mathcore

import (
	"math"

	"ecobridge/internal/domain"
)

// PID controller constants.
const (
	DefaultIntegrationLimit = 30.0
	maxSafeDT               = 1.0
	minTimeStep             = 1e-6
	OutputMinClamp          = 0.5
	OutputMaxClamp          = 5.0
	OutputBaseline          = 1.0
	integralDecay           = 0.99999
	backCalcGain            = 0.2
	derivativeFilterAlpha   = 0.3
)

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// StepPid advances the discrete PID state one tick and returns the
// adjustment multiplier around OutputBaseline.
//
// Invalid inputs (non-finite, negative dt) return the baseline without
// touching the state, so a bad sample can never poison the integral.
func StepPid(pid *domain.PidState, targetVel, currentVel, dt, inflation float64) float64 {
	if !isFinite(targetVel) || !isFinite(currentVel) ||
		!isFinite(dt) || dt < 0 || !isFinite(inflation) {
		return OutputBaseline
	}

	errVal := targetVel - currentVel
	dtSafe := clamp(dt, 0.0, maxSafeDT)

	// Gain scheduling: higher inflation tightens the response.
	scheduleGamma := 1.0 + sigmoid((inflation-0.05)*20.0)
	activeKp := pid.Kp * scheduleGamma
	activeKi := pid.Ki * scheduleGamma

	// Integral leakage plus anti-windup back-calculation while saturated.
	combinedLeakage := (1.0 - clamp(pid.Lambda, 0.0, 1.0)) * integralDecay
	if pid.Saturated {
		backCalc := errVal * backCalcGain
		pid.Integral = pid.Integral*combinedLeakage + backCalc*dtSafe
	} else {
		pid.Integral = pid.Integral*combinedLeakage + errVal*dtSafe
	}

	limit := pid.IntegrationLimit
	if limit <= 0 {
		limit = DefaultIntegrationLimit
	}
	pid.Integral = clamp(pid.Integral, -limit, limit)

	// Low-pass filtered derivative on the process value.
	deltaPV := currentVel - pid.PrevPV
	rawDerivative := 0.0
	if dtSafe > minTimeStep {
		rawDerivative = deltaPV / dtSafe
	}
	pid.FilteredD = derivativeFilterAlpha*rawDerivative + (1.0-derivativeFilterAlpha)*pid.FilteredD
	pid.PrevPV = currentVel

	pTerm := activeKp * errVal
	iTerm := activeKi * pid.Integral
	dTerm := pid.Kd * pid.FilteredD

	rawOutput := OutputBaseline + pTerm + iTerm - dTerm
	finalOutput := clamp(rawOutput, OutputMinClamp, OutputMaxClamp)

	pid.Saturated = math.Abs(rawOutput-finalOutput) > 1e-6

	if !isFinite(finalOutput) {
		return OutputBaseline
	}
	return finalOutput
}

// ValidatePidParams reports whether the gains form a usable controller.
func ValidatePidParams(pid *domain.PidState) bool {
	return isFinite(pid.Kp) && pid.Kp >= 0 &&
		isFinite(pid.Ki) && pid.Ki >= 0 &&
		isFinite(pid.Kd) && pid.Kd >= 0 &&
		isFinite(pid.Lambda) && pid.Lambda >= 0 && pid.Lambda <= 1
}
