package mathcore

import (
	"math"
	"testing"

	"ecobridge/internal/domain"
)

func TestStepPid_BaselineAtTarget(t *testing.T) {
	pid := domain.DefaultPidState()
	pid.PrevPV = 100.0 // steady state, no derivative kick

	out := StepPid(&pid, 100.0, 100.0, 1.0, 0.0)
	if math.Abs(out-OutputBaseline) > 1e-6 {
		t.Errorf("expected baseline output at target, got %f", out)
	}
}

func TestStepPid_PushesTowardTarget(t *testing.T) {
	pid := domain.DefaultPidState()

	// Velocity below target: the economy is cold, the multiplier must rise
	// above baseline to loosen elasticity.
	low := StepPid(&pid, 100.0, 20.0, 1.0, 0.0)
	if low <= OutputBaseline {
		t.Errorf("expected output above baseline for cold market, got %f", low)
	}

	pid = domain.DefaultPidState()
	high := StepPid(&pid, 100.0, 500.0, 1.0, 0.0)
	if high >= OutputBaseline {
		t.Errorf("expected output below baseline for hot market, got %f", high)
	}
}

func TestStepPid_OutputClamped(t *testing.T) {
	pid := domain.DefaultPidState()

	out := StepPid(&pid, 1e9, 0.0, 1.0, 0.0)
	if out != OutputMaxClamp {
		t.Errorf("expected max clamp %f, got %f", OutputMaxClamp, out)
	}
	if !pid.Saturated {
		t.Error("expected saturation flag after clamping")
	}

	pid = domain.DefaultPidState()
	out = StepPid(&pid, 0.0, 1e9, 1.0, 0.0)
	if out != OutputMinClamp {
		t.Errorf("expected min clamp %f, got %f", OutputMinClamp, out)
	}
}

func TestStepPid_InvalidInputsReturnBaseline(t *testing.T) {
	pid := domain.DefaultPidState()
	pid.Integral = 5.0

	cases := [][4]float64{
		{math.NaN(), 100, 1.0, 0.0},
		{100, math.Inf(1), 1.0, 0.0},
		{100, 100, -1.0, 0.0},
		{100, 100, 1.0, math.NaN()},
	}
	for i, c := range cases {
		out := StepPid(&pid, c[0], c[1], c[2], c[3])
		if out != OutputBaseline {
			t.Errorf("case %d: expected baseline for invalid input, got %f", i, out)
		}
	}
	if pid.Integral != 5.0 {
		t.Errorf("invalid input must not touch state, integral now %f", pid.Integral)
	}
}

func TestStepPid_IntegralClamped(t *testing.T) {
	pid := domain.DefaultPidState()

	for i := 0; i < 1000; i++ {
		StepPid(&pid, 1000.0, 0.0, 1.0, 0.0)
	}
	if math.Abs(pid.Integral) > pid.IntegrationLimit+1e-9 {
		t.Errorf("integral escaped the anti-windup clamp: %f", pid.Integral)
	}
}

func TestStepPid_GainScheduling(t *testing.T) {
	// Same small error, higher inflation: response must be stronger.
	pidCalm := domain.DefaultPidState()
	pidCalm.PrevPV = 100.0
	pidHot := domain.DefaultPidState()
	pidHot.PrevPV = 100.0

	calm := StepPid(&pidCalm, 100.5, 100.0, 1.0, 0.0)
	hot := StepPid(&pidHot, 100.5, 100.0, 1.0, 0.30)

	if hot <= calm {
		t.Errorf("expected stronger response under inflation: calm=%f hot=%f", calm, hot)
	}
}

func TestStepPid_Convergence(t *testing.T) {
	// Closed loop toy plant: velocity follows the multiplier. The
	// controller must settle near the target without oscillating apart.
	pid := domain.DefaultPidState()
	target := 100.0
	velocity := 10.0

	for i := 0; i < 200; i++ {
		out := StepPid(&pid, target, velocity, 1.0, 0.0)
		velocity += (out*target/OutputMaxClamp - velocity) * 0.3
	}

	if math.Abs(velocity-target) > target*0.5 {
		t.Errorf("controller failed to steer velocity toward target: %f", velocity)
	}
}

func TestValidatePidParams(t *testing.T) {
	pid := domain.DefaultPidState()
	if !ValidatePidParams(&pid) {
		t.Error("default state must validate")
	}

	pid.Kp = -1
	if ValidatePidParams(&pid) {
		t.Error("negative gain must fail validation")
	}

	pid = domain.DefaultPidState()
	pid.Lambda = 1.5
	if ValidatePidParams(&pid) {
		t.Error("leakage above 1 must fail validation")
	}
}

func TestPidReset(t *testing.T) {
	pid := domain.DefaultPidState()
	StepPid(&pid, 100.0, 0.0, 1.0, 0.0)
	if pid.Integral == 0 {
		t.Fatal("expected integral accumulation before reset")
	}

	pid.Reset()
	if pid.Integral != 0 || pid.PrevPV != 0 || pid.FilteredD != 0 || pid.Saturated {
		t.Error("reset must clear all accumulated terms")
	}
}
