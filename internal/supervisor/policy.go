package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/san-kum/cryostat/internal/config"
	"github.com/san-kum/cryostat/internal/pv"
)

type Decision int

const (
	NoChange Decision = iota
	EnterOverride
	ExitOverride
)

func (d Decision) String() string {
	switch d {
	case EnterOverride:
		return "enter_override"
	case ExitOverride:
		return "exit_override"
	}
	return "noop"
}

// Observation is what a policy sees each active tick.
type Observation struct {
	State       State
	Measurement float64
	Threshold   float64
}

// Policy decides when a loop leaves PID control and what it commands
// instead.
type Policy interface {
	Name() string
	Evaluate(ctx context.Context, obs Observation) (Decision, error)
	// Output is the control channel command while Overridden.
	Output(lastCommanded float64) float64
	// Reset forgets any override in progress without touching hardware.
	Reset()
}

// Noop never overrides.
type Noop struct{}

func (Noop) Name() string { return string(config.PolicyNone) }

func (Noop) Evaluate(context.Context, Observation) (Decision, error) { return NoChange, nil }

func (Noop) Output(last float64) float64 { return last }

func (Noop) Reset() {}

// ThresholdOverride takes a loop out of PID control while its measurement
// is above a threshold. Once triggered it holds for at least the dwell
// time, measured from entry.
type ThresholdOverride struct {
	name    string
	ch      pv.Channel
	clock   clock.Clock
	dwell   time.Duration
	valve   string
	open    float64
	hold    bool
	resting float64

	active    bool
	captured  float64
	enteredAt time.Time
}

// NewPressureRelief opens valve to openValue on entry and keeps the
// controlled heater at its last command. The captured valve position is
// restored on exit.
func NewPressureRelief(ch pv.Channel, clk clock.Clock, valve string, openValue float64, dwell time.Duration) *ThresholdOverride {
	if dwell < config.MinDwell {
		dwell = config.MinDwell
	}
	return &ThresholdOverride{
		name:  string(config.PolicyPressureRelief),
		ch:    ch,
		clock: clk,
		dwell: dwell,
		valve: valve,
		open:  openValue,
		hold:  true,
	}
}

// NewCutback commands resting while overridden.
func NewCutback(clk clock.Clock, resting float64, dwell time.Duration) *ThresholdOverride {
	if dwell < config.MinDwell {
		dwell = config.MinDwell
	}
	return &ThresholdOverride{
		name:    string(config.PolicyCutback),
		clock:   clk,
		dwell:   dwell,
		resting: resting,
	}
}

func (t *ThresholdOverride) Name() string { return t.name }

func (t *ThresholdOverride) Evaluate(ctx context.Context, obs Observation) (Decision, error) {
	above := obs.Measurement > obs.Threshold
	switch obs.State {
	case Running:
		if !above {
			return NoChange, nil
		}
		if t.valve != "" {
			v, _, err := t.ch.Read(ctx, t.valve)
			if err != nil {
				return NoChange, fmt.Errorf("read relief valve %s: %w", t.valve, err)
			}
			if err := t.ch.Write(ctx, t.valve, t.open); err != nil {
				return NoChange, fmt.Errorf("open relief valve %s: %w", t.valve, err)
			}
			t.captured = v
		}
		t.active = true
		t.enteredAt = t.clock.Now()
		return EnterOverride, nil

	case Overridden:
		if above || t.clock.Since(t.enteredAt) < t.dwell {
			return NoChange, nil
		}
		if t.valve != "" {
			if err := t.ch.Write(ctx, t.valve, t.captured); err != nil {
				return NoChange, fmt.Errorf("restore relief valve %s: %w", t.valve, err)
			}
		}
		t.Reset()
		return ExitOverride, nil
	}
	return NoChange, nil
}

func (t *ThresholdOverride) Output(last float64) float64 {
	if t.hold {
		return last
	}
	return t.resting
}

func (t *ThresholdOverride) Reset() {
	t.active = false
	t.captured = 0
	t.enteredAt = time.Time{}
}

// Captured returns the valve position saved on entry while an override is
// in progress.
func (t *ThresholdOverride) Captured() (float64, bool) {
	return t.captured, t.active && t.valve != ""
}

// NewPolicy builds the policy a device table row asks for.
func NewPolicy(dev config.Device, ch pv.Channel, clk clock.Clock) Policy {
	switch dev.Override.Kind {
	case config.PolicyPressureRelief:
		return NewPressureRelief(ch, clk, dev.Override.ValvePV, dev.Override.OpenValue, dev.Override.Dwell)
	case config.PolicyCutback:
		return NewCutback(clk, dev.RestingOutput, dev.Override.Dwell)
	}
	return Noop{}
}
