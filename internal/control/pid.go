package control

import (
	"math"

	"github.com/san-kum/cryostat/internal/config"
)

// Memory is the state a PID carries between cycles.
type Memory struct {
	Integral        float64
	Proportional    float64
	LastMeasurement float64
	LastError       float64
	LastOutput      float64
	Primed          bool
}

type PID struct {
	mem Memory
}

func NewPID() *PID {
	return &PID{}
}

// Compute returns the next actuator command. A non-positive dt is treated
// as a skipped cycle: the previous output is returned and memory is left
// untouched.
func (p *PID) Compute(setpoint, measurement, dt float64, cfg config.LoopConfig) float64 {
	if !(dt > 0) {
		return p.mem.LastOutput
	}

	sign := 1.0
	if cfg.InvertedOutput {
		sign = -1.0
	}

	err := setpoint - measurement
	dMeas, dErr := 0.0, 0.0
	if p.mem.Primed {
		dMeas = measurement - p.mem.LastMeasurement
		dErr = err - p.mem.LastError
	}

	proportional := cfg.P * err
	if cfg.ProportionalOnMeasurement {
		p.mem.Proportional -= cfg.P * dMeas
		proportional = p.mem.Proportional
	}

	var derivative float64
	if cfg.DifferentialOnMeasurement {
		derivative = -cfg.D * dMeas / dt
	} else {
		derivative = cfg.D * dErr / dt
	}

	step := cfg.I * err * dt
	raw := sign * (proportional + p.mem.Integral + step + derivative)
	if raw >= cfg.OutputLimitLow && raw <= cfg.OutputLimitHigh {
		p.mem.Integral += step
	}

	out := clamp(sign*(proportional+p.mem.Integral+derivative), cfg.OutputLimitLow, cfg.OutputLimitHigh)

	p.mem.LastMeasurement = measurement
	p.mem.LastError = err
	p.mem.LastOutput = out
	p.mem.Primed = true
	return out
}

func clamp(v, low, high float64) float64 {
	return math.Max(low, math.Min(high, v))
}

// Reset clears all memory so the next Compute behaves like a fresh start.
func (p *PID) Reset() {
	p.mem = Memory{}
}

// Memory returns a copy of the current memory.
func (p *PID) Memory() Memory {
	return p.mem
}
