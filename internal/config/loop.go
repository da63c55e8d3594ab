package config

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrInvalidLoopConfig marks a loop configuration that cannot be used for
	// control.
	ErrInvalidLoopConfig = errors.New("config: invalid loop configuration")

	// ErrUnknownDevice indicates a loop id missing from the device table.
	ErrUnknownDevice = errors.New("config: unknown device")

	// ErrUnknownField indicates a loop configuration field name that does not
	// exist.
	ErrUnknownField = errors.New("config: unknown loop field")
)

// LoopConfig is the per-loop record an operator edits in the store. It is
// re-read at the top of every tick.
type LoopConfig struct {
	P                         float64 `yaml:"p" json:"p"`
	I                         float64 `yaml:"i" json:"i"`
	D                         float64 `yaml:"d" json:"d"`
	TargetSetpoint            float64 `yaml:"target_setpoint" json:"target_setpoint"`
	InvertedOutput            bool    `yaml:"inverted_output" json:"inverted_output"`
	TimeStepS                 float64 `yaml:"time_step_s" json:"time_step_s"`
	OutputLimitLow            float64 `yaml:"output_limit_low" json:"output_limit_low"`
	OutputLimitHigh           float64 `yaml:"output_limit_high" json:"output_limit_high"`
	ProportionalOnMeasurement bool    `yaml:"proportional_on_measurement" json:"proportional_on_measurement"`
	DifferentialOnMeasurement bool    `yaml:"differential_on_measurement" json:"differential_on_measurement"`
	TargetTimeoutS            float64 `yaml:"target_timeout_s" json:"target_timeout_s"`
	HighThresh                float64 `yaml:"high_thresh" json:"high_thresh"`
	ControlPV                 string  `yaml:"control_pv" json:"control_pv"`
	TargetPV                  string  `yaml:"target_pv" json:"target_pv"`
	Enabled                   bool    `yaml:"enabled" json:"enabled"`
}

func (c LoopConfig) Validate() error {
	for name, v := range c.numbers() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidLoopConfig, name)
		}
	}
	if c.TimeStepS <= 0 {
		return fmt.Errorf("%w: time_step_s must be positive, got %g", ErrInvalidLoopConfig, c.TimeStepS)
	}
	if c.OutputLimitLow > c.OutputLimitHigh {
		return fmt.Errorf("%w: output_limit_low %g above output_limit_high %g",
			ErrInvalidLoopConfig, c.OutputLimitLow, c.OutputLimitHigh)
	}
	if c.TargetTimeoutS < 0 {
		return fmt.Errorf("%w: target_timeout_s must not be negative", ErrInvalidLoopConfig)
	}
	return nil
}

func (c LoopConfig) numbers() map[string]float64 {
	return map[string]float64{
		"p":                 c.P,
		"i":                 c.I,
		"d":                 c.D,
		"target_setpoint":   c.TargetSetpoint,
		"time_step_s":       c.TimeStepS,
		"output_limit_low":  c.OutputLimitLow,
		"output_limit_high": c.OutputLimitHigh,
		"target_timeout_s":  c.TargetTimeoutS,
		"high_thresh":       c.HighThresh,
	}
}

// Get returns a numeric field by its yaml name.
func (c LoopConfig) Get(name string) (float64, bool) {
	v, ok := c.numbers()[name]
	return v, ok
}

// Set assigns a numeric field by its yaml name.
func (c *LoopConfig) Set(name string, v float64) error {
	switch name {
	case "p":
		c.P = v
	case "i":
		c.I = v
	case "d":
		c.D = v
	case "target_setpoint":
		c.TargetSetpoint = v
	case "time_step_s":
		c.TimeStepS = v
	case "output_limit_low":
		c.OutputLimitLow = v
	case "output_limit_high":
		c.OutputLimitHigh = v
	case "target_timeout_s":
		c.TargetTimeoutS = v
	case "high_thresh":
		c.HighThresh = v
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return nil
}

// SetFlag assigns a boolean field by its yaml name.
func (c *LoopConfig) SetFlag(name string, v bool) error {
	switch name {
	case "inverted_output":
		c.InvertedOutput = v
	case "proportional_on_measurement":
		c.ProportionalOnMeasurement = v
	case "differential_on_measurement":
		c.DifferentialOnMeasurement = v
	case "enabled":
		c.Enabled = v
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return nil
}

// Range is an inclusive settable interval.
type Range struct {
	Min float64
	Max float64
}

// Limits maps numeric field names to the range an operator may set.
type Limits map[string]Range

// Clamp forces every limited field into its range and reports which fields
// were changed, sorted by name. Non-finite values pass through untouched so
// that Validate can reject them.
func (l Limits) Clamp(c LoopConfig) (LoopConfig, []string) {
	var clamped []string
	for name, r := range l {
		v, ok := c.Get(name)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		nv := v
		if v < r.Min {
			nv = r.Min
		} else if v > r.Max {
			nv = r.Max
		}
		if nv != v {
			_ = c.Set(name, nv)
			clamped = append(clamped, name)
		}
	}
	sort.Strings(clamped)
	return c, clamped
}
