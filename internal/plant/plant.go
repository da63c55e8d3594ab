// Package plant simulates the cryostat channels so the engine can run
// without hardware.
//
// Each loop's target channel is a first-order lag toward an equilibrium set
// by its control channel. Heaters warm their sensor, shield valves cool it
// and the pressure relief valve vents the purifier line. The plant wraps a
// [pv.Bank] and implements [pv.Channel]; writes to a valve POS channel are
// mirrored to its RDDACP readback.
package plant

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/san-kum/cryostat/internal/config"
	"github.com/san-kum/cryostat/internal/pv"
)

const (
	ambientK        = 20.0
	shieldWarmK     = 60.0
	thermalTau      = 300.0
	ventTau         = 30.0
	baselinePress   = 1000.0
	openValveSeed   = 100.0
	closedValveSeed = 0.0
)

type node struct {
	target  string
	control string
	// relief vents the node toward zero while open
	relief   string
	ambient  float64
	gain     float64
	tau      float64
	inverted bool
}

type Plant struct {
	*pv.Bank

	clock  clock.Clock
	logger *zap.Logger
	scale  float64
	noise  float64
	rng    *rand.Rand

	mu      sync.Mutex
	nodes   []node
	stepper rk4
	elapsed float64
}

type Option func(*Plant)

func WithClock(c clock.Clock) Option {
	return func(p *Plant) { p.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Plant) { p.logger = l }
}

// WithTimeScale runs simulated time faster than wall time.
func WithTimeScale(f float64) Option {
	return func(p *Plant) { p.scale = f }
}

// WithNoise adds uniform sensor noise of the given peak-to-peak amplitude
// to every target channel after each step.
func WithNoise(amplitude float64, seed uint64) Option {
	return func(p *Plant) {
		p.noise = amplitude
		p.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// New builds a plant for devs and seeds every channel they touch so that
// all preconditions hold.
func New(devs []config.Device, opts ...Option) *Plant {
	p := &Plant{
		Bank:   pv.NewBank(),
		clock:  clock.New(),
		logger: zap.NewNop(),
		scale:  1,
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, d := range devs {
		p.add(d)
	}
	for _, d := range devs {
		p.seedInterlocks(d)
	}
	return p
}

func (p *Plant) add(d config.Device) {
	p.SetPowered(d.ControlPV, true)

	n := node{
		target:   d.TargetPV,
		control:  d.ControlPV,
		tau:      thermalTau,
		inverted: d.Defaults.InvertedOutput,
	}
	span := d.Defaults.OutputLimitHigh - d.Defaults.OutputLimitLow
	if span <= 0 {
		span = 1
	}
	switch {
	case d.Override.Kind == config.PolicyPressureRelief:
		n.ambient = baselinePress
		n.relief = d.Override.ValvePV
		p.setValve(n.relief, closedValveSeed)
	case n.inverted:
		n.ambient = math.Max(shieldWarmK, d.Defaults.TargetSetpoint+span/2)
	default:
		n.ambient = ambientK
	}
	// half of the output range holds the default setpoint
	n.gain = 2 * (d.Defaults.TargetSetpoint - n.ambient) / span / n.tau

	p.Set(n.target, n.ambient)
	if isValve(n.control) {
		p.setValve(n.control, closedValveSeed)
	} else {
		p.Set(n.control, 0)
	}

	p.mu.Lock()
	p.nodes = append(p.nodes, n)
	p.mu.Unlock()
}

// seedInterlocks puts every interlock channel of d into its passing state.
// A valve readback is moved together with its POS channel.
func (p *Plant) seedInterlocks(d config.Device) {
	for _, il := range d.Interlocks {
		if v, ok := p.Get(il.Channel); ok && il.Satisfied(v) {
			continue
		}
		var v float64
		switch il.Check {
		case config.CheckOn:
			v = 1
		case config.CheckOff:
			v = 0
		case config.CheckAbove:
			v = math.Max(openValveSeed, il.Threshold+1)
		case config.CheckBelow:
			v = math.Min(closedValveSeed, il.Threshold-1)
		}
		if strings.HasSuffix(il.Channel, ":RDDACP") {
			p.setValve(pv.Field(il.Channel, "POS"), v)
			continue
		}
		p.Set(il.Channel, v)
	}
}

func isValve(name string) bool { return strings.HasSuffix(name, ":POS") }

func (p *Plant) setValve(pos string, v float64) {
	p.Set(pos, v)
	p.Set(pv.Field(pos, "RDDACP"), v)
}

// Write stores value and mirrors valve positions to their readback.
func (p *Plant) Write(ctx context.Context, name string, value float64) error {
	if err := p.Bank.Write(ctx, name, value); err != nil {
		return err
	}
	if isValve(name) {
		p.Set(pv.Field(name, "RDDACP"), value)
	}
	return nil
}

func (p *Plant) derive(x, u []float64) []float64 {
	dx := make([]float64, len(x))
	for i, n := range p.nodes {
		drive := u[2*i]
		dx[i] = (n.ambient-x[i])/n.tau + n.gain*drive
		if vent := u[2*i+1]; vent > 0 {
			dx[i] -= vent / 100 * x[i] / ventTau
		}
	}
	return dx
}

// Step advances the plant by dt simulated seconds.
func (p *Plant) Step(dt float64) {
	if !(dt > 0) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	x := make([]float64, len(p.nodes))
	u := make([]float64, 2*len(p.nodes))
	for i, n := range p.nodes {
		x[i], _ = p.Get(n.target)
		u[2*i], _ = p.Get(n.control)
		if n.relief != "" {
			u[2*i+1], _ = p.Get(n.relief)
		}
	}
	next := p.stepper.step(p, x, u, dt)
	for i, n := range p.nodes {
		v := next[i]
		if p.rng != nil {
			v += p.noise * (p.rng.Float64() - 0.5)
		}
		if v < 0 {
			v = 0
		}
		p.Set(n.target, v)
	}
	p.elapsed += dt
}

// Elapsed returns the simulated seconds stepped so far.
func (p *Plant) Elapsed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elapsed
}

// Run steps the plant rateHz times per second until ctx is canceled.
func (p *Plant) Run(ctx context.Context, rateHz float64) error {
	if !(rateHz > 0) {
		rateHz = 1
	}
	period := time.Duration(float64(time.Second) / rateHz)
	ticker := p.clock.Ticker(period)
	defer ticker.Stop()

	p.logger.Info("plant running",
		zap.Int("nodes", len(p.nodes)),
		zap.Float64("rate_hz", rateHz),
		zap.Float64("time_scale", p.scale))

	last := p.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			p.Step(now.Sub(last).Seconds() * p.scale)
			last = now
		}
	}
}
