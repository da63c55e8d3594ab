package supervisor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/san-kum/cryostat/internal/config"
	"github.com/san-kum/cryostat/internal/control"
	"github.com/san-kum/cryostat/internal/pv"
)

// ConfigStore is the part of the store a supervisor uses.
type ConfigStore interface {
	ReadLoopConfig(ctx context.Context, id string) (config.LoopConfig, error)
	WriteLoopStatus(ctx context.Context, id string, status string) error
}

type Option func(*Supervisor)

func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

func WithPolicy(p Policy) Option {
	return func(s *Supervisor) { s.policy = p }
}

func WithObserver(o Observer) Option {
	return func(s *Supervisor) { s.observers = append(s.observers, o) }
}

// ResumeEnabled lets a loop that is already enabled when the engine starts
// go straight to Running. Without it the loop waits for the operator to
// toggle enabled off and on.
func ResumeEnabled(resume bool) Option {
	return func(s *Supervisor) { s.awaitReenable = !resume }
}

type Supervisor struct {
	dev       config.Device
	ch        pv.Channel
	cs        ConfigStore
	clock     clock.Clock
	logger    *zap.Logger
	policy    Policy
	observers []Observer

	pid   *control.PID
	cfg   config.LoopConfig
	state State

	status        string
	storedStatus  string
	configIssue   string
	readIssue     string
	clamped       string
	haveCfg       bool
	awaitReenable bool
	enabled       bool
	lastErr       error

	lastCommanded float64
	lastCompute   time.Time
	measurement   float64
	lastMeas      float64
	lastMeasAt    time.Time

	mu   sync.RWMutex
	snap Snapshot
}

func New(dev config.Device, ch pv.Channel, cs ConfigStore, opts ...Option) *Supervisor {
	s := &Supervisor{
		dev:           dev,
		ch:            ch,
		cs:            cs,
		clock:         clock.New(),
		logger:        zap.NewNop(),
		pid:           control.NewPID(),
		cfg:           dev.Defaults,
		state:         Disabled,
		status:        Disabled.String(),
		awaitReenable: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.policy == nil {
		s.policy = NewPolicy(dev, ch, s.clock)
	}
	s.logger = s.logger.Named(dev.ID)
	s.publish()
	return s
}

func (s *Supervisor) ID() string { return s.dev.ID }

func (s *Supervisor) Device() config.Device { return s.dev }

// Interval is the cadence from the most recent configuration snapshot.
func (s *Supervisor) Interval() time.Duration {
	return time.Duration(s.cfg.TimeStepS * float64(time.Second))
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Err returns the fault or precondition failure behind the current status,
// if any.
func (s *Supervisor) Err() error {
	return s.lastErr
}

// Tick runs one supervision cycle. It must not be called concurrently.
func (s *Supervisor) Tick(ctx context.Context) {
	defer func() {
		s.flushStatus(ctx)
		s.publish()
	}()

	cfg, ok := s.readConfig(ctx)
	if !ok {
		return
	}
	s.enabled = cfg.Enabled

	if !cfg.Enabled {
		if s.awaitReenable {
			s.awaitReenable = false
		}
		if s.state != Disabled {
			s.disable(ctx, "disabled by operator")
		} else {
			s.setStatus(Disabled.String(), nil)
		}
		return
	}

	if s.awaitReenable {
		if s.status != statusAwaitingReenable {
			s.logger.Warn("loop enabled at startup, waiting for re-enable")
		}
		s.setStatus(statusAwaitingReenable, nil)
		return
	}

	var smp *sample
	switch s.state {
	case Faulted:
		return
	case Disabled:
		entered, ok := s.enter(ctx)
		if !ok {
			return
		}
		smp = entered
	}
	s.control(ctx, smp)
}

// readConfig returns the snapshot for this tick. An invalid record keeps
// the last good values but honors its enabled flag.
func (s *Supervisor) readConfig(ctx context.Context) (config.LoopConfig, bool) {
	raw, err := s.cs.ReadLoopConfig(ctx, s.dev.ID)
	if err != nil {
		if err.Error() != s.readIssue {
			s.logger.Warn("config read failed, holding last snapshot", zap.Error(err))
		}
		s.readIssue = err.Error()
		return s.cfg, s.haveCfg
	}
	if s.readIssue != "" {
		s.logger.Info("config readable again")
		s.readIssue = ""
	}
	s.haveCfg = true

	cfg, clamped := s.dev.Limits.Clamp(raw)
	if c := strings.Join(clamped, ","); c != s.clamped {
		if c != "" {
			s.logger.Warn("config values outside settable range were clamped", zap.Strings("fields", clamped))
		}
		s.clamped = c
	}
	cfg.ControlPV = s.dev.ControlPV
	cfg.TargetPV = s.dev.TargetPV

	if err := cfg.Validate(); err != nil {
		if s.configIssue != err.Error() {
			s.logger.Warn("config rejected, holding previous values", zap.Error(err))
		}
		s.configIssue = err.Error()
		held := s.cfg
		held.Enabled = raw.Enabled
		s.cfg = held
		return held, true
	}
	if s.configIssue != "" {
		s.logger.Info("config accepted")
	}
	s.configIssue = ""
	s.cfg = cfg
	return cfg, true
}

type sample struct {
	output      float64
	powered     bool
	measurement float64
}

func (s *Supervisor) sample(ctx context.Context) (*sample, error) {
	out, powered, err := s.ch.Read(ctx, s.dev.ControlPV)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.dev.ControlPV, err)
	}
	meas, _, err := s.ch.Read(ctx, s.dev.TargetPV)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.dev.TargetPV, err)
	}
	return &sample{output: out, powered: powered, measurement: meas}, nil
}

// interlocks returns a description of every interlock that does not hold.
func (s *Supervisor) interlocks(ctx context.Context) ([]string, error) {
	var failures []string
	for _, il := range s.dev.Interlocks {
		v, _, err := s.ch.Read(ctx, il.Channel)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", il.Channel, err)
		}
		if !il.Satisfied(v) {
			failures = append(failures, fmt.Sprintf("interlock %s violated (%g)", il, v))
		}
	}
	return failures, nil
}

// enter checks entry preconditions and moves a disabled loop to Running.
func (s *Supervisor) enter(ctx context.Context) (*sample, bool) {
	smp, err := s.sample(ctx)
	if err != nil {
		s.precondition([]string{"channel i/o failed"}, err)
		return nil, false
	}

	var failures []string
	if !smp.powered {
		failures = append(failures, "control channel "+s.dev.ControlPV+" not powered")
	}
	if !finite(smp.measurement) {
		failures = append(failures, "measurement not finite")
	}
	il, err := s.interlocks(ctx)
	if err != nil {
		s.precondition([]string{"interlock i/o failed"}, err)
		return nil, false
	}
	failures = append(failures, il...)
	if len(failures) > 0 {
		s.precondition(failures, nil)
		return nil, false
	}

	s.pid.Reset()
	s.policy.Reset()
	s.lastCommanded = smp.output
	s.lastCompute = time.Time{}
	s.lastMeas = smp.measurement
	s.lastMeasAt = s.clock.Now()
	s.transition(Running, Running.String(), nil)
	return smp, true
}

// control runs one active tick. smp is reused when the loop was entered in
// this same tick.
func (s *Supervisor) control(ctx context.Context, smp *sample) {
	if smp == nil {
		var err error
		if smp, err = s.sample(ctx); err != nil {
			s.fault("channel i/o failed", err)
			return
		}
	}
	s.measurement = smp.measurement

	if !smp.powered {
		s.fault("control channel "+s.dev.ControlPV+" not powered", nil)
		return
	}
	if d := math.Abs(smp.output - s.lastCommanded); d > s.dev.MaxStep {
		s.fault(fmt.Sprintf("output %g deviates from commanded %g by more than %g",
			smp.output, s.lastCommanded, s.dev.MaxStep), nil)
		return
	}
	// the override itself moves valves covered by the interlocks
	if s.state == Running {
		failures, err := s.interlocks(ctx)
		if err != nil {
			s.fault("interlock i/o failed", err)
			return
		}
		if len(failures) > 0 {
			s.fault(strings.Join(failures, "; "), nil)
			return
		}
	}
	if !finite(smp.measurement) {
		s.fault("measurement not finite", nil)
		return
	}
	if s.stale(smp.measurement) {
		s.fault(fmt.Sprintf("measurement %s unchanged for over %gs", s.dev.TargetPV, s.cfg.TargetTimeoutS), nil)
		return
	}

	decision, err := s.policy.Evaluate(ctx, Observation{
		State:       s.state,
		Measurement: smp.measurement,
		Threshold:   s.cfg.HighThresh,
	})
	if err != nil {
		s.fault("override policy failed", err)
		return
	}
	switch {
	case decision == EnterOverride && s.state == Running:
		s.transition(Overridden, Overridden.String(), nil)
		s.logger.Warn("measurement above threshold, override engaged",
			zap.Float64("measurement", smp.measurement), zap.Float64("threshold", s.cfg.HighThresh))
	case decision == ExitOverride && s.state == Overridden:
		s.lastCompute = time.Time{}
		s.transition(Running, Running.String(), nil)
	}

	var out float64
	if s.state == Running {
		now := s.clock.Now()
		dt := s.cfg.TimeStepS
		if !s.lastCompute.IsZero() {
			dt = now.Sub(s.lastCompute).Seconds()
		}
		out = s.pid.Compute(s.cfg.TargetSetpoint, smp.measurement, dt, s.cfg)
		s.lastCompute = now
	} else {
		out = s.policy.Output(s.lastCommanded)
	}

	if err := s.ch.Write(ctx, s.dev.ControlPV, out); err != nil {
		s.fault("write "+s.dev.ControlPV+" failed", err)
		return
	}
	s.lastCommanded = out
}

// stale reports whether the measurement has been frozen longer than the
// configured target timeout.
func (s *Supervisor) stale(meas float64) bool {
	now := s.clock.Now()
	if meas != s.lastMeas {
		s.lastMeas = meas
		s.lastMeasAt = now
		return false
	}
	if s.cfg.TargetTimeoutS <= 0 {
		return false
	}
	return now.Sub(s.lastMeasAt).Seconds() > s.cfg.TargetTimeoutS
}

func (s *Supervisor) disable(ctx context.Context, reason string) {
	if s.dev.ZeroOnDisable {
		if err := s.ch.Write(ctx, s.dev.ControlPV, s.dev.RestingOutput); err != nil {
			s.logger.Error("failed to command resting output", zap.Error(err))
		} else {
			s.lastCommanded = s.dev.RestingOutput
		}
	}
	if s.state == Overridden {
		s.logger.Warn("disabled while overridden, relief valve left as is")
	}
	s.policy.Reset()
	s.transition(Disabled, Disabled.String(), nil)
	s.logger.Info("loop disabled", zap.String("reason", reason))
}

// Shutdown disables the loop for engine stop. Call it only once ticks have
// stopped.
func (s *Supervisor) Shutdown(ctx context.Context) {
	if s.state != Disabled {
		s.disable(ctx, "engine stopped")
	}
	s.setStatus(statusStopped, nil)
	s.flushStatus(ctx)
	s.publish()
}

func (s *Supervisor) precondition(failures []string, err error) {
	perr := &PreconditionError{Loop: s.dev.ID, Failures: failures, Err: err}
	status := prefixPrecondition + strings.Join(failures, "; ")
	if status != s.status {
		s.logger.Warn("precondition failed", zap.Strings("failures", failures), zap.Error(err))
	}
	s.setStatus(status, perr)
}

func (s *Supervisor) fault(reason string, err error) {
	ferr := &FaultError{Loop: s.dev.ID, Reason: reason, Err: err}
	if s.state == Overridden {
		s.logger.Warn("faulted while overridden, relief valve left as is")
	}
	s.policy.Reset()
	s.transition(Faulted, prefixFaulted+reason, ferr)
	s.logger.Error("loop faulted", zap.String("reason", reason), zap.Error(err),
		zap.Float64("last_commanded", s.lastCommanded))
}

func (s *Supervisor) transition(to State, status string, err error) {
	if to != s.state {
		s.logger.Info("state change", zap.Stringer("from", s.state), zap.Stringer("to", to))
	}
	s.state = to
	s.setStatus(status, err)
}

func (s *Supervisor) setStatus(status string, err error) {
	s.status = status
	s.lastErr = err
}

// displayStatus folds a rejected config into the status unless a fault or
// precondition failure is more important.
func (s *Supervisor) displayStatus() string {
	if s.configIssue == "" || s.state == Faulted || strings.HasPrefix(s.status, prefixPrecondition) {
		return s.status
	}
	return prefixConfigError + s.configIssue
}

func (s *Supervisor) flushStatus(ctx context.Context) {
	status := s.displayStatus()
	if status == s.storedStatus {
		return
	}
	if err := s.cs.WriteLoopStatus(ctx, s.dev.ID, status); err != nil {
		s.logger.Warn("status write failed", zap.Error(err))
		return
	}
	s.storedStatus = status
}

func (s *Supervisor) publish() {
	snap := Snapshot{
		ID:          s.dev.ID,
		State:       s.state,
		StateName:   s.state.String(),
		Status:      s.displayStatus(),
		Enabled:     s.enabled,
		Output:      s.lastCommanded,
		Measurement: s.measurement,
		Setpoint:    s.cfg.TargetSetpoint,
		Interval:    s.cfg.TimeStepS,
		ControlPV:   s.dev.ControlPV,
		TargetPV:    s.dev.TargetPV,
		Policy:      s.policy.Name(),
		UpdatedAt:   s.clock.Now(),
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	for _, o := range s.observers {
		o.OnTick(snap)
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
