package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/xid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/san-kum/cryostat/internal/supervisor"
)

var (
	ErrAlreadyStarted = errors.New("scheduler: already started")
	ErrNotStarted     = errors.New("scheduler: not started")
)

// MinInterval bounds how fast any loop may tick.
const MinInterval = 100 * time.Millisecond

// Loop is one supervised control loop.
type Loop interface {
	ID() string
	Tick(ctx context.Context)
	Interval() time.Duration
	Shutdown(ctx context.Context)
	Snapshot() supervisor.Snapshot
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func WithMinInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.minInterval = d }
}

// Scheduler drives every loop from its own goroutine. A loop's next tick is
// armed only after its previous tick returned, so a slow channel call
// delays that loop alone and never queues a backlog.
type Scheduler struct {
	loops       []Loop
	clock       clock.Clock
	logger      *zap.Logger
	minInterval time.Duration
	runID       string

	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	startedAt time.Time
	stopped   bool
	beats     map[string]time.Time
}

func New(loops []Loop, opts ...Option) *Scheduler {
	s := &Scheduler{
		loops:       loops,
		clock:       clock.New(),
		logger:      zap.NewNop(),
		minInterval: MinInterval,
		runID:       xid.New().String(),
		beats:       make(map[string]time.Time, len(loops)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("run_id", s.runID))
	return s
}

func (s *Scheduler) RunID() string { return s.runID }

// Start spawns one goroutine per loop. Loops keep running until ctx is
// canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.startedAt = s.clock.Now()

	var g errgroup.Group
	for _, l := range s.loops {
		g.Go(func() error {
			return s.run(ctx, l)
		})
	}
	go func() {
		err := g.Wait()
		s.mu.Lock()
		s.err = err
		s.stopped = true
		s.mu.Unlock()
		close(s.done)
	}()

	s.logger.Info("scheduler started", zap.Int("loops", len(s.loops)))
	return nil
}

func (s *Scheduler) run(ctx context.Context, l Loop) (err error) {
	logger := s.logger.With(zap.String("loop", l.ID()))
	// in-flight ticks always finish their channel writes
	tickCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: loop %s panicked: %v", l.ID(), r)
			logger.Error("loop panicked", zap.Any("panic", r))
		}
		l.Shutdown(tickCtx)
		logger.Debug("loop stopped")
	}()

	for {
		l.Tick(tickCtx)
		s.beat(l.ID())

		d := l.Interval()
		if d < s.minInterval {
			d = s.minInterval
		}
		timer := s.clock.Timer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Scheduler) beat(id string) {
	s.mu.Lock()
	s.beats[id] = s.clock.Now()
	s.mu.Unlock()
}

// Stop cancels scheduling and waits until every loop has finished its
// current tick and shut down, or until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.RLock()
	cancel, done := s.cancel, s.done
	s.mu.RUnlock()
	if cancel == nil {
		return ErrNotStarted
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
	s.logger.Info("scheduler stopped")
	return s.Err()
}

// Done is closed once every loop goroutine has returned.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

func (s *Scheduler) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Scheduler) Snapshots() []supervisor.Snapshot {
	snaps := make([]supervisor.Snapshot, 0, len(s.loops))
	for _, l := range s.loops {
		snaps = append(snaps, l.Snapshot())
	}
	return snaps
}

func (s *Scheduler) Snapshot(id string) (supervisor.Snapshot, bool) {
	for _, l := range s.loops {
		if l.ID() == id {
			return l.Snapshot(), true
		}
	}
	return supervisor.Snapshot{}, false
}

// Liveness describes whether every loop is still being ticked.
type Liveness struct {
	RunID     string               `json:"run_id"`
	Alive     bool                 `json:"alive"`
	StartedAt time.Time            `json:"started_at"`
	LastTick  map[string]time.Time `json:"last_tick"`
	Stale     []string             `json:"stale,omitempty"`
}

// Liveness reports a loop as stale when it has not completed a tick within
// three intervals plus grace. The scheduler is alive once every loop has
// ticked and none is stale.
func (s *Scheduler) Liveness(grace time.Duration) Liveness {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lv := Liveness{
		RunID:     s.runID,
		StartedAt: s.startedAt,
		LastTick:  make(map[string]time.Time, len(s.beats)),
		Alive:     s.cancel != nil && !s.stopped,
	}
	now := s.clock.Now()
	for _, l := range s.loops {
		last, ok := s.beats[l.ID()]
		if ok {
			lv.LastTick[l.ID()] = last
		} else {
			last = s.startedAt
			lv.Alive = false
		}
		d := time.Duration(l.Snapshot().Interval * float64(time.Second))
		if d < s.minInterval {
			d = s.minInterval
		}
		if now.Sub(last) > 3*d+grace {
			lv.Stale = append(lv.Stale, l.ID())
		}
	}
	if len(lv.Stale) > 0 {
		lv.Alive = false
	}
	return lv
}
