package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/cryostat/internal/supervisor"
)

type fakeLoop struct {
	id       string
	interval time.Duration
	work     time.Duration
	panicOn  int32
	// gate holds ticks until closed
	gate chan struct{}

	ticks      atomic.Int32
	inFlight   atomic.Int32
	maxFlight  atomic.Int32
	canceled   atomic.Bool
	shutdown   atomic.Bool
	shutdownAt atomic.Int32
}

func (f *fakeLoop) ID() string { return f.id }

func (f *fakeLoop) Tick(ctx context.Context) {
	if f.gate != nil {
		<-f.gate
	}
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxFlight.Load()
		if n <= m || f.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	count := f.ticks.Add(1)
	if f.panicOn != 0 && count == f.panicOn {
		panic("boom")
	}
	time.Sleep(f.work)
	if ctx.Err() != nil {
		f.canceled.Store(true)
	}
}

func (f *fakeLoop) Interval() time.Duration { return f.interval }

func (f *fakeLoop) Shutdown(ctx context.Context) {
	f.shutdownAt.Store(f.ticks.Load())
	f.shutdown.Store(true)
}

func (f *fakeLoop) Snapshot() supervisor.Snapshot {
	return supervisor.Snapshot{ID: f.id, Interval: f.interval.Seconds()}
}

var _ = Describe("Scheduler", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("should tick every loop", func() {
		a := &fakeLoop{id: "a", interval: 5 * time.Millisecond}
		b := &fakeLoop{id: "b", interval: 5 * time.Millisecond}
		s := New([]Loop{a, b}, WithMinInterval(time.Millisecond))

		Expect(s.Start(ctx)).To(Succeed())
		Eventually(func() int32 { return a.ticks.Load() }).Should(BeNumerically(">=", 3))
		Eventually(func() int32 { return b.ticks.Load() }).Should(BeNumerically(">=", 3))
		Expect(s.Stop(ctx)).To(Succeed())
	})

	It("should never run two ticks of one loop at once", func() {
		slow := &fakeLoop{id: "slow", interval: time.Millisecond, work: 20 * time.Millisecond}
		s := New([]Loop{slow}, WithMinInterval(time.Millisecond))

		Expect(s.Start(ctx)).To(Succeed())
		time.Sleep(150 * time.Millisecond)
		Expect(s.Stop(ctx)).To(Succeed())

		Expect(slow.maxFlight.Load()).To(Equal(int32(1)))
		// coalesced: no backlog of missed boundaries
		Expect(slow.ticks.Load()).To(BeNumerically("<=", 10))
	})

	It("should not let a slow loop delay another", func() {
		slow := &fakeLoop{id: "slow", interval: time.Millisecond, work: 300 * time.Millisecond}
		fast := &fakeLoop{id: "fast", interval: 5 * time.Millisecond}
		s := New([]Loop{slow, fast}, WithMinInterval(time.Millisecond))

		Expect(s.Start(ctx)).To(Succeed())
		Eventually(func() int32 { return fast.ticks.Load() }, 250*time.Millisecond).Should(BeNumerically(">=", 10))
		Expect(slow.ticks.Load()).To(Equal(int32(1)))
		Expect(s.Stop(ctx)).To(Succeed())
	})

	It("should let in-flight ticks finish before shutting loops down", func() {
		slow := &fakeLoop{id: "slow", interval: time.Millisecond, work: 100 * time.Millisecond}
		s := New([]Loop{slow}, WithMinInterval(time.Millisecond))

		Expect(s.Start(ctx)).To(Succeed())
		Eventually(func() int32 { return slow.inFlight.Load() }).Should(Equal(int32(1)))

		Expect(s.Stop(ctx)).To(Succeed())
		Expect(slow.inFlight.Load()).To(BeZero())
		Expect(slow.canceled.Load()).To(BeFalse())
		Expect(slow.shutdown.Load()).To(BeTrue())
		Expect(slow.shutdownAt.Load()).To(Equal(slow.ticks.Load()))
	})

	It("should stop when the parent context is canceled", func() {
		l := &fakeLoop{id: "a", interval: 5 * time.Millisecond}
		s := New([]Loop{l}, WithMinInterval(time.Millisecond))

		parent, cancel := context.WithCancel(ctx)
		Expect(s.Start(parent)).To(Succeed())
		cancel()
		Eventually(s.Done()).Should(BeClosed())
		Expect(l.shutdown.Load()).To(BeTrue())
	})

	It("should isolate a panicking loop", func() {
		bad := &fakeLoop{id: "bad", interval: time.Millisecond, panicOn: 2}
		good := &fakeLoop{id: "good", interval: time.Millisecond}
		s := New([]Loop{bad, good}, WithMinInterval(time.Millisecond))

		Expect(s.Start(ctx)).To(Succeed())
		Eventually(func() bool { return bad.shutdown.Load() }).Should(BeTrue())
		n := good.ticks.Load()
		Eventually(func() int32 { return good.ticks.Load() }).Should(BeNumerically(">", n+3))

		err := s.Stop(ctx)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("bad"))
	})

	It("should reject double starts and stops before start", func() {
		s := New([]Loop{&fakeLoop{id: "a", interval: time.Millisecond}}, WithMinInterval(time.Millisecond))
		Expect(s.Stop(ctx)).To(MatchError(ErrNotStarted))
		Expect(s.Start(ctx)).To(Succeed())
		Expect(s.Start(ctx)).To(MatchError(ErrAlreadyStarted))
		Expect(s.Stop(ctx)).To(Succeed())
	})

	It("should report liveness", func() {
		l := &fakeLoop{id: "a", interval: 5 * time.Millisecond}
		s := New([]Loop{l}, WithMinInterval(time.Millisecond))
		Expect(s.Liveness(0).Alive).To(BeFalse())
		Expect(s.RunID()).NotTo(BeEmpty())

		Expect(s.Start(ctx)).To(Succeed())
		Eventually(func() bool { return s.Liveness(time.Second).Alive }).Should(BeTrue())
		lv := s.Liveness(time.Second)
		Expect(lv.LastTick).To(HaveKey("a"))
		Expect(lv.Stale).To(BeEmpty())
		Expect(s.Snapshots()).To(HaveLen(1))
		_, ok := s.Snapshot("a")
		Expect(ok).To(BeTrue())

		Expect(s.Stop(ctx)).To(Succeed())
		Expect(s.Liveness(time.Second).Alive).To(BeFalse())
	})

	It("should not report alive before every loop has ticked", func() {
		mock := clock.NewMock()
		first := &fakeLoop{id: "a", interval: time.Second}
		blocked := &fakeLoop{id: "b", interval: time.Second, gate: make(chan struct{})}
		s := New([]Loop{first, blocked}, WithClock(mock), WithMinInterval(time.Millisecond))

		Expect(s.Start(ctx)).To(Succeed())
		Eventually(func() map[string]time.Time { return s.Liveness(time.Hour).LastTick }).Should(HaveKey("a"))
		lv := s.Liveness(time.Hour)
		Expect(lv.Alive).To(BeFalse())
		Expect(lv.LastTick).NotTo(HaveKey("b"))
		Expect(lv.Stale).To(BeEmpty())

		close(blocked.gate)
		Eventually(func() bool { return s.Liveness(time.Hour).Alive }).Should(BeTrue())
		Expect(s.Stop(ctx)).To(Succeed())
	})
})
