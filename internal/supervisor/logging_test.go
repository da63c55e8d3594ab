package supervisor

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/san-kum/cryostat/internal/config"
	"github.com/san-kum/cryostat/internal/pv"
)

var _ = Describe("Supervisor logging", func() {
	var (
		ctx  context.Context
		mock *clock.Mock
		bank *pv.Bank
		st   *countingStore
		logs *observer.ObservedLogs
		sup  *Supervisor
		dev  config.Device
	)

	tick := func() {
		sup.Tick(ctx)
		mock.Add(time.Second)
	}

	BeforeEach(func() {
		ctx = context.Background()
		mock = clock.NewMock()
		bank = pv.NewBank()
		st = newCountingStore()
		dev = testDevice()

		bank.Set(ctrlPV, 10)
		bank.SetPowered(ctrlPV, true)
		bank.Set(targetPV, 40)
		bank.Set(valvePV, 0)

		cfg := dev.Defaults
		cfg.Enabled = true
		Expect(st.WriteLoopConfig(ctx, dev.ID, cfg)).To(Succeed())

		var core zapcore.Core
		core, logs = observer.New(zapcore.DebugLevel)
		sup = New(dev, bank, st, WithClock(mock), ResumeEnabled(true), WithLogger(zap.New(core)))
	})

	It("should log a fault once at the transition", func() {
		tick()
		bank.SetPowered(ctrlPV, false)
		for i := 0; i < 3; i++ {
			tick()
		}

		faults := logs.FilterMessage("loop faulted")
		Expect(faults.Len()).To(Equal(1))
		entry := faults.All()[0]
		Expect(entry.Level).To(Equal(zapcore.ErrorLevel))
		Expect(entry.LoggerName).To(Equal(dev.ID))
		Expect(entry.ContextMap()).To(HaveKeyWithValue("reason", "control channel "+ctrlPV+" not powered"))
	})

	It("should log each state change", func() {
		tick()
		st.edit(dev.ID, func(c *config.LoopConfig) { c.Enabled = false })
		tick()

		changes := logs.FilterMessage("state change").All()
		Expect(changes).To(HaveLen(2))
		Expect(changes[0].ContextMap()).To(HaveKeyWithValue("to", "Running"))
		Expect(changes[1].ContextMap()).To(HaveKeyWithValue("to", "Disabled"))
	})

	It("should log a repeated precondition failure only once", func() {
		bank.Set(valvePV, 50)
		for i := 0; i < 4; i++ {
			tick()
		}
		Expect(logs.FilterMessage("precondition failed").Len()).To(Equal(1))
		Expect(sup.Snapshot().State).To(Equal(Disabled))
	})
})

