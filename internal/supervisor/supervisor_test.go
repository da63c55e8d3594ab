package supervisor

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/cryostat/internal/config"
	"github.com/san-kum/cryostat/internal/control"
	"github.com/san-kum/cryostat/internal/pv"
)

const (
	ctrlPV   = "TEST:CRY:HTR001:CUR"
	targetPV = "TEST:CRY:TS001:RDTEMPK"
	valvePV  = "TEST:HE4:FPV201:RDDACP"
)

func testDevice() config.Device {
	return config.Device{
		ID:        "HTR001_TS001",
		ControlPV: ctrlPV,
		TargetPV:  targetPV,
		Defaults: config.LoopConfig{
			P:               2,
			I:               0.1,
			TargetSetpoint:  50,
			TimeStepS:       1,
			OutputLimitLow:  0,
			OutputLimitHigh: 100,
			ControlPV:       ctrlPV,
			TargetPV:        targetPV,
		},
		Limits: config.Limits{
			"target_setpoint": {Min: 0, Max: 350},
		},
		MaxStep:    5,
		Interlocks: []config.Interlock{{Channel: valvePV, Check: config.CheckBelow, Threshold: 30}},
		Override:   config.Override{Kind: config.PolicyNone},
	}
}

var _ = Describe("Supervisor", func() {
	var (
		ctx   context.Context
		mock  *clock.Mock
		bank  *pv.Bank
		st    *countingStore
		rec   *recorder
		dev   config.Device
		sup   *Supervisor
		build func(opts ...Option)
		tick  func()
	)

	BeforeEach(func() {
		ctx = context.Background()
		mock = clock.NewMock()
		bank = pv.NewBank()
		st = newCountingStore()
		rec = &recorder{}
		dev = testDevice()

		bank.Set(ctrlPV, 10)
		bank.SetPowered(ctrlPV, true)
		bank.Set(targetPV, 40)
		bank.Set(valvePV, 0)

		Expect(st.WriteLoopConfig(ctx, dev.ID, dev.Defaults)).To(Succeed())

		build = func(opts ...Option) {
			opts = append([]Option{WithClock(mock), ResumeEnabled(true), WithObserver(rec)}, opts...)
			sup = New(dev, bank, st, opts...)
		}
		tick = func() {
			sup.Tick(ctx)
			mock.Add(time.Second)
		}
	})

	enable := func(on bool) {
		st.edit(dev.ID, func(c *config.LoopConfig) { c.Enabled = on })
	}

	Context("when disabled", func() {
		It("should stay disabled without touching the actuator", func() {
			build()
			tick()

			Expect(sup.Snapshot().State).To(Equal(Disabled))
			Expect(sup.Snapshot().Status).To(Equal("Disabled"))
			Expect(bank.Writes(ctrlPV)).To(BeZero())
		})

		It("should wait for a re-enable when enabled at startup", func() {
			enable(true)
			build(ResumeEnabled(false))

			tick()
			Expect(sup.Snapshot().State).To(Equal(Disabled))
			Expect(sup.Snapshot().Status).To(Equal(statusAwaitingReenable))
			Expect(bank.Writes(ctrlPV)).To(BeZero())

			enable(false)
			tick()
			enable(true)
			tick()
			Expect(sup.Snapshot().State).To(Equal(Running))
		})
	})

	Context("when enabled", func() {
		BeforeEach(func() {
			enable(true)
		})

		It("should run the PID and write its output", func() {
			build()

			tick()
			Expect(sup.Snapshot().State).To(Equal(Running))
			v, _ := bank.Get(ctrlPV)
			Expect(v).To(BeNumerically("~", 21, 1e-9))

			bank.Set(targetPV, 42)
			tick()
			v, _ = bank.Get(ctrlPV)
			Expect(v).To(BeNumerically("~", 17.8, 1e-9))
			Expect(sup.Snapshot().Output).To(BeNumerically("~", 17.8, 1e-9))
			Expect(sup.Snapshot().Measurement).To(Equal(42.0))
		})

		It("should report a precondition failure while the device is off", func() {
			bank.SetPowered(ctrlPV, false)
			build()

			tick()
			Expect(sup.Snapshot().State).To(Equal(Disabled))
			Expect(sup.Snapshot().Status).To(HavePrefix(prefixPrecondition))
			Expect(errors.Is(sup.Err(), ErrPrecondition)).To(BeTrue())
			Expect(bank.Writes(ctrlPV)).To(BeZero())

			bank.SetPowered(ctrlPV, true)
			tick()
			Expect(sup.Snapshot().State).To(Equal(Running))
		})

		It("should refuse to start with an interlock violated", func() {
			bank.Set(valvePV, 50)
			build()

			tick()
			Expect(sup.Snapshot().State).To(Equal(Disabled))
			Expect(sup.Snapshot().Status).To(ContainSubstring(valvePV))
		})

		It("should fault when an interlock breaks mid-run", func() {
			build()
			tick()
			Expect(sup.Snapshot().State).To(Equal(Running))

			bank.Set(valvePV, 50)
			tick()
			Expect(sup.Snapshot().State).To(Equal(Faulted))
			Expect(errors.Is(sup.Err(), ErrRuntimeFault)).To(BeTrue())
		})

		It("should fault on power loss, leave the output, and clear on re-enable", func() {
			build()
			for i := 0; i < 5; i++ {
				tick()
			}
			last, _ := bank.Get(ctrlPV)
			writes := bank.Writes(ctrlPV)

			bank.SetPowered(ctrlPV, false)
			tick()
			Expect(sup.Snapshot().State).To(Equal(Faulted))
			Expect(sup.Snapshot().Status).To(HavePrefix(prefixFaulted))
			Expect(bank.Writes(ctrlPV)).To(Equal(writes))
			v, _ := bank.Get(ctrlPV)
			Expect(v).To(Equal(last))

			bank.SetPowered(ctrlPV, true)
			tick()
			Expect(sup.Snapshot().State).To(Equal(Faulted), "faults are sticky")

			enable(false)
			tick()
			Expect(sup.Snapshot().State).To(Equal(Disabled))
			v, _ = bank.Get(ctrlPV)
			Expect(v).To(Equal(last))

			enable(true)
			tick()
			Expect(sup.Snapshot().State).To(Equal(Running))

			cfg := dev.Defaults
			cfg.Enabled = true
			fresh := control.NewPID().Compute(cfg.TargetSetpoint, 40, cfg.TimeStepS, cfg)
			v, _ = bank.Get(ctrlPV)
			Expect(v).To(BeNumerically("~", fresh, 1e-9))
		})

		It("should fault when the actuator jumps by more than the max step", func() {
			dev.Defaults.OutputLimitLow = 10
			dev.Defaults.OutputLimitHigh = 10
			Expect(st.WriteLoopConfig(ctx, dev.ID, dev.Defaults)).To(Succeed())
			enable(true)
			build()

			tick()
			tick()
			Expect(sup.Snapshot().State).To(Equal(Running))
			Expect(sup.Snapshot().Output).To(Equal(10.0))

			bank.Set(ctrlPV, 20)
			tick()
			Expect(sup.Snapshot().State).To(Equal(Faulted))
			Expect(sup.Snapshot().Status).To(ContainSubstring("deviates"))
		})

		It("should fault on channel errors while running", func() {
			build()
			tick()

			bank.Fail(targetPV, pv.ErrTimeout)
			tick()
			Expect(sup.Snapshot().State).To(Equal(Faulted))
			Expect(errors.Is(sup.Err(), pv.ErrTimeout)).To(BeTrue())
		})

		It("should fault when a write fails", func() {
			build()
			tick()

			bank.Fail(ctrlPV, errors.New("gateway down"))
			tick()
			Expect(sup.Snapshot().State).To(Equal(Faulted))
		})

		It("should skip entry on channel errors while disabled", func() {
			bank.Fail(ctrlPV, pv.ErrTimeout)
			build()

			tick()
			Expect(sup.Snapshot().State).To(Equal(Disabled))
			Expect(sup.Snapshot().Status).To(HavePrefix(prefixPrecondition))
		})

		It("should fault on a non-finite measurement", func() {
			build()
			tick()

			bank.Set(targetPV, math.NaN())
			tick()
			Expect(sup.Snapshot().State).To(Equal(Faulted))
		})

		It("should fault when the measurement stops updating", func() {
			st.edit(dev.ID, func(c *config.LoopConfig) { c.TargetTimeoutS = 30 })
			build()

			for i := 0; i < 31; i++ {
				tick()
				Expect(sup.Snapshot().State).To(Equal(Running))
			}
			tick()
			Expect(sup.Snapshot().State).To(Equal(Faulted))
			Expect(sup.Snapshot().Status).To(ContainSubstring("unchanged"))
		})

		It("should hold the previous bounds when the config is invalid", func() {
			build()
			tick()

			st.edit(dev.ID, func(c *config.LoopConfig) {
				c.OutputLimitLow = 80
				c.OutputLimitHigh = 20
			})
			tick()
			Expect(sup.Snapshot().State).To(Equal(Running))
			Expect(sup.Snapshot().Status).To(HavePrefix(prefixConfigError))
			out := sup.Snapshot().Output
			Expect(out).To(BeNumerically(">=", 0))
			Expect(out).To(BeNumerically("<=", 100))
			Expect(out).To(BeNumerically("<", 80))

			st.edit(dev.ID, func(c *config.LoopConfig) {
				c.OutputLimitLow = 0
				c.OutputLimitHigh = 100
			})
			tick()
			Expect(sup.Snapshot().Status).To(Equal("Running"))
		})

		It("should honor enabled from an invalid config", func() {
			build()
			tick()

			st.edit(dev.ID, func(c *config.LoopConfig) {
				c.TimeStepS = 0
				c.Enabled = false
			})
			tick()
			Expect(sup.Snapshot().State).To(Equal(Disabled))
		})

		It("should clamp values outside the settable range", func() {
			st.edit(dev.ID, func(c *config.LoopConfig) { c.TargetSetpoint = 1000 })
			build()
			tick()
			Expect(sup.Snapshot().Setpoint).To(Equal(350.0))
		})

		It("should reject an infinite setpoint and hold the previous one", func() {
			build()
			tick()
			Expect(sup.Snapshot().Setpoint).To(Equal(50.0))

			st.edit(dev.ID, func(c *config.LoopConfig) { c.TargetSetpoint = math.Inf(1) })
			tick()
			Expect(sup.Snapshot().State).To(Equal(Running))
			Expect(sup.Snapshot().Status).To(HavePrefix(prefixConfigError))
			Expect(sup.Snapshot().Setpoint).To(Equal(50.0))
		})

		It("should hold the last snapshot when the store is unreadable", func() {
			build()
			tick()

			st.readErr = errors.New("db locked")
			tick()
			Expect(sup.Snapshot().State).To(Equal(Running))
		})

		It("should write status only when it changes", func() {
			build()
			tick()
			tick()
			tick()
			Expect(st.statusWrites).To(Equal(1))
			s, err := st.LoopStatus(ctx, dev.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(s).To(Equal("Running"))
		})

		It("should keep controlling when status writes fail", func() {
			st.statusErr = errors.New("read only")
			build()
			tick()
			tick()
			Expect(sup.Snapshot().State).To(Equal(Running))
		})

		It("should notify observers every tick", func() {
			build()
			tick()
			tick()
			Expect(rec.snaps).To(HaveLen(3))
			Expect(rec.snaps[2].StateName).To(Equal("Running"))
		})
	})

	Context("zero on disable", func() {
		BeforeEach(func() {
			dev.ZeroOnDisable = true
			enable(true)
		})

		It("should command the resting output when disabled", func() {
			build()
			tick()
			v, _ := bank.Get(ctrlPV)
			Expect(v).NotTo(BeZero())

			enable(false)
			tick()
			Expect(sup.Snapshot().State).To(Equal(Disabled))
			v, _ = bank.Get(ctrlPV)
			Expect(v).To(BeZero())
		})

		It("should command the resting output on shutdown", func() {
			build()
			tick()

			sup.Shutdown(ctx)
			Expect(sup.Snapshot().State).To(Equal(Disabled))
			Expect(sup.Snapshot().Status).To(Equal(statusStopped))
			v, _ := bank.Get(ctrlPV)
			Expect(v).To(BeZero())
			s, _ := st.LoopStatus(ctx, dev.ID)
			Expect(s).To(Equal(statusStopped))
		})

		It("should not zero a faulted loop", func() {
			build()
			tick()
			last, _ := bank.Get(ctrlPV)

			bank.SetPowered(ctrlPV, false)
			tick()
			Expect(sup.Snapshot().State).To(Equal(Faulted))
			v, _ := bank.Get(ctrlPV)
			Expect(v).To(Equal(last))
		})
	})
})
