package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/cryostat/internal/config"
	"github.com/san-kum/cryostat/internal/pv"
)

const reliefPV = "TEST:HE4:FPV201:POS"

var _ = Describe("ThresholdOverride", func() {
	var (
		ctx  context.Context
		mock *clock.Mock
		bank *pv.Bank
	)

	BeforeEach(func() {
		ctx = context.Background()
		mock = clock.NewMock()
		bank = pv.NewBank()
		bank.Set(reliefPV, 20)
	})

	It("should enforce the minimum dwell", func() {
		p := NewPressureRelief(bank, mock, reliefPV, 100, 5*time.Second)

		d, err := p.Evaluate(ctx, Observation{State: Running, Measurement: 150, Threshold: 100})
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(Equal(EnterOverride))

		mock.Add(10 * time.Second)
		d, _ = p.Evaluate(ctx, Observation{State: Overridden, Measurement: 50, Threshold: 100})
		Expect(d).To(Equal(NoChange))

		mock.Add(20 * time.Second)
		d, _ = p.Evaluate(ctx, Observation{State: Overridden, Measurement: 50, Threshold: 100})
		Expect(d).To(Equal(ExitOverride))
	})

	It("should not exit while the measurement stays high", func() {
		p := NewPressureRelief(bank, mock, reliefPV, 100, config.MinDwell)
		_, _ = p.Evaluate(ctx, Observation{State: Running, Measurement: 150, Threshold: 100})

		mock.Add(time.Minute)
		d, _ := p.Evaluate(ctx, Observation{State: Overridden, Measurement: 101, Threshold: 100})
		Expect(d).To(Equal(NoChange))
		captured, ok := p.Captured()
		Expect(ok).To(BeTrue())
		Expect(captured).To(Equal(20.0))
	})

	It("should not engage when the relief valve cannot be read", func() {
		bank.Fail(reliefPV, pv.ErrTimeout)
		p := NewPressureRelief(bank, mock, reliefPV, 100, config.MinDwell)

		d, err := p.Evaluate(ctx, Observation{State: Running, Measurement: 150, Threshold: 100})
		Expect(errors.Is(err, pv.ErrTimeout)).To(BeTrue())
		Expect(d).To(Equal(NoChange))
		_, ok := p.Captured()
		Expect(ok).To(BeFalse())
	})

	It("should ignore disabled and faulted loops", func() {
		p := NewCutback(mock, 0, config.MinDwell)
		for _, s := range []State{Disabled, Faulted} {
			d, err := p.Evaluate(ctx, Observation{State: s, Measurement: 500, Threshold: 100})
			Expect(err).NotTo(HaveOccurred())
			Expect(d).To(Equal(NoChange))
		}
	})

	It("should choose the output by variant", func() {
		Expect(NewPressureRelief(bank, mock, reliefPV, 100, 0).Output(42)).To(Equal(42.0))
		Expect(NewCutback(mock, 0, 0).Output(42)).To(Equal(0.0))
		Expect(Noop{}.Output(42)).To(Equal(42.0))
	})

	It("should build policies from the device table", func() {
		relief, _ := config.GetDevice("HTR204_PT206")
		Expect(NewPolicy(relief, bank, mock).Name()).To(Equal("pressure_relief"))
		cutback, _ := config.GetDevice("HTR001_TS112")
		Expect(NewPolicy(cutback, bank, mock).Name()).To(Equal("cutback"))
		shield, _ := config.GetDevice("FPV205_TS505")
		Expect(NewPolicy(shield, bank, mock)).To(Equal(Noop{}))
	})
})

var _ = Describe("Supervisor with overrides", func() {
	var (
		ctx  context.Context
		mock *clock.Mock
		bank *pv.Bank
		st   *countingStore
		dev  config.Device
		sup  *Supervisor
		tick func(meas float64)
	)

	BeforeEach(func() {
		ctx = context.Background()
		mock = clock.NewMock()
		bank = pv.NewBank()
		st = newCountingStore()

		dev = testDevice()
		dev.Defaults.HighThresh = 100
		dev.Defaults.Enabled = true

		bank.Set(ctrlPV, 10)
		bank.SetPowered(ctrlPV, true)
		bank.Set(targetPV, 40)
		bank.Set(valvePV, 0)
		bank.Set(reliefPV, 20)

		tick = func(meas float64) {
			bank.Set(targetPV, meas)
			sup.Tick(ctx)
			mock.Add(time.Second)
		}
	})

	Context("pressure relief", func() {
		BeforeEach(func() {
			dev.Override = config.Override{
				Kind:      config.PolicyPressureRelief,
				ValvePV:   reliefPV,
				OpenValue: 100,
				Dwell:     config.MinDwell,
			}
			Expect(st.WriteLoopConfig(ctx, dev.ID, dev.Defaults)).To(Succeed())
			sup = New(dev, bank, st, WithClock(mock), ResumeEnabled(true))
		})

		It("should open the valve, hold for the dwell and restore it", func() {
			tick(40)
			Expect(sup.Snapshot().State).To(Equal(Running))
			heater, _ := bank.Get(ctrlPV)
			mem := sup.pid.Memory()

			tick(120)
			Expect(sup.Snapshot().State).To(Equal(Overridden))
			Expect(sup.Snapshot().Status).To(Equal("Overridden"))
			valve, _ := bank.Get(reliefPV)
			Expect(valve).To(Equal(100.0))

			enteredAt := mock.Now().Add(-time.Second)
			for mock.Now().Sub(enteredAt) < config.MinDwell {
				tick(80)
				Expect(sup.Snapshot().State).To(Equal(Overridden))
				valve, _ = bank.Get(reliefPV)
				Expect(valve).To(Equal(100.0))
				h, _ := bank.Get(ctrlPV)
				Expect(h).To(Equal(heater))
			}
			Expect(sup.pid.Memory()).To(Equal(mem))

			tick(80)
			Expect(sup.Snapshot().State).To(Equal(Running))
			valve, _ = bank.Get(reliefPV)
			Expect(valve).To(Equal(20.0))
		})

		It("should leave the valve open when disabled mid-override", func() {
			tick(40)
			tick(120)
			Expect(sup.Snapshot().State).To(Equal(Overridden))

			st.edit(dev.ID, func(c *config.LoopConfig) { c.Enabled = false })
			tick(120)
			Expect(sup.Snapshot().State).To(Equal(Disabled))
			valve, _ := bank.Get(reliefPV)
			Expect(valve).To(Equal(100.0))
			_, ok := sup.policy.(*ThresholdOverride).Captured()
			Expect(ok).To(BeFalse())
		})

		It("should skip the interlock matrix while overridden", func() {
			tick(40)
			tick(120)
			bank.Set(valvePV, 100)
			tick(120)
			Expect(sup.Snapshot().State).To(Equal(Overridden))
		})
	})

	Context("cutback", func() {
		BeforeEach(func() {
			dev.Override = config.Override{Kind: config.PolicyCutback, Dwell: config.MinDwell}
			Expect(st.WriteLoopConfig(ctx, dev.ID, dev.Defaults)).To(Succeed())
			sup = New(dev, bank, st, WithClock(mock), ResumeEnabled(true))
		})

		It("should rest the heater while hot and resume PID afterwards", func() {
			tick(40)
			tick(150)
			Expect(sup.Snapshot().State).To(Equal(Overridden))
			h, _ := bank.Get(ctrlPV)
			Expect(h).To(BeZero())

			for i := 0; i < 40; i++ {
				tick(45)
			}
			Expect(sup.Snapshot().State).To(Equal(Running))
			h, _ = bank.Get(ctrlPV)
			Expect(h).To(BeNumerically(">", 0))
		})
	})
})
