// Package metrics exports loop snapshots as Prometheus series.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/san-kum/cryostat/internal/supervisor"
)

const namespace = "cryostat"

var loopLabels = []string{"loop"}

// Recorder implements supervisor.Observer.
type Recorder struct {
	state       *prometheus.GaugeVec
	output      *prometheus.GaugeVec
	measurement *prometheus.GaugeVec
	setpoint    *prometheus.GaugeVec
	effort      *prometheus.GaugeVec
	ticks       *prometheus.CounterVec
	transitions *prometheus.CounterVec
	faults      *prometheus.CounterVec

	register sync.Once

	mu      sync.Mutex
	last    map[string]supervisor.State
	efforts map[string]*ControlEffort
}

func NewRecorder() *Recorder {
	return &Recorder{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_state",
			Help:      "Current loop state (0 disabled, 1 running, 2 overridden, 3 faulted).",
		}, loopLabels),
		output: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_output",
			Help:      "Last value written to the control channel.",
		}, loopLabels),
		measurement: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_measurement",
			Help:      "Last measurement read from the target channel.",
		}, loopLabels),
		setpoint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_setpoint",
			Help:      "Setpoint in effect for the loop.",
		}, loopLabels),
		effort: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_control_effort",
			Help:      "Mean absolute output change per active tick.",
		}, loopLabels),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_ticks_total",
			Help:      "Number of completed ticks.",
		}, loopLabels),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_transitions_total",
			Help:      "State transitions by destination state.",
		}, []string{"loop", "to"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_faults_total",
			Help:      "Number of times the loop entered Faulted.",
		}, loopLabels),
		last:    make(map[string]supervisor.State),
		efforts: make(map[string]*ControlEffort),
	}
}

// Register adds the recorder's collectors to reg. Only the first call has
// an effect.
func (r *Recorder) Register(reg prometheus.Registerer) {
	r.register.Do(func() {
		reg.MustRegister(
			r.state,
			r.output,
			r.measurement,
			r.setpoint,
			r.effort,
			r.ticks,
			r.transitions,
			r.faults,
		)
	})
}

func (r *Recorder) OnTick(s supervisor.Snapshot) {
	r.mu.Lock()
	prev, seen := r.last[s.ID]
	r.last[s.ID] = s.State
	eff, ok := r.efforts[s.ID]
	if !ok {
		eff = &ControlEffort{}
		r.efforts[s.ID] = eff
	}
	eff.Observe(s.Output, s.State.Active())
	effort := eff.Value()
	r.mu.Unlock()

	r.state.WithLabelValues(s.ID).Set(float64(s.State))
	r.output.WithLabelValues(s.ID).Set(s.Output)
	r.measurement.WithLabelValues(s.ID).Set(s.Measurement)
	r.setpoint.WithLabelValues(s.ID).Set(s.Setpoint)
	r.effort.WithLabelValues(s.ID).Set(effort)
	r.ticks.WithLabelValues(s.ID).Inc()

	if seen && prev != s.State {
		r.transitions.WithLabelValues(s.ID, s.State.String()).Inc()
		if s.State == supervisor.Faulted {
			r.faults.WithLabelValues(s.ID).Inc()
		}
	}
}
