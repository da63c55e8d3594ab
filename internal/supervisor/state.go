package supervisor

import "time"

type State int

const (
	Disabled State = iota
	Running
	Overridden
	Faulted
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "Disabled"
	case Running:
		return "Running"
	case Overridden:
		return "Overridden"
	case Faulted:
		return "Faulted"
	}
	return "Unknown"
}

// Active reports whether the loop is actuating.
func (s State) Active() bool {
	return s == Running || s == Overridden
}

const (
	statusAwaitingReenable = "Disabled: awaiting re-enable"
	statusStopped          = "Disabled: engine stopped"
	prefixFaulted          = "Faulted: "
	prefixPrecondition     = "Precondition failure: "
	prefixConfigError      = "Config error: "
)

// Snapshot is what a loop exposes for display after each tick.
type Snapshot struct {
	ID          string    `json:"id"`
	State       State     `json:"-"`
	StateName   string    `json:"state"`
	Status      string    `json:"status"`
	Enabled     bool      `json:"enabled"`
	Output      float64   `json:"output"`
	Measurement float64   `json:"measurement"`
	Setpoint    float64   `json:"setpoint"`
	Interval    float64   `json:"time_step_s"`
	ControlPV   string    `json:"control_pv"`
	TargetPV    string    `json:"target_pv"`
	Policy      string    `json:"policy"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Observer receives a snapshot after every tick.
type Observer interface {
	OnTick(Snapshot)
}

type ObserverFunc func(Snapshot)

func (f ObserverFunc) OnTick(s Snapshot) { f(s) }
