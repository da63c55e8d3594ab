// Package supervisor runs one control loop: it wraps a [control.PID] with
// live configuration, enable/disable handling, fault detection and
// threshold overrides.
//
// A [Supervisor] moves between four states:
//
//   - Disabled: initial state; no actuation.
//   - Running: PID output is written to the control channel every tick.
//   - Overridden: a [Policy] supplies the output; PID memory is frozen.
//   - Faulted: a failure during active control; the actuator is left at its
//     last command until the loop is disabled and enabled again.
//
// Each call to [Supervisor.Tick] reads the loop configuration once and uses
// that snapshot for the whole tick. Ticks must not overlap; the scheduler
// package guarantees that.
//
// # Policies
//
// [Noop] never overrides. [ThresholdOverride] enters Overridden when the
// measurement rises above the loop's high_thresh, holds for a minimum
// dwell and then hands control back. With a relief valve configured it
// opens the valve on entry and restores the captured position on exit.
package supervisor
