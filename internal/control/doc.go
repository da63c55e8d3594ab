// Package control provides the PID computation used by every supervised
// loop.
//
// A [PID] holds the memory of one loop (integral accumulator, previous
// measurement and error, last output) and turns a setpoint, a measurement
// and the elapsed time into a bounded actuator command:
//
//	var pid control.PID
//	out := pid.Compute(cfg.TargetSetpoint, measured, dt, cfg)
//
// Gains, modes and limits come from a [config.LoopConfig] on every call, so
// operator edits take effect on the next tick without rebuilding the
// controller.
//
// # Anti-windup
//
// The total output is clamped to the configured limits. When the raw output,
// including this cycle's integral increment, falls outside a limit, the
// increment is dropped for that cycle.
//
// # Thread Safety
//
// PID is NOT thread-safe. Each loop supervisor owns exactly one instance.
package control
