/*
Package log provides structured logging for the orchestrator using zerolog.

It wraps a single global zerolog.Logger, initialised once via Init, with
helpers that attach component, worker, task, and cycle context to derived
loggers. The cycle number is never stored globally: callers carry the
logger returned by WithCycle down through the call chain for the duration
of one control-loop cycle, so nothing leaks between concurrently running
orchestrator instances in the same process.

Critical emits the severity the control loop uses for scaling decisions and
safety-valve trips — events that must stay visible even if a downstream log
level filter is misconfigured.
*/
package log
