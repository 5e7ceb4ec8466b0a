/*
Package safetyvalve expresses the failure-rate trip/reopen logic as a
sony/gobreaker circuit breaker: each cycle's Evaluate is recorded as one
Execute call, which fails when the recent sample is at least MinSample and
its failed/recent ratio is at or above Threshold. ReadyToTrip trips the
breaker on the first such failure. Settings.Interval is left unset; the
trailing window comes from recomputing the sample from worker CreatedAt
every cycle. Settings.Timeout (ReopenAfter) drives the half-open trial
evaluation that lets the valve reopen once failures have aged out.
*/
package safetyvalve
