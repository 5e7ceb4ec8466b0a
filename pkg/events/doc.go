/*
Package events is an in-memory pub/sub broker for the anomalies the Scaling
Planner detects: rapid scale-up, a workload spike, a persistent queue with
no active workers, and safety-valve trips. Publish never blocks; a
subscriber that falls behind its 50-event buffer silently misses events
rather than stalling the publisher, since anomaly notifications are
best-effort observability, not a control-flow signal anything blocks on.
*/
package events
