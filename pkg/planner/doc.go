/*
Package planner implements the desired-worker formula and its guardrails:

	workload = queued + in-progress (both already exclude parent tasks)
	ideal    = ceil(workload / tasksPerWorker), or 0 if workload is 0
	desired  = clamp(max(minFleet, ideal + machinesToKeepIdle), maxFleet)

capacity is active+spawning workers (terminating excluded, since they are
already on their way out and should not suppress a needed spawn). A cycle
either spawns, terminates, maintains, or — when desired exceeds capacity
but the safety valve has tripped — reports valve_closed and spawns nothing.
*/
package planner
