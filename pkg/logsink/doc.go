/*
Package logsink additionally fails loud rather than silent: when Start's
connectivity probe of the submitter fails, the failure is written to a
local diagnostic file beside the spill file (SpillPath +
".init-failure.log") and logged to stderr at Critical severity via pkg/log,
and Start only returns an error when Config.Required is set — mirroring the
DB_LOGGING_REQUIRED escape hatch operators use when log delivery is
load-bearing rather than best-effort. A spill file that will not open makes
New return an error, and a failed spill drain in Start is counted as an
error and is fatal only under Config.Required; neither of these writes the
diagnostic file.
*/
package logsink
