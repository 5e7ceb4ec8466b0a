// Package store also ships an in-memory fake (see fake.go) implementing the
// same Store interface, used across the rest of the orchestrator's test
// suites so no test depends on a live task/worker database.
package store
