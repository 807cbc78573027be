// Package stores persists run history: every run, its job-unit results
// and the cage allocations that served them, in a local SQLite
// database. The scheduler and the cage manager report through the
// RunRecorder and cage.Recorder interfaces; the CLI queries the store
// for run inspection and to keep cleanup away from live runs.
package stores
