package executor

import "sync"

// CleanPolicy decides whether a cage's backing resources are removed at
// destroy time. Leaving a flag false keeps the corresponding cage around
// for inspection.
type CleanPolicy struct {
	// Clean removes the cage after a run with no failed step.
	Clean bool

	// CleanOnError removes the cage after a run where a step failed.
	CleanOnError bool
}

// DefaultCleanPolicy removes cages on both paths.
func DefaultCleanPolicy() CleanPolicy {
	return CleanPolicy{Clean: true, CleanOnError: true}
}

// ShouldRemove applies the policy to the cage's failure state.
func (p CleanPolicy) ShouldRemove(failed bool) bool {
	if failed {
		return p.CleanOnError
	}
	return p.Clean
}

// Lifecycle tracks the per-cage teardown state every backend shares:
// whether a step failed inside the cage and whether Destroy already ran.
// The zero value is ready to use.
type Lifecycle struct {
	mu        sync.Mutex
	failed    bool
	destroyed bool
}

// MarkFailed records that a step failed inside the cage. Destroy consults
// it to pick between the Clean and CleanOnError policies.
func (l *Lifecycle) MarkFailed() {
	l.mu.Lock()
	l.failed = true
	l.mu.Unlock()
}

// Failed reports whether any step failed.
func (l *Lifecycle) Failed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// BeginDestroy flips the destroyed flag and reports whether this call is
// the first. Later calls must be no-ops so that Destroy stays idempotent.
func (l *Lifecycle) BeginDestroy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return false
	}
	l.destroyed = true
	return true
}

// Destroyed reports whether Destroy ran at least once.
func (l *Lifecycle) Destroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}
