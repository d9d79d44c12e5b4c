package audit

import (
	"sync/atomic"
)

var current atomic.Pointer[Auditor]

// Install makes a the Auditor behind the Log* helpers and returns a function
// that puts the previous one back. Installing nil turns the helpers into
// no-ops, which is how the CLI runs without a database.
func Install(a *Auditor) (restore func()) {
	prev := current.Swap(a)
	return func() { current.Store(prev) }
}

// Current returns the installed Auditor, or nil.
func Current() *Auditor {
	return current.Load()
}
