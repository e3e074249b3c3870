package execution

import "time"

// RunLimits describes resource boundaries for a single sandboxed execution.
//
// A zero value RunLimits imposes no additional restrictions.
type RunLimits struct {
	// TimeLimit caps the wall clock of one sandbox run, from creation to output collection.
	// The engine never runs a sandbox without one.
	TimeLimit time.Duration
	// MemoryLimitBytes caps the container memory usage in bytes. Zero means no limit.
	MemoryLimitBytes int64
	// NanoCPUs caps CPU usage in units of 1e-9 CPUs. Zero means one CPU.
	NanoCPUs int64
	// PidsLimit caps the number of processes inside the sandbox. Zero means no limit.
	PidsLimit int64
	// MaxOutputBytes caps how much combined output is retained. Zero means no limit.
	MaxOutputBytes int64
}

// Normalize clamps negative values to zero.
func (l RunLimits) Normalize() RunLimits {
	if l.TimeLimit < 0 {
		l.TimeLimit = 0
	}
	if l.MemoryLimitBytes < 0 {
		l.MemoryLimitBytes = 0
	}
	if l.NanoCPUs < 0 {
		l.NanoCPUs = 0
	}
	if l.PidsLimit < 0 {
		l.PidsLimit = 0
	}
	if l.MaxOutputBytes < 0 {
		l.MaxOutputBytes = 0
	}
	return l
}

// Merge returns l with every positive field of overrides applied on top.
func (l RunLimits) Merge(overrides RunLimits) RunLimits {
	effective := l.Normalize()
	overrides = overrides.Normalize()

	if overrides.TimeLimit > 0 {
		effective.TimeLimit = overrides.TimeLimit
	}
	if overrides.MemoryLimitBytes > 0 {
		effective.MemoryLimitBytes = overrides.MemoryLimitBytes
	}
	if overrides.NanoCPUs > 0 {
		effective.NanoCPUs = overrides.NanoCPUs
	}
	if overrides.PidsLimit > 0 {
		effective.PidsLimit = overrides.PidsLimit
	}
	if overrides.MaxOutputBytes > 0 {
		effective.MaxOutputBytes = overrides.MaxOutputBytes
	}
	return effective
}
