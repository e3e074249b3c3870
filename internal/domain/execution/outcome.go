package execution

import "time"

// StreamKind tags a chunk of sandbox output with the channel it was written to.
type StreamKind uint8

const (
	StreamStdout StreamKind = iota + 1
	StreamStderr
)

func (k StreamKind) String() string {
	switch k {
	case StreamStdout:
		return "stdout"
	case StreamStderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// Chunk is one piece of output read from a sandbox, in arrival order.
type Chunk struct {
	Stream StreamKind
	Data   []byte
}

// Outcome captures what one sandboxed execution produced. It is not modified after the supervisor returns it.
type Outcome struct {
	// RawOutput holds stdout and stderr interleaved in arrival order.
	RawOutput []byte
	Stdout    []byte
	Stderr    []byte
	ExitCode  int64
	TimedOut  bool
	OOMKilled bool
	// Truncated reports that output beyond RunLimits.MaxOutputBytes was dropped.
	Truncated bool
	Duration  time.Duration
	// Artifacts holds files collected from the sandbox after a successful exit, keyed by path.
	Artifacts map[string][]byte
}
