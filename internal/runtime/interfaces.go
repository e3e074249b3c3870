package runtime

import (
	"context"

	"caserun/internal/domain/execution"
)

// Labels attached to every sandbox the engine creates.
const (
	LabelManaged  = "caserun.managed"
	LabelRun      = "caserun.run"
	LabelLanguage = "caserun.language"
)

// SandboxSpec describes the container to create for one supervised run.
type SandboxSpec struct {
	Name    string
	Image   string
	Command []string
	Env     []string
	Workdir string
	// User runs the process as this user. Empty keeps the image default.
	User   string
	Limits execution.RunLimits
	// Stdin keeps the process stdin open so an Attachment can feed it.
	Stdin  bool
	Labels map[string]string
}

// State is what the container engine reports about a sandbox after it stopped.
type State struct {
	OOMKilled bool
}

// Attachment is the output side of a running sandbox: a finite, pull-based
// sequence of typed chunks. It cannot be restarted.
type Attachment interface {
	// Next returns the next chunk in arrival order, or io.EOF once the stream closed.
	Next() (execution.Chunk, error)
	// SendInput writes data to the process stdin and closes the write side.
	SendInput(data []byte) error
	Close() error
}

// ContainerRuntime is the capability set the engine needs from a container engine.
//
// Implementations must tolerate concurrent calls for unrelated sandboxes.
// Failures caused by the engine being unusable match execution.ErrEnvironment.
type ContainerRuntime interface {
	Create(ctx context.Context, spec SandboxSpec) (string, error)
	InjectFile(ctx context.Context, id, dir string, archive []byte) error
	AttachOutput(ctx context.Context, id string, stdin bool) (Attachment, error)
	Start(ctx context.Context, id string) error
	// AwaitCompletion blocks until the sandbox process exits or ctx is done.
	AwaitCompletion(ctx context.Context, id string) (int64, error)
	Inspect(ctx context.Context, id string) (State, error)
	ExtractFile(ctx context.Context, id, path string) ([]byte, error)
	// Kill forcibly terminates the sandbox process. Already stopped or missing sandboxes are not an error.
	Kill(ctx context.Context, id string) error
	// Destroy removes the sandbox. Missing sandboxes are not an error.
	Destroy(ctx context.Context, id string) error
	// List returns the ids of every engine-managed sandbox that still exists.
	List(ctx context.Context) ([]string, error)
	EnsureImage(ctx context.Context, ref string) error
	Ping(ctx context.Context) error
	Close() error
}
