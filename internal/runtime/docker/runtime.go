package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"caserun/internal/domain/execution"
	runtimex "caserun/internal/runtime"
)

// Runtime implements runtime.ContainerRuntime on a single shared Docker client.
type Runtime struct {
	cli dockerClient
	cfg Config
}

var _ runtimex.ContainerRuntime = (*Runtime)(nil)

// New connects to the Docker engine described by the environment and cfg.
func New(cfg Config) (*Runtime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker runtime: create client: %w", err)
	}

	return newRuntimeWithClient(cli, cfg), nil
}

func newRuntimeWithClient(cli dockerClient, cfg Config) *Runtime {
	return &Runtime{cli: cli, cfg: cfg.withDefaults()}
}

// Create creates a hardened, stopped container for spec.
func (r *Runtime) Create(ctx context.Context, spec runtimex.SandboxSpec) (string, error) {
	limits := spec.Limits.Normalize()

	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=" + r.cfg.TmpfsSize + ",mode=1777",
		},
		Resources: container.Resources{
			NanoCPUs: r.cfg.DefaultNanoCPUs,
		},
	}
	if limits.NanoCPUs > 0 {
		hostConfig.Resources.NanoCPUs = limits.NanoCPUs
	}
	if limits.MemoryLimitBytes > 0 {
		hostConfig.Resources.Memory = limits.MemoryLimitBytes
		hostConfig.Resources.MemorySwap = limits.MemoryLimitBytes
	}
	if limits.PidsLimit > 0 {
		pids := limits.PidsLimit
		hostConfig.Resources.PidsLimit = &pids
	}

	resp, err := r.cli.ContainerCreate(
		ctx,
		&container.Config{
			Image:           spec.Image,
			Cmd:             spec.Command,
			Env:             spec.Env,
			User:            spec.User,
			Labels:          spec.Labels,
			AttachStdout:    true,
			AttachStderr:    true,
			AttachStdin:     spec.Stdin,
			OpenStdin:       spec.Stdin,
			StdinOnce:       spec.Stdin,
			WorkingDir:      spec.Workdir,
			NetworkDisabled: true,
		},
		hostConfig,
		nil,
		nil,
		spec.Name,
	)
	if err != nil {
		// A missing image surfaces here when pulls are disabled.
		if errdefs.IsNotFound(err) {
			return "", execution.Wrap(execution.KindEnvironment, "create container", err)
		}
		return "", classify("create container", err)
	}

	return resp.ID, nil
}

// InjectFile extracts a tar archive into dir inside the container.
func (r *Runtime) InjectFile(ctx context.Context, id, dir string, archive []byte) error {
	err := r.cli.CopyToContainer(ctx, id, dir, bytes.NewReader(archive), container.CopyToContainerOptions{AllowOverwriteDirWithFile: true})
	return classify("copy to container", err)
}

// AttachOutput attaches to the container streams. It must be called before Start to see all output.
func (r *Runtime) AttachOutput(ctx context.Context, id string, stdin bool) (runtimex.Attachment, error) {
	resp, err := r.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  stdin,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, classify("attach container", err)
	}

	var reader io.Reader = resp.Reader
	if reader == nil {
		reader = resp.Conn
	}

	return &attachment{
		resp:  resp,
		demux: NewDemuxer(reader),
	}, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	return classify("start container", r.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

// AwaitCompletion waits for the container to stop and returns its exit status.
// When ctx ends first the context error is returned unwrapped.
func (r *Runtime) AwaitCompletion(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return 0, fmt.Errorf("docker runtime: container error: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, classify("wait for container", err)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *Runtime) Inspect(ctx context.Context, id string) (runtimex.State, error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return runtimex.State{}, classify("inspect container", err)
	}
	var state runtimex.State
	if info.ContainerJSONBase != nil && info.State != nil {
		state.OOMKilled = info.State.OOMKilled
	}
	return state, nil
}

// ExtractFile reads a single regular file out of the container.
func (r *Runtime) ExtractFile(ctx context.Context, id, path string) ([]byte, error) {
	reader, _, err := r.cli.CopyFromContainer(ctx, id, path)
	if err != nil {
		return nil, classify("copy from container", err)
	}
	defer reader.Close()

	return firstRegularFile(reader, path)
}

// Kill sends SIGKILL. Containers that are gone or already stopped are ignored.
func (r *Runtime) Kill(ctx context.Context, id string) error {
	err := r.cli.ContainerKill(ctx, id, "KILL")
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return classify("kill container", err)
}

// Destroy force-removes the container and its anonymous volumes. Missing containers are ignored.
func (r *Runtime) Destroy(ctx context.Context, id string) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return classify("remove container", err)
}

// List returns the ids of all containers carrying the managed label, running or not.
func (r *Runtime) List(ctx context.Context) ([]string, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", runtimex.LabelManaged+"=true")),
	})
	if err != nil {
		return nil, classify("list containers", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// EnsureImage pulls ref. Any failure is an environment error.
func (r *Runtime) EnsureImage(ctx context.Context, ref string) error {
	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return execution.Wrap(execution.KindEnvironment, "pull image "+ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return execution.Wrap(execution.KindEnvironment, "consume pull output for "+ref, err)
	}
	return nil
}

func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return execution.Wrap(execution.KindEnvironment, "ping docker", err)
	}
	return nil
}

func (r *Runtime) Close() error {
	if err := r.cli.Close(); err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	return nil
}

// classify marks errors that mean the engine itself is unusable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) || errdefs.IsUnavailable(err) {
		return execution.Wrap(execution.KindEnvironment, op, err)
	}
	return fmt.Errorf("docker runtime: %s: %w", op, err)
}

type attachment struct {
	resp  types.HijackedResponse
	demux *Demuxer

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (a *attachment) Next() (execution.Chunk, error) {
	return a.demux.Next()
}

func (a *attachment) SendInput(data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if a.resp.Conn == nil {
		return fmt.Errorf("docker runtime: stdin not attached")
	}
	if _, err := io.Copy(a.resp.Conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("docker runtime: write stdin: %w", err)
	}
	if err := a.resp.CloseWrite(); err != nil {
		return fmt.Errorf("docker runtime: close stdin: %w", err)
	}
	return nil
}

func (a *attachment) Close() error {
	a.closeOnce.Do(func() {
		if a.resp.Conn != nil {
			a.resp.Close()
		}
	})
	return nil
}
