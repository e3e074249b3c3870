package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"

	"caserun/internal/domain/execution"
	runtimex "caserun/internal/runtime"
)

func testSpec() runtimex.SandboxSpec {
	return runtimex.SandboxSpec{
		Name:    "caserun-test",
		Image:   "python:3.12-alpine",
		Command: []string{"python", "main.py"},
		Env:     []string{"CASE_INPUT=/workspace/input.json"},
		Workdir: "/workspace",
		User:    "65534",
		Limits: execution.RunLimits{
			MemoryLimitBytes: 64 << 20,
			PidsLimit:        32,
			NanoCPUs:         500_000_000,
		},
		Stdin:  true,
		Labels: map[string]string{runtimex.LabelManaged: "true", runtimex.LabelRun: "r1"},
	}
}

func TestCreateAppliesHardening(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	rt := newRuntimeWithClient(cli, Config{})

	id, err := rt.Create(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if id != "container-0" {
		t.Fatalf("unexpected id %q", id)
	}

	call := cli.createCalls[0]
	if call.name != "caserun-test" {
		t.Fatalf("expected container name to be passed, got %q", call.name)
	}
	cfg, host := call.config, call.hostConfig
	if !cfg.NetworkDisabled || host.NetworkMode != "none" {
		t.Fatalf("expected networking disabled, got %v/%q", cfg.NetworkDisabled, host.NetworkMode)
	}
	if len(host.CapDrop) != 1 || host.CapDrop[0] != "ALL" {
		t.Fatalf("expected all capabilities dropped, got %v", host.CapDrop)
	}
	if len(host.SecurityOpt) != 1 || host.SecurityOpt[0] != "no-new-privileges" {
		t.Fatalf("expected no-new-privileges, got %v", host.SecurityOpt)
	}
	if host.Resources.Memory != 64<<20 || host.Resources.MemorySwap != 64<<20 {
		t.Fatalf("expected memory == memory+swap, got %d/%d", host.Resources.Memory, host.Resources.MemorySwap)
	}
	if host.Resources.PidsLimit == nil || *host.Resources.PidsLimit != 32 {
		t.Fatalf("expected pids limit 32, got %v", host.Resources.PidsLimit)
	}
	if host.Resources.NanoCPUs != 500_000_000 {
		t.Fatalf("expected nano cpus override, got %d", host.Resources.NanoCPUs)
	}
	if host.Tmpfs["/tmp"] == "" {
		t.Fatalf("expected tmpfs on /tmp")
	}
	if !cfg.OpenStdin || !cfg.StdinOnce || !cfg.AttachStdin {
		t.Fatalf("expected stdin to be opened once")
	}
	if cfg.User != "65534" || cfg.WorkingDir != "/workspace" || cfg.Labels[runtimex.LabelRun] != "r1" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestCreateDefaultsCPUQuota(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	rt := newRuntimeWithClient(cli, Config{})

	spec := testSpec()
	spec.Limits = execution.RunLimits{}
	if _, err := rt.Create(context.Background(), spec); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	res := cli.createCalls[0].hostConfig.Resources
	if res.NanoCPUs != defaultNanoCPUs {
		t.Fatalf("expected default nano cpus, got %d", res.NanoCPUs)
	}
	if res.Memory != 0 || res.PidsLimit != nil {
		t.Fatalf("expected no memory or pids limit, got %d/%v", res.Memory, res.PidsLimit)
	}
}

func TestCreateClassifiesEnvironmentFailures(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		err error
		env bool
	}{
		"connection failed": {err: client.ErrorConnectionFailed("unix:///var/run/docker.sock"), env: true},
		"image missing":     {err: errdefs.NotFound(errors.New("no such image")), env: true},
		"unavailable":       {err: errdefs.Unavailable(errors.New("daemon shutting down")), env: true},
		"bad request":       {err: errdefs.InvalidParameter(errors.New("invalid mount")), env: false},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cli := newFakeDockerClient()
			cli.createErr = tc.err
			rt := newRuntimeWithClient(cli, Config{})

			_, err := rt.Create(context.Background(), testSpec())
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := execution.IsEnvironment(err); got != tc.env {
				t.Fatalf("expected environment=%v, got %v (%v)", tc.env, got, err)
			}
		})
	}
}

func TestInjectFileCopiesArchiveUnchanged(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	rt := newRuntimeWithClient(cli, Config{})

	source := "s = 'ü\x00\x7f'\r\n"
	archive, err := runtimex.PackageSource("main.py", source)
	if err != nil {
		t.Fatalf("PackageSource returned error: %v", err)
	}
	if err := rt.InjectFile(context.Background(), "container-0", "/workspace", archive); err != nil {
		t.Fatalf("InjectFile returned error: %v", err)
	}

	call := cli.copyToCalls[0]
	if call.path != "/workspace" {
		t.Fatalf("expected copy into workdir, got %q", call.path)
	}
	tr := tar.NewReader(bytes.NewReader(call.data))
	header, err := tr.Next()
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	var got bytes.Buffer
	if _, err := got.ReadFrom(tr); err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if header.Name != "main.py" || got.String() != source {
		t.Fatalf("expected %q in main.py, got %q in %s", source, got.String(), header.Name)
	}
}

func TestAttachOutputDemuxesAndSendsInput(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	rt := newRuntimeWithClient(cli, Config{})
	cli.setAttachOutput("c1", frames(frame{stdcopy.Stdout, "out"}, frame{stdcopy.Stderr, "err"}))

	att, err := rt.AttachOutput(context.Background(), "c1", true)
	if err != nil {
		t.Fatalf("AttachOutput returned error: %v", err)
	}

	if err := att.SendInput([]byte("42\n")); err != nil {
		t.Fatalf("SendInput returned error: %v", err)
	}
	conn := cli.conn("c1")
	if conn.written() != "42\n" || !conn.writeClosed {
		t.Fatalf("expected stdin to be written and closed, got %q closed=%v", conn.written(), conn.writeClosed)
	}

	first, err := att.Next()
	if err != nil || first.Stream != execution.StreamStdout || string(first.Data) != "out" {
		t.Fatalf("unexpected first chunk %+v (%v)", first, err)
	}
	second, err := att.Next()
	if err != nil || second.Stream != execution.StreamStderr || string(second.Data) != "err" {
		t.Fatalf("unexpected second chunk %+v (%v)", second, err)
	}

	if err := att.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if !conn.isClosed() {
		t.Fatalf("expected connection to be closed")
	}
}

func TestAwaitCompletionReturnsExitStatus(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	rt := newRuntimeWithClient(cli, Config{})
	cli.setWaitSequence("c1", waitCall{status: &container.WaitResponse{StatusCode: 2}})

	code, err := rt.AwaitCompletion(context.Background(), "c1")
	if err != nil {
		t.Fatalf("AwaitCompletion returned error: %v", err)
	}
	if code != 2 {
		t.Fatalf("expected exit status 2, got %d", code)
	}
}

func TestAwaitCompletionHonoursDeadline(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	rt := newRuntimeWithClient(cli, Config{})
	cli.setWaitSequence("c1", waitCall{block: true})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := rt.AwaitCompletion(ctx, "c1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestKillAndDestroyTolerateMissingContainers(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	cli.killErr = errdefs.NotFound(errors.New("no such container"))
	cli.removeErr = errdefs.NotFound(errors.New("no such container"))
	rt := newRuntimeWithClient(cli, Config{})

	if err := rt.Kill(context.Background(), "gone"); err != nil {
		t.Fatalf("Kill returned error: %v", err)
	}
	if err := rt.Destroy(context.Background(), "gone"); err != nil {
		t.Fatalf("Destroy returned error: %v", err)
	}
	if err := rt.Destroy(context.Background(), "gone"); err != nil {
		t.Fatalf("second Destroy returned error: %v", err)
	}
	if cli.killCalls[0] != "gone:KILL" {
		t.Fatalf("expected SIGKILL, got %v", cli.killCalls)
	}
}

func TestKillIgnoresStoppedContainer(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	cli.killErr = errdefs.Conflict(errors.New("container is not running"))
	rt := newRuntimeWithClient(cli, Config{})

	if err := rt.Kill(context.Background(), "c1"); err != nil {
		t.Fatalf("Kill returned error: %v", err)
	}
}

func TestListFiltersManagedContainers(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	rt := newRuntimeWithClient(cli, Config{})

	if _, err := rt.Create(context.Background(), testSpec()); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	other := testSpec()
	other.Labels = map[string]string{"app": "unrelated"}
	if _, err := rt.Create(context.Background(), other); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	ids, err := rt.List(context.Background())
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "container-0" {
		t.Fatalf("expected only the managed container, got %v", ids)
	}
	if !cli.lastList.All {
		t.Fatalf("expected stopped containers to be listed too")
	}

	if err := rt.Destroy(context.Background(), "container-0"); err != nil {
		t.Fatalf("Destroy returned error: %v", err)
	}
	ids, _ = rt.List(context.Background())
	if len(ids) != 0 {
		t.Fatalf("expected no managed containers after destroy, got %v", ids)
	}
}

func TestExtractFileReadsFirstRegularFile(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	rt := newRuntimeWithClient(cli, Config{})

	archive, err := runtimex.Package(runtimex.File{Name: "program", Mode: 0o755, Data: []byte("\x7fELF")})
	if err != nil {
		t.Fatalf("Package returned error: %v", err)
	}
	cli.setCopyFrom("c1", "/workspace/program", archive)

	data, err := rt.ExtractFile(context.Background(), "c1", "/workspace/program")
	if err != nil {
		t.Fatalf("ExtractFile returned error: %v", err)
	}
	if string(data) != "\x7fELF" {
		t.Fatalf("unexpected contents %q", data)
	}

	if _, err := rt.ExtractFile(context.Background(), "c1", "/workspace/missing"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestEnsureImageAndPingFailuresAreEnvironmental(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	rt := newRuntimeWithClient(cli, Config{})

	if err := rt.EnsureImage(context.Background(), "python:3.12-alpine"); err != nil {
		t.Fatalf("EnsureImage returned error: %v", err)
	}
	if len(cli.imagePulls) != 1 {
		t.Fatalf("expected one pull, got %v", cli.imagePulls)
	}

	cli.pullErr = errors.New("manifest unknown")
	cli.pingErr = errors.New("connection refused")
	if err := rt.EnsureImage(context.Background(), "nope:latest"); !execution.IsEnvironment(err) {
		t.Fatalf("expected environment error from pull, got %v", err)
	}
	if err := rt.Ping(context.Background()); !execution.IsEnvironment(err) {
		t.Fatalf("expected environment error from ping, got %v", err)
	}

	if err := rt.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if !cli.closed {
		t.Fatalf("expected client to be closed")
	}
}

func TestSupervisorOverDockerTimesOutAndCleansUp(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	rt := newRuntimeWithClient(cli, Config{})

	cli.onCreate(func(id string) {
		cli.setWaitSequence(id, waitCall{block: true})
		cli.setAttachOutput(id, frames(frame{stdcopy.Stdout, "partial"}))
	})

	archive, err := runtimex.PackageSource("main.py", "while True: pass")
	if err != nil {
		t.Fatalf("PackageSource returned error: %v", err)
	}
	sup := runtimex.NewSupervisor(rt, runtimex.Job{
		Language: execution.LanguagePython,
		Image:    "python:3.12-alpine",
		Command:  []string{"python", "main.py"},
		Workdir:  "/workspace",
		Limits:   execution.RunLimits{TimeLimit: 30 * time.Millisecond},
		Payload:  archive,
	}, zerolog.Nop())

	outcome, err := sup.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !outcome.TimedOut {
		t.Fatalf("expected timeout")
	}
	if string(outcome.Stdout) != "partial" {
		t.Fatalf("expected partial output to be kept, got %q", outcome.Stdout)
	}
	if len(cli.killCalls) == 0 {
		t.Fatalf("expected container to be killed")
	}
	ids, err := rt.List(context.Background())
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected no residual containers, got %v (err=%v)", ids, err)
	}
}

func TestSupervisorOverDockerCompletes(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	rt := newRuntimeWithClient(cli, Config{})

	cli.onCreate(func(id string) {
		cli.setWaitSequence(id, waitCall{status: &container.WaitResponse{StatusCode: 0}})
		cli.setAttachOutput(id, frames(frame{stdcopy.Stdout, "[0,1]\n"}))
		cli.setInspect(id, container.InspectResponse{
			ContainerJSONBase: &container.ContainerJSONBase{
				State: &container.State{OOMKilled: false},
			},
		})
	})

	sup := runtimex.NewSupervisor(rt, runtimex.Job{
		Image:   "python:3.12-alpine",
		Command: []string{"python", "main.py"},
		Workdir: "/workspace",
		Stdin:   []byte("{}\n"),
	}, zerolog.Nop())

	outcome, err := sup.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if string(outcome.Stdout) != "[0,1]\n" || outcome.ExitCode != 0 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if len(cli.removeCalls) != 1 {
		t.Fatalf("expected container removal, got %v", cli.removeCalls)
	}
}
