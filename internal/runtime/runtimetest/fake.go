// Package runtimetest provides an in-memory ContainerRuntime for tests.
package runtimetest

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"
	"time"

	"caserun/internal/domain/execution"
	"caserun/internal/runtime"
)

// Run is what a fake sandbox knows when its process starts.
type Run struct {
	Spec  runtime.SandboxSpec
	Files map[string][]byte
	Stdin []byte
}

// File returns the injected file with the given base name.
func (r Run) File(name string) string {
	return string(r.Files[name])
}

// Exec scripts how a fake process behaves.
type Exec struct {
	Stdout   string
	Stderr   string
	ExitCode int64
	// Hang keeps the process running after writing its output until it is killed.
	Hang      bool
	OOMKilled bool
	// Artifacts are files the process leaves behind, keyed by base name.
	Artifacts map[string][]byte
	// Delay is slept before any output is written.
	Delay time.Duration
}

// Runtime is a ContainerRuntime whose processes are Go functions.
type Runtime struct {
	// Program decides what each started sandbox does.
	Program func(Run) Exec

	CreateErr error
	InjectErr error
	StartErr  error
	AwaitErr  error
	EnsureErr error
	PingErr   error

	mu        sync.Mutex
	nextID    int
	live      map[string]*sandbox
	created   []runtime.SandboxSpec
	pulls     []string
	killed    []string
	destroyed []string
	maxLive   int
	closed    bool
}

// New returns a fake runtime running program in every sandbox.
func New(program func(Run) Exec) *Runtime {
	return &Runtime{
		Program: program,
		live:    make(map[string]*sandbox),
	}
}

type sandbox struct {
	id    string
	spec  runtime.SandboxSpec
	files map[string][]byte

	stdin     []byte
	stdinSent chan struct{}
	stdinOnce sync.Once

	out      chan execution.Chunk
	exited   chan struct{}
	kill     chan struct{}
	killOnce sync.Once
	started  bool

	exitCode  int64
	oomKilled bool
	artifacts map[string][]byte
}

func (r *Runtime) Create(ctx context.Context, spec runtime.SandboxSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if r.CreateErr != nil {
		return "", r.CreateErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := fmt.Sprintf("sandbox-%d", r.nextID)
	r.nextID++
	r.live[id] = &sandbox{
		id:        id,
		spec:      spec,
		files:     make(map[string][]byte),
		stdinSent: make(chan struct{}),
		out:       make(chan execution.Chunk, 16),
		exited:    make(chan struct{}),
		kill:      make(chan struct{}),
	}
	r.created = append(r.created, spec)
	if len(r.live) > r.maxLive {
		r.maxLive = len(r.live)
	}
	return id, nil
}

func (r *Runtime) InjectFile(ctx context.Context, id, dir string, archive []byte) error {
	if r.InjectErr != nil {
		return r.InjectErr
	}
	sb, err := r.lookup(id)
	if err != nil {
		return err
	}

	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		r.mu.Lock()
		sb.files[header.Name] = data
		r.mu.Unlock()
	}
}

func (r *Runtime) AttachOutput(ctx context.Context, id string, stdin bool) (runtime.Attachment, error) {
	sb, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return &attachment{sb: sb, closed: make(chan struct{})}, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	if r.StartErr != nil {
		return r.StartErr
	}
	sb, err := r.lookup(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if sb.started {
		r.mu.Unlock()
		return fmt.Errorf("sandbox %s already started", id)
	}
	sb.started = true
	files := make(map[string][]byte, len(sb.files))
	for k, v := range sb.files {
		files[k] = v
	}
	program := r.Program
	r.mu.Unlock()

	go sb.run(program, files)
	return nil
}

func (sb *sandbox) run(program func(Run) Exec, files map[string][]byte) {
	defer close(sb.exited)
	defer close(sb.out)

	if sb.spec.Stdin {
		select {
		case <-sb.stdinSent:
		case <-sb.kill:
			sb.exitCode = 137
			return
		}
	}

	var exec Exec
	if program != nil {
		exec = program(Run{Spec: sb.spec, Files: files, Stdin: sb.stdin})
	}

	if exec.Delay > 0 {
		select {
		case <-time.After(exec.Delay):
		case <-sb.kill:
			sb.exitCode = 137
			return
		}
	}

	if exec.Stdout != "" {
		sb.out <- execution.Chunk{Stream: execution.StreamStdout, Data: []byte(exec.Stdout)}
	}
	if exec.Stderr != "" {
		sb.out <- execution.Chunk{Stream: execution.StreamStderr, Data: []byte(exec.Stderr)}
	}

	if exec.Hang {
		<-sb.kill
		sb.exitCode = 137
		return
	}

	sb.exitCode = exec.ExitCode
	sb.oomKilled = exec.OOMKilled
	sb.artifacts = exec.Artifacts
}

func (r *Runtime) AwaitCompletion(ctx context.Context, id string) (int64, error) {
	if r.AwaitErr != nil {
		return 0, r.AwaitErr
	}
	sb, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	select {
	case <-sb.exited:
		return sb.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *Runtime) Inspect(ctx context.Context, id string) (runtime.State, error) {
	sb, err := r.lookup(id)
	if err != nil {
		return runtime.State{}, err
	}
	<-sb.exited
	return runtime.State{OOMKilled: sb.oomKilled}, nil
}

func (r *Runtime) ExtractFile(ctx context.Context, id, p string) ([]byte, error) {
	sb, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	<-sb.exited
	data, ok := sb.artifacts[path.Base(p)]
	if !ok {
		return nil, fmt.Errorf("file %s not found in sandbox", p)
	}
	return data, nil
}

func (r *Runtime) Kill(ctx context.Context, id string) error {
	r.mu.Lock()
	sb, ok := r.live[id]
	if ok {
		r.killed = append(r.killed, id)
	}
	r.mu.Unlock()
	if ok {
		sb.killOnce.Do(func() { close(sb.kill) })
	}
	return nil
}

func (r *Runtime) Destroy(ctx context.Context, id string) error {
	r.mu.Lock()
	sb, ok := r.live[id]
	delete(r.live, id)
	if ok {
		r.destroyed = append(r.destroyed, id)
	}
	r.mu.Unlock()
	if ok {
		sb.killOnce.Do(func() { close(sb.kill) })
	}
	return nil
}

func (r *Runtime) List(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Runtime) EnsureImage(ctx context.Context, ref string) error {
	r.mu.Lock()
	r.pulls = append(r.pulls, ref)
	r.mu.Unlock()
	return r.EnsureErr
}

func (r *Runtime) Ping(ctx context.Context) error {
	return r.PingErr
}

func (r *Runtime) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Created returns the SandboxSpec of every sandbox created so far.
func (r *Runtime) Created() []runtime.SandboxSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runtime.SandboxSpec(nil), r.created...)
}

// Pulls returns every image reference passed to EnsureImage.
func (r *Runtime) Pulls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pulls...)
}

// Killed returns the ids passed to Kill for live sandboxes.
func (r *Runtime) Killed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.killed...)
}

// Destroyed returns the ids of sandboxes removed so far.
func (r *Runtime) Destroyed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.destroyed...)
}

// MaxLive reports the highest number of sandboxes that existed at once.
func (r *Runtime) MaxLive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxLive
}

// Closed reports whether Close was called.
func (r *Runtime) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Runtime) lookup(id string) (*sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.live[id]
	if !ok {
		return nil, fmt.Errorf("no such sandbox: %s", id)
	}
	return sb, nil
}

type attachment struct {
	sb        *sandbox
	closed    chan struct{}
	closeOnce sync.Once
}

func (a *attachment) Next() (execution.Chunk, error) {
	select {
	case chunk, ok := <-a.sb.out:
		if !ok {
			return execution.Chunk{}, io.EOF
		}
		return chunk, nil
	case <-a.closed:
		return execution.Chunk{}, io.ErrClosedPipe
	}
}

func (a *attachment) SendInput(data []byte) error {
	a.sb.stdinOnce.Do(func() {
		a.sb.stdin = append([]byte(nil), data...)
		close(a.sb.stdinSent)
	})
	return nil
}

func (a *attachment) Close() error {
	a.closeOnce.Do(func() { close(a.closed) })
	return nil
}
