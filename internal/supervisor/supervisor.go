// Package supervisor runs one sandboxed agent container per invocation. It
// is the hardest concurrency surface in Borg: it must stream stdout without
// blocking, drain stderr concurrently to avoid a pipe-buffer deadlock,
// honour a wall-clock timeout, be cancellable, and always tear the
// container down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	defaultMaxStdoutBytes = 2 << 20 // 2 MiB
	defaultMaxStderrBytes = 256 << 10
	streamChunkBytes      = 8 << 10 // at-most-8 KiB forwarded chunks
	defaultCPUs           = 2.0
	defaultPIDLimit       = 256
)

// ErrTimeout is returned when a run is killed by agent_timeout_s.
var ErrTimeout = errors.New("supervisor: agent run timed out")

// ErrCancelled is returned when a run is killed by external context cancellation.
var ErrCancelled = errors.New("supervisor: agent run cancelled")

// Config describes one container invocation.
type Config struct {
	Image         string
	ContainerName string // deterministic; avoids collisions, one container per name
	Cmd           []string
	Env           map[string]string
	Binds         []string // "hostpath:containerpath[:ro]", validated before launch
	MemoryBytes   int64
	CPUs          float64 // default 2
	PIDLimit      int64   // default 256
	Timeout       time.Duration

	MaxStdoutBytes int // default 2 MiB, saturating cap
	MaxStderrBytes int // default 256 KiB, saturating cap
}

func (c Config) cpus() float64 {
	if c.CPUs > 0 {
		return c.CPUs
	}
	return defaultCPUs
}

func (c Config) pidLimit() int64 {
	if c.PIDLimit > 0 {
		return c.PIDLimit
	}
	return defaultPIDLimit
}

func (c Config) maxStdoutBytes() int {
	if c.MaxStdoutBytes > 0 {
		return c.MaxStdoutBytes
	}
	return defaultMaxStdoutBytes
}

func (c Config) maxStderrBytes() int {
	if c.MaxStderrBytes > 0 {
		return c.MaxStderrBytes
	}
	return defaultMaxStderrBytes
}

// RunResult is the supervisor's complete output: the caller never needs a
// second drain.
type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Supervisor spawns and tears down agent containers via the Docker client.
type Supervisor struct {
	docker *client.Client
}

// New wraps an existing Docker client. Callers own its lifecycle.
func New(docker *client.Client) *Supervisor {
	return &Supervisor{docker: docker}
}

// NewFromEnv builds a Docker client from the ambient DOCKER_HOST/TLS
// environment.
func NewFromEnv() (*Supervisor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("supervisor: docker client: %w", err)
	}
	return New(cli), nil
}

// Run launches one container, pipes stdinBytes to it, drains stdout and
// stderr concurrently, and tears it down. streamCB (optional) is called
// with each at-most-8KiB chunk of stdout as it arrives.
func (s *Supervisor) Run(ctx context.Context, cfg Config, stdinBytes []byte, streamCB func([]byte)) (RunResult, error) {
	if err := ValidateBindMounts(cfg.Binds); err != nil {
		return RunResult{}, fmt.Errorf("supervisor: %w", err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	pidLimit := cfg.pidLimit()
	created, err := s.docker.ContainerCreate(runCtx, &container.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Cmd,
		Env:          env,
		Tty:          false,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		StdinOnce:    true,
	}, &container.HostConfig{
		AutoRemove:  true,
		Binds:       cfg.Binds,
		NetworkMode: container.NetworkMode("host"),
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:    cfg.MemoryBytes,
			NanoCPUs:  int64(cfg.cpus() * 1e9),
			PidsLimit: &pidLimit,
		},
	}, nil, nil, cfg.ContainerName)
	if err != nil {
		return RunResult{}, fmt.Errorf("supervisor: create container %s: %w", cfg.ContainerName, err)
	}
	containerID := created.ID

	hijacked, err := s.docker.ContainerAttach(runCtx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return RunResult{}, fmt.Errorf("supervisor: attach %s: %w", cfg.ContainerName, err)
	}
	defer hijacked.Close()

	if err := s.docker.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		return RunResult{}, fmt.Errorf("supervisor: start %s: %w", cfg.ContainerName, err)
	}

	stdoutW := newChunkWriter(cfg.maxStdoutBytes(), streamChunkBytes, streamCB)
	stderrW := newChunkWriter(cfg.maxStderrBytes(), streamChunkBytes, nil)

	// Writing stdin and draining stdout/stderr run concurrently: either
	// goroutine could otherwise block on a full pipe buffer while the
	// other side waits on it, deadlocking the run.
	stdinDone := make(chan struct{})
	go func() {
		defer close(stdinDone)
		_, _ = hijacked.Conn.Write(stdinBytes)
		_ = hijacked.CloseWrite()
	}()

	drainDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, hijacked.Reader)
		drainDone <- copyErr
	}()

	statusCh, errCh := s.docker.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)

	var exitCode int
	var runErr error

	select {
	case err := <-errCh:
		runErr = fmt.Errorf("supervisor: wait %s: %w", cfg.ContainerName, err)
		exitCode = -1
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-runCtx.Done():
		_ = s.docker.ContainerKill(context.Background(), containerID, "SIGKILL")
		exitCode = -1
		if ctx.Err() != nil && ctx.Err() == runCtx.Err() {
			runErr = ErrCancelled
		} else {
			runErr = ErrTimeout
		}
	}

	<-stdinDone
	<-drainDone

	return RunResult{
		Stdout:   stdoutW.Bytes(),
		Stderr:   stderrW.Bytes(),
		ExitCode: exitCode,
	}, runErr
}

// Close releases the underlying Docker client.
func (s *Supervisor) Close() error {
	return s.docker.Close()
}

var _ io.Writer = (*chunkWriter)(nil)
