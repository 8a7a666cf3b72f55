package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dontdude/codexec/internal/domain"
	"github.com/dontdude/codexec/internal/process"
)

// dockerClient is the subset of the SDK the starter uses.
type dockerClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Config describes the container every command runs in.
type Config struct {
	// Image must contain the configured toolchain.
	Image string
	// MountRoot is bind-mounted at the same path so workspace paths resolve inside the container.
	MountRoot string
	// Pull fetches Image once before the first container is created.
	Pull   bool
	Logger *slog.Logger
}

// Starter runs synthesized commands inside throwaway containers.
type Starter struct {
	cli    dockerClient
	cfg    Config
	logger *slog.Logger

	pullOnce sync.Once
	pullErr  error
}

// Check if Starter implements domain.ProcessStarter
var _ domain.ProcessStarter = (*Starter)(nil)

// NewStarter connects to the Docker daemon described by the environment and
// pings it, so a broken daemon is reported at startup instead of per session.
func NewStarter(ctx context.Context, cfg Config) (*Starter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	// Ping Docker to ensure connection
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}

	return newStarter(cli, cfg), nil
}

func newStarter(cli dockerClient, cfg Config) *Starter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Starter{cli: cli, cfg: cfg, logger: logger}
}

// Ping checks that the daemon still answers.
func (s *Starter) Ping(ctx context.Context) error {
	_, err := s.cli.Ping(ctx)
	return err
}

// Close releases the SDK client.
func (s *Starter) Close() error {
	return s.cli.Close()
}

func (s *Starter) ensureImage(ctx context.Context) error {
	if !s.cfg.Pull {
		return nil
	}
	s.pullOnce.Do(func() {
		s.logger.Info("Pulling image", "image", s.cfg.Image)
		reader, err := s.cli.ImagePull(ctx, s.cfg.Image, image.PullOptions{})
		if err != nil {
			s.pullErr = fmt.Errorf("pull image %s: %w", s.cfg.Image, err)
			return
		}
		// Drain the response body to ensure the pull completes properly.
		defer reader.Close()
		if _, err := io.Copy(io.Discard, reader); err != nil {
			s.pullErr = fmt.Errorf("pull image %s: %w", s.cfg.Image, err)
		}
	})
	return s.pullErr
}

// Start creates, attaches and starts a container running cmd.
func (s *Starter) Start(ctx context.Context, cmd domain.Command, out domain.OutputFunc) (domain.Process, error) {
	if cmd.Empty() {
		return nil, domain.ErrEmptyCommand
	}
	if err := s.ensureImage(ctx); err != nil {
		return nil, err
	}

	hostConfig := &container.HostConfig{}
	if s.cfg.MountRoot != "" {
		hostConfig.Binds = []string{s.cfg.MountRoot + ":" + s.cfg.MountRoot}
	}
	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:        s.cfg.Image,
		Cmd:          cmd.Args,
		WorkingDir:   cmd.Dir,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID

	remove := func() {
		if err := s.cli.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true}); err != nil {
			s.logger.Warn("Failed to remove container", "containerID", id, "error", err)
		}
	}

	attach, err := s.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		remove()
		return nil, fmt.Errorf("attach container: %w", err)
	}

	// Subscribe to the exit before starting so a fast program cannot be missed.
	statusCh, errCh := s.cli.ContainerWait(context.Background(), id, container.WaitConditionNextExit)

	if err := s.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		attach.Close()
		remove()
		return nil, fmt.Errorf("start container: %w", err)
	}
	s.logger.Debug("Container started", "containerID", id)

	procCtx, cancel := context.WithCancel(ctx)
	p := &containerProcess{
		id:     id,
		attach: attach,
		input:  process.NewInput(attach.Conn),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// Removing a running container kills it, which ends the attach stream.
	go func() {
		<-procCtx.Done()
		remove()
	}()

	go func() {
		sink := process.NewSink(out)
		if _, err := stdcopy.StdCopy(sink.Stream("stdout"), sink.Stream("stderr"), attach.Reader); err != nil {
			s.logger.Debug("Attach stream ended", "containerID", id, "error", err)
		}

		select {
		case status := <-statusCh:
			s.logger.Debug("Container exited", "containerID", id, "exit", status.StatusCode)
		case err := <-errCh:
			s.logger.Debug("Container wait failed", "containerID", id, "error", err)
		case <-procCtx.Done():
		}
		attach.Close()
		p.finish()
	}()

	return p, nil
}

// containerProcess adapts an attached container to domain.Process.
type containerProcess struct {
	id     string
	attach types.HijackedResponse
	input  *process.Input
	cancel context.CancelFunc

	mu        sync.Mutex
	exited    bool
	callbacks []func()
	done      chan struct{}
}

var _ domain.Process = (*containerProcess)(nil)

func (p *containerProcess) Write(text string) {
	p.input.Send(text + "\n")
}

func (p *containerProcess) Done() <-chan struct{} {
	return p.done
}

func (p *containerProcess) OnExit(fn func()) {
	p.mu.Lock()
	if !p.exited {
		p.callbacks = append(p.callbacks, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn()
}

func (p *containerProcess) Kill() {
	p.cancel()
}

func (p *containerProcess) finish() {
	p.mu.Lock()
	p.exited = true
	callbacks := p.callbacks
	p.callbacks = nil
	p.mu.Unlock()

	p.input.Close()
	// Also triggers removal of the container.
	p.cancel()
	close(p.done)
	for _, fn := range callbacks {
		fn()
	}
}
