package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxpool/config"
)

// ContainerFactory creates sandboxes as long-running containers with the
// sandbox working directory bind-mounted at /workdir. The same code drives
// Docker and Podman since both accept the same CLI.
type ContainerFactory struct {
	logger    *zap.Logger
	binary    string
	cmdRunner CommandRunner
	fs        FileSystem
}

// ContainerFactoryOption defines a functional option for ContainerFactory
type ContainerFactoryOption func(*ContainerFactory)

// WithContainerCommandRunner sets the CommandRunner for ContainerFactory
func WithContainerCommandRunner(cmdRunner CommandRunner) ContainerFactoryOption {
	return func(c *ContainerFactory) {
		c.cmdRunner = cmdRunner
	}
}

// WithContainerFileSystem sets the FileSystem for ContainerFactory
func WithContainerFileSystem(fs FileSystem) ContainerFactoryOption {
	return func(c *ContainerFactory) {
		c.fs = fs
	}
}

// NewDockerFactory creates a ContainerFactory driving the docker CLI
func NewDockerFactory(logger *zap.Logger, opts ...ContainerFactoryOption) *ContainerFactory {
	return newContainerFactory(logger, "docker", opts...)
}

// NewPodmanFactory creates a ContainerFactory driving the podman CLI
func NewPodmanFactory(logger *zap.Logger, opts ...ContainerFactoryOption) *ContainerFactory {
	return newContainerFactory(logger, "podman", opts...)
}

func newContainerFactory(logger *zap.Logger, binary string, opts ...ContainerFactoryOption) *ContainerFactory {
	factory := &ContainerFactory{
		logger:    logger,
		binary:    binary,
		cmdRunner: &RealCommandRunner{},
		fs:        &RealFileSystem{},
	}

	for _, opt := range opts {
		opt(factory)
	}

	return factory
}

// Create prepares the working directory and starts a detached container on it
func (c *ContainerFactory) Create(ctx context.Context, cfg *config.Config, slot int, files []InputFile, framework *TestFramework) (Sandbox, error) {
	id := uuid.NewString()
	dir, err := prepareWorkDir(c.fs, cfg.Sandbox.WorkDir, newManifest(id, slot, cfg, files, framework), files)
	if err != nil {
		return nil, err
	}

	name := "sandboxpool-" + id
	cmdArgs := c.runArgs(cfg, name, slot, dir)

	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, cmdArgs)
	if err == nil && exitCode != 0 {
		err = fmt.Errorf("%s run exited with code %d: %s", c.binary, exitCode, strings.TrimSpace(stderr))
	}
	if err != nil {
		if rmErr := c.fs.RemoveAll(dir); rmErr != nil {
			c.logger.Warn("failed to remove sandbox dir after failed start", zap.String("path", dir), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}

	c.logger.Debug("container sandbox created",
		zap.String("id", id),
		zap.Int("slot", slot),
		zap.String("container", name),
		zap.String("image", cfg.Sandbox.Image))

	return &containerSandbox{
		id:        id,
		slot:      slot,
		dir:       dir,
		name:      name,
		binary:    c.binary,
		cmdRunner: c.cmdRunner,
		fs:        c.fs,
		logger:    c.logger,
	}, nil
}

func (c *ContainerFactory) runArgs(cfg *config.Config, name string, slot int, dir string) []string {
	cmdArgs := []string{
		c.binary, "run",
		"--detach",
		"--name", name,
		"--label", fmt.Sprintf("sandboxpool.slot=%d", slot),
		"-v", fmt.Sprintf("%s:/workdir", dir),
		"--workdir", "/workdir",
		"--memory", fmt.Sprintf("%dm", cfg.Sandbox.MemoryMB),
		"--security-opt", "no-new-privileges:true",
		"--cap-drop", "ALL",
	}

	if cfg.Sandbox.NetworkEnabled {
		cmdArgs = append(cmdArgs, "--network", "bridge")
	} else {
		cmdArgs = append(cmdArgs, "--network", "none")
	}

	return append(cmdArgs, cfg.Sandbox.Image, "sleep", "infinity")
}

type containerSandbox struct {
	id        string
	slot      int
	dir       string
	name      string
	binary    string
	cmdRunner CommandRunner
	fs        FileSystem
	logger    *zap.Logger

	once       sync.Once
	disposeErr error
}

func (s *containerSandbox) ID() string      { return s.id }
func (s *containerSandbox) Slot() int       { return s.slot }
func (s *containerSandbox) WorkDir() string { return s.dir }

// Dispose force-removes the container and its working directory. Both steps
// are always attempted; their failures are combined.
func (s *containerSandbox) Dispose(ctx context.Context) error {
	s.once.Do(func() {
		var err error

		_, stderr, exitCode, runErr := s.cmdRunner.RunCommand(ctx, []string{s.binary, "rm", "--force", s.name})
		if runErr == nil && exitCode != 0 {
			runErr = fmt.Errorf("%s rm exited with code %d: %s", s.binary, exitCode, strings.TrimSpace(stderr))
		}
		if runErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to remove container %s: %w", s.name, runErr))
		}

		if rmErr := s.fs.RemoveAll(s.dir); rmErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to remove sandbox dir %s: %w", s.dir, rmErr))
		}

		s.disposeErr = err
		if err == nil {
			s.logger.Debug("container sandbox disposed", zap.String("container", s.name), zap.Int("slot", s.slot))
		}
	})
	return s.disposeErr
}
