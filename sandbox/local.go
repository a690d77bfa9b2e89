package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxpool/config"
)

// LocalFactory creates sandboxes as private directories on the host.
// It offers no process isolation and is meant for development and tests.
type LocalFactory struct {
	logger *zap.Logger
	fs     FileSystem
}

// LocalFactoryOption defines a functional option for LocalFactory
type LocalFactoryOption func(*LocalFactory)

// WithLocalFileSystem sets the FileSystem for LocalFactory
func WithLocalFileSystem(fs FileSystem) LocalFactoryOption {
	return func(l *LocalFactory) {
		l.fs = fs
	}
}

// NewLocalFactory creates a new LocalFactory
func NewLocalFactory(logger *zap.Logger, opts ...LocalFactoryOption) *LocalFactory {
	factory := &LocalFactory{
		logger: logger,
		fs:     &RealFileSystem{},
	}

	for _, opt := range opts {
		opt(factory)
	}

	return factory
}

// Create prepares a working directory for slot holding the input files
func (l *LocalFactory) Create(_ context.Context, cfg *config.Config, slot int, files []InputFile, framework *TestFramework) (Sandbox, error) {
	id := uuid.NewString()
	dir, err := prepareWorkDir(l.fs, cfg.Sandbox.WorkDir, newManifest(id, slot, cfg, files, framework), files)
	if err != nil {
		return nil, err
	}

	l.logger.Debug("local sandbox created",
		zap.String("id", id),
		zap.Int("slot", slot),
		zap.String("workdir", dir),
		zap.Int("files", len(files)))

	return &localSandbox{
		id:     id,
		slot:   slot,
		dir:    dir,
		fs:     l.fs,
		logger: l.logger,
	}, nil
}

type localSandbox struct {
	id     string
	slot   int
	dir    string
	fs     FileSystem
	logger *zap.Logger

	once       sync.Once
	disposeErr error
}

func (s *localSandbox) ID() string      { return s.id }
func (s *localSandbox) Slot() int       { return s.slot }
func (s *localSandbox) WorkDir() string { return s.dir }

// Dispose removes the working directory. Repeated calls return the first result.
func (s *localSandbox) Dispose(_ context.Context) error {
	s.once.Do(func() {
		if err := s.fs.RemoveAll(s.dir); err != nil {
			s.disposeErr = fmt.Errorf("failed to remove sandbox dir %s: %w", s.dir, err)
			return
		}
		s.logger.Debug("local sandbox disposed", zap.String("id", s.id), zap.Int("slot", s.slot))
	})
	return s.disposeErr
}
