package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxpool/config"
)

// NewFactory creates the sandbox factory for the configured backend
func NewFactory(logger *zap.Logger, cfg *config.Config) (Factory, error) {
	switch cfg.Sandbox.Backend {
	case config.BackendDocker:
		return NewDockerFactory(logger), nil
	case config.BackendPodman:
		return NewPodmanFactory(logger), nil
	case config.BackendLocal:
		return NewLocalFactory(logger), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}

// NewInputFiles loads the input file set named by the runner configuration
func NewInputFiles(cfg *config.Config) ([]InputFile, error) {
	return LoadInputFiles(RealFileSystem{}, cfg.Runner.Files)
}
