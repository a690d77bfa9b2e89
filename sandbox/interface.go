package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/sandboxpool/config"
)

// Sandbox is an isolated environment hosting one test runner.
// Dispose releases everything the sandbox owns. The pool calls it exactly
// once per successfully created sandbox; consumers must not call it.
type Sandbox interface {
	ID() string
	Slot() int
	WorkDir() string
	Dispose(ctx context.Context) error
}

// Factory creates sandboxes. Create may block for as long as the backend
// needs and must return either a usable Sandbox or an error.
type Factory interface {
	Create(ctx context.Context, cfg *config.Config, slot int, files []InputFile, framework *TestFramework) (Sandbox, error)
}

// FactoryFunc adapts a function to the Factory interface
type FactoryFunc func(ctx context.Context, cfg *config.Config, slot int, files []InputFile, framework *TestFramework) (Sandbox, error)

// Create calls f
func (f FactoryFunc) Create(ctx context.Context, cfg *config.Config, slot int, files []InputFile, framework *TestFramework) (Sandbox, error) {
	return f(ctx, cfg, slot, files, framework)
}

// InputFile is a file copied into every sandbox. Name is relative to the
// sandbox working directory.
type InputFile struct {
	Name    string
	Content []byte
}

// TestFramework describes the test framework the runners inside each
// sandbox use. It is passed through to the backend unmodified.
type TestFramework struct {
	Name     string
	Settings map[string]string
}

// NewTestFramework returns the framework described by cfg, or nil if none is configured
func NewTestFramework(cfg *config.Config) *TestFramework {
	if cfg.Runner.TestFramework == "" {
		return nil
	}
	return &TestFramework{
		Name:     cfg.Runner.TestFramework,
		Settings: cfg.Runner.TestFrameworkSettings,
	}
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadFile(filename string) ([]byte, error)
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission constants
const (
	DirPermission  = 0755
	FilePermission = 0600
)

// ManifestFileName is written into the root of every sandbox working directory
const ManifestFileName = ".sandbox.yaml"

// Manifest records what a sandbox was created with
type Manifest struct {
	ID                string            `yaml:"id"`
	Slot              int               `yaml:"slot"`
	TestFramework     string            `yaml:"test_framework,omitempty"`
	FrameworkSettings map[string]string `yaml:"test_framework_settings,omitempty"`
	Transpilers       []string          `yaml:"transpilers,omitempty"`
	Files             []string          `yaml:"files"`
}

func newManifest(id string, slot int, cfg *config.Config, files []InputFile, framework *TestFramework) Manifest {
	m := Manifest{
		ID:          id,
		Slot:        slot,
		Transpilers: cfg.Runner.Transpilers,
		Files:       make([]string, 0, len(files)),
	}
	if framework != nil {
		m.TestFramework = framework.Name
		m.FrameworkSettings = framework.Settings
	}
	for _, f := range files {
		m.Files = append(m.Files, f.Name)
	}
	return m
}

// ReadManifest loads the manifest of the sandbox rooted at dir
func ReadManifest(fs FileSystem, dir string) (*Manifest, error) {
	data, err := fs.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// prepareWorkDir creates a fresh directory under root holding the input
// files and the manifest. The directory is removed again on failure.
func prepareWorkDir(fs FileSystem, root string, manifest Manifest, files []InputFile) (string, error) {
	dir, err := fs.MkdirTemp(root, fmt.Sprintf("sandbox-%d-*", manifest.Slot))
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox dir: %w", err)
	}

	if err := populateWorkDir(fs, dir, manifest, files); err != nil {
		if rmErr := fs.RemoveAll(dir); rmErr != nil {
			return "", multierr.Append(err, fmt.Errorf("failed to remove sandbox dir: %w", rmErr))
		}
		return "", err
	}

	return dir, nil
}

func populateWorkDir(fs FileSystem, dir string, manifest Manifest, files []InputFile) error {
	for _, f := range files {
		filePath, err := safeJoin(dir, f.Name)
		if err != nil {
			return err
		}
		if err := fs.MkdirAll(filepath.Dir(filePath), DirPermission); err != nil {
			return fmt.Errorf("failed to create parent directories: %w", err)
		}
		if err := fs.WriteFile(filePath, f.Content, FilePermission); err != nil {
			return fmt.Errorf("failed to write input file %s: %w", f.Name, err)
		}
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := fs.WriteFile(filepath.Join(dir, ManifestFileName), data, FilePermission); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// safeJoin joins name onto dir, refusing names that escape dir
func safeJoin(dir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty input file name")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute path not allowed for input file: %s", name)
	}

	cleanName := filepath.Clean(name)
	if cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe relative path for input file: %s", name)
	}
	if cleanName == ManifestFileName {
		return "", fmt.Errorf("input file name is reserved: %s", name)
	}

	filePath := filepath.Join(dir, cleanName)
	if !strings.HasPrefix(filePath, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid input file path: %s", name)
	}
	return filePath, nil
}

// LoadInputFiles reads the given host paths into an input file set.
// Relative paths keep their layout inside the sandbox; absolute paths are
// placed at the sandbox root under their base name.
func LoadInputFiles(fs FileSystem, paths []string) ([]InputFile, error) {
	files := make([]InputFile, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		content, err := fs.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file %s: %w", p, err)
		}

		name := filepath.Clean(p)
		if filepath.IsAbs(name) || strings.HasPrefix(name, "..") {
			name = filepath.Base(name)
		}
		if prev, ok := seen[name]; ok {
			return nil, fmt.Errorf("input files %s and %s map to the same sandbox path %s", prev, p, name)
		}
		seen[name] = p

		files = append(files, InputFile{Name: filepath.ToSlash(name), Content: content})
	}
	return files, nil
}
