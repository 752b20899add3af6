package typst

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/duskmoon314/mdbook-typst-math/internal/config"
	"github.com/duskmoon314/mdbook-typst-math/internal/logfields"
)

var (
	// ErrEngineNotFound indicates no typst binary could be located.
	ErrEngineNotFound = errors.New("typst binary not found")
	// ErrEngineExec indicates the binary could not be started or its IO
	// failed; distinct from a compile failure, which is data.
	ErrEngineExec = errors.New("typst invocation failed")
	// ErrCompile marks a span whose document the engine rejected.
	ErrCompile = errors.New("typst compilation failed")
)

// Invocation carries everything one compile needs besides the engine itself.
type Invocation struct {
	Source          string
	FontDirs        []string
	PackageCacheDir string
	// Timestamp pins datetime functions in the document so output does not
	// vary within a run (exported via SOURCE_DATE_EPOCH).
	Timestamp time.Time
}

// CompileResult is the outcome of one engine run. SVG is empty when the
// compile failed; Diagnostics carries warnings either way.
type CompileResult struct {
	SVG         string
	Diagnostics []Diagnostic
}

// Failed reports whether the compile produced no output.
func (r *CompileResult) Failed() bool { return r.SVG == "" }

// FirstError returns the first error-severity diagnostic.
func (r *CompileResult) FirstError() (Diagnostic, bool) {
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError {
			return d, true
		}
	}
	return Diagnostic{}, false
}

// Warnings returns the warning-severity diagnostics.
func (r *CompileResult) Warnings() []Diagnostic {
	var out []Diagnostic
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityWarning {
			out = append(out, d)
		}
	}
	return out
}

// Engine compiles typst source to SVG. Implementations must be safe for
// concurrent Compile calls.
type Engine interface {
	Compile(ctx context.Context, inv Invocation) (*CompileResult, error)
	Version(ctx context.Context) (string, error)
}

// BinaryEngine runs the typst executable. The source is piped over stdin,
// SVG comes back on stdout and diagnostics on stderr in short format.
type BinaryEngine struct {
	path   string
	logger *slog.Logger

	versionOnce sync.Once
	version     string
	versionErr  error
}

// NewBinaryEngine locates the typst binary: the explicit path when given,
// then the MDBOOK_TYPST_MATH_TYPST environment variable, then PATH lookup.
func NewBinaryEngine(path string, logger *slog.Logger) (*BinaryEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = os.Getenv(config.EnvTypst)
	}
	if path == "" {
		found, err := exec.LookPath("typst")
		if err != nil {
			return nil, fmt.Errorf("%w: install typst or set %s: %w", ErrEngineNotFound, config.EnvTypst, err)
		}
		path = found
	} else if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrEngineNotFound, path, err)
	}
	return &BinaryEngine{path: path, logger: logger}, nil
}

// Path returns the resolved binary location.
func (e *BinaryEngine) Path() string { return e.path }

// Compile runs `typst compile` on the invocation's source. A non-zero exit
// with diagnostics is a compile failure and returned as data; process or IO
// problems are ErrEngineExec.
func (e *BinaryEngine) Compile(ctx context.Context, inv Invocation) (*CompileResult, error) {
	args := []string{"compile", "--format", "svg", "--diagnostic-format", "short"}
	for _, dir := range inv.FontDirs {
		args = append(args, "--font-path", dir)
	}
	// Read from stdin, write to stdout.
	args = append(args, "-", "-")

	cmd := exec.CommandContext(ctx, e.path, args...)
	cmd.Stdin = strings.NewReader(inv.Source)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Env = os.Environ()
	if inv.PackageCacheDir != "" {
		cmd.Env = append(cmd.Env, "TYPST_PACKAGE_CACHE_PATH="+inv.PackageCacheDir)
	}
	if !inv.Timestamp.IsZero() {
		cmd.Env = append(cmd.Env, fmt.Sprintf("SOURCE_DATE_EPOCH=%d", inv.Timestamp.Unix()))
	}

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	diags := ParseDiagnostics(stderr.String())
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %w", ErrEngineExec, err)
		}
		if _, ok := firstError(diags); !ok {
			// The engine exited non-zero without a parseable diagnostic;
			// surface whatever it wrote so the failure is not silent.
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = "no diagnostics reported"
			}
			diags = append(diags, Diagnostic{Severity: SeverityError, Message: msg})
		}
		return &CompileResult{Diagnostics: diags}, nil
	}
	return &CompileResult{SVG: stdout.String(), Diagnostics: diags}, nil
}

// Version reports the engine's version string, memoized for the process
// lifetime; it feeds the render-cache key.
func (e *BinaryEngine) Version(ctx context.Context) (string, error) {
	e.versionOnce.Do(func() {
		out, err := exec.CommandContext(ctx, e.path, "--version").Output()
		if err != nil {
			e.versionErr = fmt.Errorf("%w: --version: %w", ErrEngineExec, err)
			return
		}
		e.version = strings.TrimSpace(string(out))
		e.logger.Debug("typst engine detected",
			logfields.Path(e.path),
			slog.String("version", e.version),
		)
	})
	return e.version, e.versionErr
}

func firstError(diags []Diagnostic) (Diagnostic, bool) {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return d, true
		}
	}
	return Diagnostic{}, false
}

// StubEngine backs tests with a function instead of a process.
type StubEngine struct {
	CompileFunc   func(ctx context.Context, inv Invocation) (*CompileResult, error)
	VersionString string

	mu       sync.Mutex
	compiles int
}

func (s *StubEngine) Compile(ctx context.Context, inv Invocation) (*CompileResult, error) {
	s.mu.Lock()
	s.compiles++
	s.mu.Unlock()
	if s.CompileFunc == nil {
		return &CompileResult{SVG: "<svg></svg>"}, nil
	}
	return s.CompileFunc(ctx, inv)
}

func (s *StubEngine) Version(context.Context) (string, error) {
	if s.VersionString == "" {
		return "typst stub", nil
	}
	return s.VersionString, nil
}

// Compiles reports how many Compile calls the stub served.
func (s *StubEngine) Compiles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compiles
}
