package execcache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const defaultRunTimeout = 10 * time.Second

// PythonRunner executes python code through a locally installed interpreter.
// Interpreter discovery is memoized: concurrent first uses share a single
// lookup and every caller sees the same outcome.
type PythonRunner struct {
	logger  *slog.Logger
	timeout time.Duration

	// lookPath is swappable for tests.
	lookPath func(string) (string, error)

	once sync.Once
	path string
	err  error
}

// RunnerOption configures a PythonRunner.
type RunnerOption func(*PythonRunner)

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *PythonRunner) {
		r.logger = logger
	}
}

// WithRunTimeout bounds each execution.
func WithRunTimeout(d time.Duration) RunnerOption {
	return func(r *PythonRunner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewPythonRunner creates a PythonRunner. The interpreter is not located
// until Preload or the first Run.
func NewPythonRunner(opts ...RunnerOption) *PythonRunner {
	r := &PythonRunner{
		logger:   slog.Default(),
		timeout:  defaultRunTimeout,
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "python-runner")
	return r
}

func (r *PythonRunner) init() {
	r.once.Do(func() {
		r.path, r.err = r.lookPath("python3")
		if r.err != nil {
			r.logger.Warn("python interpreter not found", "error", r.err)
			return
		}
		r.logger.Debug("python interpreter located", "path", r.path)
	})
}

// Preload locates the interpreter ahead of the first execution. Safe to call
// concurrently and repeatedly.
func (r *PythonRunner) Preload() {
	r.init()
}

// Ready reports whether the interpreter is available.
func (r *PythonRunner) Ready() bool {
	r.init()
	return r.err == nil
}

// Run executes code and captures its output. Interpreter unavailability and
// execution failures are reported inside the Result, never as an error.
func (r *PythonRunner) Run(ctx context.Context, code string) Result {
	r.init()
	if r.err != nil {
		return Result{Error: "python runtime not available"}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.path, "-c", code)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := stdout.String()

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = "execution timed out"
		}
		return Result{Output: output, Error: msg}
	}
	return Result{Output: output}
}
