package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// waitDelay bounds how long Wait keeps copying output of a killed
// process whose descendants still hold the pipes open.
const waitDelay = 2 * time.Second

// Stream identifies the origin of a line.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is a single line of process output.
type Line struct {
	Stream Stream
	Text   string
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
}

// String returns a short name used in error messages.
func (c Command) String() string {
	name := filepath.Base(c.Path)
	if name == "docker" && len(c.Args) > 0 {
		return name + " " + c.Args[0]
	}
	return name
}

// Output is the captured output of a finished process. Stdout and
// Stderr are trimmed; Combined holds every streamed line in emission
// order and is only filled by Stream.
type Output struct {
	Stdout   string
	Stderr   string
	Combined string
}

// Runner spawns external processes: provisioning scripts and the
// docker binary.
type Runner struct {
	docker      string
	scriptsDir  string
	appsDir     string
	outputLimit int
	execTimeout time.Duration
}

type Config struct {
	DockerBinary string
	ScriptsDir   string
	AppsDir      string
	OutputLimit  int
	ExecTimeout  time.Duration
}

func New(cfg Config) *Runner {
	r := &Runner{
		docker:      cfg.DockerBinary,
		scriptsDir:  cfg.ScriptsDir,
		appsDir:     cfg.AppsDir,
		outputLimit: cfg.OutputLimit,
		execTimeout: cfg.ExecTimeout,
	}
	if r.docker == "" {
		r.docker = "docker"
	}
	if r.outputLimit <= 0 {
		r.outputLimit = 1 << 20
	}
	if r.execTimeout <= 0 {
		r.execTimeout = 30 * time.Second
	}
	return r
}

// Run executes the command to completion and returns its trimmed
// output. A non-zero exit is reported as *ExitError.
func (r *Runner) Run(ctx context.Context, c Command) (Output, error) {
	ctx, cancel := withTimeout(ctx, c.Timeout)
	defer cancel()

	cmd := r.command(ctx, c)
	stdout := &limitedBuffer{limit: r.outputLimit}
	stderr := &limitedBuffer{limit: r.outputLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	slog.DebugContext(ctx, "running command", "path", c.Path, "args", c.Args, "dir", c.Dir)
	err := cmd.Run()
	out := Output{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	return out, classify(ctx, c, out, err)
}

func (r *Runner) command(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = waitDelay
	return cmd
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// classify maps the result of exec.Cmd.Wait into the error taxonomy of
// the package.
func classify(ctx context.Context, c Command, out Output, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return &NotFoundError{Binary: c.Path, Err: err}
	}
	if c.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w after %s", c, ErrTimeout, c.Timeout)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", c, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{
			Command: c.String(),
			Code:    exitErr.ExitCode(),
			Stdout:  out.Stdout,
			Stderr:  out.Stderr,
		}
	}
	return fmt.Errorf("running %s: %w", c, err)
}

// limitedBuffer keeps the first limit bytes written to it and silently
// discards the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.limit - b.buf.Len(); room < len(p) {
		b.truncated = true
		if room <= 0 {
			return n, nil
		}
		p = p[:room]
	}
	b.buf.Write(p)
	return n, nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
