package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var composeFiles = []string{
	"docker-compose.yml",
	"docker-compose.yaml",
	"compose.yaml",
	"compose.yml",
}

// Script streams a provisioning script from the scripts directory. name
// must be a bare file name.
func (r *Runner) Script(ctx context.Context, name string, args []string, lines chan<- Line) (Output, error) {
	if err := checkName(name); err != nil {
		return Output{}, fmt.Errorf("script %q: %w", name, err)
	}
	path := filepath.Join(r.scriptsDir, name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Output{}, &NotFoundError{Binary: path, Err: err}
		}
		return Output{}, fmt.Errorf("script %q: %w", name, err)
	}
	return r.Stream(ctx, Command{Path: path, Args: args}, lines)
}

// Compose streams docker compose with the compose file found in dir.
func (r *Runner) Compose(ctx context.Context, dir string, args []string, lines chan<- Line) (Output, error) {
	file, err := ComposeFile(dir)
	if err != nil {
		return Output{}, err
	}
	cmd := Command{
		Path: r.docker,
		Args: append([]string{"compose", "-f", file}, args...),
		Dir:  dir,
	}
	return r.Stream(ctx, cmd, lines)
}

// ComposeFile returns the path of the first compose file present in dir.
func ComposeFile(dir string) (string, error) {
	for _, name := range composeFiles {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrComposeMissing, dir)
}

// AppDir returns the directory of an app, which is guaranteed to stay
// inside the apps directory.
func (r *Runner) AppDir(owner, app string) (string, error) {
	for _, seg := range []string{owner, app} {
		if err := checkName(seg); err != nil {
			return "", fmt.Errorf("app dir %q: %w", seg, err)
		}
	}
	root, err := filepath.Abs(r.appsDir)
	if err != nil {
		return "", fmt.Errorf("resolving apps dir: %w", err)
	}
	dir := filepath.Join(root, owner, app)
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("app dir %s/%s: %w", owner, app, ErrUnsafeName)
	}
	return dir, nil
}

func checkName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return ErrUnsafeName
	case name != filepath.Base(name):
		return ErrUnsafeName
	case strings.ContainsAny(name, `/\`), strings.Contains(name, ".."):
		return ErrUnsafeName
	}
	return nil
}

// ExecResult is the outcome of a command run inside a container.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// timeoutExitCode mirrors timeout(1).
const timeoutExitCode = 124

// Exec runs command with sh -c inside container. A timeout and a
// non-zero exit are normal results; an error means docker itself could
// not be run.
func (r *Runner) Exec(ctx context.Context, container, command string) (ExecResult, error) {
	cmd := Command{
		Path:    r.docker,
		Args:    []string{"exec", container, "sh", "-c", command},
		Timeout: r.execTimeout,
	}
	out, err := r.Run(ctx, cmd)
	res := ExecResult{Stdout: out.Stdout, Stderr: out.Stderr}
	var exitErr *ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, ErrTimeout):
		res.ExitCode = timeoutExitCode
		res.TimedOut = true
		res.Stderr = fmt.Sprintf("command timed out after %s", r.execTimeout)
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.Code
		return res, nil
	}
	return res, err
}
