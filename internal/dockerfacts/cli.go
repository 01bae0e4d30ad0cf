package dockerfacts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dockyard-paas/dockyard/internal/runner"

	"github.com/docker/go-connections/nat"
)

// Runner is the subset of runner.Runner used by CLILister.
type Runner interface {
	Run(ctx context.Context, c runner.Command) (runner.Output, error)
}

// CLILister lists containers with docker ps.
type CLILister struct {
	runner  Runner
	docker  string
	timeout time.Duration
}

func NewCLILister(r Runner, dockerBinary string) *CLILister {
	return &CLILister{runner: r, docker: dockerBinary, timeout: 10 * time.Second}
}

// psLine is one line of docker ps --format '{{json .}}'.
type psLine struct {
	ID        string `json:"ID"`
	Names     string `json:"Names"`
	Status    string `json:"Status"`
	State     string `json:"State"`
	Labels    string `json:"Labels"`
	CreatedAt string `json:"CreatedAt"`
}

const psTimeLayout = "2006-01-02 15:04:05 -0700 MST"

func (l *CLILister) List(ctx context.Context) ([]Container, error) {
	out, err := l.runner.Run(ctx, runner.Command{
		Path:    l.docker,
		Args:    []string{"ps", "-a", "--filter", "label=" + LabelApp, "--format", "{{json .}}"},
		Timeout: l.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w", err)
	}
	return parsePS(ctx, out.Stdout), nil
}

func parsePS(ctx context.Context, stdout string) []Container {
	var ret []Container
	for line := range strings.Lines(stdout) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ps psLine
		if err := json.Unmarshal([]byte(line), &ps); err != nil {
			slog.DebugContext(ctx, "skipping docker ps line", "line", line, "error", err)
			continue
		}
		c, ok := fromLabels(parseLabels(ps.Labels))
		if !ok {
			continue
		}
		c.ID = ps.ID
		c.Name = ps.Names
		c.RawStatus = ps.Status
		c.State = ps.State
		c.Status = NormalizeStatus(ps.Status)
		if c.Status == StatusUnknown {
			c.Status = NormalizeStatus(ps.State)
		}
		if t, err := time.Parse(psTimeLayout, ps.CreatedAt); err == nil {
			c.CreatedAt = t.UTC()
		}
		ret = append(ret, c)
	}
	return ret
}

// parseLabels parses the k=v,k=v form docker ps prints.
func parseLabels(s string) map[string]string {
	ret := make(map[string]string)
	for kv := range strings.SplitSeq(s, ",") {
		k, v, _ := strings.Cut(kv, "=")
		if k = strings.TrimSpace(k); k != "" {
			ret[k] = strings.TrimSpace(v)
		}
	}
	return ret
}

// fromLabels fills ownership and routing data, reporting false for
// containers not owned by the platform.
func fromLabels(labels map[string]string) (Container, bool) {
	owner, app := labels[LabelOwner], labels[LabelName]
	if owner == "" || app == "" {
		return Container{}, false
	}
	c := Container{Owner: owner, App: app}
	if raw := labels[LabelPort]; raw != "" {
		port, err := nat.ParsePort(raw)
		if err == nil {
			c.Port = port
		}
	}
	return c, true
}
