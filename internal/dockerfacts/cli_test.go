package dockerfacts_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dockyard-paas/dockyard/internal/dockerfacts"
	"github.com/dockyard-paas/dockyard/internal/runner"

	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	got runner.Command
	out string
	err error
}

func (f *fakeRunner) Run(_ context.Context, c runner.Command) (runner.Output, error) {
	f.got = c
	return runner.Output{Stdout: f.out}, f.err
}

func TestCLILister(t *testing.T) {
	t.Parallel()
	out := strings.Join([]string{
		`{"ID":"a1","Names":"alice-blog","Status":"Up 2 minutes","State":"running","Labels":"dockyard.app=true,dockyard.owner=alice,dockyard.name=blog,dockyard.port=8081","CreatedAt":"2026-03-01 10:00:00 +0000 UTC"}`,
		`{"ID":"b2","Names":"bob-shop","Status":"Exited (1) 1 hour ago","State":"exited","Labels":"dockyard.app=true,dockyard.owner=bob,dockyard.name=shop"}`,
		`{"ID":"c3","Names":"stray","Status":"Up 1 hour","State":"running","Labels":"dockyard.app=true"}`,
		`not json`,
	}, "\n")
	r := &fakeRunner{out: out}
	lister := dockerfacts.NewCLILister(r, "docker")

	got, err := lister.List(t.Context())
	require.NoError(t, err)
	require.Equal(t, "docker", r.got.Path)
	require.Equal(t, []string{"ps", "-a", "--filter", "label=dockyard.app", "--format", "{{json .}}"}, r.got.Args)

	require.Len(t, got, 2)
	require.Equal(t, dockerfacts.Container{
		ID:        "a1",
		Name:      "alice-blog",
		Owner:     "alice",
		App:       "blog",
		Port:      8081,
		RawStatus: "Up 2 minutes",
		State:     "running",
		Status:    dockerfacts.StatusRunning,
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}, got[0])
	require.Equal(t, "bob", got[1].Owner)
	require.Equal(t, dockerfacts.StatusStopped, got[1].Status)
	require.Zero(t, got[1].Port)
}

func TestCLILister_Error(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{err: &runner.NotFoundError{Binary: "docker", Err: errors.New("executable file not found in $PATH")}}
	_, err := dockerfacts.NewCLILister(r, "docker").List(t.Context())
	var nf *runner.NotFoundError
	require.ErrorAs(t, err, &nf)
}
