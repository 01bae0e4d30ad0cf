package model_test

import (
	"testing"

	"github.com/dockyard-paas/dockyard/internal/model"

	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	t.Parallel()
	for _, typ := range model.Types() {
		got, err := model.ParseType(string(typ))
		require.NoError(t, err)
		require.Equal(t, typ, got)
	}

	_, err := model.ParseType("reboot")
	require.ErrorIs(t, err, model.ErrInvalidType)
	_, err = model.ParseType("")
	require.ErrorIs(t, err, model.ErrInvalidType)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status     model.Status
		terminal   bool
		retryable  bool
		cancelable bool
	}{
		{model.StatusPending, false, false, false},
		{model.StatusRunning, false, false, false},
		{model.StatusDone, true, false, false},
		{model.StatusFailed, true, true, true},
		{model.StatusInterrupted, true, true, true},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			require.Equal(t, tc.terminal, tc.status.Terminal())
			require.Equal(t, tc.retryable, tc.status.Retryable())
			require.Equal(t, tc.cancelable, tc.status.Cancelable())
		})
	}
}

func TestMetaValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		typ      model.Type
		meta     model.Meta
		ok       bool
	}{
		{"create ok", model.TypeCreate, model.Meta{Owner: "alice", App: "blog", RepoURL: "https://example.com/blog.git"}, true},
		{"create without repo", model.TypeCreate, model.Meta{Owner: "alice", App: "blog"}, false},
		{"start ok", model.TypeStart, model.Meta{Owner: "alice", App: "blog"}, true},
		{"missing owner", model.TypeStop, model.Meta{App: "blog"}, false},
		{"missing app", model.TypeStop, model.Meta{Owner: "alice"}, false},
		{"traversal", model.TypeDelete, model.Meta{Owner: "alice", App: "a..b"}, false},
		{"separator", model.TypeDelete, model.Meta{Owner: "alice/x", App: "blog"}, false},
		{"leading dot", model.TypeDeploy, model.Meta{Owner: ".alice", App: "blog"}, false},
		{"scp remote", model.TypeCreate, model.Meta{Owner: "alice", App: "blog", RepoURL: "git@github.com:alice/blog.git", Branch: "feature/x-1"}, true},
		{"ssh url", model.TypeCreate, model.Meta{Owner: "alice", App: "blog", RepoURL: "ssh://git@example.com:2222/blog.git"}, true},
		{"option as repo", model.TypeCreate, model.Meta{Owner: "alice", App: "blog", RepoURL: "--upload-pack=touch /tmp/x"}, false},
		{"option as branch", model.TypeCreate, model.Meta{Owner: "alice", App: "blog", RepoURL: "https://example.com/blog.git", Branch: "--help"}, false},
		{"repo without scheme", model.TypeCreate, model.Meta{Owner: "alice", App: "blog", RepoURL: "example.com/blog.git"}, false},
		{"file repo", model.TypeCreate, model.Meta{Owner: "alice", App: "blog", RepoURL: "file:///etc"}, false},
		{"repo with newline", model.TypeCreate, model.Meta{Owner: "alice", App: "blog", RepoURL: "https://example.com/blog.git\n"}, false},
		{"ext transport", model.TypeCreate, model.Meta{Owner: "alice", App: "blog", RepoURL: "ext::sh -c touch% /tmp/x"}, false},
		{"branch with dots", model.TypeCreate, model.Meta{Owner: "alice", App: "blog", RepoURL: "https://example.com/blog.git", Branch: "a..b"}, false},
		{"branch lock", model.TypeCreate, model.Meta{Owner: "alice", App: "blog", RepoURL: "https://example.com/blog.git", Branch: "main.lock"}, false},
		{"branch with space", model.TypeCreate, model.Meta{Owner: "alice", App: "blog", RepoURL: "https://example.com/blog.git", Branch: " dev"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			err := tc.meta.Validate(tc.typ)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, model.ErrInvalidMeta)
		})
	}
}

func TestBranchOrDefault(t *testing.T) {
	t.Parallel()
	require.Equal(t, "main", model.Meta{}.BranchOrDefault())
	require.Equal(t, "dev", model.Meta{Branch: "dev"}.BranchOrDefault())
}
