package model

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Meta is the input a job was created with. It is captured once and
// reused verbatim by retries.
type Meta struct {
	Owner    string `json:"owner"`
	App      string `json:"app"`
	RepoURL  string `json:"repo_url,omitempty"`
	Branch   string `json:"branch,omitempty"`
	KeepData bool   `json:"keep_data,omitempty"`
}

// owner and app names end up as path segments and script arguments
var nameRx = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,62}$`)

// repo_url and branch are passed to git by the create script, none of
// them may look like an option
var (
	branchRx = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_./-]{0,199}$`)
	scpRx    = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*@[a-zA-Z0-9][a-zA-Z0-9.-]*:[^:\s]+$`)

	repoSchemes = map[string]bool{"http": true, "https": true, "ssh": true, "git": true}
)

// Validate checks the fields required by the given job type.
func (m Meta) Validate(t Type) error {
	if !nameRx.MatchString(m.Owner) || strings.Contains(m.Owner, "..") {
		return fmt.Errorf("%w: invalid owner %q", ErrInvalidMeta, m.Owner)
	}
	if !nameRx.MatchString(m.App) || strings.Contains(m.App, "..") {
		return fmt.Errorf("%w: invalid app name %q", ErrInvalidMeta, m.App)
	}
	if t == TypeCreate && strings.TrimSpace(m.RepoURL) == "" {
		return fmt.Errorf("%w: repo_url is required for %s", ErrInvalidMeta, t)
	}
	if m.RepoURL != "" && !validRepoURL(m.RepoURL) {
		return fmt.Errorf("%w: invalid repo_url %q", ErrInvalidMeta, m.RepoURL)
	}
	if m.Branch != "" && !validBranch(m.Branch) {
		return fmt.Errorf("%w: invalid branch %q", ErrInvalidMeta, m.Branch)
	}
	return nil
}

// validRepoURL accepts http(s), ssh and git URLs and scp-like remotes
// such as git@host:owner/repo.git.
func validRepoURL(s string) bool {
	if strings.HasPrefix(s, "-") || strings.ContainsFunc(s, unsafeRune) {
		return false
	}
	if scpRx.MatchString(s) {
		return true
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return repoSchemes[u.Scheme] && u.Host != "" && !strings.HasPrefix(u.Host, "-")
}

// validBranch follows the git-check-ref-format rules that matter for a
// command line argument.
func validBranch(s string) bool {
	if !branchRx.MatchString(s) {
		return false
	}
	return !strings.Contains(s, "..") &&
		!strings.Contains(s, "//") &&
		!strings.HasSuffix(s, "/") &&
		!strings.HasSuffix(s, ".") &&
		!strings.HasSuffix(s, ".lock")
}

func unsafeRune(r rune) bool {
	return r <= ' ' || r == 0x7f
}

// BranchOrDefault returns the branch to build, main when unset.
func (m Meta) BranchOrDefault() string {
	if m.Branch != "" {
		return m.Branch
	}
	return "main"
}

// AppInfo is the result payload of create and start jobs.
type AppInfo struct {
	Owner     string    `json:"owner"`
	App       string    `json:"app"`
	RepoURL   string    `json:"repo_url,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	Status    string    `json:"status"`
	RawStatus string    `json:"raw_status,omitempty"`
	Port      int       `json:"port,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
