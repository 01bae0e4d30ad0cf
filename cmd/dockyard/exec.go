package main

import (
	"fmt"
	"strings"

	"github.com/dockyard-paas/dockyard/internal/dockerfacts"

	"github.com/spf13/cobra"
)

var execCmd = &cobra.Command{
	Use:   "exec <owner>/<app> -- <command>",
	Short: "run a shell command inside the container of an app",
	Args:  cobra.MinimumNArgs(2),
	RunE:  doExec,
}

func doExec(cmd *cobra.Command, args []string) error {
	owner, app, ok := strings.Cut(args[0], "/")
	if !ok || owner == "" || app == "" {
		return fmt.Errorf("expected <owner>/<app>, got %q", args[0])
	}

	r := newRunner(config)
	lister, closeLister, err := newLister(config, r)
	if err != nil {
		return err
	}
	defer closeLister()

	c, ok := dockerfacts.New(lister, config.FactsTTL).Lookup(cmd.Context(), owner, app)
	if !ok {
		return fmt.Errorf("no container found for %s/%s", owner, app)
	}
	res, err := r.Exec(cmd.Context(), c.Name, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
	fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
	if res.ExitCode != 0 {
		return exitCode(res.ExitCode)
	}
	return nil
}
