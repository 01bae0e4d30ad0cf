package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dockyard-paas/dockyard/internal/model"
	"github.com/dockyard-paas/dockyard/internal/store"

	"github.com/spf13/cobra"
)

var flagOwner string

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "inspect the job database",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "list active jobs, or the recent jobs of --owner",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := store.Open(cmd.Context(), config.Database)
		if err != nil {
			return err
		}
		defer func() {
			_ = st.Close()
		}()

		var jobs []model.Job
		if flagOwner == "" {
			jobs, err = st.ListActive(cmd.Context())
		} else {
			jobs, err = st.ListForOwner(cmd.Context(), flagOwner, time.Now().Add(-config.Retention), config.ListLimit)
		}
		if err != nil {
			return err
		}
		return printJobs(cmd.OutOrStdout(), jobs)
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "print a job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cmd.Context(), config.Database)
		if err != nil {
			return err
		}
		defer func() {
			_ = st.Close()
		}()

		job, err := st.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("job %s: %w", args[0], err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

var jobsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "delete finished jobs older than the retention",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := store.Open(cmd.Context(), config.Database)
		if err != nil {
			return err
		}
		defer func() {
			_ = st.Close()
		}()

		ids, err := st.Sweep(cmd.Context(), time.Now().Add(-config.Retention))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "swept %d jobs\n", len(ids))
		return nil
	},
}

func init() {
	jobsListCmd.Flags().StringVar(&flagOwner, "owner", "", "list the jobs visible to this owner")
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsSweepCmd)
}

func printJobs(w io.Writer, jobs []model.Job) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tOWNER\tAPP\tCREATED\tERROR")
	for _, j := range jobs {
		var errMsg string
		if j.Error != nil {
			errMsg = firstLine(*j.Error)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s/%s\t%s\t%s\n",
			j.ID, j.Type, j.Status, j.Owner, j.Meta.Owner, j.Meta.App,
			j.CreatedAt.Local().Format(time.DateTime), errMsg)
	}
	return tw.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
