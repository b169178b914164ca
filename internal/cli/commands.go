package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
)

func newEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Print a job record",
		Args:  cobra.ExactArgs(1),
		RunE: a.withBackend(func(cmd *cobra.Command, args []string) error {
			job, err := a.backend.Jobs.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOut {
				return a.printJSON(out, job)
			}

			fmt.Fprintf(out, "job_id:       %s\n", job.JobID)
			fmt.Fprintf(out, "session:      %s\n", job.CorrelationKey)
			fmt.Fprintf(out, "type:         %s (%s)\n", job.JobType, job.QueueClass)
			fmt.Fprintf(out, "status:       %s\n", job.Status)
			fmt.Fprintf(out, "attempts:     %d/%d\n", job.AttemptCount, job.MaxAttempts)
			if job.Error != "" {
				fmt.Fprintf(out, "error:        %s\n", job.Error)
			}
			if len(job.Result) > 0 {
				fmt.Fprintf(out, "result:       %s\n", job.Result)
			}
			fmt.Fprintf(out, "created_at:   %s\n", job.CreatedAt.Format(time.RFC3339))
			return nil
		}),
	}
}

func newListCmd(a *app) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list <correlation_key>",
		Short: "List the jobs submitted for a session",
		Args:  cobra.ExactArgs(1),
		RunE: a.withBackend(func(cmd *cobra.Command, args []string) error {
			if status != "" && !domain.JobStatus(status).IsValid() {
				return fmt.Errorf("unknown status %q", status)
			}

			jobs, err := a.backend.Jobs.GetByCorrelation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			filtered := jobs[:0]
			for _, j := range jobs {
				if status == "" || j.Status == domain.JobStatus(status) {
					filtered = append(filtered, j)
				}
			}

			out := cmd.OutOrStdout()
			if a.jsonOut {
				return a.printJSON(out, filtered)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB ID\tTYPE\tSTATUS\tATTEMPTS\tCREATED")
			for _, j := range filtered {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
					j.JobID, j.JobType, j.Status, j.AttemptCount, j.MaxAttempts, j.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		}),
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING|RUNNING|SUCCEEDED|FAILED|DEAD_LETTERED)")
	return cmd
}

func newSessionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "session <correlation_key>",
		Short: "Print the merged fields and submission states of a session",
		Args:  cobra.ExactArgs(1),
		RunE: a.withBackend(func(cmd *cobra.Command, args []string) error {
			c, err := a.backend.Correlations.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOut {
				return a.printJSON(out, c)
			}

			fmt.Fprintf(out, "session %s merge_version=%d pending=%d\n", c.CorrelationKey, c.MergeVersion, len(c.PendingJobIDs))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB TYPE\tLATEST JOB\tSTATE")
			for jobType, s := range c.Submissions {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", jobType, s.JobID, s.State)
			}
			fmt.Fprintln(tw, "FIELD\tSOURCE\tVALUE")
			for name, f := range c.Fields {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", name, f.Source, f.Value)
			}
			return tw.Flush()
		}),
	}
}

func newPurgeCmd(a *app) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete terminal jobs completed before the retention window",
		Args:  cobra.NoArgs,
		RunE: a.withBackend(func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than must not be negative")
			}
			cutoff := time.Now().UTC().Add(-olderThan)
			n, err := a.backend.Jobs.PurgeTerminal(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d jobs completed before %s\n", n, cutoff.Format(time.RFC3339))
			return nil
		}),
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Retention window")
	return cmd
}
