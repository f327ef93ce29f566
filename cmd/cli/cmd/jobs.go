package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"extractplane/pkg/api"

	"github.com/spf13/cobra"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a job",
	Long: `Queue a job for the workers. The payload is validated against the job type's schema.

When --key is omitted the controller derives the idempotency key from the payload,
so queueing the same extraction twice returns the job already in flight.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobType, _ := cmd.Flags().GetString("type")
		payload, _ := cmd.Flags().GetString("payload")
		file, _ := cmd.Flags().GetString("file")
		key, _ := cmd.Flags().GetString("key")
		priority, _ := cmd.Flags().GetInt("priority")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

		raw, err := readPayload(payload, file)
		if err != nil {
			return err
		}

		resp, err := newClient().EnqueueJob(api.EnqueueJobRequest{
			Type:           jobType,
			Payload:        raw,
			IdempotencyKey: key,
			Priority:       priority,
			MaxAttempts:    maxAttempts,
		})
		if err != nil {
			return err
		}

		if resp.Duplicate {
			cmd.Printf("Job already queued\nID: %s\nStatus: %s\n", resp.JobID, colorizeStatus(resp.Status))
			return nil
		}
		cmd.Printf("🚀 Job queued!\nID: %s\nStatus: %s\n", resp.JobID, colorizeStatus(resp.Status))
		return nil
	},
}

// readPayload returns the inline payload or the file contents, which must be valid JSON.
func readPayload(inline, file string) (json.RawMessage, error) {
	switch {
	case inline != "" && file != "":
		return nil, errors.New("use either --payload or --file, not both")
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload file: %w", err)
		}
		inline = string(b)
	case inline == "":
		return nil, errors.New("a payload is required (--payload or --file)")
	}

	if !json.Valid([]byte(inline)) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(inline), nil
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and retry queued jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		jobs, err := newClient().ListJobs(status, limit, offset)
		if err != nil {
			return err
		}

		if len(jobs) == 0 {
			if offset > 0 {
				cmd.Println("No more jobs found.")
			} else {
				cmd.Println("No jobs found.")
			}
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "JOB ID\tTYPE\tSTATUS\tPRIORITY\tATTEMPTS\tCREATED\tLAST ERROR")
		for _, j := range jobs {
			lastErr := ""
			if j.LastError != nil {
				lastErr = truncate(*j.LastError, 50)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
				j.ID,
				j.Type,
				j.Status,
				j.Priority,
				j.Attempts,
				j.MaxAttempts,
				j.CreatedAt.Format(time.RFC3339),
				lastErr,
			)
		}
		return w.Flush()
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get [job_id]",
	Short: "Show the details of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := newClient().GetJob(args[0])
		if err != nil {
			return err
		}
		printJob(cmd, *job)
		return nil
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry [job_id]",
	Short: "Return a failed job to the queue with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := newClient().RetryJob(args[0])
		if err != nil {
			return err
		}
		cmd.Printf("Job %s re-queued (status: %s)\n", job.ID, colorizeStatus(job.Status))
		return nil
	},
}

func printJob(cmd *cobra.Command, job api.JobResponse) {
	// Header with status icon
	icon := statusIcon(job.Status)
	cmd.Printf("%s %sJob Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, job.ID)
	cmd.Printf("%sType:%s        %s\n", colorDim, colorReset, job.Type)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(job.Status))
	cmd.Printf("%sPriority:%s    %d\n", colorDim, colorReset, job.Priority)
	cmd.Printf("%sAttempts:%s    %d/%d\n", colorDim, colorReset, job.Attempts, job.MaxAttempts)
	cmd.Printf("%sKey:%s         %s\n", colorDim, colorReset, job.IdempotencyKey)

	if job.LockedBy != nil {
		cmd.Printf("%sWorker:%s      %s\n", colorDim, colorReset, *job.LockedBy)
	}
	if job.LastError != nil {
		cmd.Printf("%sLast Error:%s  %s%s%s\n", colorDim, colorReset, colorRed, *job.LastError, colorReset)
	}

	cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&job.CreatedAt))
	cmd.Printf("%sClaimed:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(job.ClaimedAt))

	// Duration if both times available
	if job.ClaimedAt != nil && job.CompletedAt != nil {
		duration := job.CompletedAt.Sub(*job.ClaimedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(job.CompletedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(job.CompletedAt))
	}

	if len(job.Payload) > 0 {
		cmd.Printf("%sPayload:%s     %s\n", colorDim, colorReset, string(job.Payload))
	}
}

func init() {
	enqueueCmd.Flags().String("type", "claude_extraction", "Job type")
	enqueueCmd.Flags().StringP("payload", "p", "", "Job payload as inline JSON")
	enqueueCmd.Flags().StringP("file", "f", "", "Read the job payload from a JSON file")
	enqueueCmd.Flags().String("key", "", "Idempotency key (derived from the payload when empty)")
	enqueueCmd.Flags().Int("priority", api.PriorityLow, "Claim priority, 0-100, higher first")
	enqueueCmd.Flags().Int("max-attempts", 0, "Attempt budget (server default when 0)")
	rootCmd.AddCommand(enqueueCmd)

	jobsListCmd.Flags().String("status", "", "Filter by status (pending, claimed, completed, failed)")
	jobsListCmd.Flags().Int("limit", 20, "Number of jobs to show")
	jobsListCmd.Flags().Int("offset", 0, "Number of jobs to skip")

	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsRetryCmd)
	rootCmd.AddCommand(jobsCmd)
}
