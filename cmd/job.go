//
// Date: 2026-02-15
// Copyright (c) 2026. All rights reserved.
//

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudmanic/stockbit-ingest/internal/facade"
	"github.com/cloudmanic/stockbit-ingest/internal/jobstore"
)

// jobCmd is the parent command for all historical backfill job subcommands.
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Create and control historical running-trade backfill jobs",
}

var jobCreateCmd = &cobra.Command{
	Use:   "create <ticker...>",
	Short: "Create a new backfill job for one or more tickers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		until, _ := cmd.Flags().GetString("until")
		delay, _ := cmd.Flags().GetDuration("delay")

		if from == "" || until == "" {
			return fmt.Errorf("--from and --until are required (YYYY-MM-DD)")
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		tickers := make([]string, len(args))
		for i, t := range args {
			tickers[i] = strings.ToUpper(t)
		}

		job, err := a.face.CreateJob(context.Background(), facade.CreateJobRequest{
			Tickers:   tickers,
			DateFrom:  from,
			DateUntil: until,
			Delay:     delay,
		})
		if err != nil {
			return fmt.Errorf("create job: %w", err)
		}

		fmt.Println(job.ID)
		return nil
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, optionally filtered by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		jobs, err := a.face.ListJobs(context.Background(), jobstore.JobStatus(statusFilter))
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}

		return printJobs(jobs)
	},
}

var jobGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job's details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		job, err := a.face.GetJob(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		if job == nil {
			return fmt.Errorf("job %q not found", args[0])
		}

		return printJobs([]*jobstore.Job{job})
	},
}

var jobPauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.face.Pause(context.Background(), args[0]); err != nil {
			return fmt.Errorf("pause job: %w", err)
		}
		fmt.Println("paused")
		return nil
	},
}

var jobResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.face.Resume(context.Background(), args[0]); err != nil {
			return fmt.Errorf("resume job: %w", err)
		}
		fmt.Println("resumed")
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job, skipping its remaining tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.face.Cancel(context.Background(), args[0]); err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		fmt.Println("cancelled")
		return nil
	},
}

var jobLogsCmd = &cobra.Command{
	Use:   "logs [job-id]",
	Short: "Show recent log entries, optionally scoped to one job",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		var jobID string
		if len(args) == 1 {
			jobID = args[0]
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		logs, err := a.face.RecentLogs(context.Background(), jobID, limit)
		if err != nil {
			return fmt.Errorf("recent logs: %w", err)
		}

		for _, l := range logs {
			fmt.Printf("%s [%s] %s %s\n", l.TS.Format(time.RFC3339), l.Level, l.JobID, l.Message)
		}
		return nil
	},
}

// printJobs renders jobs as a table or as newline-delimited JSON depending
// on the --output flag.
func printJobs(jobs []*jobstore.Job) error {
	if outputFormat == "json" {
		for _, j := range jobs {
			line, err := json.Marshal(j)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTICKERS\tFROM\tUNTIL\tROWS\tERRORS")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			j.ID, j.Status, strings.Join(j.Tickers, ","), j.DateFrom, j.DateUntil, j.RowsWritten, j.ErrorCount)
	}
	return w.Flush()
}

func init() {
	jobCreateCmd.Flags().String("from", "", "Start date (YYYY-MM-DD), inclusive")
	jobCreateCmd.Flags().String("until", "", "End date (YYYY-MM-DD), inclusive")
	jobCreateCmd.Flags().Duration("delay", 0, "Delay between successive page requests (0 = no delay)")

	jobListCmd.Flags().String("status", "", "Filter by job status (queued, running, paused, auth_paused, completed, cancelled, failed)")

	jobLogsCmd.Flags().Int("limit", 50, "Maximum number of log entries to show")

	jobCmd.AddCommand(jobCreateCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobPauseCmd)
	jobCmd.AddCommand(jobResumeCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobLogsCmd)
	rootCmd.AddCommand(jobCmd)
}
