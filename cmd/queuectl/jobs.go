package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"queuectl/internal/ingest"
	"queuectl/internal/models"
	"queuectl/internal/queue"
)

func (a *app) enqueueCmd() *cobra.Command {
	var viaNATS bool
	cmd := &cobra.Command{
		Use:   "enqueue <job-json>",
		Short: "Add a job to the queue",
		Example: `  queuectl enqueue '{"id":"job1","command":"echo Hello"}'
  queuectl enqueue '{"command":"sleep 2","max_retries":5}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req queue.Request
			if err := json.Unmarshal([]byte(args[0]), &req); err != nil {
				return fmt.Errorf("%w: invalid job json: %v", models.ErrInvalidJobSpec, err)
			}

			if viaNATS {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				id, err := ingest.Publish(cmd.Context(), cfg.NATSURL, cfg.NATSSubject, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Job %s enqueued\n", id)
				return nil
			}

			return a.withManager(cmd.Context(), func(m *queue.Manager) error {
				id, err := m.Enqueue(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Job %s enqueued\n", id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&viaNATS, "nats", false, "publish to the NATS ingest subject instead of writing to the store")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job counts per state and active workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withManager(cmd.Context(), func(m *queue.Manager) error {
				stats, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return a.printJSON(stats)
				}
				fmt.Fprintln(a.out, "=== Queue Status ===")
				fmt.Fprintf(a.out, "Total Jobs: %d\n", stats.Total)
				fmt.Fprintf(a.out, "Active Workers: %d\n", stats.ActiveWorkers)
				fmt.Fprintln(a.out, "Jobs by State:")
				for _, st := range models.States {
					fmt.Fprintf(a.out, "  %s: %d\n", st, stats.States[st])
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	var (
		state  string
		format string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter models.State
			if state != "" {
				parsed, err := models.ParseState(state)
				if err != nil {
					return err
				}
				filter = parsed
			}
			return a.withManager(cmd.Context(), func(m *queue.Manager) error {
				jobs, err := queue.Collect(m.ListByState(cmd.Context(), filter))
				if err != nil {
					return err
				}
				return a.printJobs(jobs, format, "No jobs found")
			})
		},
	}
	cmd.Flags().StringVarP(&state, "state", "s", "", "filter by state (pending, processing, completed, failed, dead)")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table or json")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a single job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd.Context(), func(m *queue.Manager) error {
				job, err := m.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printJSON(job)
			})
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Remove a job in any state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd.Context(), func(m *queue.Manager) error {
				if err := m.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Job %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) printJobs(jobs []models.Job, format, empty string) error {
	switch format {
	case "json":
		return a.printJSON(jobs)
	case "table":
	default:
		return fmt.Errorf("unknown format %q (want table or json)", format)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(a.out, empty)
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCOMMAND\tSTATE\tATTEMPTS\tUPDATED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			j.ID, truncate(j.Command, 40), j.State, j.Attempts, j.MaxRetries,
			j.UpdatedAt.Local().Format(time.DateTime), truncate(j.ErrorMessage, 50))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%d job(s)\n", len(jobs))
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
