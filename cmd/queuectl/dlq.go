package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"queuectl/internal/queue"
)

func (a *app) dlqCmd() *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Manage the dead letter queue",
	}

	var format string
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs in the dead letter queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withManager(cmd.Context(), func(m *queue.Manager) error {
				jobs, err := queue.Collect(m.DLQList(cmd.Context()))
				if err != nil {
					return err
				}
				return a.printJobs(jobs, format, "Dead letter queue is empty")
			})
		},
	}
	list.Flags().StringVarP(&format, "format", "f", "table", "output format: table or json")

	retry := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Move a dead job back to pending with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd.Context(), func(m *queue.Manager) error {
				job, err := m.DLQRetry(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Job %s moved from DLQ to %s\n", job.ID, job.State)
				return nil
			})
		},
	}

	dlq.AddCommand(list, retry)
	return dlq
}
