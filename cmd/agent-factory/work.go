package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/anthropics/agent-factory/internal/model"
	"github.com/anthropics/agent-factory/internal/queue"
)

func workCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Manage work items",
	}
	cmd.AddCommand(workAddCmd())
	cmd.AddCommand(workGetCmd())
	cmd.AddCommand(workCancelCmd())
	cmd.AddCommand(workListCmd())
	return cmd
}

func workAddCmd() *cobra.Command {
	var req queue.AddRequest
	var specFile string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Enqueue a work item",
		Long: `Enqueue a work item. Provide a spec inline, from a file, or give only a
description to defer spec generation.

Example:
  agent-factory work add --repo owner/repo --spec "add a --json flag to the export command"
  agent-factory work add --repo owner/repo --spec-file change.md --priority high`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if specFile != "" {
				data, err := os.ReadFile(specFile)
				if err != nil {
					return err
				}
				req.Spec = string(data)
			}

			var resp struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			}
			if err := newClient().do(context.Background(), http.MethodPost, "/api/work", req, &resp); err != nil {
				return err
			}
			fmt.Printf("Work item %s enqueued (status: %s)\n", resp.ID, resp.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Repo, "repo", "", "Repository (owner/repo)")
	cmd.Flags().StringVar(&req.Spec, "spec", "", "Specification text")
	cmd.Flags().StringVar(&specFile, "spec-file", "", "Read the specification from a file")
	cmd.Flags().StringVar(&req.Description, "description", "", "Raw ask; spec generation is deferred when no spec is given")
	cmd.Flags().StringVar(&req.Branch, "branch", "", "Target branch (derived when empty)")
	cmd.Flags().StringVar(&req.Priority, "priority", "", "Priority: low, medium, high, critical")
	cmd.Flags().IntVar(&req.MaxIterations, "max-iterations", 0, "Iteration cap for the worker (default 10)")
	cmd.Flags().StringVar(&req.Type, "type", "", "Work type: execution or verification")
	cmd.MarkFlagRequired("repo")

	return cmd
}

func workGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var item model.WorkItem
			if err := newClient().do(context.Background(), http.MethodGet, "/api/work/"+args[0], nil, &item); err != nil {
				return err
			}
			printWorkItem(&item)
			return nil
		},
	}
}

func workCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued work item",
		Long: `Cancel a work item that has not been dispatched yet. Items a worker
already owns must be stopped with "workers kill" instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var item model.WorkItem
			if err := newClient().do(context.Background(), http.MethodPost, "/api/work/"+args[0]+"/cancel", nil, &item); err != nil {
				return err
			}
			fmt.Printf("Work item %s cancelled\n", item.ID)
			return nil
		},
	}
}

func workListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items in dispatch order",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/queue"
			if status != "" {
				path += "?status=" + status
			}
			var resp struct {
				Items []model.WorkItem `json:"items"`
			}
			if err := newClient().do(context.Background(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}

			if len(resp.Items) == 0 {
				fmt.Println("No work items")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tREPO\tPRIORITY\tSTATUS\tITER\tRETRIES\tCREATED")
			for i := range resp.Items {
				item := &resp.Items[i]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\n",
					shortID(item.ID), item.Repo, item.Priority, item.Status,
					item.Iteration, item.MaxIterations, item.RetryCount,
					item.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	return cmd
}

func printWorkItem(item *model.WorkItem) {
	fmt.Printf("ID:        %s\n", item.ID)
	fmt.Printf("Repo:      %s\n", item.Repo)
	fmt.Printf("Branch:    %s\n", item.Branch)
	fmt.Printf("Type:      %s\n", item.Type)
	fmt.Printf("Priority:  %s\n", item.Priority)
	fmt.Printf("Status:    %s\n", item.Status)
	fmt.Printf("Iteration: %d/%d (retries: %d)\n", item.Iteration, item.MaxIterations, item.RetryCount)
	if item.WorkerID != nil {
		fmt.Printf("Worker:    %s\n", *item.WorkerID)
	}
	if item.PRURL != nil {
		fmt.Printf("PR:        %s\n", *item.PRURL)
	}
	if item.Error != nil {
		fmt.Printf("Error:     %s\n", *item.Error)
	}
	fmt.Printf("Created:   %s\n", item.CreatedAt.Format("2006-01-02 15:04:05"))
	if item.CompletedAt != nil {
		fmt.Printf("Finished:  %s\n", item.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if item.Spec != "" {
		fmt.Printf("\nSpec:\n%s\n", item.Spec)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
