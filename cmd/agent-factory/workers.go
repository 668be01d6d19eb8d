package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/anthropics/agent-factory/internal/model"
)

func workersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Workers []model.Worker `json:"workers"`
			}
			if err := newClient().do(context.Background(), http.MethodGet, "/api/workers", nil, &resp); err != nil {
				return err
			}

			if len(resp.Workers) == 0 {
				fmt.Println("No workers")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tWORK ITEM\tSTATUS\tITER\tLAST HEARTBEAT\tSTARTED")
			now := time.Now().UTC()
			for i := range resp.Workers {
				wk := &resp.Workers[i]
				heartbeat := "-"
				if wk.Status.Active() {
					heartbeat = now.Sub(wk.LastHeartbeat).Truncate(time.Second).String() + " ago"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					shortID(wk.ID), shortID(wk.WorkItemID), wk.Status, wk.Iteration,
					heartbeat, wk.StartedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(workersKillCmd())
	return cmd
}

func workersKillCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "kill <id>",
		Short: "Force-terminate a worker",
		Long: `Stop a worker's container and mark it killed. Its work item returns to
the queue when retries remain, and fails otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"reason": reason}
			var resp struct {
				Worker model.Worker `json:"worker"`
			}
			if err := newClient().do(context.Background(), http.MethodPost,
				"/api/workers/"+args[0]+"/kill", body, &resp); err != nil {
				return err
			}
			fmt.Printf("Worker %s is %s\n", resp.Worker.ID, resp.Worker.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "killed by operator", "Reason recorded on the worker")
	return cmd
}
