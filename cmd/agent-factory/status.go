package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/anthropics/agent-factory/internal/metrics"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the fleet snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
}

type fleetStatus struct {
	Status  string `json:"status"`
	Reason  string `json:"reason"`
	Workers struct {
		Total    int            `json:"total"`
		Active   int            `json:"active"`
		ByStatus map[string]int `json:"byStatus"`
	} `json:"workers"`
	Queue  map[string]int `json:"queue"`
	Limits struct {
		ActiveWorkers   int   `json:"activeWorkers"`
		MaxWorkers      int   `json:"maxWorkers"`
		IterationsToday int64 `json:"iterationsToday"`
		DailyBudget     int   `json:"dailyBudget"`
	} `json:"limits"`
}

func showStatus() error {
	ctx := context.Background()
	c := newClient()

	var st fleetStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &st); err != nil {
		return err
	}
	var m metrics.FactoryMetrics
	if err := c.do(ctx, http.MethodGet, "/api/metrics", nil, &m); err != nil {
		return err
	}

	fmt.Printf("Fleet: %s", st.Status)
	if st.Reason != "" {
		fmt.Printf(" (%s)", st.Reason)
	}
	fmt.Println()
	fmt.Printf("Workers: %d active / %d max\n", st.Limits.ActiveWorkers, st.Limits.MaxWorkers)
	fmt.Printf("Budget:  %d / %d iterations today\n", st.Limits.IterationsToday, st.Limits.DailyBudget)
	fmt.Printf("Today:   %d completed, %d failed", m.CompletedToday, m.FailedToday)
	if m.CompletedToday+m.FailedToday > 0 {
		fmt.Printf(" (%.0f%% success, avg %.0fs)", m.SuccessRate*100, m.AvgCompletionTime)
	}
	fmt.Println()

	if len(st.Queue) > 0 {
		fmt.Println("\nQueue:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, status := range sortedKeys(st.Queue) {
			fmt.Fprintf(w, "  %s\t%d\n", status, st.Queue[status])
		}
		w.Flush()
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
