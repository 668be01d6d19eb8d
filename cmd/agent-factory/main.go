package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/anthropics/agent-factory/internal/security"
)

var (
	configPath string
	verbose    bool
	serverURL  string
	authToken  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agent-factory",
		Short: "Orchestrate sandboxed coding agents against a work-item queue",
		Long: `Agent Factory is an autonomous code-generation orchestrator. It accepts
work items (a repository, a branch, and a spec), runs each in an isolated
container worker that drives a coding agent, arbitrates file locks between
concurrent workers, and enforces a fleet-wide spawn and iteration budget.

The serve command runs the orchestrator; the remaining commands are thin
clients of its control API.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Control API base URL (default $FACTORY_URL or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token for the control API (default $WORKER_TOKEN)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(workersCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Generate an API auth token",
		Long: `Generate a random bearer token for the control API boundary. Set it as
server.auth_token in the config; workers receive it via WORKER_TOKEN.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := security.NewToken()
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("agent-factory v0.1.0")
		},
	}
}

// newLogger builds the process logger: human-readable in verbose mode, JSON
// otherwise.
func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
