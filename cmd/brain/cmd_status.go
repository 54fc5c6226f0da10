package main

import (
	"brain/internal/orchestrator"

	"github.com/spf13/cobra"
)

var statusExecution string

// statusCmd reports system, session, and execution state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system counters, session info, and execution status",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&opSession, "session", "s", "", "session id")
	statusCmd.Flags().StringVarP(&statusExecution, "execution", "e", "", "execution id")
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withBrain(func(b *orchestrator.Brain) error {
		b.Status(printSink, opSession, statusExecution)
		return nil
	})
}
