package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the cmdfeed client.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "cmdfeed",
		Short: "cmdfeed client commands",
	}
	Register(root, baseURL)
	return root
}

// Register adds every client command group to root.
func Register(root *cobra.Command, baseURL BaseURLFunc) {
	root.AddCommand(
		NewCommandCommand(baseURL),
		NewAgentCommand(baseURL),
		NewExportCommand(baseURL),
		NewStatsCommand(baseURL),
		NewDeadLettersCommand(baseURL),
	)
}
