package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/rzbill/cmdfeed/internal/queue"
	"github.com/rzbill/cmdfeed/internal/stats"
)

// NewStatsCommand constructs `stats`, a per-asset-group queue summary.
func NewStatsCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Queue statistics for an agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			agent, _ := cmd.Flags().GetString("agent")
			if agent == "" {
				return fmt.Errorf("--agent is required")
			}
			var out struct {
				AgentID     string                            `json:"agentId"`
				AssetGroups []stats.AssetGroupQueueStatistics `json:"assetGroups"`
			}
			if _, err := newAPI(baseURL).do(cmd.Context(), http.MethodGet, "/v1/agents/"+url.PathEscape(agent)+"/stats", nil, &out); err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd.OutOrStdout(), out)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Asset Group", "Subject", "Pending", "Unleased", "Dead", "Oldest Pending", "Next Lease Free"})
			for _, s := range out.AssetGroups {
				tw.AppendRow(table.Row{s.AssetGroupID, s.SubjectType, s.PendingCount, s.UnleasedCount, s.DeadLetterCount,
					fmtTime(s.OldestPending), fmtTime(s.MinLeaseAvailable)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().String("agent", "", "Agent ID")
	cmd.Flags().Bool("json", false, "Output JSON")
	return cmd
}

// NewDeadLettersCommand constructs `deadletters`.
func NewDeadLettersCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "List dead-lettered work items, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			moniker, _ := cmd.Flags().GetString("moniker")
			limit, _ := cmd.Flags().GetInt("limit")
			q := url.Values{}
			if moniker != "" {
				q.Set("moniker", moniker)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/v1/deadletters"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var out struct {
				DeadLetters []queue.DeadLetter `json:"deadLetters"`
			}
			if _, err := newAPI(baseURL).do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"At", "Moniker", "Command", "Attempts", "Reason"})
			for _, d := range out.DeadLetters {
				tw.AppendRow(table.Row{d.At.Format(time.RFC3339), d.Item.Moniker, d.Item.CommandID, d.Item.Attempts, d.Reason})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().String("moniker", "", "Only this partition")
	cmd.Flags().Int("limit", 50, "Maximum rows")
	return cmd
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
