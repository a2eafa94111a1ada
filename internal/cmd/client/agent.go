package client

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/rzbill/cmdfeed/internal/command"
)

// NewAgentCommand constructs the `agent` group used by (or on behalf of)
// processing agents.
func NewAgentCommand(baseURL BaseURLFunc) *cobra.Command {
	c := &cobra.Command{
		Use:   "agent",
		Short: "Lease and settle work items as an agent",
		Long: `Lease and settle work items as an agent.

Lifecycle:
  lease → complete
        → extend (returns a new receipt)
        → abandon (back to pending, counts as an attempt)
        → fail (retry, or dead-letter once attempts are exhausted)`,
	}
	c.PersistentFlags().String("agent", "", "Agent ID")
	c.AddCommand(newLeaseCommand(baseURL), newSettleCommand(baseURL, "complete"), newSettleCommand(baseURL, "extend"),
		newSettleCommand(baseURL, "abandon"), newSettleCommand(baseURL, "fail"))
	return c
}

func newLeaseCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Lease the next available work item",
		RunE: func(cmd *cobra.Command, _ []string) error {
			agent, _ := cmd.Flags().GetString("agent")
			if agent == "" {
				return fmt.Errorf("--agent is required")
			}
			ag, _ := cmd.Flags().GetString("asset-group")
			moniker, _ := cmd.Flags().GetString("moniker")
			secs, _ := cmd.Flags().GetInt("lease-seconds")
			body := map[string]any{"assetGroupId": ag, "moniker": moniker, "leaseSeconds": secs}
			if kindName, _ := cmd.Flags().GetString("kind"); kindName != "" {
				k, err := command.ParseKind(kindName)
				if err != nil {
					return err
				}
				body["kind"] = int(k)
			}
			var out map[string]any
			status, err := newAPI(baseURL).do(cmd.Context(), http.MethodPost, "/v1/agents/"+url.PathEscape(agent)+"/lease", body, &out)
			if err != nil {
				return err
			}
			if status == http.StatusNoContent {
				fmt.Fprintln(cmd.OutOrStdout(), "no work available")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().String("asset-group", "", "Only lease from this asset group")
	cmd.Flags().String("kind", "", "Only lease this kind")
	cmd.Flags().String("moniker", "", "Only lease from this partition")
	cmd.Flags().Int("lease-seconds", 0, "Requested lease duration (clamped by server policy)")
	return cmd
}

func newSettleCommand(baseURL BaseURLFunc, action string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action,
		Short: action + " a leased work item",
		RunE: func(cmd *cobra.Command, _ []string) error {
			receipt, _ := cmd.Flags().GetString("receipt")
			if receipt == "" {
				return fmt.Errorf("--receipt is required")
			}
			agent, _ := cmd.Flags().GetString("agent")
			body := map[string]any{"receipt": receipt, "holder": agent}
			switch action {
			case "extend":
				secs, _ := cmd.Flags().GetInt("lease-seconds")
				body["leaseSeconds"] = secs
			case "fail":
				reason, _ := cmd.Flags().GetString("reason")
				body["reason"] = reason
			}
			var out map[string]any
			if _, err := newAPI(baseURL).do(cmd.Context(), http.MethodPost, "/v1/leases/"+action, body, &out); err != nil {
				return err
			}
			if out != nil {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().String("receipt", "", "Lease receipt")
	switch action {
	case "extend":
		cmd.Flags().Int("lease-seconds", 0, "Requested lease duration (clamped by server policy)")
	case "fail":
		cmd.Flags().String("reason", "", "Failure reason recorded on dead letters")
	}
	return cmd
}
