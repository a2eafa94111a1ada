package client

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

// NewExportCommand constructs the `export` group.
func NewExportCommand(baseURL BaseURLFunc) *cobra.Command {
	c := &cobra.Command{Use: "export", Short: "Export completion tracking"}
	c.AddCommand(newExportStatusCommand(baseURL), newExportExpectCommand(baseURL), newExportPageCommand(baseURL))
	return c
}

func newExportStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status <command-id>",
		Short: "Show whether an export is complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if _, err := newAPI(baseURL).do(cmd.Context(), http.MethodGet, "/v1/exports/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newExportExpectCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expect <command-id>",
		Short: "Announce the number of pages a destination will produce",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")
			ag, _ := cmd.Flags().GetString("asset-group")
			pages, _ := cmd.Flags().GetInt("pages")
			var out map[string]any
			_, err := newAPI(baseURL).do(cmd.Context(), http.MethodPost, "/v1/exports/"+url.PathEscape(args[0])+"/expectations",
				map[string]any{"agentId": agent, "assetGroupId": ag, "pages": pages}, &out)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().String("agent", "", "Agent ID")
	cmd.Flags().String("asset-group", "", "Asset group ID")
	cmd.Flags().Int("pages", 1, "Number of pages")
	return cmd
}

func newExportPageCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "page <command-id>",
		Short: "Report one finished export page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")
			ag, _ := cmd.Flags().GetString("asset-group")
			page, _ := cmd.Flags().GetInt("page")
			uri, _ := cmd.Flags().GetString("destination-uri")
			_, err := newAPI(baseURL).do(cmd.Context(), http.MethodPost, "/v1/exports/"+url.PathEscape(args[0])+"/pages",
				map[string]any{"agentId": agent, "assetGroupId": ag, "page": page, "destinationUri": uri}, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().String("agent", "", "Agent ID")
	cmd.Flags().String("asset-group", "", "Asset group ID")
	cmd.Flags().Int("page", 1, "Page number")
	cmd.Flags().String("destination-uri", "", "Where the page was written")
	return cmd
}
