package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/rzbill/cmdfeed/internal/command"
)

// NewCommandCommand constructs the `command` group.
func NewCommandCommand(baseURL BaseURLFunc) *cobra.Command {
	c := &cobra.Command{Use: "command", Aliases: []string{"cmd"}, Short: "Privacy command operations"}
	c.AddCommand(newIngestCommand(baseURL))
	return c
}

// newIngestCommand builds the command from flags, or sends --file as is.
func newIngestCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Submit a command for fan-out",
		Example: `  cmdfeed command ingest --kind delete --subject-type msaUser --subject '{"puid":"123"}' --data-types Search
  cmdfeed command ingest --file export.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var body any
			if file, _ := cmd.Flags().GetString("file"); file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if !json.Valid(raw) {
					return fmt.Errorf("%s: not valid JSON", file)
				}
				body = json.RawMessage(raw)
			} else {
				c, err := commandFromFlags(cmd)
				if err != nil {
					return err
				}
				body = c
			}
			var res map[string]any
			status, err := newAPI(baseURL).do(cmd.Context(), http.MethodPost, "/v1/commands", body, &res)
			if err != nil {
				return err
			}
			if status != http.StatusAccepted {
				return fmt.Errorf("unexpected status %d", status)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().String("file", "", "JSON command document to send verbatim")
	cmd.Flags().String("id", "", "Command ID (assigned by the server when empty)")
	cmd.Flags().String("kind", "delete", "Kind: accountclose|delete|export|ageout")
	cmd.Flags().String("subject-type", string(command.SubjectMSAUser), "Subject type")
	cmd.Flags().String("subject", "", "Subject JSON")
	cmd.Flags().Int64("policy-version", 0, "Policy version the command was issued under")
	cmd.Flags().String("cloud-instance", "", "Cloud instance")
	cmd.Flags().StringSlice("data-types", nil, "Data types for delete and export")
	cmd.Flags().String("storage-uri", "", "Export destination URI")
	return cmd
}

func commandFromFlags(cmd *cobra.Command) (command.Command, error) {
	kindName, _ := cmd.Flags().GetString("kind")
	kind, err := command.ParseKind(kindName)
	if err != nil {
		return command.Command{}, err
	}
	id, _ := cmd.Flags().GetString("id")
	st, _ := cmd.Flags().GetString("subject-type")
	subject, _ := cmd.Flags().GetString("subject")
	pv, _ := cmd.Flags().GetInt64("policy-version")
	cloud, _ := cmd.Flags().GetString("cloud-instance")
	dts, _ := cmd.Flags().GetStringSlice("data-types")
	uri, _ := cmd.Flags().GetString("storage-uri")

	c := command.Command{
		ID:            id,
		Kind:          kind,
		SubjectType:   command.SubjectType(st),
		PolicyVersion: pv,
		CloudInstance: cloud,
	}
	if subject != "" {
		if !json.Valid([]byte(subject)) {
			return command.Command{}, fmt.Errorf("--subject: not valid JSON")
		}
		c.Subject = json.RawMessage(subject)
	}
	switch kind {
	case command.KindDelete:
		c.Body = command.DeletePayload{DataTypes: dts}
	case command.KindExport:
		c.Body = command.ExportPayload{DataTypes: dts, StorageURI: uri}
	case command.KindAccountClose:
		c.Body = command.AccountClosePayload{}
	case command.KindAgeOut:
		c.Body = command.AgeOutPayload{}
	}
	return c, nil
}
