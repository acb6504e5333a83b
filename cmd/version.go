package cmd

import (
	"github.com/spf13/cobra"

	"github.com/rmguney/mux-sweeper/internal/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Info()
			columns := []TableColumn{
				{Header: "FIELD", Key: "field"},
				{Header: "VALUE", Key: "value"},
			}
			var rows []map[string]interface{}
			for _, key := range []string{"Version", "GitCommit", "FormattedTime", "GoVersion", "OS", "Arch"} {
				rows = append(rows, map[string]interface{}{"field": key, "value": info[key]})
			}
			renderTable(cmd.OutOrStdout(), columns, rows)
		},
	}
}
