package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export long-term entries and templates as JSON",
		Long:  "Export every long-term entry and every template with its payload. Filter long-term entries by owner with -o.",
		Run:   runExport,
	}

	cmd.Flags().StringP("owner", "o", "", "Filter long-term entries by owner")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	owner, _ := cmd.Flags().GetString("owner")

	reg, _ := openRegistry(cmd.Context())
	defer reg.Close()

	exp, err := reg.Store().ExportAll(cmd.Context(), owner)
	if err != nil {
		exitErr("export", err)
	}
	printJSON(exp)
}
