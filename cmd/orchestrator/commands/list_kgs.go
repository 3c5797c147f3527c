package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/nl2sql-engine/cmd/orchestrator/ui"
)

var listKGsCmd = &cobra.Command{
	Use:   "list-kgs",
	Short: "List every knowledge graph this engine has built",
	RunE:  runListKGs,
}

func init() {
	rootCmd.AddCommand(listKGsCmd)
}

func runListKGs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	app, _, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	items, err := app.Engine.ListKGs(ctx)
	if err != nil {
		ui.Error("failed to list knowledge graphs: %v", err)
		return err
	}

	if len(items) == 0 {
		ui.Info("no knowledge graphs found")
		return nil
	}

	headers := []string{"KG ID", "Status", "Version", "Created", "Last Updated"}
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.KGID.String(),
			string(item.Status),
			fmt.Sprintf("%d", item.Version),
			item.CreatedAt.Format("2006-01-02 15:04"),
			item.LastUpdated.Format("2006-01-02 15:04"),
		})
	}
	ui.Table(headers, rows)
	return nil
}
