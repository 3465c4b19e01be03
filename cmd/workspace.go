package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"graphshell/internal/db"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Inspect saved tile layouts",
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved workspaces with their node counts",
	Args:  cobra.NoArgs,
	RunE: withDatabase(func(ctx context.Context, d *db.DB, w io.Writer, args []string) error {
		return listWorkspaces(ctx, d, w)
	}),
}

var workspaceDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a saved workspace",
	Args:  cobra.ExactArgs(1),
	RunE: withDatabase(func(ctx context.Context, d *db.DB, w io.Writer, args []string) error {
		if err := d.DeleteWorkspace(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(w, "Deleted workspace %q\n", args[0])
		return nil
	}),
}

func init() {
	workspaceCmd.AddCommand(workspaceListCmd, workspaceDeleteCmd)
	rootCmd.AddCommand(workspaceCmd)
}

func listWorkspaces(ctx context.Context, d *db.DB, w io.Writer) error {
	list, errs := d.Workspaces(ctx)
	for _, err := range errs {
		logger.Warn("skipping unreadable workspace", zap.Error(err))
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No saved workspaces.")
		return nil
	}
	for _, ws := range list {
		fmt.Fprintf(w, "  %-24s %4d nodes  saved %s\n", ws.Name, len(ws.Nodes), humanize.Time(ws.SavedAt))
	}
	return nil
}
