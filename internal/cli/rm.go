package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm [pack] [id]",
		Short: "Delete a node and its PART_OF descendants",
		Long: "Delete a node together with every node that is PART_OF it. " +
			"With --soft the node is only deactivated.",
		Args: cobra.ExactArgs(2),
		Run:  runRm,
	}
	cmd.Flags().Bool("soft", false, "Deactivate instead of deleting")
	RootCmd.AddCommand(cmd)
}

func runRm(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	soft, _ := cmd.Flags().GetBool("soft")
	ctx := cmd.Context()

	var deleted []string
	err := opener().Use(ctx, loc, func(p *store.Pack) error {
		if soft {
			_, err := p.DeactivateNode(ctx, args[1])
			return err
		}
		var err error
		deleted, err = p.DeleteNodeWithChildren(ctx, args[1])
		return err
	})
	if err != nil {
		exitErr("rm", err)
	}
	if soft {
		emit(map[string]any{"deactivated": args[1]}, func() string { return "deactivated " + idStyle.Render(args[1]) })
		return
	}
	emit(map[string]any{"deleted": deleted}, func() string { return fmt.Sprintf("deleted %d nodes", len(deleted)) })
}
