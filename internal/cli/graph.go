package cli

import (
	"github.com/spf13/cobra"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "graph [pack]",
		Short: "Print the active graph of a pack",
		Args:  cobra.ExactArgs(1),
		Run:   runGraph,
	}
	RootCmd.AddCommand(cmd)
}

func runGraph(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	ctx := cmd.Context()

	var g *store.Graph
	err := opener().View(ctx, loc, func(p *store.Pack) error {
		var err error
		g, err = p.GraphData(ctx)
		return err
	})
	if err != nil {
		exitErr("graph", err)
	}
	emit(g, func() string { return renderGraph(g.Nodes, g.Edges) })
}
