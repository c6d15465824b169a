package cli

import (
	"github.com/spf13/cobra"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get [pack] [id]",
		Short: "Show a node and its edges",
		Args:  cobra.ExactArgs(2),
		Run:   runGet,
	}
	RootCmd.AddCommand(cmd)
}

type nodeView struct {
	model.MemoryNode
	Edges []model.Relationship `json:"edges"`
}

func runGet(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	ctx := cmd.Context()

	var view nodeView
	err := opener().View(ctx, loc, func(p *store.Pack) error {
		n, err := p.FindNodeByID(ctx, args[1])
		if err != nil {
			return err
		}
		if n == nil {
			return model.NotFound("get", args[1])
		}
		view.MemoryNode = *n
		view.Edges, err = p.EdgesForNode(ctx, n.ID)
		return err
	})
	if err != nil {
		exitErr("get", err)
	}
	emit(view, func() string {
		out := renderNode(view.MemoryNode)
		for _, e := range view.Edges {
			out += "\n" + renderEdgeLine(e)
		}
		return out
	})
}
