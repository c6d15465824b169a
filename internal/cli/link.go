package cli

import (
	"github.com/spf13/cobra"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "link [pack] [source-id] [target-id]",
		Short: "Create a directed edge between two nodes",
		Args:  cobra.ExactArgs(3),
		Run:   runLink,
	}
	cmd.Flags().String("type", string(model.RelRelatesTo), "Relation: PART_OF, RELATES_TO, CONTRADICTS, REINFORCES")
	cmd.Flags().Float64("strength", model.DefaultStrength, "Strength in [0,1]")
	cmd.Flags().String("context", "", "Why the nodes are related")
	RootCmd.AddCommand(cmd)
}

func runLink(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	typ, _ := cmd.Flags().GetString("type")
	strength, _ := cmd.Flags().GetFloat64("strength")
	note, _ := cmd.Flags().GetString("context")
	ctx := cmd.Context()

	var edge *model.Relationship
	err := opener().Use(ctx, loc, func(p *store.Pack) error {
		var err error
		edge, err = p.CreateEdge(ctx, store.EdgeParams{
			SourceID: args[1],
			TargetID: args[2],
			Type:     model.RelationType(typ),
			Strength: &strength,
			Context:  note,
		})
		return err
	})
	if err != nil {
		exitErr("link", err)
	}
	emit(edge, func() string { return renderEdgeLine(*edge) })
}
