package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "recall [pack] [query]",
		Short: "Assemble the best-matching memories within a character budget",
		Args:  cobra.MinimumNArgs(2),
		Run:   runRecall,
	}
	cmd.Flags().Int("budget", 4000, "Max characters in the result")
	cmd.Flags().String("category", "", "Filter by category")
	RootCmd.AddCommand(cmd)
}

func runRecall(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	budget, _ := cmd.Flags().GetInt("budget")
	category, _ := cmd.Flags().GetString("category")
	ctx := cmd.Context()

	// Recall records accesses, so it needs the write lock.
	var res *store.RecallResult
	err := opener().Use(ctx, loc, func(p *store.Pack) error {
		var err error
		res, err = p.Recall(ctx, store.RecallParams{
			Query:    strings.Join(args[1:], " "),
			Category: model.Category(category),
			Budget:   budget,
		})
		return err
	})
	if err != nil {
		exitErr("recall", err)
	}
	emit(res, func() string {
		var b strings.Builder
		b.WriteString(dimStyle.Render(fmt.Sprintf("%d/%d chars", res.Used, res.Budget)))
		for _, m := range res.Memories {
			fmt.Fprintf(&b, "\n\n%s %s\n%s", idStyle.Render(m.ID), dimStyle.Render(string(m.Category)), m.Content)
		}
		return b.String()
	})
}
