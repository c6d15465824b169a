package cli

import (
	"github.com/spf13/cobra"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats [pack]",
		Short: "Show pack statistics",
		Args:  cobra.ExactArgs(1),
		Run:   runStats,
	}
	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	ctx := cmd.Context()

	var st model.Stats
	var tags []store.TagCount
	err := opener().View(ctx, loc, func(p *store.Pack) error {
		var err error
		if st, err = p.Stats(ctx); err != nil {
			return err
		}
		tags, err = p.ListTags(ctx)
		return err
	})
	if err != nil {
		exitErr("stats", err)
	}
	out := struct {
		model.Stats
		TopTags []store.TagCount `json:"topTags"`
	}{st, tags}
	emit(out, func() string {
		s := renderStats(loc.String(), st)
		for _, t := range tags {
			s += "\n" + field("#"+t.Tag, t.Count)
		}
		return s
	})
}
