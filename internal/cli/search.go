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
		Use:   "search [pack] [query]",
		Short: "Search active nodes by keyword",
		Args:  cobra.MinimumNArgs(2),
		Run:   runSearch,
	}
	cmd.Flags().String("category", "", "Filter by category")
	cmd.Flags().IntP("limit", "l", 20, "Max results")
	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	category, _ := cmd.Flags().GetString("category")
	limit, _ := cmd.Flags().GetInt("limit")
	query := strings.Join(args[1:], " ")
	ctx := cmd.Context()

	var results []store.SearchResult
	err := opener().View(ctx, loc, func(p *store.Pack) error {
		var err error
		results, err = p.Search(ctx, store.SearchParams{
			Query:    query,
			Category: model.Category(category),
			Limit:    limit,
		})
		return err
	})
	if err != nil {
		exitErr("search", err)
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	emit(results, func() string {
		lines := make([]string, 0, len(results))
		for _, r := range results {
			lines = append(lines, renderNodeLine(r.MemoryNode)+dimStyle.Render(fmt.Sprintf(" %.3f", r.Score)))
		}
		if len(lines) == 0 {
			return dimStyle.Render("no matches")
		}
		return strings.Join(lines, "\n")
	})
}
