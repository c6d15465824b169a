package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/delta"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "delta [pack]",
		Short: "Print graph changes after a point in time",
		Long: "Print nodes, edges and deletions recorded after --since. Pass the returned " +
			"\"until\" as the next --since to continue without gaps or repeats.",
		Args: cobra.ExactArgs(1),
		Run:  runDelta,
	}
	cmd.Flags().String("since", "", "RFC 3339 timestamp (default: beginning of time)")
	RootCmd.AddCommand(cmd)
}

func runDelta(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	sinceStr, _ := cmd.Flags().GetString("since")
	ctx := cmd.Context()

	var since time.Time
	if sinceStr != "" {
		var err error
		if since, err = time.Parse(time.RFC3339Nano, sinceStr); err != nil {
			exitErr("delta", fmt.Errorf("parse --since: %w", err))
		}
	}

	var d *model.Delta
	err := opener().View(ctx, loc, func(p *store.Pack) error {
		var err error
		d, err = delta.Since(ctx, p, since)
		return err
	})
	if err != nil {
		exitErr("delta", err)
	}
	emit(d, func() string { return renderDelta(d) })
}
