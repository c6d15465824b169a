package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import [pack] [file]",
		Short: "Import a JSON bundle into a pack",
		Long:  "Import a bundle produced by export, from a file or stdin. Nodes already present are skipped.",
		Args:  cobra.RangeArgs(1, 2),
		Run:   runImport,
	}
	cmd.Flags().Bool("create", false, "Create the pack if it does not exist")
	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	create, _ := cmd.Flags().GetBool("create")
	ctx := cmd.Context()

	var (
		data []byte
		err  error
	)
	if len(args) == 2 && args[1] != "-" {
		data, err = os.ReadFile(args[1])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		exitErr("read bundle", err)
	}
	var b store.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		exitErr("parse json", err)
	}

	o := opener()
	if create {
		if err := o.Create(ctx, loc, b.Metadata); err != nil {
			exitErr("create pack", err)
		}
	}
	var res *store.ImportResult
	err = o.Use(ctx, loc, func(p *store.Pack) error {
		var err error
		res, err = p.Import(ctx, &b)
		return err
	})
	if err != nil {
		exitErr("import", err)
	}
	emit(res, func() string {
		return fmt.Sprintf("imported %d nodes and %d edges, skipped %d", res.Nodes, res.Edges, res.Skipped)
	})
}
