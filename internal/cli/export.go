package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export [pack]",
		Short: "Export a pack as a JSON bundle",
		Long:  "Export every node, edge and metadata entry of a pack as a JSON bundle that import understands.",
		Args:  cobra.ExactArgs(1),
		Run:   runExport,
	}
	cmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")
	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	out, _ := cmd.Flags().GetString("output")
	ctx := cmd.Context()

	var b *store.Bundle
	err := opener().View(ctx, loc, func(p *store.Pack) error {
		var err error
		b, err = p.Export(ctx)
		return err
	})
	if err != nil {
		exitErr("export", err)
	}

	data, _ := json.MarshalIndent(b, "", "  ")
	if out == "" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(out, append(data, '\n'), 0o644); err != nil {
		exitErr("export", err)
	}
	emit(map[string]any{"ok": true, "file": out, "nodes": len(b.Nodes), "edges": len(b.Edges)},
		func() string { return fmt.Sprintf("exported %d nodes and %d edges to %s", len(b.Nodes), len(b.Edges), out) })
}
