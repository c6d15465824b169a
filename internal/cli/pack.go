package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/library"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

func init() {
	packCmd := &cobra.Command{
		Use:   "pack",
		Short: "Create and inspect pack files",
	}

	create := &cobra.Command{
		Use:   "create [pack]",
		Short: "Create an empty pack",
		Args:  cobra.ExactArgs(1),
		Run:   runPackCreate,
	}
	create.Flags().String("name", "", "Display name")
	create.Flags().String("description", "", "Description")
	create.Flags().StringToString("meta", nil, "Extra metadata (key=value,...)")

	info := &cobra.Command{
		Use:   "info [pack]",
		Short: "Show file size, metadata and stats",
		Args:  cobra.ExactArgs(1),
		Run:   runPackInfo,
	}

	meta := &cobra.Command{
		Use:   "meta [pack] [key] [value]",
		Short: "Read or set pack metadata",
		Args:  cobra.RangeArgs(1, 3),
		Run:   runPackMeta,
	}

	ls := &cobra.Command{
		Use:   "ls [dir]",
		Short: "List packs in a collection directory",
		Args:  cobra.MaximumNArgs(1),
		Run:   runPackList,
	}

	packCmd.AddCommand(create, info, meta, ls)
	RootCmd.AddCommand(packCmd)
}

func runPackCreate(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	name, _ := cmd.Flags().GetString("name")
	desc, _ := cmd.Flags().GetString("description")
	meta, _ := cmd.Flags().GetStringToString("meta")
	if meta == nil {
		meta = map[string]string{}
	}
	if name != "" {
		meta[store.MetaName] = name
	}
	if desc != "" {
		meta[store.MetaDescription] = desc
	}

	o := opener()
	if err := o.Create(cmd.Context(), loc, meta); err != nil {
		exitErr("create pack", err)
	}
	var info *store.Info
	err := o.View(cmd.Context(), loc, func(p *store.Pack) error {
		var err error
		info, err = p.Info(cmd.Context())
		return err
	})
	if err != nil {
		exitErr("create pack", err)
	}
	emit(info, func() string { return okStyle.Render("created ") + loc.String() })
}

func runPackInfo(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	var info *store.Info
	err := opener().View(cmd.Context(), loc, func(p *store.Pack) error {
		var err error
		info, err = p.Info(cmd.Context())
		return err
	})
	if err != nil {
		exitErr("pack info", err)
	}
	emit(info, func() string {
		title := firstNonEmpty(info.Metadata[store.MetaName], loc.String())
		return renderStats(title, info.Stats) + "\n" +
			field("path", info.Path) + "\n" + field("size", fmt.Sprintf("%d bytes", info.SizeBytes))
	})
}

func runPackMeta(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	ctx := cmd.Context()
	o := opener()

	if len(args) == 3 {
		err := o.Use(ctx, loc, func(p *store.Pack) error {
			return p.SetMetadataField(ctx, args[1], args[2])
		})
		if err != nil {
			exitErr("set metadata", err)
		}
		emit(map[string]string{args[1]: args[2]}, func() string { return field(args[1], args[2]) })
		return
	}

	var meta map[string]string
	err := o.View(ctx, loc, func(p *store.Pack) error {
		if len(args) == 2 {
			v, err := p.Metadata(ctx, args[1])
			meta = map[string]string{args[1]: v}
			return err
		}
		var err error
		meta, err = p.AllMetadata(ctx)
		return err
	})
	if err != nil {
		exitErr("read metadata", err)
	}
	emit(meta, func() string {
		lines := make([]string, 0, len(meta))
		for k, v := range meta {
			lines = append(lines, field(k, v))
		}
		return strings.Join(lines, "\n")
	})
}

func runPackList(cmd *cobra.Command, args []string) {
	dir := ""
	if len(args) > 0 {
		dir = args[0]
	}
	entries, err := newAggregator(nil).FindPacksInDirectory(cmd.Context(), defaultCollection(), dir)
	if err != nil {
		exitErr("list packs", err)
	}
	emit(entries, func() string { return renderEntries(entries) })
}

func renderEntries(entries []library.Entry) string {
	if len(entries) == 0 {
		return dimStyle.Render("none")
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, idStyle.Render(e.Locator.String())+"  "+e.Name)
	}
	return strings.Join(lines, "\n")
}
