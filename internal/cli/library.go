package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/locator"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

func init() {
	libCmd := &cobra.Command{
		Use:     "library",
		Aliases: []string{"lib"},
		Short:   "Group packs into libraries",
	}

	create := &cobra.Command{
		Use:   "create [library]",
		Short: "Create an empty library manifest",
		Args:  cobra.ExactArgs(1),
		Run:   runLibraryCreate,
	}
	create.Flags().String("name", "", "Display name (default: file name)")
	create.Flags().StringToString("meta", nil, "Metadata (key=value,...)")

	open := &cobra.Command{
		Use:   "open [library]",
		Short: "Open a library, dropping references to missing packs",
		Args:  cobra.ExactArgs(1),
		Run:   runLibraryOpen,
	}

	add := &cobra.Command{
		Use:   "add [library] [pack]",
		Short: "Reference a pack from the library's collection",
		Args:  cobra.ExactArgs(2),
		Run:   runLibraryAdd,
	}

	rm := &cobra.Command{
		Use:   "rm [library] [pack]",
		Short: "Drop a pack reference",
		Args:  cobra.ExactArgs(2),
		Run:   runLibraryRemove,
	}

	sync := &cobra.Command{
		Use:   "sync [library]",
		Short: "Refresh cached pack stats",
		Args:  cobra.ExactArgs(1),
		Run:   runLibrarySync,
	}

	graph := &cobra.Command{
		Use:   "graph [library]",
		Short: "Print the union graph of every referenced pack",
		Args:  cobra.ExactArgs(1),
		Run:   runLibraryGraph,
	}

	ls := &cobra.Command{
		Use:   "ls [dir]",
		Short: "List libraries in a collection directory",
		Args:  cobra.MaximumNArgs(1),
		Run:   runLibraryList,
	}

	watch := &cobra.Command{
		Use:   "watch [library]",
		Short: "Resync the library whenever a referenced pack disappears",
		Args:  cobra.ExactArgs(1),
		Run:   runLibraryWatch,
	}
	watch.Flags().Duration("debounce", 0, "Wait this long after the last file event (default: library.watch_debounce)")
	watch.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (default: metrics.addr)")

	libCmd.AddCommand(create, open, add, rm, sync, graph, ls, watch)
	RootCmd.AddCommand(libCmd)
}

func runLibraryCreate(cmd *cobra.Command, args []string) {
	loc := libraryArg(args[0])
	name, _ := cmd.Flags().GetString("name")
	meta, _ := cmd.Flags().GetStringToString("meta")

	lib, err := newAggregator(nil).Create(cmd.Context(), loc, name, meta)
	if err != nil {
		exitErr("create library", err)
	}
	emit(lib, func() string { return renderLibrary(lib) })
}

// libraryPackArg parses a pack argument relative to the library's
// collection.
func libraryPackArg(lib model.Locator, s string) model.Locator {
	loc, err := locator.Parse(s, lib.Collection)
	if err != nil {
		exitErr("parse pack", err)
	}
	return loc
}

func runLibraryAdd(cmd *cobra.Command, args []string) {
	loc := libraryArg(args[0])
	lib, err := newAggregator(nil).AddPack(cmd.Context(), loc, libraryPackArg(loc, args[1]))
	if errors.Is(err, model.ErrAlreadyExists) {
		slog.Info("pack already referenced", "library", loc.String(), "pack", args[1])
		err = nil
	}
	if err != nil {
		exitErr("add pack", err)
	}
	emit(lib, func() string { return renderLibrary(lib) })
}

func runLibraryRemove(cmd *cobra.Command, args []string) {
	loc := libraryArg(args[0])
	lib, err := newAggregator(nil).RemovePack(cmd.Context(), loc, libraryPackArg(loc, args[1]))
	if err != nil {
		exitErr("remove pack", err)
	}
	emit(lib, func() string { return renderLibrary(lib) })
}

func runLibraryOpen(cmd *cobra.Command, args []string) {
	loc := libraryArg(args[0])
	lib, err := newAggregator(nil).Open(cmd.Context(), loc)
	if err != nil {
		exitErr("open library", err)
	}
	emit(lib, func() string { return renderLibrary(lib) })
}

func runLibrarySync(cmd *cobra.Command, args []string) {
	loc := libraryArg(args[0])
	lib, err := newAggregator(nil).SyncPackStats(cmd.Context(), loc)
	if err != nil {
		exitErr("sync library", err)
	}
	emit(lib, func() string { return renderLibrary(lib) })
}

func runLibraryGraph(cmd *cobra.Command, args []string) {
	loc := libraryArg(args[0])
	g, err := newAggregator(nil).GraphData(cmd.Context(), loc)
	if err != nil {
		exitErr("library graph", err)
	}
	emit(g, func() string {
		var b strings.Builder
		b.WriteString(titleStyle.Render(g.Library))
		for _, p := range g.Packs {
			fmt.Fprintf(&b, "\n%s %s %s", idStyle.Render(p.Key), p.Name, dimStyle.Render(fmt.Sprintf("%d nodes", p.Stats.ActiveNodes)))
		}
		fmt.Fprintf(&b, "\n%s", titleStyle.Render(fmt.Sprintf("%d nodes, %d edges", len(g.Nodes), len(g.Edges))))
		for _, n := range g.Nodes {
			fmt.Fprintf(&b, "\n%s %s", dimStyle.Render(n.Pack), renderNodeLine(n.MemoryNode))
		}
		for _, e := range g.Edges {
			fmt.Fprintf(&b, "\n%s %s", dimStyle.Render(e.Pack), renderEdgeLine(e.Relationship))
		}
		return b.String()
	})
}

func runLibraryList(cmd *cobra.Command, args []string) {
	dir := ""
	if len(args) > 0 {
		dir = args[0]
	}
	entries, err := newAggregator(nil).FindLibrariesInDirectory(cmd.Context(), defaultCollection(), dir)
	if err != nil {
		exitErr("list libraries", err)
	}
	emit(entries, func() string { return renderEntries(entries) })
}

func runLibraryWatch(cmd *cobra.Command, args []string) {
	loc := libraryArg(args[0])
	debounce, _ := cmd.Flags().GetDuration("debounce")
	if debounce <= 0 {
		debounce = cfg.Library.WatchDebounce
	}
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = cfg.Metrics.Addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agg := newAggregator(serveMetrics(ctx, addr))
	lib, err := agg.SyncPackStats(ctx, loc)
	if err != nil {
		exitErr("watch library", err)
	}
	emit(lib, func() string { return renderLibrary(lib) })

	w := agg.NewWatcher(loc, debounce)
	w.OnSync = func(lib *model.Library, err error) {
		if err == nil {
			emit(lib, func() string { return renderLibrary(lib) })
		}
	}
	if err := w.Run(ctx); err != nil {
		exitErr("watch library", err)
	}
}
