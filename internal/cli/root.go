// Package cli implements the cqm commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/config"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/locator"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/logging"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

var (
	cfgFile    string
	formatFlag string
	collection string

	cfg *config.Config
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "cqm",
	Short: "Portable memory graphs",
	Long: "cqm keeps memory graphs in portable .cqmpack files, steps extraction and " +
		"analysis jobs over them and groups packs into .cqmlib libraries.",
	SilenceUsage:     true,
	PersistentPreRun: setup,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $HOME/.cqm/cqm.yaml or ./cqm.yaml)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
	RootCmd.PersistentFlags().StringVarP(&collection, "collection", "c", "", "Collection for locators without one (default: config default_collection)")
}

func setup(cmd *cobra.Command, args []string) {
	var err error
	if cfg, err = config.Load(cfgFile); err != nil {
		exitErr("load config", err)
	}
	if formatFlag != "json" && formatFlag != "text" {
		exitErr("setup", fmt.Errorf("unknown format %q", formatFlag))
	}
	logger, err := logging.New(os.Stderr, cfg.Log)
	if err != nil {
		exitErr("setup logging", err)
	}
	slog.SetDefault(logger)
	if cfg.File != "" {
		slog.Debug("config loaded", "file", cfg.File)
	}
}

func defaultCollection() string {
	if collection != "" {
		return collection
	}
	return cfg.DefaultCollection
}

// packArg parses a "collection:dir/name" pack argument.
func packArg(s string) model.Locator {
	loc, err := locator.Parse(s, defaultCollection())
	if err != nil {
		exitErr("parse pack", err)
	}
	loc, err = locator.Pack(loc)
	if err != nil {
		exitErr("parse pack", err)
	}
	return loc
}

// libraryArg parses a "collection:dir/name" library argument.
func libraryArg(s string) model.Locator {
	loc, err := locator.Parse(s, defaultCollection())
	if err != nil {
		exitErr("parse library", err)
	}
	loc, err = locator.Library(loc)
	if err != nil {
		exitErr("parse library", err)
	}
	return loc
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
