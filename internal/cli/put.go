package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [pack] [content]",
		Short: "Store a memory node",
		Long:  "Store a memory node. Content can be a positional arg or piped via stdin.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runPut,
	}

	cmd.Flags().StringP("summary", "s", "", "Short summary")
	cmd.Flags().String("category", string(model.CategoryKnowledge), "Category: conversation, thought, knowledge, fact, preference")
	cmd.Flags().Float64("importance", model.DefaultImportance, "Importance in [0,1]")
	cmd.Flags().Float64("confidence", model.DefaultConfidence, "Confidence in [0,1]")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().String("source-ref", "", "Where the memory came from")

	RootCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	summary, _ := cmd.Flags().GetString("summary")
	category, _ := cmd.Flags().GetString("category")
	importance, _ := cmd.Flags().GetFloat64("importance")
	confidence, _ := cmd.Flags().GetFloat64("confidence")
	tagsStr, _ := cmd.Flags().GetString("tags")
	sourceRef, _ := cmd.Flags().GetString("source-ref")

	content := readContent(args[1:])
	if strings.TrimSpace(content) == "" {
		exitErr("put", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	var node *model.MemoryNode
	err := opener().Use(cmd.Context(), loc, func(p *store.Pack) error {
		var err error
		node, err = p.StoreNode(cmd.Context(), store.NodeParams{
			Content:    strings.TrimSpace(content),
			Summary:    summary,
			Category:   model.Category(category),
			Importance: &importance,
			Confidence: &confidence,
			SourceType: model.SourceManual,
			SourceRef:  sourceRef,
			Tags:       splitList(tagsStr),
		})
		return err
	})
	if err != nil {
		exitErr("put", err)
	}
	emit(node, func() string { return renderNode(*node) })
}

// readContent joins args, or reads piped stdin when there are none.
func readContent(args []string) string {
	if len(args) > 0 {
		return strings.Join(args, " ")
	}
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) != 0 {
		return ""
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		exitErr("read stdin", err)
	}
	return string(b)
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
