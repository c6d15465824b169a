package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(14)
	idStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
)

// emit prints v as indented JSON, or text() when --format text is set.
func emit(v any, text func() string) {
	if formatFlag == "text" && text != nil {
		fmt.Println(text())
		return
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		exitErr("encode output", err)
	}
	fmt.Println(string(b))
}

func field(label string, value any) string {
	return labelStyle.Render(label) + " " + fmt.Sprint(value)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func renderNode(n model.MemoryNode) string {
	lines := []string{
		titleStyle.Render(firstNonEmpty(n.Summary, truncate(n.Content, 60))),
		field("id", idStyle.Render(n.ID)),
		field("category", n.Category),
		field("importance", fmt.Sprintf("%.2f", n.Importance)),
		field("confidence", fmt.Sprintf("%.2f", n.Confidence)),
	}
	if n.Depth != nil {
		lines = append(lines, field("depth", *n.Depth))
	}
	if n.SourceType != "" {
		lines = append(lines, field("source", strings.TrimSpace(n.SourceType+" "+n.SourceRef+" "+n.SourceRange)))
	}
	if len(n.Tags) > 0 {
		lines = append(lines, field("tags", strings.Join(n.Tags, ", ")))
	}
	if !n.IsActive {
		lines = append(lines, field("active", errStyle.Render("no")))
	}
	lines = append(lines, "", n.Content)
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func renderNodeLine(n model.MemoryNode) string {
	return fmt.Sprintf("%s  %-12s %s", idStyle.Render(n.ID), n.Category, truncate(firstNonEmpty(n.Summary, n.Content), 70))
}

func renderEdgeLine(e model.Relationship) string {
	return fmt.Sprintf("%s -%s-> %s %s", idStyle.Render(e.SourceID), e.Type, idStyle.Render(e.TargetID),
		dimStyle.Render(fmt.Sprintf("(%.2f)", e.Strength)))
}

func renderStats(title string, st model.Stats) string {
	lines := []string{
		titleStyle.Render(title),
		field("nodes", fmt.Sprintf("%d (%d active)", st.TotalNodes, st.ActiveNodes)),
		field("edges", st.Edges),
		field("tags", st.Tags),
		field("pending jobs", st.PendingJobs),
	}
	cats := make([]string, 0, len(st.Categories))
	for c := range st.Categories {
		cats = append(cats, string(c))
	}
	sort.Strings(cats)
	for _, c := range cats {
		lines = append(lines, field("  "+c, st.Categories[model.Category(c)]))
	}
	return strings.Join(lines, "\n")
}

func renderGraph(nodes []model.MemoryNode, edges []model.Relationship) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%d nodes", len(nodes))) + "\n")
	for _, n := range nodes {
		b.WriteString(renderNodeLine(n) + "\n")
	}
	b.WriteString(titleStyle.Render(fmt.Sprintf("%d edges", len(edges))))
	for _, e := range edges {
		b.WriteString("\n" + renderEdgeLine(e))
	}
	return b.String()
}

func renderDelta(d *model.Delta) string {
	head := dimStyle.Render(fmt.Sprintf("(%s, %s]", d.Since.Format(timeLayout), d.Until.Format(timeLayout)))
	if d.Empty() {
		return head + "\nno changes"
	}
	var b strings.Builder
	b.WriteString(head + "\n")
	b.WriteString(renderGraph(d.Nodes, d.Edges))
	for _, id := range d.DeletedNodeIDs {
		b.WriteString("\n" + errStyle.Render("- node ") + idStyle.Render(id))
	}
	for _, id := range d.DeletedEdgeIDs {
		b.WriteString("\n" + errStyle.Render("- edge ") + idStyle.Render(id))
	}
	return b.String()
}

func statusStyle(s model.JobStatus) lipgloss.Style {
	switch s {
	case model.JobCompleted:
		return okStyle
	case model.JobFailed, model.JobCancelled:
		return errStyle
	}
	return dimStyle
}

func renderJobLine(j model.MemoryJob) string {
	line := fmt.Sprintf("%s  %-22s %s %d/%d", idStyle.Render(j.ID), j.Type,
		statusStyle(j.Status).Render(fmt.Sprintf("%-10s", j.Status)), j.Progress, j.TotalSteps)
	if j.Error != "" {
		line += " " + errStyle.Render(truncate(j.Error, 60))
	}
	return line
}

func renderJob(j model.MemoryJob) string {
	lines := []string{
		titleStyle.Render(string(j.Type)),
		field("id", idStyle.Render(j.ID)),
		field("status", statusStyle(j.Status).Render(string(j.Status))),
		field("progress", fmt.Sprintf("%d/%d", j.Progress, j.TotalSteps)),
		field("created", j.CreatedAt.Format(timeLayout)),
	}
	if j.CompletedAt != nil {
		lines = append(lines, field("finished", j.CompletedAt.Format(timeLayout)))
	}
	if j.Error != "" {
		lines = append(lines, field("error", errStyle.Render(j.Error)))
	}
	if len(j.Result) > 0 {
		lines = append(lines, field("result", string(j.Result)))
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func renderLibrary(lib *model.Library) string {
	lines := []string{
		titleStyle.Render(lib.Name),
		field("id", idStyle.Render(lib.ID)),
		field("packs", lib.Stats.Packs),
		field("nodes", fmt.Sprintf("%d (%d active)", lib.Stats.TotalNodes, lib.Stats.ActiveNodes)),
		field("edges", lib.Stats.Edges),
	}
	if lib.SyncedAt != nil {
		lines = append(lines, field("synced", lib.SyncedAt.Format(timeLayout)))
	}
	for _, p := range lib.Packs {
		lines = append(lines, fmt.Sprintf("  %s %s %s", idStyle.Render(p.Key()), firstNonEmpty(p.Name, "-"),
			dimStyle.Render(fmt.Sprintf("%d nodes", p.Stats.ActiveNodes))))
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

const timeLayout = "2006-01-02 15:04:05"

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
