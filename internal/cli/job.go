package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/jobs"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

func init() {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Enqueue and step memory jobs",
	}

	enqueue := &cobra.Command{
		Use:   "enqueue [pack] [type]",
		Short: "Queue a job: extract_recursive, analyze_relationships, consolidate or merge",
		Args:  cobra.ExactArgs(2),
		Run:   runJobEnqueue,
	}
	enqueue.Flags().String("file", "", "extract_recursive: document to read (default: stdin)")
	enqueue.Flags().String("title", "", "extract_recursive: document title (default: file name)")
	enqueue.Flags().Int("max-depth", 0, "extract_recursive: deepest node level (default: jobs.default_max_depth)")
	enqueue.Flags().String("source-type", "", "extract_recursive: source type stamped on extracted nodes")
	enqueue.Flags().String("instructions", "", "Extra instructions for the completion capability")
	enqueue.Flags().String("nodes", "", "analyze_relationships: comma-separated node ids (default: whole pack)")
	enqueue.Flags().Int("max-pairs", 0, "analyze_relationships: pair budget (default: jobs.relationship_max_pairs)")
	enqueue.Flags().String("source", "", "merge: pack to copy from")
	enqueue.Flags().Int("batch-size", 0, "merge: rows per step (default: jobs.merge_batch_size)")

	list := &cobra.Command{
		Use:   "list [pack]",
		Short: "List jobs",
		Args:  cobra.ExactArgs(1),
		Run:   runJobList,
	}
	list.Flags().String("status", "", "Filter by status")

	show := &cobra.Command{
		Use:   "show [pack] [id]",
		Short: "Show one job",
		Args:  cobra.ExactArgs(2),
		Run:   runJobShow,
	}

	step := &cobra.Command{
		Use:   "step [pack] [id]",
		Short: "Advance a job by one step",
		Args:  cobra.ExactArgs(2),
		Run:   runJobStep,
	}

	run := &cobra.Command{
		Use:   "run [pack]",
		Short: "Step queued jobs until none is left",
		Long: "Step the oldest unfinished job until the queue is empty, printing the graph " +
			"changes of every step. With --poll the command keeps waiting for new jobs until interrupted.",
		Args: cobra.ExactArgs(1),
		Run:  runJobRun,
	}
	run.Flags().Duration("poll", 0, "Keep polling at this interval (default: jobs.poll_interval)")
	run.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (default: metrics.addr)")

	cancel := &cobra.Command{
		Use:   "cancel [pack] [id]",
		Short: "Cancel a pending or processing job",
		Args:  cobra.ExactArgs(2),
		Run:   runJobCancel,
	}

	jobCmd.AddCommand(enqueue, list, show, step, run, cancel)
	RootCmd.AddCommand(jobCmd)
}

func runJobEnqueue(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	typ := model.JobType(args[1])
	instructions, _ := cmd.Flags().GetString("instructions")
	if instructions == "" {
		instructions = cfg.Completion.Instructions
	}

	var payload model.JobPayload
	switch typ {
	case model.JobExtractRecursive:
		payload = extractPayload(cmd, instructions)
	case model.JobAnalyzeRelationships:
		nodes, _ := cmd.Flags().GetString("nodes")
		maxPairs, _ := cmd.Flags().GetInt("max-pairs")
		payload = jobs.RelationshipsPayload(splitList(nodes), maxPairs, instructions)
	case model.JobConsolidate:
		payload = jobs.ConsolidatePayload()
	case model.JobMerge:
		source, _ := cmd.Flags().GetString("source")
		if source == "" {
			exitErr("enqueue", fmt.Errorf("--source is required for merge"))
		}
		batch, _ := cmd.Flags().GetInt("batch-size")
		payload = jobs.MergePayload(packArg(source), batch)
	default:
		exitErr("enqueue", fmt.Errorf("unknown job type %q", typ))
	}

	job, err := newPipeline(cmd.Context(), nil).Enqueue(cmd.Context(), loc, typ, payload)
	if err != nil {
		exitErr("enqueue", err)
	}
	emit(job, func() string { return renderJob(*job) })
}

func extractPayload(cmd *cobra.Command, instructions string) model.JobPayload {
	file, _ := cmd.Flags().GetString("file")
	title, _ := cmd.Flags().GetString("title")
	maxDepth, _ := cmd.Flags().GetInt("max-depth")
	sourceType, _ := cmd.Flags().GetString("source-type")

	var content string
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			exitErr("read document", err)
		}
		content = string(b)
		if title == "" {
			title = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		}
	} else {
		content = readContent(nil)
	}
	return jobs.ExtractPayload(model.Document{
		Title:      title,
		Content:    content,
		SourceType: sourceType,
		SourceRef:  file,
	}, maxDepth, instructions)
}

func runJobList(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	status, _ := cmd.Flags().GetString("status")
	ctx := cmd.Context()

	var list []model.MemoryJob
	err := opener().View(ctx, loc, func(p *store.Pack) error {
		var err error
		list, err = p.ListJobs(ctx, model.JobStatus(status))
		return err
	})
	if err != nil {
		exitErr("list jobs", err)
	}
	emit(list, func() string {
		if len(list) == 0 {
			return dimStyle.Render("no jobs")
		}
		lines := make([]string, 0, len(list))
		for _, j := range list {
			lines = append(lines, renderJobLine(j))
		}
		return strings.Join(lines, "\n")
	})
}

func loadJob(ctx context.Context, loc model.Locator, id string) *model.MemoryJob {
	var job *model.MemoryJob
	err := opener().View(ctx, loc, func(p *store.Pack) error {
		var err error
		job, err = p.FindJobByID(ctx, id)
		if err == nil && job == nil {
			err = model.NotFound("show job", id)
		}
		return err
	})
	if err != nil {
		exitErr("show job", err)
	}
	return job
}

func runJobShow(cmd *cobra.Command, args []string) {
	job := loadJob(cmd.Context(), packArg(args[0]), args[1])
	emit(job, func() string { return renderJob(*job) })
}

func runJobStep(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	ctx := cmd.Context()
	if _, err := newPipeline(ctx, nil).ProcessStep(ctx, loc, args[1]); err != nil {
		exitErr("step job", err)
	}
	job := loadJob(ctx, loc, args[1])
	emit(job, func() string { return renderJob(*job) })
}

func runJobRun(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	poll, _ := cmd.Flags().GetDuration("poll")
	if !cmd.Flags().Changed("poll") {
		poll = cfg.Jobs.PollInterval
	}
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = cfg.Metrics.Addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &jobs.Runner{
		Pipeline:     newPipeline(ctx, serveMetrics(ctx, addr)),
		Pack:         loc,
		PollInterval: poll,
		Observer: func(rep jobs.StepReport) {
			emit(rep, func() string {
				if rep.Delta == nil {
					return renderJobLine(rep.Job)
				}
				return renderJobLine(rep.Job) + "\n" + renderDelta(rep.Delta)
			})
		},
	}
	steps, err := r.Run(ctx)
	if err != nil && ctx.Err() == nil {
		exitErr("run jobs", err)
	}
	fmt.Fprintf(os.Stderr, "%d steps\n", steps)
}

func runJobCancel(cmd *cobra.Command, args []string) {
	loc := packArg(args[0])
	ctx := cmd.Context()
	var job *model.MemoryJob
	err := opener().Use(ctx, loc, func(p *store.Pack) error {
		var err error
		job, err = p.CancelJob(ctx, args[1])
		return err
	})
	if err != nil {
		exitErr("cancel job", err)
	}
	emit(job, func() string { return renderJob(*job) })
}
