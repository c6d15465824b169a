package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType names the work a job performs.
type JobType string

const (
	JobExtractRecursive     JobType = "extract_recursive"
	JobAnalyzeRelationships JobType = "analyze_relationships"
	JobConsolidate          JobType = "consolidate"
	JobMerge                JobType = "merge"
)

// ValidJobTypes are the job types the pipeline knows how to step.
var ValidJobTypes = map[JobType]bool{
	JobExtractRecursive:     true,
	JobAnalyzeRelationships: true,
	JobConsolidate:          true,
	JobMerge:                true,
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further steps apply.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// PayloadVersion is the current payload schema version.
const PayloadVersion = 1

// MemoryJob is an asynchronous unit of work bound to one pack. All state
// needed to resume lives in Payload.
type MemoryJob struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Status      JobStatus       `json:"status"`
	Payload     JobPayload      `json:"payload"`
	Result      json.RawMessage `json:"result,omitempty"`
	Progress    int             `json:"progress"`
	TotalSteps  int             `json:"totalSteps"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Start moves a pending job to processing.
func (j *MemoryJob) Start(now time.Time) error {
	if j.Status != JobPending {
		return j.badTransition(JobProcessing)
	}
	j.Status = JobProcessing
	j.StartedAt = &now
	return nil
}

// Complete finishes a processing job with an optional result.
func (j *MemoryJob) Complete(result any, now time.Time) error {
	if j.Status != JobProcessing {
		return j.badTransition(JobCompleted)
	}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal job result: %w", err)
		}
		j.Result = b
	}
	j.Status = JobCompleted
	j.Error = ""
	j.CompletedAt = &now
	return nil
}

// Fail marks the job failed. Terminal jobs cannot fail again.
func (j *MemoryJob) Fail(msg string, now time.Time) error {
	if j.Status.Terminal() {
		return j.badTransition(JobFailed)
	}
	j.Status = JobFailed
	j.Error = msg
	j.CompletedAt = &now
	return nil
}

// Cancel stops a pending or processing job.
func (j *MemoryJob) Cancel(now time.Time) error {
	if j.Status.Terminal() {
		return j.badTransition(JobCancelled)
	}
	j.Status = JobCancelled
	j.CompletedAt = &now
	return nil
}

// Advance records one unit of work. Progress never decreases and never
// exceeds TotalSteps.
func (j *MemoryJob) Advance() {
	if j.Progress < j.TotalSteps {
		j.Progress++
	}
}

func (j *MemoryJob) badTransition(to JobStatus) error {
	return &Error{
		Kind:   ErrInvalidTransition,
		Op:     "job transition",
		Target: j.ID,
		Err:    fmt.Errorf("%s -> %s", j.Status, to),
	}
}

// JobPayload is the resumable state of a job. Exactly one variant is set and
// it must match the job type.
type JobPayload struct {
	Version       int                 `json:"version"`
	Failures      int                 `json:"failures,omitempty"`
	Extract       *ExtractCursor      `json:"extract,omitempty"`
	Relationships *RelationshipCursor `json:"relationships,omitempty"`
	Consolidate   *ConsolidateCursor  `json:"consolidate,omitempty"`
	Merge         *MergeCursor        `json:"merge,omitempty"`

	// DecodeErr is set when the stored payload could not be read back.
	DecodeErr error `json:"-"`
}

// Check verifies the payload shape for the given job type.
func (p JobPayload) Check(t JobType) error {
	if p.DecodeErr != nil {
		return Validation("check payload", "decode payload: %v", p.DecodeErr)
	}
	if p.Version != PayloadVersion {
		return Validation("check payload", "unsupported payload version %d", p.Version)
	}
	set := 0
	for _, ok := range []bool{p.Extract != nil, p.Relationships != nil, p.Consolidate != nil, p.Merge != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return Validation("check payload", "expected exactly one payload variant, got %d", set)
	}
	var match bool
	switch t {
	case JobExtractRecursive:
		match = p.Extract != nil
	case JobAnalyzeRelationships:
		match = p.Relationships != nil
	case JobConsolidate:
		match = p.Consolidate != nil
	case JobMerge:
		match = p.Merge != nil
	default:
		return Validation("check payload", "unknown job type %q", t)
	}
	if !match {
		return Validation("check payload", "payload variant does not match job type %q", t)
	}
	return nil
}

// Document is source content fed to extract_recursive.
type Document struct {
	Title      string `json:"title,omitempty"`
	Content    string `json:"content"`
	SourceType string `json:"sourceType,omitempty"`
	SourceRef  string `json:"sourceRef,omitempty"`
}

// StackEntry is an open ancestor in the extraction hierarchy.
type StackEntry struct {
	NodeID string `json:"nodeId"`
	Depth  int    `json:"depth"`
}

// ExtractCursor tracks progress through a document.
type ExtractCursor struct {
	Document     Document     `json:"document"`
	MaxDepth     int          `json:"maxDepth"`
	Instructions string       `json:"instructions,omitempty"`
	RootID       string       `json:"rootId,omitempty"`
	BlockIndex   int          `json:"blockIndex"`
	BlockTitle   string       `json:"blockTitle,omitempty"`
	ParentStack  []StackEntry `json:"parentStack,omitempty"`
	Memories     int          `json:"memories"`
}

// NodePair is an unordered candidate pair for relationship analysis.
type NodePair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// RelationshipCursor tracks the pair queue of analyze_relationships.
type RelationshipCursor struct {
	NodeIDs      []string   `json:"nodeIds,omitempty"`
	MaxPairs     int        `json:"maxPairs,omitempty"`
	Instructions string     `json:"instructions,omitempty"`
	Planned      bool       `json:"planned"`
	PairQueue    []NodePair `json:"pairQueue,omitempty"`
	Analyzed     int        `json:"analyzed"`
	Created      int        `json:"created"`
}

// ConsolidateCursor tracks duplicate groups awaiting merge.
type ConsolidateCursor struct {
	Planned    bool       `json:"planned"`
	Groups     [][]string `json:"groups,omitempty"`
	GroupIndex int        `json:"groupIndex"`
	Merged     int        `json:"merged"`
}

// MergeCursor tracks a copy of another pack into this one.
type MergeCursor struct {
	Source      Locator           `json:"source"`
	BatchSize   int               `json:"batchSize,omitempty"`
	Planned     bool              `json:"planned"`
	NodeQueue   []string          `json:"nodeQueue,omitempty"`
	EdgeQueue   []string          `json:"edgeQueue,omitempty"`
	IDMap       map[string]string `json:"idMap,omitempty"`
	CopiedNodes int               `json:"copiedNodes"`
	CopiedEdges int               `json:"copiedEdges"`
}
