package memory

import "context"

// Store provides durable persistence for memory items, summary nodes,
// background jobs and metrics.
type Store interface {
	Close() error

	PutMemoryItem(ctx context.Context, item MemoryItem) (MemoryItem, error)
	GetMemoryItem(ctx context.Context, id string) (MemoryItem, error)
	ListOwnerItems(ctx context.Context, ownerID string, includeArchived bool, limit int) ([]MemoryItem, error)
	ListActiveOldest(ctx context.Context, ownerID string, limit int) ([]MemoryItem, error)
	HasOwner(ctx context.Context, ownerID string) (bool, error)
	ListOwners(ctx context.Context) ([]string, error)
	CountActive(ctx context.Context, ownerID string) (int, error)
	UpdateImportance(ctx context.Context, id string, importance float64) error
	DecayImportance(ctx context.Context, ownerID string, factor float64) error
	ArchiveItems(ctx context.Context, ids []string, summaryID string) (int, error)
	PurgeArchivedBefore(ctx context.Context, cutoffMS int64) (int, error)

	InsertSummaryNode(ctx context.Context, node SummaryNode) error
	ActiveSummary(ctx context.Context, level SummaryLevel, scopeID string) (SummaryNode, bool, error)
	LatestActive(ctx context.Context, level SummaryLevel) (SummaryNode, bool, error)
	ListSummaries(ctx context.Context, level SummaryLevel, scopeID string, includeInactive bool) ([]SummaryNode, error)

	EnqueueJob(ctx context.Context, job Job) error
	ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errMsg string) error
	RequeueExpiredJobs(ctx context.Context, nowMS int64) error

	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}

// Job types for the background memory worker.
const (
	JobCompact   = "compact"
	JobSummarize = "summarize"
	JobDecay     = "decay"
	JobRetention = "retention"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is a durable background memory task.
type Job struct {
	ID            string
	JobType       string
	OwnerID       string
	Status        string
	Priority      int
	Payload       map[string]string
	Error         string
	RunAfterMS    int64
	LeaseUntilMS  int64
	CreatedAtMS   int64
	UpdatedAtMS   int64
	CompletedAtMS int64
}
