package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// ErrConflict marks unique-constraint violations (workflow name, idempotency
// key races). Handlers map it to 409.
var ErrConflict = errors.New("conflict")

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunLeased    RunStatus = "leased"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
	RunDead      RunStatus = "dead"
)

// Terminal reports whether a run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled, RunDead:
		return true
	}
	return false
}

type NodeRunStatus string

const (
	NodePending   NodeRunStatus = "pending"
	NodeRunning   NodeRunStatus = "running"
	NodeSucceeded NodeRunStatus = "succeeded"
	NodeFailed    NodeRunStatus = "failed"
	NodeSkipped   NodeRunStatus = "skipped"
)

type Workflow struct {
	ID                  string          `json:"id"`
	Owner               string          `json:"owner"`
	WorkspaceID         string          `json:"workspace_id,omitempty"`
	Name                string          `json:"name"`
	Description         string          `json:"description,omitempty"`
	Graph               json.RawMessage `json:"graph"`
	WebhookSalt         string          `json:"-"`
	RequireHMAC         bool            `json:"require_hmac"`
	HMACReplayWindowSec int             `json:"hmac_replay_window_sec"`
	EgressAllowlist     []string        `json:"egress_allowlist,omitempty"`
	ConcurrencyLimit    int             `json:"concurrency_limit"`
	AutoDeadLetter      bool            `json:"auto_dead_letter"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

type Run struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	Owner          string          `json:"owner"`
	Status         RunStatus       `json:"status"`
	Priority       int             `json:"priority"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Snapshot       json.RawMessage `json:"snapshot,omitempty"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	RecoveryCount  int             `json:"recovery_count"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

type NodeRun struct {
	RunID      string          `json:"run_id"`
	NodeID     string          `json:"node_id"`
	Attempt    int             `json:"attempt"`
	Status     NodeRunStatus   `json:"status"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Schedule holds a workflow's trigger timing. Config is JSON: either
// {"cron": "*/5 * * * *"} or {"interval_sec": 300}.
type Schedule struct {
	WorkflowID string          `json:"workflow_id"`
	Config     json.RawMessage `json:"config"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time      `json:"next_run_at,omitempty"`
	Enabled    bool            `json:"enabled"`
}

type DeadLetter struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Owner       string          `json:"owner"`
	SourceRunID string          `json:"source_run_id"`
	Reason      string          `json:"reason"`
	Snapshot    json.RawMessage `json:"snapshot"`
	CreatedAt   time.Time       `json:"created_at"`
}

type EgressBlockEvent struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	RunID      string    `json:"run_id"`
	NodeID     string    `json:"node_id"`
	Host       string    `json:"host"`
	CreatedAt  time.Time `json:"created_at"`
}

// QuotaResult reports the outcome of a quota increment.
type QuotaResult struct {
	Allowed            bool `json:"allowed"`
	RunCount           int  `json:"run_count"`
	OverageCount       int  `json:"overage_count"`
	OverageIncremented bool `json:"overage_incremented"`
}

type OAuthToken struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	AccessEnc    string    `json:"-"`
	RefreshEnc   string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	AccountEmail string    `json:"account_email"`
	MetadataEnc  string    `json:"-"`
	IsShared     bool      `json:"is_shared"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type WorkspaceConnection struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	CreatedBy     string    `json:"created_by"`
	SourceTokenID string    `json:"source_token_id,omitempty"`
	Provider      string    `json:"provider"`
	AccessEnc     string    `json:"-"`
	RefreshEnc    string    `json:"-"`
	ExpiresAt     time.Time `json:"expires_at"`
	AccountEmail  string    `json:"account_email"`
	Stale         bool      `json:"stale"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type AuditEvent struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	ActorID     string    `json:"actor_id"`
	Action      string    `json:"action"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// QuotaPeriodStart truncates a moment to the start of its billing period,
// the first instant of the calendar month in UTC.
func QuotaPeriodStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

type RunFilter struct {
	Status  RunStatus
	Page    int
	PerPage int
}

type Storage interface {
	// Workflows. Mutations are owner-scoped; deletion cascades to runs,
	// node runs, schedules and dead letters.
	CreateWorkflow(ctx context.Context, wf Workflow) error
	UpdateWorkflow(ctx context.Context, wf Workflow) error
	DeleteWorkflow(ctx context.Context, id, owner string) error
	GetWorkflow(ctx context.Context, id string) (Workflow, error)
	ListWorkflows(ctx context.Context, owner string, page, perPage int) ([]Workflow, int, error)
	UpdateWorkflowWebhook(ctx context.Context, id, owner, salt string, requireHMAC bool, replayWindowSec int) error
	UpdateWorkflowConcurrency(ctx context.Context, id, owner string, limit int) error
	UpdateWorkflowEgress(ctx context.Context, id, owner string, allowlist []string) error

	// Run lifecycle.
	EnqueueRun(ctx context.Context, run Run) (Run, bool, error)
	LeaseRun(ctx context.Context, workerID string, leaseSeconds int) (*Run, error)
	RenewLease(ctx context.Context, runID, workerID string, leaseSeconds int) (ok bool, cancelRequested bool, err error)
	MarkRunRunning(ctx context.Context, runID, workerID string) error
	CompleteRun(ctx context.Context, runID, workerID string, status RunStatus, runErr string) error
	CancelRun(ctx context.Context, runID, owner string) (Run, error)
	RecoverOrphans(ctx context.Context, now time.Time, maxRecoveries int) ([]string, error)
	GetRun(ctx context.Context, id string) (Run, error)
	ListRuns(ctx context.Context, workflowID string, filter RunFilter) ([]Run, int, error)
	CountActiveRuns(ctx context.Context, workflowID string) (int, error)

	// Node runs, one row per attempt.
	CreateNodeRun(ctx context.Context, nr NodeRun) error
	UpdateNodeRun(ctx context.Context, nr NodeRun) error
	ListNodeRuns(ctx context.Context, runID string) ([]NodeRun, error)

	// Schedules.
	UpsertSchedule(ctx context.Context, s Schedule) error
	GetSchedule(ctx context.Context, workflowID string) (Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time) ([]Schedule, error)
	MarkScheduleFired(ctx context.Context, workflowID string, lastRunAt time.Time, nextRunAt *time.Time) error
	DisableSchedule(ctx context.Context, workflowID string) error

	// Dead letters.
	CreateDeadLetter(ctx context.Context, dl DeadLetter) error
	ListDeadLetters(ctx context.Context, workflowID string) ([]DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id string) error

	// Webhook replay cache.
	TryRecordWebhookSignature(ctx context.Context, workflowID, signature string, seenAt time.Time) (bool, error)
	PurgeWebhookSignatures(ctx context.Context, workflowID string, olderThan time.Time) error

	// Egress policy audit trail.
	CreateEgressBlockEvent(ctx context.Context, ev EgressBlockEvent) error

	// Workspace run quota for the billing period.
	IncrementWorkspaceQuota(ctx context.Context, workspaceID string, periodStart time.Time, maxRuns int, allowOverage bool) (QuotaResult, error)
	ReleaseWorkspaceQuota(ctx context.Context, workspaceID string, periodStart time.Time, wasOverage bool) error

	// OAuth tokens and workspace connections.
	CreateOAuthToken(ctx context.Context, t OAuthToken) error
	GetOAuthToken(ctx context.Context, id string) (OAuthToken, error)
	UpdateOAuthToken(ctx context.Context, t OAuthToken) error
	SetOAuthTokenShared(ctx context.Context, id string, shared bool) error
	DeleteOAuthToken(ctx context.Context, id string) error
	CreateWorkspaceConnection(ctx context.Context, c WorkspaceConnection) error
	GetWorkspaceConnection(ctx context.Context, id string) (WorkspaceConnection, error)
	ListWorkspaceConnectionsBySource(ctx context.Context, sourceTokenID string) ([]WorkspaceConnection, error)
	ListWorkspaceConnectionsByCreator(ctx context.Context, workspaceID, createdBy string) ([]WorkspaceConnection, error)
	UpdateWorkspaceConnectionTokens(ctx context.Context, id, accessEnc, refreshEnc string, expiresAt time.Time) error
	MarkWorkspaceConnectionsStale(ctx context.Context, sourceTokenID string) error
	DeleteWorkspaceConnection(ctx context.Context, id string) error
	CountWorkspaceConnections(ctx context.Context, createdBy, provider string) (int, error)

	// Audit trail.
	CreateAuditEvent(ctx context.Context, ev AuditEvent) error

	// AdvisoryLock is a cluster-wide try-lock (postgres advisory lock).
	// Single-writer backends report success unconditionally.
	AdvisoryLock(ctx context.Context, key int64) (bool, error)
	AdvisoryUnlock(ctx context.Context, key int64) error
}
