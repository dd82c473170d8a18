package sql

// Query keys. Every statement the store executes is registered here once, in `?`
// placeholder form, and rewritten per driver at startup.
const (
	qWorkflowInsert           = "workflow_insert"
	qWorkflowUpdate           = "workflow_update"
	qWorkflowDelete           = "workflow_delete"
	qWorkflowGet              = "workflow_get"
	qWorkflowList             = "workflow_list"
	qWorkflowCount            = "workflow_count"
	qWorkflowUpdateWebhook    = "workflow_update_webhook"
	qWorkflowUpdateConcurrency = "workflow_update_concurrency"
	qWorkflowUpdateEgress     = "workflow_update_egress"

	qRunInsert          = "run_insert"
	qRunGet             = "run_get"
	qRunGetByKey        = "run_get_by_key"
	qRunLeaseCandidate  = "run_lease_candidate"
	qRunLeaseClaim      = "run_lease_claim"
	qRunRenewLease      = "run_renew_lease"
	qRunCancelFlag      = "run_cancel_flag"
	qRunMarkRunning     = "run_mark_running"
	qRunComplete        = "run_complete"
	qRunCancelQueued    = "run_cancel_queued"
	qRunExpiredLeases   = "run_expired_leases"
	qRunRequeue         = "run_requeue"
	qRunFailTimeout     = "run_fail_timeout"
	qRunList            = "run_list"
	qRunListByStatus    = "run_list_by_status"
	qRunCount           = "run_count"
	qRunCountByStatus   = "run_count_by_status"
	qRunCountActive     = "run_count_active"

	qNodeRunInsert = "node_run_insert"
	qNodeRunUpdate = "node_run_update"
	qNodeRunList   = "node_run_list"

	qScheduleUpsert  = "schedule_upsert"
	qScheduleGet     = "schedule_get"
	qScheduleDue     = "schedule_due"
	qScheduleFired   = "schedule_fired"
	qScheduleDisable = "schedule_disable"

	qDeadLetterInsert = "dead_letter_insert"
	qDeadLetterList   = "dead_letter_list"
	qDeadLetterGet    = "dead_letter_get"
	qDeadLetterDelete = "dead_letter_delete"

	qWebhookSigInsert = "webhook_sig_insert"
	qWebhookSigPurge  = "webhook_sig_purge"

	qEgressEventInsert = "egress_event_insert"

	qQuotaEnsure  = "quota_ensure"
	qQuotaGet     = "quota_get"
	qQuotaSet     = "quota_set"
	qQuotaRelease = "quota_release"

	qOAuthTokenInsert    = "oauth_token_insert"
	qOAuthTokenGet       = "oauth_token_get"
	qOAuthTokenUpdate    = "oauth_token_update"
	qOAuthTokenSetShared = "oauth_token_set_shared"
	qOAuthTokenDelete    = "oauth_token_delete"

	qConnInsert        = "conn_insert"
	qConnGet           = "conn_get"
	qConnListBySource  = "conn_list_by_source"
	qConnListByCreator = "conn_list_by_creator"
	qConnUpdateTokens  = "conn_update_tokens"
	qConnMarkStale     = "conn_mark_stale"
	qConnDelete        = "conn_delete"
	qConnCount         = "conn_count"

	qAuditInsert = "audit_insert"

	qAdvisoryLock   = "advisory_lock"
	qAdvisoryUnlock = "advisory_unlock"
)

const workflowColumns = `id, owner, workspace_id, name, description, graph, webhook_salt,
	require_hmac, hmac_replay_window_sec, egress_allowlist, concurrency_limit,
	auto_dead_letter, created_at, updated_at`

const runColumns = `id, workflow_id, owner, status, priority, idempotency_key, snapshot,
	lease_owner, lease_expires_at, recovery_count, cancel_requested, error,
	created_at, updated_at, started_at, finished_at`

var commonQueries = map[string]string{
	qWorkflowInsert: `INSERT INTO workflows (` + workflowColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	qWorkflowUpdate: `UPDATE workflows SET name = ?, description = ?, graph = ?,
		concurrency_limit = ?, auto_dead_letter = ?, updated_at = ?
		WHERE id = ? AND owner = ?`,
	qWorkflowDelete: `DELETE FROM workflows WHERE id = ? AND owner = ?`,
	qWorkflowGet:    `SELECT ` + workflowColumns + ` FROM workflows WHERE id = ?`,
	qWorkflowList: `SELECT ` + workflowColumns + ` FROM workflows WHERE owner = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
	qWorkflowCount: `SELECT COUNT(*) FROM workflows WHERE owner = ?`,
	qWorkflowUpdateWebhook: `UPDATE workflows SET webhook_salt = ?, require_hmac = ?,
		hmac_replay_window_sec = ?, updated_at = ? WHERE id = ? AND owner = ?`,
	qWorkflowUpdateConcurrency: `UPDATE workflows SET concurrency_limit = ?, updated_at = ?
		WHERE id = ? AND owner = ?`,
	qWorkflowUpdateEgress: `UPDATE workflows SET egress_allowlist = ?, updated_at = ?
		WHERE id = ? AND owner = ?`,

	qRunInsert: `INSERT INTO workflow_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	qRunGet: `SELECT ` + runColumns + ` FROM workflow_runs WHERE id = ?`,
	qRunGetByKey: `SELECT ` + runColumns + ` FROM workflow_runs
		WHERE workflow_id = ? AND idempotency_key = ?`,
	// Picks the next leasable run: queued, highest priority first, oldest
	// first, and only when the workflow's active slots are not exhausted.
	qRunLeaseCandidate: `SELECT r.id FROM workflow_runs r
		JOIN workflows w ON w.id = r.workflow_id
		WHERE r.status = 'queued'
		  AND (SELECT COUNT(*) FROM workflow_runs a
		       WHERE a.workflow_id = r.workflow_id
		         AND a.status IN ('leased', 'running')) < w.concurrency_limit
		ORDER BY r.priority DESC, r.created_at ASC
		LIMIT 1`,
	// The claim re-checks the concurrency budget: the candidate read may be
	// stale by the time the claim statement runs.
	qRunLeaseClaim: `UPDATE workflow_runs SET status = 'leased', lease_owner = ?,
		lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'
		  AND (SELECT COUNT(*) FROM workflow_runs a
		       WHERE a.workflow_id = workflow_runs.workflow_id
		         AND a.status IN ('leased', 'running'))
		      < (SELECT w.concurrency_limit FROM workflows w
		         WHERE w.id = workflow_runs.workflow_id)`,
	qRunRenewLease: `UPDATE workflow_runs SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status IN ('leased', 'running')`,
	qRunCancelFlag: `UPDATE workflow_runs SET cancel_requested = ?, updated_at = ?
		WHERE id = ?`,
	qRunMarkRunning: `UPDATE workflow_runs SET status = 'running', started_at = ?, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status = 'leased'`,
	qRunComplete: `UPDATE workflow_runs SET status = ?, error = ?, lease_owner = '',
		lease_expires_at = NULL, finished_at = ?, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status IN ('leased', 'running')`,
	qRunCancelQueued: `UPDATE workflow_runs SET status = 'canceled', finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'`,
	qRunExpiredLeases: `SELECT r.id, r.recovery_count, r.workflow_id, r.owner, r.snapshot,
		w.auto_dead_letter
		FROM workflow_runs r JOIN workflows w ON w.id = r.workflow_id
		WHERE r.status IN ('leased', 'running') AND r.lease_expires_at < ?`,
	qRunRequeue: `UPDATE workflow_runs SET status = 'queued', lease_owner = '',
		lease_expires_at = NULL, recovery_count = recovery_count + 1, updated_at = ?
		WHERE id = ? AND status IN ('leased', 'running')`,
	qRunFailTimeout: `UPDATE workflow_runs SET status = 'failed', error = 'lease_timeout',
		lease_owner = '', lease_expires_at = NULL, finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('leased', 'running')`,
	qRunList: `SELECT ` + runColumns + ` FROM workflow_runs WHERE workflow_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
	qRunListByStatus: `SELECT ` + runColumns + ` FROM workflow_runs
		WHERE workflow_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
	qRunCount:         `SELECT COUNT(*) FROM workflow_runs WHERE workflow_id = ?`,
	qRunCountByStatus: `SELECT COUNT(*) FROM workflow_runs WHERE workflow_id = ? AND status = ?`,
	qRunCountActive: `SELECT COUNT(*) FROM workflow_runs
		WHERE workflow_id = ? AND status IN ('leased', 'running')`,

	qNodeRunInsert: `INSERT INTO workflow_node_runs (run_id, node_id, attempt, status,
		started_at, finished_at, output, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	qNodeRunUpdate: `UPDATE workflow_node_runs SET status = ?, started_at = ?, finished_at = ?,
		output = ?, error = ?, updated_at = ?
		WHERE run_id = ? AND node_id = ? AND attempt = ?`,
	qNodeRunList: `SELECT run_id, node_id, attempt, status, started_at, finished_at,
		output, error, updated_at
		FROM workflow_node_runs WHERE run_id = ? ORDER BY updated_at ASC, node_id ASC, attempt ASC`,

	qScheduleUpsert: `INSERT INTO workflow_schedules (workflow_id, config, last_run_at, next_run_at, enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id) DO UPDATE SET config = excluded.config,
		next_run_at = excluded.next_run_at, enabled = excluded.enabled`,
	qScheduleGet: `SELECT workflow_id, config, last_run_at, next_run_at, enabled
		FROM workflow_schedules WHERE workflow_id = ?`,
	qScheduleDue: `SELECT workflow_id, config, last_run_at, next_run_at, enabled
		FROM workflow_schedules WHERE enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`,
	qScheduleFired: `UPDATE workflow_schedules SET last_run_at = ?, next_run_at = ?
		WHERE workflow_id = ?`,
	qScheduleDisable: `UPDATE workflow_schedules SET enabled = ? WHERE workflow_id = ?`,

	qDeadLetterInsert: `INSERT INTO workflow_dead_letters (id, workflow_id, owner, source_run_id,
		reason, snapshot, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
	qDeadLetterList: `SELECT id, workflow_id, owner, source_run_id, reason, snapshot, created_at
		FROM workflow_dead_letters WHERE workflow_id = ? ORDER BY created_at DESC`,
	qDeadLetterGet: `SELECT id, workflow_id, owner, source_run_id, reason, snapshot, created_at
		FROM workflow_dead_letters WHERE id = ?`,
	qDeadLetterDelete: `DELETE FROM workflow_dead_letters WHERE id = ?`,

	qWebhookSigInsert: `INSERT INTO workflow_webhook_signatures (workflow_id, signature, seen_at)
		VALUES (?, ?, ?)`,
	qWebhookSigPurge: `DELETE FROM workflow_webhook_signatures WHERE workflow_id = ? AND seen_at < ?`,

	qEgressEventInsert: `INSERT INTO workflow_egress_block_events (id, workflow_id, run_id, node_id,
		host, created_at) VALUES (?, ?, ?, ?, ?, ?)`,

	qQuotaEnsure: `INSERT INTO workspace_run_quota (workspace_id, period_start, run_count, overage_count)
		VALUES (?, ?, 0, 0) ON CONFLICT (workspace_id, period_start) DO NOTHING`,
	qQuotaGet: `SELECT run_count, overage_count FROM workspace_run_quota
		WHERE workspace_id = ? AND period_start = ?`,
	qQuotaSet: `UPDATE workspace_run_quota SET run_count = ?, overage_count = ?
		WHERE workspace_id = ? AND period_start = ?`,
	qQuotaRelease: `UPDATE workspace_run_quota SET
		run_count = CASE WHEN run_count > 0 THEN run_count - 1 ELSE 0 END,
		overage_count = CASE WHEN ? AND overage_count > 0 THEN overage_count - 1 ELSE overage_count END
		WHERE workspace_id = ? AND period_start = ?`,

	qOAuthTokenInsert: `INSERT INTO user_oauth_tokens (id, user_id, provider, access_enc,
		refresh_enc, expires_at, account_email, metadata_enc, is_shared, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	qOAuthTokenGet: `SELECT id, user_id, provider, access_enc, refresh_enc, expires_at,
		account_email, metadata_enc, is_shared, updated_at
		FROM user_oauth_tokens WHERE id = ?`,
	qOAuthTokenUpdate: `UPDATE user_oauth_tokens SET access_enc = ?, refresh_enc = ?,
		expires_at = ?, metadata_enc = ?, updated_at = ? WHERE id = ?`,
	qOAuthTokenSetShared: `UPDATE user_oauth_tokens SET is_shared = ?, updated_at = ? WHERE id = ?`,
	qOAuthTokenDelete:    `DELETE FROM user_oauth_tokens WHERE id = ?`,

	qConnInsert: `INSERT INTO workspace_connections (id, workspace_id, created_by,
		source_token_id, provider, access_enc, refresh_enc, expires_at, account_email,
		stale, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	qConnGet: `SELECT id, workspace_id, created_by, source_token_id, provider, access_enc,
		refresh_enc, expires_at, account_email, stale, updated_at
		FROM workspace_connections WHERE id = ?`,
	qConnListBySource: `SELECT id, workspace_id, created_by, source_token_id, provider,
		access_enc, refresh_enc, expires_at, account_email, stale, updated_at
		FROM workspace_connections WHERE source_token_id = ?`,
	qConnListByCreator: `SELECT id, workspace_id, created_by, source_token_id, provider,
		access_enc, refresh_enc, expires_at, account_email, stale, updated_at
		FROM workspace_connections WHERE workspace_id = ? AND created_by = ?`,
	qConnUpdateTokens: `UPDATE workspace_connections SET access_enc = ?, refresh_enc = ?,
		expires_at = ?, stale = ?, updated_at = ? WHERE id = ?`,
	qConnMarkStale: `UPDATE workspace_connections SET stale = ?, updated_at = ?
		WHERE source_token_id = ?`,
	qConnDelete: `DELETE FROM workspace_connections WHERE id = ?`,
	qConnCount: `SELECT COUNT(*) FROM workspace_connections
		WHERE created_by = ? AND provider = ?`,

	qAuditInsert: `INSERT INTO workspace_audit_events (id, workspace_id, actor_id, action,
		entity_type, entity_id, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
}

// driverOverrides replaces statements that need backend-specific SQL. The
// override is still written with `?` placeholders; rewriting happens after the
// override is applied.
var driverOverrides = map[string]map[string]string{
	"pgx": {
		// SKIP LOCKED keeps concurrent workers from fighting over the same
		// candidate row under postgres. Locking the workflow row as well
		// serializes claimers per workflow, so the budget subquery cannot
		// admit two runs past a limit-1 workflow from concurrent
		// transactions. sqlite serializes writers anyway.
		qRunLeaseCandidate: `SELECT r.id FROM workflow_runs r
			JOIN workflows w ON w.id = r.workflow_id
			WHERE r.status = 'queued'
			  AND (SELECT COUNT(*) FROM workflow_runs a
			       WHERE a.workflow_id = r.workflow_id
			         AND a.status IN ('leased', 'running')) < w.concurrency_limit
			ORDER BY r.priority DESC, r.created_at ASC
			LIMIT 1
			FOR UPDATE OF r, w SKIP LOCKED`,
		// Quota increments are read-modify-write inside a transaction;
		// FOR UPDATE serializes them under READ COMMITTED.
		qQuotaGet: `SELECT run_count, overage_count FROM workspace_run_quota
			WHERE workspace_id = ? AND period_start = ? FOR UPDATE`,
		qAdvisoryLock:   `SELECT pg_try_advisory_lock(?)`,
		qAdvisoryUnlock: `SELECT pg_advisory_unlock(?)`,
	},
}
