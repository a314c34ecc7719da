package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent memory storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process memory engine. One shared connection avoids writer
	// lock contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_items (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			text TEXT NOT NULL,
			embedding_json TEXT NOT NULL DEFAULT '[]',
			importance REAL NOT NULL DEFAULT 0.5,
			episode INTEGER NOT NULL DEFAULT 0,
			scene INTEGER NOT NULL DEFAULT 0,
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0,
			archived_at_ms INTEGER NOT NULL DEFAULT 0,
			summary_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS memory_items_owner_idx ON memory_items(owner_id, archived, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS summary_nodes (
			id TEXT PRIMARY KEY,
			level TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			text TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			source_ids_json TEXT NOT NULL DEFAULT '[]',
			active INTEGER NOT NULL DEFAULT 1,
			truncated INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS summary_scope_idx ON summary_nodes(level, scope_id, active, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS memory_jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			payload_json TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			run_after_ms INTEGER NOT NULL DEFAULT 0,
			lease_until_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS jobs_claim_idx ON memory_jobs(status, run_after_ms, priority, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS memory_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func decodeMap(raw string) map[string]string {
	m := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return m
	}
	_ = json.Unmarshal([]byte(raw), &m)
	return m
}

func encodeVector(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func decodeVector(raw string) []float32 {
	var vec []float32
	_ = json.Unmarshal([]byte(raw), &vec)
	return vec
}

func encodeIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func decodeIDs(raw string) []string {
	var ids []string
	_ = json.Unmarshal([]byte(raw), &ids)
	return ids
}

// PutMemoryItem writes an item and its embedding in one statement so a
// cancelled run never leaves an item without its vector.
func (s *SQLiteStore) PutMemoryItem(ctx context.Context, item MemoryItem) (MemoryItem, error) {
	if strings.TrimSpace(item.OwnerID) == "" {
		return MemoryItem{}, fmt.Errorf("put memory item: owner id is required")
	}
	if item.CreatedAtMS == 0 {
		item.CreatedAtMS = nowMS()
	}
	item.Importance = clampImportance(item.Importance)
	if item.TokenCount == 0 {
		item.TokenCount = estimateTokens(item.Text)
	}
	if item.Archived && item.ArchivedAtMS == 0 {
		item.ArchivedAtMS = nowMS()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_items(id, owner_id, kind, text, embedding_json, importance, episode, scene, token_count, created_at_ms, archived, archived_at_ms, summary_id)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	text = excluded.text,
	embedding_json = excluded.embedding_json,
	importance = excluded.importance,
	token_count = excluded.token_count`,
		item.ID, item.OwnerID, string(item.Kind), item.Text, encodeVector(item.Embedding),
		item.Importance, item.Episode, item.Scene, item.TokenCount, item.CreatedAtMS,
		boolToInt(item.Archived), item.ArchivedAtMS, item.SummaryID)
	if err != nil {
		return MemoryItem{}, fmt.Errorf("put memory item: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) GetMemoryItem(ctx context.Context, id string) (MemoryItem, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, owner_id, kind, text, embedding_json, importance, episode, scene, token_count, created_at_ms, archived, archived_at_ms, summary_id
FROM memory_items WHERE id = ?`, id)
	item, err := scanMemoryItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryItem{}, fmt.Errorf("memory item %s: %w", id, ErrNotFound)
		}
		return MemoryItem{}, fmt.Errorf("get memory item: %w", err)
	}
	return item, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryItem(row rowScanner) (MemoryItem, error) {
	var item MemoryItem
	var kind, embeddingRaw string
	var archived int
	if err := row.Scan(&item.ID, &item.OwnerID, &kind, &item.Text, &embeddingRaw,
		&item.Importance, &item.Episode, &item.Scene, &item.TokenCount,
		&item.CreatedAtMS, &archived, &item.ArchivedAtMS, &item.SummaryID); err != nil {
		return MemoryItem{}, err
	}
	item.Kind = MemoryKind(kind)
	item.Embedding = decodeVector(embeddingRaw)
	item.Archived = archived != 0
	return item, nil
}

// ListOwnerItems returns an owner's items newest first. An empty ownerID
// lists across all owners.
func (s *SQLiteStore) ListOwnerItems(ctx context.Context, ownerID string, includeArchived bool, limit int) ([]MemoryItem, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
SELECT id, owner_id, kind, text, embedding_json, importance, episode, scene, token_count, created_at_ms, archived, archived_at_ms, summary_id
FROM memory_items WHERE 1 = 1`
	args := []any{}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	if !includeArchived {
		query += ` AND archived = 0`
	}
	query += ` ORDER BY created_at_ms DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list owner items: %w", err)
	}
	defer rows.Close()
	return collectMemoryItems(rows)
}

func (s *SQLiteStore) ListActiveOldest(ctx context.Context, ownerID string, limit int) ([]MemoryItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_id, kind, text, embedding_json, importance, episode, scene, token_count, created_at_ms, archived, archived_at_ms, summary_id
FROM memory_items
WHERE owner_id = ? AND archived = 0
ORDER BY created_at_ms ASC, id ASC
LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active oldest: %w", err)
	}
	defer rows.Close()
	return collectMemoryItems(rows)
}

func collectMemoryItems(rows *sql.Rows) ([]MemoryItem, error) {
	items := []MemoryItem{}
	for rows.Next() {
		item, err := scanMemoryItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) HasOwner(ctx context.Context, ownerID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM memory_items WHERE owner_id = ? LIMIT 1`, ownerID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("has owner: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT owner_id FROM memory_items ORDER BY owner_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()
	owners := []string{}
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

func (s *SQLiteStore) CountActive(ctx context.Context, ownerID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM memory_items WHERE owner_id = ? AND archived = 0`, ownerID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) UpdateImportance(ctx context.Context, id string, importance float64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE memory_items SET importance = ? WHERE id = ?`, clampImportance(importance), id)
	if err != nil {
		return fmt.Errorf("update importance: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("memory item %s: %w", id, ErrNotFound)
	}
	return nil
}

// DecayImportance multiplies all active importances for an owner by
// factor. Callers serialize per owner.
func (s *SQLiteStore) DecayImportance(ctx context.Context, ownerID string, factor float64) error {
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_items SET importance = importance * ? WHERE owner_id = ? AND archived = 0`, factor, ownerID)
	if err != nil {
		return fmt.Errorf("decay importance: %w", err)
	}
	return nil
}

// ArchiveItems marks the given items archived under summaryID. If any id
// is already archived or missing the whole transaction rolls back with
// ErrStaleWrite so the compaction pass can re-read and retry.
func (s *SQLiteStore) ArchiveItems(ctx context.Context, ids []string, summaryID string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("archive items begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	archived := 0
	archivedAt := nowMS()
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
UPDATE memory_items SET archived = 1, archived_at_ms = ?, summary_id = ? WHERE id = ? AND archived = 0`, archivedAt, summaryID, id)
		if err != nil {
			return 0, fmt.Errorf("archive item %s: %w", id, err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return 0, fmt.Errorf("archive item %s: %w", id, ErrStaleWrite)
		}
		archived++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("archive items commit: %w", err)
	}
	return archived, nil
}

// PurgeArchivedBefore deletes items whose archival, not creation,
// predates the cutoff. A long-lived item archived recently survives.
func (s *SQLiteStore) PurgeArchivedBefore(ctx context.Context, cutoffMS int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM memory_items WHERE archived = 1 AND archived_at_ms < ?`, cutoffMS)
	if err != nil {
		return 0, fmt.Errorf("purge archived: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// InsertSummaryNode appends a summary node and deactivates the previous
// active node for the same (level, scope) in the same transaction.
func (s *SQLiteStore) InsertSummaryNode(ctx context.Context, node SummaryNode) error {
	if node.ID == "" {
		return fmt.Errorf("insert summary node: id is required")
	}
	if node.CreatedAtMS == 0 {
		node.CreatedAtMS = nowMS()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert summary begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if node.Active {
		if _, err := tx.ExecContext(ctx, `
UPDATE summary_nodes SET active = 0 WHERE level = ? AND scope_id = ? AND active = 1`,
			string(node.Level), node.ScopeID); err != nil {
			return fmt.Errorf("deactivate prior summary: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO summary_nodes(id, level, scope_id, text, token_count, source_ids_json, active, truncated, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID, string(node.Level), node.ScopeID, node.Text, node.TokenCount,
		encodeIDs(node.SourceIDs), boolToInt(node.Active), boolToInt(node.Truncated), node.CreatedAtMS); err != nil {
		return fmt.Errorf("insert summary node: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert summary commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ActiveSummary(ctx context.Context, level SummaryLevel, scopeID string) (SummaryNode, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, level, scope_id, text, token_count, source_ids_json, active, truncated, created_at_ms
FROM summary_nodes
WHERE level = ? AND scope_id = ? AND active = 1
ORDER BY created_at_ms DESC LIMIT 1`, string(level), scopeID)
	return scanSummaryRow(row)
}

func (s *SQLiteStore) LatestActive(ctx context.Context, level SummaryLevel) (SummaryNode, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, level, scope_id, text, token_count, source_ids_json, active, truncated, created_at_ms
FROM summary_nodes
WHERE level = ? AND active = 1
ORDER BY created_at_ms DESC LIMIT 1`, string(level))
	return scanSummaryRow(row)
}

func scanSummaryRow(row rowScanner) (SummaryNode, bool, error) {
	var node SummaryNode
	var level, sourceRaw string
	var active, truncated int
	if err := row.Scan(&node.ID, &level, &node.ScopeID, &node.Text, &node.TokenCount,
		&sourceRaw, &active, &truncated, &node.CreatedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SummaryNode{}, false, nil
		}
		return SummaryNode{}, false, fmt.Errorf("scan summary node: %w", err)
	}
	node.Level = SummaryLevel(level)
	node.SourceIDs = decodeIDs(sourceRaw)
	node.Active = active != 0
	node.Truncated = truncated != 0
	return node, true, nil
}

func (s *SQLiteStore) ListSummaries(ctx context.Context, level SummaryLevel, scopeID string, includeInactive bool) ([]SummaryNode, error) {
	query := `
SELECT id, level, scope_id, text, token_count, source_ids_json, active, truncated, created_at_ms
FROM summary_nodes WHERE level = ? AND scope_id = ?`
	if !includeInactive {
		query += ` AND active = 1`
	}
	query += ` ORDER BY created_at_ms ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, string(level), scopeID)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	nodes := []SummaryNode{}
	for rows.Next() {
		node, ok, err := scanSummaryRow(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			nodes = append(nodes, node)
		}
	}
	return nodes, rows.Err()
}

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job Job) error {
	now := nowMS()
	if job.ID == "" {
		job.ID = "job-" + uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.Priority == 0 {
		job.Priority = 100
	}
	if job.RunAfterMS == 0 {
		job.RunAfterMS = now
	}
	if job.CreatedAtMS == 0 {
		job.CreatedAtMS = now
	}
	if job.UpdatedAtMS == 0 {
		job.UpdatedAtMS = now
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_jobs(id, job_type, owner_id, status, priority, payload_json, error, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	priority = excluded.priority,
	payload_json = excluded.payload_json,
	run_after_ms = excluded.run_after_ms,
	updated_at_ms = excluded.updated_at_ms`,
		job.ID, job.JobType, job.OwnerID, job.Status, job.Priority, encodeMap(job.Payload),
		job.Error, job.RunAfterMS, job.LeaseUntilMS, job.CreatedAtMS, job.UpdatedAtMS, job.CompletedAtMS)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error) {
	if leaseForMS <= 0 {
		leaseForMS = 60_000
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, job_type, owner_id, status, priority, payload_json, error, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms
FROM memory_jobs
WHERE run_after_ms <= ?
AND (status = ? OR (status = ? AND lease_until_ms <= ?))
ORDER BY priority ASC, created_at_ms ASC
LIMIT 1`, nowMS, JobPending, JobRunning, nowMS)

	var job Job
	var payloadRaw string
	if err := row.Scan(&job.ID, &job.JobType, &job.OwnerID, &job.Status, &job.Priority, &payloadRaw,
		&job.Error, &job.RunAfterMS, &job.LeaseUntilMS, &job.CreatedAtMS, &job.UpdatedAtMS, &job.CompletedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("claim next job select: %w", err)
	}
	job.Payload = decodeMap(payloadRaw)

	leaseUntil := nowMS + leaseForMS
	res, err := tx.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, lease_until_ms = ?, updated_at_ms = ?, error = ''
WHERE id = ? AND (status = ? OR (status = ? AND lease_until_ms <= ?))`,
		JobRunning, leaseUntil, nowMS, job.ID, JobPending, JobRunning, nowMS)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return Job{}, false, nil
	}

	if err := tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("claim next job commit: %w", err)
	}
	job.Status = JobRunning
	job.LeaseUntilMS = leaseUntil
	return job, true, nil
}

// CompleteJob marks a running job done. A job re-enqueued (back to
// pending) while it ran keeps its pending status and will be claimed
// again.
func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs SET status = ?, updated_at_ms = ?, completed_at_ms = ? WHERE id = ? AND status = ?`,
		JobCompleted, now, now, id, JobRunning)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs SET status = ?, error = ?, updated_at_ms = ? WHERE id = ? AND status = ?`,
		JobFailed, errMsg, nowMS(), id, JobRunning)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueExpiredJobs(ctx context.Context, nowMS int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, updated_at_ms = ?, error = ''
WHERE status = ? AND lease_until_ms > 0 AND lease_until_ms <= ?`, JobPending, nowMS, JobRunning, nowMS)
	if err != nil {
		return fmt.Errorf("requeue expired jobs: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_metrics(metric, value, labels_json, created_at_ms)
VALUES(?, ?, ?, ?)`, metric, value, encodeMap(labels), nowMS())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
