// Package store is the reference storage collaborator for the linking
// engine: one immutable record per inbound request, plus the two temporal
// query ports the linker consumes. Corrections happen by inserting new
// records or by the batch rebuild overwriting the three derived fields;
// history itself is never mutated.
package store

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

	"github.com/threadproxy/threadproxy/pkg/linker"
)

// TaskToolName identifies tool invocations that spawn sub-tasks.
const TaskToolName = "Task"

// Record is the persisted snapshot of one inbound request.
type Record struct {
	ID                  int64
	RequestID           string
	Domain              string
	ConversationID      string
	BranchID            string
	CurrentMessageHash  string
	ParentMessageHash   string
	SystemHash          string
	// ResponseMessageHash is the identity hash of the assistant message in
	// the response payload. The next request repeats that message as its
	// second-to-last entry, so parent lookup matches against it too.
	ResponseMessageHash string
	ParentTaskRequestID string
	// RequestBody is the linkable request content (messages + system),
	// kept so rebuilds can replay linking against history.
	RequestBody string
	// ResponseBody is the raw upstream response payload, searched for
	// task-spawning tool invocations during sub-task correlation.
	ResponseBody string
	Timestamp    time.Time
}

// Store persists request records in SQLite.
type Store struct {
	db *sql.DB
}

// New creates/opens the request database at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process store. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT UNIQUE NOT NULL,
			domain TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			branch_id TEXT NOT NULL DEFAULT 'main',
			current_message_hash TEXT NOT NULL DEFAULT '',
			parent_message_hash TEXT NOT NULL DEFAULT '',
			system_hash TEXT NOT NULL DEFAULT '',
			response_message_hash TEXT NOT NULL DEFAULT '',
			parent_task_request_id TEXT NOT NULL DEFAULT '',
			request_body TEXT NOT NULL DEFAULT '',
			response_body TEXT NOT NULL DEFAULT '',
			timestamp_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS requests_parent_lookup_idx ON requests(domain, current_message_hash, timestamp_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS requests_response_lookup_idx ON requests(domain, response_message_hash, timestamp_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS requests_branch_idx ON requests(domain, conversation_id, parent_message_hash);`,
		`CREATE INDEX IF NOT EXISTS requests_domain_time_idx ON requests(domain, timestamp_ms);`,
		`CREATE INDEX IF NOT EXISTS requests_parent_task_idx ON requests(domain, parent_task_request_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init store schema: %w", err)
		}
	}
	return nil
}

// InsertRequest persists one record. Records are immutable once written;
// only UpdateDerived may touch them afterwards.
func (s *Store) InsertRequest(ctx context.Context, rec Record) (Record, error) {
	if rec.RequestID == "" {
		rec.RequestID = uuid.NewString()
	}
	if rec.BranchID == "" {
		rec.BranchID = linker.MainBranch
	}
	if strings.TrimSpace(rec.Domain) == "" {
		return Record{}, fmt.Errorf("insert request: empty domain")
	}
	if rec.Timestamp.IsZero() {
		return Record{}, fmt.Errorf("insert request: zero timestamp")
	}

	// Hashes are immutable facts of the request; derive any the caller
	// left blank so rebuilds have them regardless of the ingestion path.
	if rec.CurrentMessageHash == "" && rec.RequestBody != "" {
		if body, err := linker.ParseRequestBody([]byte(rec.RequestBody)); err == nil {
			pair := linker.ComputeHashes(body.Messages, body.System)
			rec.CurrentMessageHash = pair.CurrentHash
			rec.ParentMessageHash = pair.ParentHash
			rec.SystemHash = pair.SystemHash
		}
	}
	if rec.ResponseMessageHash == "" && rec.ResponseBody != "" {
		rec.ResponseMessageHash = linker.ResponseMessageHash([]byte(rec.ResponseBody))
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO requests(request_id, domain, conversation_id, branch_id, current_message_hash, parent_message_hash, system_hash, response_message_hash, parent_task_request_id, request_body, response_body, timestamp_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Domain, rec.ConversationID, rec.BranchID,
		rec.CurrentMessageHash, rec.ParentMessageHash, rec.SystemHash,
		rec.ResponseMessageHash, rec.ParentTaskRequestID, rec.RequestBody,
		rec.ResponseBody, rec.Timestamp.UnixMilli())
	if err != nil {
		return Record{}, fmt.Errorf("insert request: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return rec, nil
}

// UpdateDerived overwrites the three derived fields of one record. This is
// the only sanctioned mutation path; the batch rebuild is its only caller.
func (s *Store) UpdateDerived(ctx context.Context, requestID, conversationID, branchID, parentTaskRequestID string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE requests
SET conversation_id = ?, branch_id = ?, parent_task_request_id = ?
WHERE request_id = ?`, conversationID, branchID, parentTaskRequestID, requestID)
	if err != nil {
		return fmt.Errorf("update derived fields: %w", err)
	}
	return nil
}

// GetRequest loads one record by request ID.
func (s *Store) GetRequest(ctx context.Context, requestID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, request_id, domain, conversation_id, branch_id, current_message_hash, parent_message_hash, system_hash, response_message_hash, parent_task_request_id, request_body, response_body, timestamp_ms
FROM requests WHERE request_id = ?`, requestID)
	return scanRecord(row)
}

// ParentLookup implements the linker's parent-lookup port: the most recent
// record in the domain whose current or response message hash equals
// parentHash, strictly older than asOf, enriched with the derived facts
// branch assignment needs. The response hash match is the common case: a
// follow-up request repeats the assistant reply as its second-to-last
// message, and that reply only ever appeared in a response payload.
func (s *Store) ParentLookup(ctx context.Context, domain, parentHash string, asOf time.Time) (*linker.ParentRecord, error) {
	asOfMS := asOf.UnixMilli()
	row := s.db.QueryRowContext(ctx, `
SELECT request_id, conversation_id, branch_id, timestamp_ms
FROM requests
WHERE domain = ? AND (current_message_hash = ? OR response_message_hash = ?) AND timestamp_ms < ?
ORDER BY timestamp_ms DESC, id DESC
LIMIT 1`, domain, parentHash, parentHash, asOfMS)

	var rec linker.ParentRecord
	var tsMS int64
	if err := row.Scan(&rec.RequestID, &rec.ConversationID, &rec.BranchID, &tsMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("parent lookup: %w", err)
	}
	rec.Timestamp = time.UnixMilli(tsMS)

	children, err := s.childHashes(ctx, domain, rec.ConversationID, parentHash, asOfMS)
	if err != nil {
		return nil, err
	}
	rec.ChildHashes = children

	seq, err := s.nextBranchSeq(ctx, domain, rec.ConversationID, asOfMS)
	if err != nil {
		return nil, err
	}
	rec.NextBranchSeq = seq
	return &rec, nil
}

// childHashes lists the distinct child message hashes already recorded
// under a parent hash. Branch existence is derived here at query time, not
// kept as stored truth.
func (s *Store) childHashes(ctx context.Context, domain, conversationID, parentHash string, asOfMS int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT current_message_hash
FROM requests
WHERE domain = ? AND conversation_id = ? AND parent_message_hash = ? AND timestamp_ms < ?`,
		domain, conversationID, parentHash, asOfMS)
	if err != nil {
		return nil, fmt.Errorf("list child hashes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan child hash: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate child hashes: %w", err)
	}
	return out, nil
}

func (s *Store) nextBranchSeq(ctx context.Context, domain, conversationID string, asOfMS int64) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(DISTINCT branch_id)
FROM requests
WHERE domain = ? AND conversation_id = ? AND branch_id LIKE 'branch\_%' ESCAPE '\' AND timestamp_ms < ?`,
		domain, conversationID, asOfMS)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("next branch seq: %w", err)
	}
	return n + 1, nil
}

// TaskLookup implements the linker's subtask-lookup port. The LIKE clause is
// only a prefilter; candidate payloads are decoded and their invocation
// prompts compared after normalization, so correctness never depends on it.
// Ordinals are computed in a second pass after the candidate cursor is
// drained: with a single pooled connection, a query issued while the cursor
// is still open would wait on itself.
func (s *Store) TaskLookup(ctx context.Context, domain, prompt string, asOf time.Time, lookback time.Duration) ([]linker.TaskInvocation, error) {
	asOfMS := asOf.UnixMilli()
	out, err := s.taskCandidates(ctx, domain, prompt, asOf.Add(-lookback).UnixMilli(), asOfMS)
	if err != nil {
		return nil, err
	}
	for i := range out {
		ordinal, err := s.subtaskOrdinal(ctx, domain, out[i].RequestID, asOfMS)
		if err != nil {
			return nil, err
		}
		out[i].SubtaskOrdinal = ordinal
	}
	return out, nil
}

func (s *Store) taskCandidates(ctx context.Context, domain, prompt string, sinceMS, asOfMS int64) ([]linker.TaskInvocation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT request_id, conversation_id, response_body, timestamp_ms
FROM requests
WHERE domain = ? AND timestamp_ms >= ? AND timestamp_ms < ? AND response_body LIKE '%tool_use%'
ORDER BY timestamp_ms ASC, id ASC`, domain, sinceMS, asOfMS)
	if err != nil {
		return nil, fmt.Errorf("task lookup: %w", err)
	}
	defer rows.Close()

	var out []linker.TaskInvocation
	for rows.Next() {
		var inv linker.TaskInvocation
		var body string
		var tsMS int64
		if err := rows.Scan(&inv.RequestID, &inv.ConversationID, &body, &tsMS); err != nil {
			return nil, fmt.Errorf("scan task candidate: %w", err)
		}
		if !responseSpawnsPrompt(body, prompt) {
			continue
		}
		inv.Timestamp = time.UnixMilli(tsMS)
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task candidates: %w", err)
	}
	return out, nil
}

// subtaskOrdinal counts sub-tasks already linked to the parent, as of the
// probe timestamp, plus one.
func (s *Store) subtaskOrdinal(ctx context.Context, domain, parentRequestID string, asOfMS int64) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM requests
WHERE domain = ? AND parent_task_request_id = ? AND timestamp_ms < ?`,
		domain, parentRequestID, asOfMS)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("subtask ordinal: %w", err)
	}
	return n + 1, nil
}

// responseSpawnsPrompt reports whether a response payload contains a
// task-spawning tool invocation whose prompt equals the probe text under
// the same normalization the linker applies.
func responseSpawnsPrompt(body, prompt string) bool {
	var resp struct {
		Content []struct {
			Type  string `json:"type"`
			Name  string `json:"name"`
			Input struct {
				Prompt string `json:"prompt"`
			} `json:"input"`
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return false
	}
	for _, block := range resp.Content {
		if block.Type != "tool_use" || block.Name != TaskToolName {
			continue
		}
		if linker.NormalizeText(block.Input.Prompt) == prompt {
			return true
		}
	}
	return false
}

// Cursor marks a resumption point in the domain-wide timestamp order.
type Cursor struct {
	TimestampMS int64
	ID          int64
}

// CursorAfter builds the cursor that resumes iteration just after the
// given record.
func (s *Store) CursorAfter(ctx context.Context, requestID string) (Cursor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT timestamp_ms, id FROM requests WHERE request_id = ?`, requestID)
	var c Cursor
	if err := row.Scan(&c.TimestampMS, &c.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Cursor{}, fmt.Errorf("cursor after: request %s not found", requestID)
		}
		return Cursor{}, fmt.Errorf("cursor after: %w", err)
	}
	return c, nil
}

// ListRequests returns up to limit records after the cursor, in
// non-decreasing timestamp order. The zero cursor starts from the oldest
// record.
func (s *Store) ListRequests(ctx context.Context, after Cursor, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, request_id, domain, conversation_id, branch_id, current_message_hash, parent_message_hash, system_hash, response_message_hash, parent_task_request_id, request_body, response_body, timestamp_ms
FROM requests
WHERE timestamp_ms > ? OR (timestamp_ms = ? AND id > ?)
ORDER BY timestamp_ms ASC, id ASC
LIMIT ?`, after.TimestampMS, after.TimestampMS, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

func scanRecord(row *sql.Row) (Record, error) {
	var rec Record
	var tsMS int64
	if err := row.Scan(&rec.ID, &rec.RequestID, &rec.Domain, &rec.ConversationID, &rec.BranchID,
		&rec.CurrentMessageHash, &rec.ParentMessageHash, &rec.SystemHash, &rec.ResponseMessageHash,
		&rec.ParentTaskRequestID, &rec.RequestBody, &rec.ResponseBody, &tsMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, sql.ErrNoRows
		}
		return Record{}, fmt.Errorf("get request: %w", err)
	}
	rec.Timestamp = time.UnixMilli(tsMS)
	return rec, nil
}

func scanRecordRows(rows *sql.Rows) (Record, error) {
	var rec Record
	var tsMS int64
	if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Domain, &rec.ConversationID, &rec.BranchID,
		&rec.CurrentMessageHash, &rec.ParentMessageHash, &rec.SystemHash, &rec.ResponseMessageHash,
		&rec.ParentTaskRequestID, &rec.RequestBody, &rec.ResponseBody, &tsMS); err != nil {
		return Record{}, fmt.Errorf("scan request: %w", err)
	}
	rec.Timestamp = time.UnixMilli(tsMS)
	return rec, nil
}
