package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pitabwire/intraflow/model"
)

// NotifyChannel is the PostgreSQL channel request changes are announced on.
const NotifyChannel = "workflow_request_changes"

// PgRequestStore is a PostgreSQL-backed RequestStore using pgx/v5.
//
// The request document is stored as JSONB with history kept in its own
// column so that writes only ever append to it:
//
//	CREATE TABLE workflow_requests (
//	    id           TEXT PRIMARY KEY,
//	    request_id   TEXT NOT NULL UNIQUE,
//	    type         TEXT NOT NULL,
//	    status       TEXT NOT NULL,
//	    assignee_id  TEXT,
//	    is_archived  BOOLEAN NOT NULL DEFAULT FALSE,
//	    submitted_at TIMESTAMPTZ NOT NULL,
//	    doc          JSONB NOT NULL,
//	    history      JSONB NOT NULL DEFAULT '[]'::jsonb
//	);
type PgRequestStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPgRequestStore creates a new PostgreSQL request store.
func NewPgRequestStore(pool *pgxpool.Pool, logger *zap.Logger) *PgRequestStore {
	return &PgRequestStore{pool: pool, logger: logger}
}

type changeNotice struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// Create inserts a new request and announces it.
func (s *PgRequestStore) Create(ctx context.Context, r *model.WorkflowRequest) error {
	doc, history, err := splitDocument(r)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		INSERT INTO workflow_requests (
			id, request_id, type, status, assignee_id,
			is_archived, submitted_at, doc, history
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.RequestID, r.Type, r.Status, assigneeID(r),
		r.IsArchived, r.SubmittedAt, doc, history,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("request %q already exists", r.ID))
	}
	if err := notify(ctx, tx, r.ID, ChangeCreated); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

// Get retrieves a request by id.
func (s *PgRequestStore) Get(ctx context.Context, id string) (*model.WorkflowRequest, error) {
	return scanRequest(s.pool.QueryRow(ctx, `
		SELECT doc, history FROM workflow_requests WHERE id = $1`, id), id)
}

// List returns matching requests, newest first.
func (s *PgRequestStore) List(ctx context.Context, filters model.RequestFilters) ([]*model.WorkflowRequest, error) {
	query := `SELECT doc, history FROM workflow_requests WHERE TRUE`
	var args []any
	argIdx := 1

	if filters.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, filters.Type)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.AssigneeID != "" {
		query += fmt.Sprintf(" AND assignee_id = $%d", argIdx)
		args = append(args, filters.AssigneeID)
		argIdx++
	}
	if filters.Archived != nil {
		query += fmt.Sprintf(" AND is_archived = $%d", argIdx)
		args = append(args, *filters.Archived)
		argIdx++
	}

	query += " ORDER BY submitted_at DESC, request_id DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []*model.WorkflowRequest
	for rows.Next() {
		r, err := scanRequest(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Mutate locks the row, applies fn, writes the document back and appends
// only the new history entries.
func (s *PgRequestStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*model.WorkflowRequest, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin mutate: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	current, err := scanRequest(tx.QueryRow(ctx, `
		SELECT doc, history FROM workflow_requests WHERE id = $1 FOR UPDATE`, id), id)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := checkAppendOnly(current, next); err != nil {
		return nil, err
	}
	next.ID = current.ID

	doc, _, err := splitDocument(next)
	if err != nil {
		return nil, err
	}
	appended, err := json.Marshal(next.History[len(current.History):])
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE workflow_requests SET
			status = $2,
			assignee_id = $3,
			is_archived = $4,
			doc = $5,
			history = history || $6::jsonb
		WHERE id = $1`,
		id, next.Status, assigneeID(next), next.IsArchived, doc, appended,
	)
	if err != nil {
		return nil, fmt.Errorf("update request: %w", err)
	}
	if err := notify(ctx, tx, id, ChangeUpdated); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit mutate: %w", err)
	}
	return next, nil
}

// Watch holds a dedicated connection on LISTEN and re-reads each announced
// request.
func (s *PgRequestStore) Watch(ctx context.Context) (<-chan Change, func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	out := make(chan Change, feedBuffer)

	go func() {
		defer close(out)
		defer conn.Release()

		for {
			n, err := conn.Conn().WaitForNotification(watchCtx)
			if err != nil {
				if watchCtx.Err() == nil {
					s.logger.Error("request change listener stopped", zap.Error(err))
				}
				return
			}

			var notice changeNotice
			if err := json.Unmarshal([]byte(n.Payload), &notice); err != nil {
				s.logger.Warn("malformed change notification", zap.String("payload", n.Payload), zap.Error(err))
				continue
			}
			r, err := s.Get(watchCtx, notice.ID)
			if err != nil {
				s.logger.Warn("reading changed request failed", zap.String("id", notice.ID), zap.Error(err))
				continue
			}
			select {
			case out <- Change{Kind: notice.Kind, Request: r}:
			case <-watchCtx.Done():
				return
			}
		}
	}()

	return out, cancel, nil
}

// Ping checks database connectivity for readiness probes.
func (s *PgRequestStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func notify(ctx context.Context, tx pgx.Tx, id, kind string) error {
	payload, err := json.Marshal(changeNotice{ID: id, Kind: kind})
	if err != nil {
		return fmt.Errorf("marshal change notice: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(payload)); err != nil {
		return fmt.Errorf("notify change: %w", err)
	}
	return nil
}

// splitDocument returns the request without history, and the history, as
// JSON.
func splitDocument(r *model.WorkflowRequest) (doc, history []byte, err error) {
	body := *r
	body.History = nil
	doc, err = json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}
	entries := r.History
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	history, err = json.Marshal(entries)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal history: %w", err)
	}
	return doc, history, nil
}

func scanRequest(row pgx.Row, id string) (*model.WorkflowRequest, error) {
	var doc, history []byte
	err := row.Scan(&doc, &history)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("request %q not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}

	var r model.WorkflowRequest
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	if err := json.Unmarshal(history, &r.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return &r, nil
}

func assigneeID(r *model.WorkflowRequest) *string {
	if r.Assignee == nil {
		return nil
	}
	id := r.Assignee.ID
	return &id
}
