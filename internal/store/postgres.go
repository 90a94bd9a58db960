// Package store provides database and cache access
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shiv6146/blayzen-console/internal/models"
)

// PostgresStore persists call detail records for the operator console
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CreateCallLog creates a new call log entry
func (s *PostgresStore) CreateCallLog(ctx context.Context, call *models.CallLog) (*models.CallLog, error) {
	var c models.CallLog
	err := s.pool.QueryRow(ctx, `
		INSERT INTO call_logs (call_id, operator, direction, remote_identity, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, call_id, operator, direction, remote_identity, status,
		          initiated_at, created_at
	`, call.CallID, call.Operator, call.Direction, call.RemoteIdentity, call.Status,
	).Scan(
		&c.ID, &c.CallID, &c.Operator, &c.Direction, &c.RemoteIdentity, &c.Status,
		&c.InitiatedAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCallStatus updates the status of a call and stamps the matching
// timestamp column
func (s *PostgresStore) UpdateCallStatus(ctx context.Context, callID string, status models.CallStatus, hangupCause string) error {
	now := time.Now()
	var query string
	var args []interface{}

	switch status {
	case models.CallStatusAnswered:
		query = `UPDATE call_logs SET status = $1, answered_at = $2 WHERE call_id = $3`
		args = []interface{}{status, now, callID}
	case models.CallStatusCompleted, models.CallStatusFailed, models.CallStatusCancelled:
		query = `
			UPDATE call_logs
			SET status = $1, ended_at = $2, hangup_cause = NULLIF($3, ''),
			    duration_seconds = EXTRACT(EPOCH FROM ($2 - COALESCE(answered_at, initiated_at)))::INT
			WHERE call_id = $4`
		args = []interface{}{status, now, hangupCause, callID}
	default:
		query = `UPDATE call_logs SET status = $1 WHERE call_id = $2`
		args = []interface{}{status, callID}
	}

	_, err := s.pool.Exec(ctx, query, args...)
	return err
}

// ListCalls returns recent calls for an operator
func (s *PostgresStore) ListCalls(ctx context.Context, operator string, limit int) ([]*models.CallLog, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, call_id, operator, direction, remote_identity, status,
		       initiated_at, answered_at, ended_at, duration_seconds, hangup_cause, created_at
		FROM call_logs
		WHERE operator = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, operator, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []*models.CallLog
	for rows.Next() {
		var c models.CallLog
		err := rows.Scan(
			&c.ID, &c.CallID, &c.Operator, &c.Direction, &c.RemoteIdentity, &c.Status,
			&c.InitiatedAt, &c.AnsweredAt, &c.EndedAt, &c.DurationSeconds, &c.HangupCause, &c.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		calls = append(calls, &c)
	}

	return calls, rows.Err()
}

// GetCall returns a call by its signaling id
func (s *PostgresStore) GetCall(ctx context.Context, callID string) (*models.CallLog, error) {
	var c models.CallLog
	err := s.pool.QueryRow(ctx, `
		SELECT id, call_id, operator, direction, remote_identity, status,
		       initiated_at, answered_at, ended_at, duration_seconds, hangup_cause, created_at
		FROM call_logs
		WHERE call_id = $1
	`, callID).Scan(
		&c.ID, &c.CallID, &c.Operator, &c.Direction, &c.RemoteIdentity, &c.Status,
		&c.InitiatedAt, &c.AnsweredAt, &c.EndedAt, &c.DurationSeconds, &c.HangupCause, &c.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("call %s not found", callID)
		}
		return nil, err
	}
	return &c, nil
}
