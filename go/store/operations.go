package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/takeyourtrade1-star/brx-sync/go/errs"
)

// OperationType names the kinds of background work the journal tracks.
type OperationType string

const (
	OpBulkSync   OperationType = "bulk_sync"
	OpSyncUpdate OperationType = "sync_update"
	OpSyncDelete OperationType = "sync_delete"
	OpWebhook    OperationType = "webhook"
	OpPeriodic   OperationType = "periodic"
)

// OperationStatus is the journal lifecycle state.
type OperationStatus string

const (
	OpPending   OperationStatus = "pending"
	OpCompleted OperationStatus = "completed"
	OpFailed    OperationStatus = "failed"
)

// Operation journals one background task. OperationID equals the queue's
// task id, so status polls resolve directly from the enqueue response.
type Operation struct {
	OperationID string                 `json:"operation_id"`
	UserID      string                 `json:"user_id"`
	Type        OperationType          `json:"type"`
	Status      OperationStatus        `json:"status"`
	Metadata    map[string]interface{} `json:"metadata"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at"`
}

const operationColumns = `operation_id, user_id, type, status, metadata, created_at, completed_at`

func scanOperation(row pgx.Row) (*Operation, error) {
	var op Operation
	var err = row.Scan(&op.OperationID, &op.UserID, &op.Type, &op.Status,
		&op.Metadata, &op.CreatedAt, &op.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, errs.New(errs.CodeSyncNotFound, "operation not found")
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeDatabase, "reading operation")
	}
	return &op, nil
}

// CreateOperation pre-registers a pending operation. Re-registration of the
// same operation id is a no-op, so enqueue retries stay idempotent.
func (s *Store) CreateOperation(ctx context.Context, operationID, userID string, typ OperationType) error {
	var _, err = s.pool.Exec(ctx, `
		INSERT INTO sync_operations (operation_id, user_id, type)
		VALUES ($1, $2, $3)
		ON CONFLICT (operation_id) DO NOTHING`,
		operationID, userID, typ)
	if err != nil {
		return errs.Wrap(err, errs.CodeDatabase, "pre-registering operation %s", operationID)
	}
	return nil
}

// GetOperation loads one journal row by operation id.
func (s *Store) GetOperation(ctx context.Context, operationID string) (*Operation, error) {
	return scanOperation(s.pool.QueryRow(ctx,
		`SELECT `+operationColumns+` FROM sync_operations WHERE operation_id = $1`,
		operationID))
}

// LatestOperation returns a user's most recent operation of a given type.
func (s *Store) LatestOperation(ctx context.Context, userID string, typ OperationType) (*Operation, error) {
	return scanOperation(s.pool.QueryRow(ctx,
		`SELECT `+operationColumns+` FROM sync_operations
		 WHERE user_id = $1 AND type = $2
		 ORDER BY created_at DESC LIMIT 1`,
		userID, typ))
}

// HasPendingOperation reports whether the user already has a pending
// operation of the given type. Backs the SYNC_IN_PROGRESS guard.
func (s *Store) HasPendingOperation(ctx context.Context, userID string, typ OperationType) (bool, error) {
	var exists bool
	var err = s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sync_operations
			WHERE user_id = $1 AND type = $2 AND status = $3)`,
		userID, typ, OpPending).Scan(&exists)
	if err != nil {
		return false, errs.Wrap(err, errs.CodeDatabase, "checking pending operations")
	}
	return exists, nil
}

// UpdateOperationMetadata merges advisory progress metadata into the
// journal row, last writer wins.
func (s *Store) UpdateOperationMetadata(ctx context.Context, operationID string, metadata map[string]interface{}) error {
	var _, err = s.pool.Exec(ctx, `
		UPDATE sync_operations SET metadata = metadata || $2 WHERE operation_id = $1`,
		operationID, metadata)
	if err != nil {
		return errs.Wrap(err, errs.CodeDatabase, "updating metadata of operation %s", operationID)
	}
	return nil
}

// CompleteOperation transitions the operation to a terminal status.
func (s *Store) CompleteOperation(ctx context.Context, operationID string, status OperationStatus, metadata map[string]interface{}) error {
	var err error
	if metadata != nil {
		_, err = s.pool.Exec(ctx, `
			UPDATE sync_operations
			SET status = $2, metadata = metadata || $3, completed_at = now()
			WHERE operation_id = $1`,
			operationID, status, metadata)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE sync_operations SET status = $2, completed_at = now()
			WHERE operation_id = $1`,
			operationID, status)
	}
	if err != nil {
		return errs.Wrap(err, errs.CodeDatabase, "completing operation %s", operationID)
	}
	return nil
}

// FailOperationFallback marks an operation failed on a dedicated
// connection, bypassing the worker's normal path.
func (s *Store) FailOperationFallback(ctx context.Context, operationID, reason string) error {
	return s.Fallback(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var _, err = conn.Exec(ctx, `
			UPDATE sync_operations
			SET status = $2, metadata = metadata || $3, completed_at = now()
			WHERE operation_id = $1`,
			operationID, OpFailed, map[string]interface{}{"error": reason})
		if err != nil {
			return errs.Wrap(err, errs.CodeDatabase, "failing operation %s", operationID)
		}
		return nil
	})
}
