package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/takeyourtrade1-star/brx-sync/go/errs"
)

// SyncStatus of a user's marketplace link.
type SyncStatus string

const (
	StatusIdle        SyncStatus = "IDLE"
	StatusInitialSync SyncStatus = "INITIAL_SYNC"
	StatusActive      SyncStatus = "ACTIVE"
	StatusError       SyncStatus = "ERROR"
)

// SyncSettings is one user's marketplace link: the sealed token, the
// webhook secret, and the sync lifecycle state.
type SyncSettings struct {
	UserID        string     `json:"user_id"`
	TokenSealed   string     `json:"-"`
	WebhookSecret *string    `json:"-"`
	SyncStatus    SyncStatus `json:"sync_status"`
	LastSyncAt    *time.Time `json:"last_sync_at"`
	LastError     *string    `json:"last_error"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

const settingsColumns = `user_id, token_encrypted, webhook_secret, sync_status,
	last_sync_at, last_error, created_at, updated_at`

func scanSettings(row pgx.Row) (*SyncSettings, error) {
	var s SyncSettings
	var err = row.Scan(&s.UserID, &s.TokenSealed, &s.WebhookSecret, &s.SyncStatus,
		&s.LastSyncAt, &s.LastError, &s.CreatedAt, &s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errs.New(errs.CodeSyncNotFound, "no sync settings for user")
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeDatabase, "reading sync settings")
	}
	return &s, nil
}

// GetSettings loads a user's settings, or fails with SYNC_NOT_FOUND.
func (s *Store) GetSettings(ctx context.Context, userID string) (*SyncSettings, error) {
	return scanSettings(s.pool.QueryRow(ctx,
		`SELECT `+settingsColumns+` FROM user_sync_settings WHERE user_id = $1`, userID))
}

// UpsertToken registers or rotates a user's sealed token. First
// registration creates the settings row in IDLE.
func (s *Store) UpsertToken(ctx context.Context, userID, sealedToken string) error {
	var _, err = s.pool.Exec(ctx, `
		INSERT INTO user_sync_settings (user_id, token_encrypted)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET token_encrypted = EXCLUDED.token_encrypted, updated_at = now()`,
		userID, sealedToken)
	if err != nil {
		return errs.Wrap(err, errs.CodeDatabase, "upserting token")
	}
	return nil
}

// Disconnect empties the sealed token and resets the lifecycle to IDLE.
// The settings row, inventory, and journal are kept.
func (s *Store) Disconnect(ctx context.Context, userID string) error {
	var tag, err = s.pool.Exec(ctx, `
		UPDATE user_sync_settings
		SET token_encrypted = '', sync_status = $2, last_error = NULL, updated_at = now()
		WHERE user_id = $1`,
		userID, StatusIdle)
	if err != nil {
		return errs.Wrap(err, errs.CodeDatabase, "disconnecting account")
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.CodeSyncNotFound, "no sync settings for user")
	}
	return nil
}

// SetWebhookSecret stores the marketplace shared secret for webhook
// signature checks.
func (s *Store) SetWebhookSecret(ctx context.Context, userID, secret string) error {
	var tag, err = s.pool.Exec(ctx, `
		UPDATE user_sync_settings SET webhook_secret = $2, updated_at = now()
		WHERE user_id = $1`, userID, secret)
	if err != nil {
		return errs.Wrap(err, errs.CodeDatabase, "storing webhook secret")
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.CodeSyncNotFound, "no sync settings for user")
	}
	return nil
}

// SetSyncStatus transitions the lifecycle state. lastError replaces the
// stored error (nil clears it); touchLastSync stamps last_sync_at.
func (s *Store) SetSyncStatus(ctx context.Context, userID string, status SyncStatus, lastError *string, touchLastSync bool) error {
	return setSyncStatus(ctx, s.pool, userID, status, lastError, touchLastSync)
}

// SetSyncStatusFallback is SetSyncStatus on a dedicated connection, for
// failure paths where the normal pool path may be poisoned.
func (s *Store) SetSyncStatusFallback(ctx context.Context, userID string, status SyncStatus, lastError *string) error {
	return s.Fallback(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return setSyncStatus(ctx, conn, userID, status, lastError, false)
	})
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func setSyncStatus(ctx context.Context, db execer, userID string, status SyncStatus, lastError *string, touchLastSync bool) error {
	var sql = `
		UPDATE user_sync_settings
		SET sync_status = $2, last_error = $3, updated_at = now()`
	if touchLastSync {
		sql += `, last_sync_at = now()`
	}
	sql += ` WHERE user_id = $1`

	var tag, err = db.Exec(ctx, sql, userID, status, lastError)
	if err != nil {
		return errs.Wrap(err, errs.CodeDatabase, "updating sync status")
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.CodeSyncNotFound, "no sync settings for user")
	}
	return nil
}
