package credentials

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/parallaxlabs/relay/pkg/models"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle. The handle is shared
// with the run store; connection pool settings belong to the caller.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema returns the DDL for the credentials table.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS credentials (
	id TEXT PRIMARY KEY,
	app_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	team_id TEXT NOT NULL DEFAULT '',
	key_material TEXT NOT NULL,
	invalid BOOLEAN NOT NULL DEFAULT FALSE,
	invalid_reason TEXT NOT NULL DEFAULT '',
	is_user_current_profile BOOLEAN NOT NULL DEFAULT FALSE,
	is_team_default_profile BOOLEAN NOT NULL DEFAULT FALSE,
	token_expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_credentials_user_app ON credentials (user_id, app_id);
CREATE INDEX IF NOT EXISTS idx_credentials_team_app ON credentials (team_id, app_id);
`
}

const credentialColumns = `id, app_id, user_id, team_id, key_material, invalid, invalid_reason,
	is_user_current_profile, is_team_default_profile, token_expires_at, created_at, updated_at`

// Create stores a credential.
func (s *PostgresStore) Create(ctx context.Context, cred *models.Credential) error {
	if cred == nil || cred.ID == "" {
		return fmt.Errorf("credential id is required")
	}
	now := time.Now()
	createdAt := cred.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, cred.ID, cred.AppID, cred.UserID, cred.TeamID, cred.Key,
		cred.Invalid, cred.InvalidReason,
		cred.IsUserCurrentProfile, cred.IsTeamDefaultProfile,
		cred.TokenExpiresAt, createdAt, now)
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

// Get returns a credential by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM credentials WHERE id = $1
	`, id)
	return scanCredential(row)
}

// Delete removes a credential.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListForUser returns the user's credentials for an app, newest first.
func (s *PostgresStore) ListForUser(ctx context.Context, userID, appID string) ([]*models.Credential, error) {
	return s.listBy(ctx, `user_id`, userID, appID)
}

// ListForTeam returns the team's credentials for an app, newest first.
func (s *PostgresStore) ListForTeam(ctx context.Context, teamID, appID string) ([]*models.Credential, error) {
	return s.listBy(ctx, `team_id`, teamID, appID)
}

func (s *PostgresStore) listBy(ctx context.Context, ownerColumn, ownerID, appID string) ([]*models.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE `+ownerColumn+` = $1 AND app_id = $2
		ORDER BY updated_at DESC
	`, ownerID, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []*models.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

// MarkInvalid flags a credential invalid. Idempotent: an already
// invalid credential keeps its original reason.
func (s *PostgresStore) MarkInvalid(ctx context.Context, id, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET invalid = TRUE,
		    invalid_reason = CASE WHEN invalid THEN invalid_reason ELSE $2 END,
		    updated_at = now()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark credential invalid: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetUserCurrentProfile flips the current-profile flag to the target
// credential within one transaction: siblings first, then the target.
func (s *PostgresStore) SetUserCurrentProfile(ctx context.Context, userID, credentialID string) error {
	return s.setProfileFlag(ctx, credentialID, `user_id`, userID, `is_user_current_profile`)
}

// SetTeamDefaultProfile flips the default-profile flag to the target
// credential within one transaction: siblings first, then the target.
func (s *PostgresStore) SetTeamDefaultProfile(ctx context.Context, teamID, credentialID string) error {
	return s.setProfileFlag(ctx, credentialID, `team_id`, teamID, `is_team_default_profile`)
}

func (s *PostgresStore) setProfileFlag(ctx context.Context, credentialID, ownerColumn, ownerID, flagColumn string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var appID string
	err = tx.QueryRowContext(ctx, `
		SELECT app_id FROM credentials WHERE id = $1 AND `+ownerColumn+` = $2
	`, credentialID, ownerID).Scan(&appID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load credential: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE credentials SET `+flagColumn+` = FALSE
		WHERE `+ownerColumn+` = $1 AND app_id = $2 AND `+flagColumn+` = TRUE
	`, ownerID, appID)
	if err != nil {
		return fmt.Errorf("failed to unset sibling flags: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE credentials SET `+flagColumn+` = TRUE, updated_at = now() WHERE id = $1
	`, credentialID)
	if err != nil {
		return fmt.Errorf("failed to set profile flag: %w", err)
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var cred models.Credential
	var expiresAt sql.NullTime
	err := row.Scan(
		&cred.ID, &cred.AppID, &cred.UserID, &cred.TeamID, &cred.Key,
		&cred.Invalid, &cred.InvalidReason,
		&cred.IsUserCurrentProfile, &cred.IsTeamDefaultProfile,
		&expiresAt, &cred.CreatedAt, &cred.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}
	if expiresAt.Valid {
		cred.TokenExpiresAt = &expiresAt.Time
	}
	return &cred, nil
}
