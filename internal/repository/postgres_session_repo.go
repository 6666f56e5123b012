package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/divinevideo/divine-gateway/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, pubkey, access_token, refresh_token, consent_handle, remember, created_at, token_expires_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		session.ID, session.PubKey, session.AccessToken, session.RefreshToken,
		session.ConsentHandle, session.Remember,
		session.CreatedAt, session.TokenExpiresAt, session.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session := &model.Session{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, pubkey, access_token, refresh_token, consent_handle, remember, created_at, token_expires_at, expires_at
		 FROM sessions
		 WHERE id = $1`,
		id,
	).Scan(
		&session.ID, &session.PubKey, &session.AccessToken, &session.RefreshToken,
		&session.ConsentHandle, &session.Remember,
		&session.CreatedAt, &session.TokenExpiresAt, &session.ExpiresAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	return session, nil
}

// UpdateTokens はリフレッシュ後のトークン情報を更新する。
// セッション自体の有効期限（expires_at）は延長しない。
func (r *PostgresSessionRepo) UpdateTokens(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions
		 SET access_token = $2, refresh_token = $3, consent_handle = $4, token_expires_at = $5
		 WHERE id = $1`,
		session.ID, session.AccessToken, session.RefreshToken,
		session.ConsentHandle, session.TokenExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update session tokens: %w", err)
	}
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByPubKey は指定ユーザーの全セッションを削除する。
func (r *PostgresSessionRepo) DeleteByPubKey(ctx context.Context, pubkey string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE pubkey = $1`,
		pubkey,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

// DeleteExpired は失効したセッションを削除し、削除件数を返す。
// expires_at超過に加え、作成から7日の上限を超えたものも削除する。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions
		 WHERE expires_at <= $1 OR created_at <= $2`,
		now, now.Add(-model.SessionMaxLifetime),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted sessions: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
