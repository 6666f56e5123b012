// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/divinevideo/divine-gateway/internal/model"
)

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	// 失効判定は呼び出し側がSession.Expiredで行う（7日上限の検査を含むため）。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// UpdateTokens はリフレッシュ後のトークン情報を更新する。
	UpdateTokens(ctx context.Context, session *model.Session) error
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByPubKey は指定ユーザーの全セッションを削除する。
	DeleteByPubKey(ctx context.Context, pubkey string) error
	// DeleteExpired は失効したセッションを削除し、削除件数を返す。
	// セッション上限（作成から7日）を超えたものも対象に含める。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
