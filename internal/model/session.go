package model

import "time"

const (
	// SessionMaxLifetime は「ログイン状態を保持する」セッションの上限（7日）。
	// リフレッシュの成否に関わらず作成から7日で必ず失効する。
	SessionMaxLifetime = 7 * 24 * time.Hour
	// SessionShortLifetime は保持しないセッションの上限（24時間）。
	SessionShortLifetime = 24 * time.Hour
)

// Session はOAuthログインに紐づくユーザーセッションを表す。
// アクセストークンの有効期限（TokenExpiresAt）とセッション自体の
// 有効期限（ExpiresAt）は独立しており、アクセスのたびに両方を検査する。
type Session struct {
	ID             string
	PubKey         string // Nostr公開鍵（hex）
	AccessToken    string
	RefreshToken   string
	ConsentHandle  string // 同意スキップ再認可用ハンドル（任意）
	Remember       bool
	CreatedAt      time.Time
	TokenExpiresAt time.Time
	ExpiresAt      time.Time
}

// TokenExpired はアクセストークンが失効しているかを返す。
func (s *Session) TokenExpired(now time.Time) bool {
	return !now.Before(s.TokenExpiresAt)
}

// Expired はセッション自体が失効しているかを返す。
// Rememberの有無に関わらず、作成から7日の上限を超えた場合も失効とする。
func (s *Session) Expired(now time.Time) bool {
	if !now.Before(s.ExpiresAt) {
		return true
	}
	return now.Sub(s.CreatedAt) >= SessionMaxLifetime
}

// SessionLifetime はRememberフラグに応じたセッション有効期間を返す。
func SessionLifetime(remember bool) time.Duration {
	if remember {
		return SessionMaxLifetime
	}
	return SessionShortLifetime
}
