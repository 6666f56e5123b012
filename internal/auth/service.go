// Package auth はOAuth 2.0 + PKCE認証フローとセッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/divinevideo/divine-gateway/internal/model"
	"github.com/divinevideo/divine-gateway/internal/repository"
)

// stateTTL は認可フロー開始からコールバックまでの猶予時間。
const stateTTL = 10 * time.Minute

// Provider はOAuth認証プロバイダーのインターフェース。
type Provider interface {
	// GetLoginURL は認可エンドポイントのURLを生成する。
	GetLoginURL(state, verifier string) string
	// ExchangeCode は認可コードをトークンに交換する。
	ExchangeCode(ctx context.Context, code, verifier string) (*TokenResponse, error)
	// Refresh はリフレッシュトークンでアクセストークンを再取得する。
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
	// ConsentReauth は同意ハンドルによる同意スキップ再認可を行う。
	ConsentReauth(ctx context.Context, consentHandle string) (*TokenResponse, error)
}

// pendingLogin はコールバック待ちの認可フロー1件分のサーバー側状態。
// stateはクライアントに出ていくが、verifierは決して出さない。
type pendingLogin struct {
	verifier  string
	remember  bool
	createdAt time.Time
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	provider    Provider
	sessionRepo repository.SessionRepository
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	pending map[string]pendingLogin // state → フロー状態
}

// NewService はServiceを生成する。
func NewService(provider Provider, sessionRepo repository.SessionRepository, logger *slog.Logger) *Service {
	return &Service{
		provider:    provider,
		sessionRepo: sessionRepo,
		logger:      logger,
		now:         time.Now,
		pending:     make(map[string]pendingLogin),
	}
}

// BeginLogin は認可フローを開始し、リダイレクト先のログインURLを返す。
// stateノンスとPKCE verifierを生成してサーバー側に保持する。
func (s *Service) BeginLogin(remember bool) (string, error) {
	state, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	verifier, err := GenerateVerifier()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.prunePendingLocked()
	s.pending[state] = pendingLogin{
		verifier:  verifier,
		remember:  remember,
		createdAt: s.now(),
	}
	s.mu.Unlock()

	return s.provider.GetLoginURL(state, verifier), nil
}

// HandleCallback は認可コールバックを処理し、セッションを発行する。
// stateが保存済みのものと一致しない場合はSTATE_MISMATCHエラーを返し、
// 認可コードの交換は行わない。
func (s *Service) HandleCallback(ctx context.Context, state, code string) (*model.Session, error) {
	flow, ok := s.takePending(state)
	if !ok {
		s.logger.Warn("不正なstateによるコールバックを拒否しました")
		return nil, model.NewStateMismatchError()
	}

	tokens, err := s.provider.ExchangeCode(ctx, code, flow.verifier)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	session, err := s.createSession(ctx, tokens, flow.remember)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info("ログインしました",
		slog.String("pubkey", session.PubKey),
		slog.Bool("remember", session.Remember),
	)
	return session, nil
}

// CurrentSession はセッションIDからセッションを取得し、必要ならトークンを更新する。
// トークン失効時のカスケード: リフレッシュ → 同意スキップ再認可 → セッション破棄。
func (s *Service) CurrentSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, model.NewAuthExpiredError()
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	now := s.now()
	if session == nil || session.Expired(now) {
		if session != nil {
			// 7日上限などで失効したセッションは残さない
			s.sessionRepo.DeleteByID(ctx, sessionID)
		}
		return nil, model.NewAuthExpiredError()
	}

	if !session.TokenExpired(now) {
		return session, nil
	}
	return s.renewTokens(ctx, session)
}

// renewTokens は失効したアクセストークンを更新する。
// リフレッシュ失敗時は同意スキップ再認可を試し、それも失敗した場合は
// セッションを破棄して再ログインを要求する。
func (s *Service) renewTokens(ctx context.Context, session *model.Session) (*model.Session, error) {
	var tokens *TokenResponse
	var err error

	if session.RefreshToken != "" {
		tokens, err = s.provider.Refresh(ctx, session.RefreshToken)
		if err != nil {
			s.logger.Warn("トークンのリフレッシュに失敗しました",
				slog.String("pubkey", session.PubKey),
				slog.String("error", err.Error()),
			)
		}
	}
	if tokens == nil && session.ConsentHandle != "" {
		tokens, err = s.provider.ConsentReauth(ctx, session.ConsentHandle)
		if err != nil {
			s.logger.Warn("同意スキップ再認可に失敗しました",
				slog.String("pubkey", session.PubKey),
				slog.String("error", err.Error()),
			)
		}
	}
	if tokens == nil {
		// 同一ユーザーの他セッションも同じ失効済みトークンを共有しているため
		// まとめて破棄し、再ログインを1回で済ませる
		if derr := s.sessionRepo.DeleteByPubKey(ctx, session.PubKey); derr != nil {
			s.logger.Error("失効セッションの削除に失敗しました",
				slog.String("pubkey", session.PubKey),
				slog.String("error", derr.Error()),
			)
		}
		return nil, model.NewAuthExpiredError()
	}

	s.applyTokens(session, tokens)
	if err := s.sessionRepo.UpdateTokens(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}
	s.logger.Info("トークンを更新しました", slog.String("pubkey", session.PubKey))
	return session, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.logger.Info("ログアウトしました", slog.String("session_id", sessionID))
	return nil
}

// takePending はstateに対応するフロー状態を取り出して削除する。
// stateの比較は定数時間で行う。
func (s *Service) takePending(state string) (pendingLogin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, flow := range s.pending {
		if subtle.ConstantTimeCompare([]byte(key), []byte(state)) == 1 {
			delete(s.pending, key)
			if s.now().Sub(flow.createdAt) > stateTTL {
				return pendingLogin{}, false
			}
			return flow, true
		}
	}
	return pendingLogin{}, false
}

// prunePendingLocked は期限切れのフロー状態を削除する。呼び出し側でロックを取ること。
func (s *Service) prunePendingLocked() {
	now := s.now()
	for state, flow := range s.pending {
		if now.Sub(flow.createdAt) > stateTTL {
			delete(s.pending, state)
		}
	}
}

// createSession はトークンレスポンスからセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, tokens *TokenResponse, remember bool) (*model.Session, error) {
	sessionID, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		PubKey:    tokens.PubKey,
		Remember:  remember,
		CreatedAt: now,
		ExpiresAt: now.Add(model.SessionLifetime(remember)),
	}
	s.applyTokens(session, tokens)

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

// applyTokens はトークンレスポンスをセッションへ反映する。
// IdPが新しいリフレッシュトークンや同意ハンドルを省略した場合は既存値を維持する。
func (s *Service) applyTokens(session *model.Session, tokens *TokenResponse) {
	session.AccessToken = tokens.AccessToken
	session.TokenExpiresAt = s.now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	if tokens.RefreshToken != "" {
		session.RefreshToken = tokens.RefreshToken
	}
	if tokens.ConsentHandle != "" {
		session.ConsentHandle = tokens.ConsentHandle
	}
	if tokens.PubKey != "" {
		session.PubKey = tokens.PubKey
	}
}

// generateToken は暗号的に安全なランダムトークン（hex 64文字）を生成する。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
