// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, video, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeVideoNotFound    = "VIDEO_NOT_FOUND"
	ErrCodeProfileNotFound  = "PROFILE_NOT_FOUND"
	ErrCodeInvalidPubKey    = "INVALID_PUBKEY"
	ErrCodeInvalidCursor    = "INVALID_CURSOR"
	ErrCodeStateMismatch    = "STATE_MISMATCH"
	ErrCodeAuthExpired      = "AUTH_EXPIRED"
	ErrCodeMutationFailed   = "MUTATION_FAILED"
	ErrCodeMutationInFlight = "MUTATION_IN_FLIGHT"
	ErrCodeUpstreamDown     = "UPSTREAM_DOWN"
)

// NewVideoNotFoundError は動画未検出エラーを生成する。
func NewVideoNotFoundError(videoID string) *APIError {
	return &APIError{
		Code:     ErrCodeVideoNotFound,
		Message:  fmt.Sprintf("指定された動画が見つかりません: %s", videoID),
		Category: "video",
		Action:   "動画IDを確認してください。削除または差し替えられた可能性があります。",
	}
}

// NewProfileNotFoundError はプロフィール未検出エラーを生成する。
func NewProfileNotFoundError(pubkey string) *APIError {
	return &APIError{
		Code:     ErrCodeProfileNotFound,
		Message:  fmt.Sprintf("指定されたユーザーが見つかりません: %s", pubkey),
		Category: "video",
		Action:   "公開鍵を確認してください。",
	}
}

// NewInvalidPubKeyError は公開鍵の形式エラーを生成する。
// 4xx相当の恒久的エラーであり、リレーフォールバックでも解決しない。
func NewInvalidPubKeyError(pubkey string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPubKey,
		Message:  fmt.Sprintf("無効な公開鍵です: %s", pubkey),
		Category: "validation",
		Action:   "64文字の16進数形式の公開鍵を指定してください。",
	}
}

// NewInvalidCursorError は無効なページネーションカーソルエラーを生成する。
func NewInvalidCursorError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCursor,
		Message:  fmt.Sprintf("無効なカーソルです: %s", reason),
		Category: "validation",
		Action:   "前のページのレスポンスに含まれるカーソルをそのまま指定してください。",
	}
}

// NewStateMismatchError はOAuth stateの不一致エラーを生成する。
// CSRF・認可コード横取り攻撃の疑いがあるため、コード交換は行わない。
func NewStateMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeStateMismatch,
		Message:  "認証フローの検証に失敗しました。",
		Category: "auth",
		Action:   "最初からログインをやり直してください。",
	}
}

// NewAuthExpiredError は再ログインが必要な認証失効エラーを生成する。
func NewAuthExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthExpired,
		Message:  "ログインの有効期限が切れました。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewMutationFailedError は書き込み失敗エラーを生成する。
// 書き込みは自動リトライしないため、ユーザーによる明示的な再実行を促す。
func NewMutationFailedError(action string) *APIError {
	return &APIError{
		Code:     ErrCodeMutationFailed,
		Message:  fmt.Sprintf("操作に失敗しました: %s", action),
		Category: "video",
		Action:   "通信状態を確認して、もう一度お試しください。",
	}
}

// NewMutationInFlightError は同一対象への操作が実行中であることを示すエラーを生成する。
func NewMutationInFlightError() *APIError {
	return &APIError{
		Code:     ErrCodeMutationInFlight,
		Message:  "同じ対象への操作が処理中です。",
		Category: "video",
		Action:   "処理が完了するまでお待ちください。",
	}
}

// NewUpstreamDownError はREST・リレー両経路の取得失敗エラーを生成する。
func NewUpstreamDownError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamDown,
		Message:  "データの取得に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
