package model

import (
	"errors"
	"fmt"
)

// フェッチ経路のエラー分類。
// オーケストレーターはこの分類に基づいてサーキットブレーカーへの記録と
// リレーフォールバックの可否を判断する。
//
//   - NetworkError / TimeoutError / 5xxのHTTPError: 一時的。失敗として記録し、フォールバックする
//   - 4xxのHTTPError: 恒久的。リレーでも解決しないためフォールバックしない
//   - ParseError: そのリクエストに対して恒久的。リトライしない

// NetworkError はトランスポートレベルの失敗（DNS・接続断など）を表す。
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("ネットワークエラー: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError はリクエストの期限超過を表す。
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("タイムアウト: %v", e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// HTTPError は2xx以外のHTTPステータスを表す。
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTPステータス %d", e.Status)
}

// Permanent は4xx（クライアント起因の恒久的エラー）かを返す。
func (e *HTTPError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500
}

// ParseError は不正なレスポンスボディを表す。
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("レスポンスのパースに失敗: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsTransientFetchError はエラーが一時的（サーキットブレーカーに記録し、
// フォールバック・リトライの対象となる）かを判定する。
func IsTransientFetchError(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var toErr *TimeoutError
	if errors.As(err, &toErr) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return !httpErr.Permanent()
	}
	return false
}

// IsPermanentFetchError はエラーが恒久的（4xx・パース失敗）かを判定する。
// 恒久的エラーはリレーフォールバックでも解決しないため、即座に呼び出し元へ返す。
func IsPermanentFetchError(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Permanent()
	}
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}
