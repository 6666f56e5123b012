// Package nip05 はNIP-05識別子（user@domain形式）の検証を提供する。
//
// 検証はドメインの /.well-known/nostr.json?name=<user> を取得し、
// names[<user>] がプロフィールの公開鍵と一致するかを確認する。
// 取得先はユーザーが自由に書けるドメインのため、SSRFガード経由でアクセスする。
package nip05

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// verifyTimeout は検証1回のタイムアウト。
	verifyTimeout = 5 * time.Second
	// maxResponseSize はnostr.jsonの最大読み込みサイズ（1MB）。
	maxResponseSize = 1 * 1024 * 1024
)

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Verifier はNIP-05識別子の検証器。
type Verifier struct {
	ssrfGuard SSRFValidator
	logger    *slog.Logger

	// テスト用にオーバーライド可能なスキーム（既定はhttps）
	scheme string
}

// NewVerifier はVerifierの新しいインスタンスを生成する。
func NewVerifier(ssrfGuard SSRFValidator, logger *slog.Logger) *Verifier {
	return &Verifier{
		ssrfGuard: ssrfGuard,
		logger:    logger,
		scheme:    "https",
	}
}

// wellKnownResponse は /.well-known/nostr.json のレスポンス。
type wellKnownResponse struct {
	Names map[string]string `json:"names"`
}

// Verify はNIP-05識別子が指定の公開鍵に対して有効かを検証する。
// 検証失敗（取得不能・不一致・形式不正）はfalseを返し、エラーは返さない。
// 検証結果はプロフィールの認証バッジ表示にのみ使われるため、
// 失敗してもプロフィール取得自体は成功として扱う。
func (v *Verifier) Verify(ctx context.Context, identifier, pubkey string) bool {
	name, domain, ok := splitIdentifier(identifier)
	if !ok {
		return false
	}

	wellKnownURL := fmt.Sprintf("%s://%s/.well-known/nostr.json?name=%s", v.scheme, domain, url.QueryEscape(name))
	if v.ssrfGuard != nil {
		if err := v.ssrfGuard.ValidateURL(wellKnownURL); err != nil {
			v.logger.Warn("NIP-05検証: SSRFブロック",
				slog.String("identifier", identifier),
				slog.String("error", err.Error()),
			)
			return false
		}
	}

	client := v.getHTTPClient()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		v.logger.Warn("NIP-05検証: リクエスト失敗",
			slog.String("identifier", identifier),
			slog.String("error", err.Error()),
		)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return false
	}

	var wellKnown wellKnownResponse
	if err := json.Unmarshal(body, &wellKnown); err != nil {
		v.logger.Warn("NIP-05検証: nostr.jsonのパースに失敗",
			slog.String("identifier", identifier),
			slog.String("error", err.Error()),
		)
		return false
	}

	// 名前の照合は小文字化して行う（NIP-05はローカル部を大文字小文字非区別とする）
	for candidate, candidatePubkey := range wellKnown.Names {
		if strings.EqualFold(candidate, name) {
			return candidatePubkey == pubkey
		}
	}
	return false
}

// getHTTPClient はHTTPクライアントを取得する。
func (v *Verifier) getHTTPClient() *http.Client {
	if v.ssrfGuard != nil {
		return v.ssrfGuard.NewSafeClient(verifyTimeout, maxResponseSize)
	}
	return &http.Client{Timeout: verifyTimeout}
}

// splitIdentifier はNIP-05識別子をローカル部とドメインに分割する。
// "_@domain" 形式（ドメイン自体を表す）も有効として扱う。
func splitIdentifier(identifier string) (name, domain string, ok bool) {
	name, domain, found := strings.Cut(identifier, "@")
	if !found || name == "" || domain == "" {
		return "", "", false
	}
	if strings.ContainsAny(domain, "/@?#") {
		return "", "", false
	}
	return name, domain, true
}
