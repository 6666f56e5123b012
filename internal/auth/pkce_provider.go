package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// consentGrantType は同意スキップ再認可の拡張グラント種別。
// リフレッシュトークンが失効していても、過去の同意ハンドルがあれば
// 同意画面を経ずにトークンを再取得できる。
const consentGrantType = "urn:divine:params:oauth:grant-type:consent"

// PKCEProviderConfig はPKCE対応OAuthプロバイダーの設定。
type PKCEProviderConfig struct {
	ClientID    string
	RedirectURL string

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string

	// SignURL はIDプロバイダのイベント署名エンドポイント。
	// 未設定の場合はトークンエンドポイントと同じホストの /oauth/sign を使う。
	SignURL string
}

// PKCEProvider はOAuth 2.0認可コードフロー + PKCE（RFC 7636, S256）による
// 認証を提供する。パブリッククライアント前提のためクライアントシークレットは
// 持たず、code_verifierがその代わりとなる。
type PKCEProvider struct {
	config     PKCEProviderConfig
	httpClient *http.Client
}

// NewPKCEProvider はPKCEProviderを生成する。
func NewPKCEProvider(config PKCEProviderConfig) *PKCEProvider {
	if config.SignURL == "" {
		if u, err := url.Parse(config.TokenURL); err == nil {
			u.Path = "/oauth/sign"
			u.RawQuery = ""
			config.SignURL = u.String()
		}
	}
	return &PKCEProvider{
		config:     config,
		httpClient: http.DefaultClient,
	}
}

// GenerateVerifier は暗号的に安全なcode_verifierを生成する。
func GenerateVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// challengeS256 はcode_verifierからS256方式のcode_challengeを計算する。
func challengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GetLoginURL は認可エンドポイントのURLを生成する。
// stateとPKCEチャレンジ（S256）を含む。
func (p *PKCEProvider) GetLoginURL(state, verifier string) string {
	params := url.Values{
		"client_id":             {p.config.ClientID},
		"redirect_uri":          {p.config.RedirectURL},
		"response_type":         {"code"},
		"scope":                 {"openid nostr"},
		"state":                 {state},
		"code_challenge":        {challengeS256(verifier)},
		"code_challenge_method": {"S256"},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// TokenResponse はトークンエンドポイントのレスポンス。
type TokenResponse struct {
	AccessToken   string `json:"access_token"`
	TokenType     string `json:"token_type"`
	ExpiresIn     int    `json:"expires_in"`
	RefreshToken  string `json:"refresh_token"`
	ConsentHandle string `json:"consent_handle"`
	PubKey        string `json:"pubkey"` // ユーザーのNostr公開鍵（hex）
}

// ExchangeCode は認可コードをトークンに交換する。
// PKCEのcode_verifierを添付する。
func (p *PKCEProvider) ExchangeCode(ctx context.Context, code, verifier string) (*TokenResponse, error) {
	return p.tokenRequest(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.RedirectURL},
	})
}

// Refresh はリフレッシュトークンでアクセストークンを再取得する。
func (p *PKCEProvider) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return p.tokenRequest(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {p.config.ClientID},
	})
}

// ConsentReauth は同意ハンドルによる同意スキップ再認可を行う。
// リフレッシュ失敗時のフォールバック経路。
func (p *PKCEProvider) ConsentReauth(ctx context.Context, consentHandle string) (*TokenResponse, error) {
	return p.tokenRequest(ctx, url.Values{
		"grant_type":     {consentGrantType},
		"consent_handle": {consentHandle},
		"client_id":      {p.config.ClientID},
	})
}

// tokenRequest はトークンエンドポイントへのPOSTを実行する。
func (p *PKCEProvider) tokenRequest(ctx context.Context, data url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}
	return &tokenResp, nil
}

// compile-time interface check
var _ Provider = (*PKCEProvider)(nil)
