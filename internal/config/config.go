package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// 上流REST API（funnelcake）
	FunnelcakeAPIURL string

	// Nostrリレー（カンマ区切りのWebSocket URL）
	RelayURLs []string

	// OAuth（PKCE利用のパブリッククライアントのためシークレットは持たない）
	OAuthClientID    string
	OAuthRedirectURL string
	OAuthAuthURL     string
	OAuthTokenURL    string
	OAuthSignURL     string // 未設定ならトークンURLから導出

	// Rate Limit
	RateLimitGeneral  int
	RateLimitMutation int

	// Worker
	TrendingRefreshInterval time.Duration
	SessionCleanupInterval  time.Duration

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.FunnelcakeAPIURL = os.Getenv("FUNNELCAKE_API_URL")
	if cfg.FunnelcakeAPIURL == "" {
		missing = append(missing, "FUNNELCAKE_API_URL")
	}

	relayURLs := os.Getenv("RELAY_URLS")
	if relayURLs == "" {
		missing = append(missing, "RELAY_URLS")
	} else {
		cfg.RelayURLs = splitAndTrim(relayURLs)
	}

	cfg.OAuthClientID = os.Getenv("OAUTH_CLIENT_ID")
	if cfg.OAuthClientID == "" {
		missing = append(missing, "OAUTH_CLIENT_ID")
	}

	cfg.OAuthRedirectURL = os.Getenv("OAUTH_REDIRECT_URL")
	if cfg.OAuthRedirectURL == "" {
		missing = append(missing, "OAUTH_REDIRECT_URL")
	}

	cfg.OAuthAuthURL = os.Getenv("OAUTH_AUTH_URL")
	if cfg.OAuthAuthURL == "" {
		missing = append(missing, "OAUTH_AUTH_URL")
	}

	cfg.OAuthTokenURL = os.Getenv("OAUTH_TOKEN_URL")
	if cfg.OAuthTokenURL == "" {
		missing = append(missing, "OAUTH_TOKEN_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.OAuthSignURL = getEnvString("OAUTH_SIGN_URL", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitMutation = getEnvInt("RATE_LIMIT_MUTATION", 30)
	cfg.TrendingRefreshInterval = getEnvDuration("TRENDING_REFRESH_INTERVAL", 5*time.Minute)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", 1*time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// splitAndTrim はカンマ区切りの値を分割し、空要素を除去する。
func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
