// Package media は動画イベントに含まれるメディアURLの検査機能を提供する。
//
// リレー由来のイベントのimetaタグは誰でも書けるため、URLは信頼できない
// 入力として扱い、全てのアクセスをSSRFガード経由で行う。
// サムネイルが欠けている動画についてはOpen Graphメタデータ
// （og:image, og:video）からの補完を試みる。
package media

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	// maxProbeBodySize はページ取得時の最大読み込みサイズ（5MB）。
	maxProbeBodySize = 5 * 1024 * 1024
	// probeTimeout はプローブ1回のタイムアウト。
	probeTimeout = 10 * time.Second
)

// userAgent はプローブ時のUser-Agentヘッダー。
const userAgent = "DivineGateway/1.0"

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardServiceを抽象化してテスタビリティを向上させる。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// ProbeResult はページから抽出したOpen Graphメタデータ。
type ProbeResult struct {
	Title        string
	VideoURL     string
	ThumbnailURL string
}

// Prober はメディアURLの検査とOGメタデータの抽出を提供する。
type Prober struct {
	ssrfGuard SSRFValidator
	logger    *slog.Logger
}

// NewProber はProberの新しいインスタンスを生成する。
func NewProber(ssrfGuard SSRFValidator, logger *slog.Logger) *Prober {
	return &Prober{
		ssrfGuard: ssrfGuard,
		logger:    logger,
	}
}

// CheckMedia はメディアURLが実際に配信可能かを検査する。
// HEADリクエストで2xxかつvideo/*またはimage/*のContent-Typeであることを確認する。
// 検査失敗はメディアの不在として扱い、エラーは返さない。
func (p *Prober) CheckMedia(ctx context.Context, mediaURL string) (bool, string) {
	if mediaURL == "" {
		return false, ""
	}
	if p.ssrfGuard != nil {
		if err := p.ssrfGuard.ValidateURL(mediaURL); err != nil {
			p.logger.Warn("メディア検査: SSRFブロック",
				slog.String("url", mediaURL),
				slog.String("error", err.Error()),
			)
			return false, ""
		}
	}

	client := p.getHTTPClient()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, mediaURL, nil)
	if err != nil {
		return false, ""
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		p.logger.Warn("メディア検査: リクエスト失敗",
			slog.String("url", mediaURL),
			slog.String("error", err.Error()),
		)
		return false, ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, ""
	}

	mediaType := extractMediaType(resp.Header.Get("Content-Type"))
	if !isMediaMime(mediaType) {
		return false, ""
	}
	return true, mediaType
}

// ProbePage はページURLからOpen Graphメタデータを抽出する。
// HTMLでない、またはメタデータが見つからない場合は空の結果を返す。
func (p *Prober) ProbePage(ctx context.Context, pageURL string) (*ProbeResult, error) {
	result := &ProbeResult{}
	if pageURL == "" {
		return result, nil
	}
	if p.ssrfGuard != nil {
		if err := p.ssrfGuard.ValidateURL(pageURL); err != nil {
			p.logger.Warn("OGプローブ: SSRFブロック",
				slog.String("url", pageURL),
				slog.String("error", err.Error()),
			)
			return result, nil
		}
	}

	client := p.getHTTPClient()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return result, nil
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html, */*")

	resp, err := client.Do(req)
	if err != nil {
		p.logger.Warn("OGプローブ: リクエスト失敗",
			slog.String("url", pageURL),
			slog.String("error", err.Error()),
		)
		return result, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, nil
	}
	if !strings.Contains(strings.ToLower(extractMediaType(resp.Header.Get("Content-Type"))), "html") {
		return result, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBodySize))
	if err != nil {
		return result, nil
	}

	return parseOpenGraph(body, pageURL), nil
}

// getHTTPClient はHTTPクライアントを取得する。
// SSRFGuardが設定されている場合はSSRF防止付きクライアントを返す。
func (p *Prober) getHTTPClient() *http.Client {
	if p.ssrfGuard != nil {
		return p.ssrfGuard.NewSafeClient(probeTimeout, maxProbeBodySize)
	}
	return &http.Client{Timeout: probeTimeout}
}

// parseOpenGraph はHTMLのheadタグからOpen Graphメタデータを抽出する。
// 相対URLはbaseURLを基準に絶対URLに解決される。
func parseOpenGraph(htmlBody []byte, baseURL string) *ProbeResult {
	result := &ProbeResult{}

	baseU, err := url.Parse(baseURL)
	if err != nil {
		return result
	}

	tokenizer := html.NewTokenizer(bytes.NewReader(htmlBody))
	inHead := false

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return result

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tagName := string(tn)

			if tagName == "head" {
				inHead = true
				continue
			}
			if tagName == "body" {
				// bodyに入ったらheadの解析を終了
				return result
			}
			if !inHead || tagName != "meta" || !hasAttr {
				continue
			}

			var property, content string
			for {
				key, val, more := tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "property", "name":
					property = strings.ToLower(string(val))
				case "content":
					content = string(val)
				}
				if !more {
					break
				}
			}
			if content == "" {
				continue
			}

			switch property {
			case "og:title":
				if result.Title == "" {
					result.Title = content
				}
			case "og:video", "og:video:url", "og:video:secure_url":
				if result.VideoURL == "" {
					result.VideoURL = resolveURL(baseU, content)
				}
			case "og:image", "twitter:image":
				if result.ThumbnailURL == "" {
					result.ThumbnailURL = resolveURL(baseU, content)
				}
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "head" {
				return result
			}
		}
	}
}

// resolveURL は相対URLをベースURLを基準に絶対URLに解決する。
func resolveURL(base *url.URL, rawRef string) string {
	ref, err := url.Parse(rawRef)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// extractMediaType はContent-Typeヘッダーからメディアタイプを抽出する。
func extractMediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.TrimSpace(strings.ToLower(strings.Split(contentType, ";")[0]))
	}
	return strings.ToLower(mediaType)
}

// isMediaMime はMIMEタイプが動画または画像かどうかを判定する。
func isMediaMime(mediaType string) bool {
	if mediaType == "" {
		return false
	}
	if strings.HasPrefix(mediaType, "video/") || strings.HasPrefix(mediaType, "image/") {
		return true
	}
	// HLSプレイリスト
	return mediaType == "application/vnd.apple.mpegurl" || mediaType == "application/x-mpegurl"
}
