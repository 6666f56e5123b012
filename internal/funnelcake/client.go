// Package funnelcake はFunnelcake REST API（事前集計済みの高速パス）の
// クライアントを提供する。リソースごとに1メソッドの型付きフェッチラッパーで、
// リトライ・フォールバック方針は持たない（それはオーケストレーターの責務）。
package funnelcake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/divinevideo/divine-gateway/internal/model"
)

const (
	// defaultTimeout はRESTリクエスト1回あたりの上限時間。
	defaultTimeout = 8 * time.Second
	// maxResponseSize はレスポンスボディの最大サイズ（10MB）。
	maxResponseSize = 10 * 1024 * 1024
	// defaultPageLimit は一覧取得のデフォルト件数。
	defaultPageLimit = 20
)

// Client はFunnelcake REST APIのクライアント。
// 全メソッドは呼び出し元のコンテキストとタイムアウト由来の期限を
// 合成した1回のHTTPリクエストを発行する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	timeout    time.Duration
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLは末尾スラッシュなしのAPIベースURL（例: "https://api.divine.video"）。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
		timeout:    defaultTimeout,
	}
}

// BaseURL はサーキットブレーカーのキーとして使うベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ListParams は一覧系エンドポイントの共通パラメータ。
type ListParams struct {
	Limit  int
	Cursor model.Cursor
}

// query はListParamsをクエリ文字列に変換する。
// カーソル種別に応じて before / offset のどちらか一方のみを付与する。
func (p ListParams) query() url.Values {
	q := url.Values{}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	q.Set("limit", strconv.Itoa(limit))

	switch p.Cursor.Kind {
	case model.CursorBefore:
		q.Set("before", strconv.FormatInt(p.Cursor.Before, 10))
	case model.CursorOffset:
		q.Set("offset", strconv.Itoa(p.Cursor.Offset))
	}
	return q
}

// ListVideos は動画一覧を取得する。GET /api/videos
func (c *Client) ListVideos(ctx context.Context, params ListParams) (*VideoListResponse, error) {
	var resp VideoListResponse
	if err := c.getJSON(ctx, "/api/videos", params.query(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetVideo は単一動画を取得する。GET /api/videos/{id}
func (c *Client) GetVideo(ctx context.Context, videoID string) (*WireVideo, error) {
	var resp WireVideo
	if err := c.getJSON(ctx, "/api/videos/"+url.PathEscape(videoID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BulkVideoStats は複数動画の統計を一括取得する。POST /api/videos/stats/bulk
func (c *Client) BulkVideoStats(ctx context.Context, videoIDs []string) (map[string]WireStats, error) {
	if len(videoIDs) == 0 {
		return map[string]WireStats{}, nil
	}
	var resp map[string]WireStats
	if err := c.postJSON(ctx, "/api/videos/stats/bulk", map[string][]string{"video_ids": videoIDs}, &resp); err != nil {
		return nil, err
	}
	// レスポンスに含まれないIDはゼロ値として補完する
	stats := make(map[string]WireStats, len(videoIDs))
	for _, id := range videoIDs {
		stats[id] = resp[id]
	}
	return stats, nil
}

// GetUserProfile はユーザープロフィールを取得する。GET /api/users/{pubkey}
// レスポンスはフラット形式とネスト形式の2種類があるため、
// 形状判別はトランスフォーム層に委ねて生JSONのまま返す。
func (c *Client) GetUserProfile(ctx context.Context, pubkey string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/api/users/"+url.PathEscape(pubkey), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ListUserVideos はユーザーの投稿動画一覧を取得する。GET /api/users/{pubkey}/videos
func (c *Client) ListUserVideos(ctx context.Context, pubkey string, params ListParams) (*VideoListResponse, error) {
	var resp VideoListResponse
	if err := c.getJSON(ctx, "/api/users/"+url.PathEscape(pubkey)+"/videos", params.query(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetUserFeed はユーザーのフォローフィードを取得する。GET /api/users/{pubkey}/feed
func (c *Client) GetUserFeed(ctx context.Context, pubkey string, params ListParams) (*VideoListResponse, error) {
	var resp VideoListResponse
	if err := c.getJSON(ctx, "/api/users/"+url.PathEscape(pubkey)+"/feed", params.query(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BulkUsers は複数ユーザーのプロフィールを一括取得する。POST /api/users/bulk
func (c *Client) BulkUsers(ctx context.Context, pubkeys []string) ([]json.RawMessage, error) {
	if len(pubkeys) == 0 {
		return nil, nil
	}
	var resp struct {
		Users []json.RawMessage `json:"users"`
	}
	if err := c.postJSON(ctx, "/api/users/bulk", map[string][]string{"pubkeys": pubkeys}, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// Search は動画・ユーザーを横断検索する。GET /api/search
func (c *Client) Search(ctx context.Context, queryStr string, params ListParams) (*SearchResponse, error) {
	q := params.query()
	q.Set("q", queryStr)
	var resp SearchResponse
	if err := c.getJSON(ctx, "/api/search", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TrendingHashtags はトレンドハッシュタグを取得する。GET /api/hashtags/trending
func (c *Client) TrendingHashtags(ctx context.Context, limit int) ([]WireHashtagStat, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Hashtags []WireHashtagStat `json:"hashtags"`
	}
	if err := c.getJSON(ctx, "/api/hashtags/trending", q, &resp); err != nil {
		return nil, err
	}
	return resp.Hashtags, nil
}

// getJSON はGETリクエストを発行してJSONをデコードする。
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.doJSON(ctx, http.MethodGet, path, query, nil, out)
}

// postJSON はJSONボディ付きのPOSTリクエストを発行してJSONをデコードする。
func (c *Client) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.doJSON(ctx, http.MethodPost, path, nil, body, out)
}

// doJSON はHTTPリクエストを1回発行し、エラーを分類して返す。
//   - トランスポート失敗: model.NetworkError
//   - 期限超過: model.TimeoutError
//   - 2xx以外: model.HTTPError
//   - 不正なJSON: model.ParseError
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	// 呼び出し元のキャンセルとタイムアウト由来の期限を合成する
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのエンコードに失敗: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "divine-gateway/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &model.TimeoutError{Err: err}
		}
		return &model.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// ボディは読み捨てる（コネクション再利用のため）
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return &model.HTTPError{Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &model.TimeoutError{Err: err}
		}
		return &model.NetworkError{Err: err}
	}

	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Error("Funnelcake APIのレスポンスのパースに失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return &model.ParseError{Err: err}
	}
	return nil
}
