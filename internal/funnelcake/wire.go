package funnelcake

import "encoding/json"

// REST APIのワイヤー型。
// 欠損フィールドはゼロ値として扱い、正規化はトランスフォーム層で1回だけ行う。

// WireStats は事前集計済みのエンゲージメント統計。
type WireStats struct {
	LikeCount    int `json:"like_count"`
	RepostCount  int `json:"repost_count"`
	CommentCount int `json:"comment_count"`
	ViewCount    int `json:"view_count"`
	LoopCount    int `json:"loop_count"`
}

// WireVideo はREST APIの動画レコード。
type WireVideo struct {
	ID               string     `json:"id"`
	PubKey           string     `json:"pubkey"`
	CreatedAt        int64      `json:"created_at"`
	DTag             string     `json:"d_tag"`
	Title            string     `json:"title"`
	VideoURL         string     `json:"video_url"`
	FallbackVideoURL string     `json:"fallback_video_url"`
	ThumbnailURL     string     `json:"thumbnail_url"`
	Hashtags         []string   `json:"hashtags"`
	Stats            *WireStats `json:"stats"`
}

// VideoListResponse は動画一覧エンドポイントのレスポンス。
// カーソルはタイムスタンプ（before）と整数オフセットのどちらか一方で返る。
type VideoListResponse struct {
	Videos     []WireVideo `json:"videos"`
	NextBefore int64       `json:"next_before,omitempty"`
	NextOffset *int        `json:"next_offset,omitempty"`
	HasMore    bool        `json:"has_more"`
}

// SearchResponse は横断検索のレスポンス。
// ユーザーはプロフィール形状が複数あるため生JSONで保持する。
type SearchResponse struct {
	Videos     []WireVideo       `json:"videos"`
	Users      []json.RawMessage `json:"users"`
	NextOffset *int              `json:"next_offset,omitempty"`
	HasMore    bool              `json:"has_more"`
}

// WireHashtagStat はトレンドハッシュタグの集計レコード。
type WireHashtagStat struct {
	Tag        string `json:"tag"`
	VideoCount int    `json:"video_count"`
	ViewCount  int    `json:"view_count"`
}
