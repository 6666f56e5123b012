// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// VideoKind はNostr上のショート動画イベント種別（アドレサブル）。
const VideoKind = 34236

// VideoCounts は動画のエンゲージメント集計値を表す。
// サーバー側で事前計算された値を優先し、欠損時は0として扱う。
type VideoCounts struct {
	Likes    int `json:"likes"`
	Reposts  int `json:"reposts"`
	Comments int `json:"comments"`
	Views    int `json:"views"`
	Loops    int `json:"loops"`
}

// Video は正規化済みの動画レコードを表す。
// REST/リレーどちらの経路から取得しても内部コードはこの形のみを扱う。
type Video struct {
	ID                 string // イベントID（hex）
	AuthorKey          string // 投稿者公開鍵（hex）
	CreatedAt          time.Time
	DTag               string // アドレサブル識別子。再投稿をまたいで安定
	Title              string
	MediaURL           string
	AlternateStreamURL string   // フォールバック用ストリームURL（任意）
	ThumbnailURL       string   // サムネイル（任意）
	Hashtags           []string // 出現順を保持した重複なしリスト
	Counts             VideoCounts
	Source             Source // 取得元（REST / リレー）
	RawTags            bool   // リレー由来の生タグを保持しているか（検証バッジ判定用）
}

// DedupKey は動画の同一性キーを返す。
// アドレサブルイベントは同じd-tagでの再発行が旧版を置き換えるため、
// イベントIDではなく authorKey:kind:dTag で同一性を判定する。
func (v *Video) DedupKey() string {
	return fmt.Sprintf("%s:%d:%s", v.AuthorKey, VideoKind, v.DTag)
}

// Source はクエリ結果の取得元を表す。
type Source string

const (
	// SourceREST はFunnelcake REST APIから取得したことを示す。
	SourceREST Source = "rest"
	// SourceRelay はリレーフォールバック経由で取得したことを示す。
	SourceRelay Source = "relay"
)

// VideoPage は動画一覧クエリの1ページ分の結果を表す。
type VideoPage struct {
	Videos []*Video
	Cursor Cursor // 次ページ取得用カーソル。終端の場合はゼロ値
	Source Source
}

// CursorKind はページネーションカーソルの種別を表す。
// 1つのページングセッションは生存期間を通じて必ず単一の種別を使う。
type CursorKind int

const (
	// CursorNone はカーソル未指定（先頭ページ）を示す。
	CursorNone CursorKind = iota
	// CursorBefore はタイムスタンプ（unix秒）ベースのカーソルを示す。
	CursorBefore
	// CursorOffset は整数オフセットベースのカーソルを示す。
	CursorOffset
)

// Cursor は不透明なページネーションカーソル。
// Before（unix秒）とOffsetのどちらか一方のみが有効になる。
type Cursor struct {
	Kind   CursorKind
	Before int64
	Offset int
}

// IsZero はカーソルが未設定（先頭ページ指定）かを返す。
func (c Cursor) IsZero() bool {
	return c.Kind == CursorNone
}

// Compatible は2つのカーソルが同一ページングセッションで併用可能かを返す。
// 種別の混在はページの重複・欠落を引き起こすため禁止する。
func (c Cursor) Compatible(next Cursor) bool {
	if c.Kind == CursorNone || next.Kind == CursorNone {
		return true
	}
	return c.Kind == next.Kind
}

// HashtagStat はトレンドハッシュタグの集計を表す。
type HashtagStat struct {
	Tag        string `json:"tag"`
	VideoCount int    `json:"video_count"`
	ViewCount  int    `json:"view_count"`
}
