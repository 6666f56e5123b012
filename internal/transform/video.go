// Package transform は異種のレスポンス形状（REST JSON・リレーイベント）を
// 正規化済みレコードへ写像する純粋関数群を提供する。
// 正規化は境界で1回だけ行い、内部コードは正規形のみを扱う。
package transform

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/divinevideo/divine-gateway/internal/funnelcake"
	"github.com/divinevideo/divine-gateway/internal/model"
	"github.com/divinevideo/divine-gateway/internal/nostr"
)

// Sanitizer はユーザー投稿テキストのサニタイズ機能のインターフェース。
// security.ContentSanitizerServiceの部分集合。
type Sanitizer interface {
	Sanitize(rawHTML string) string
}

// VideoFromWire はREST APIの動画レコードを正規形に写像する。
// 欠損フィールドはゼロ値・空として扱う。
func VideoFromWire(w *funnelcake.WireVideo, sanitizer Sanitizer) *model.Video {
	v := &model.Video{
		ID:                 w.ID,
		AuthorKey:          w.PubKey,
		CreatedAt:          time.Unix(w.CreatedAt, 0).UTC(),
		DTag:               w.DTag,
		Title:              sanitizeText(w.Title, sanitizer),
		MediaURL:           w.VideoURL,
		AlternateStreamURL: w.FallbackVideoURL,
		ThumbnailURL:       w.ThumbnailURL,
		Hashtags:           orderedSet(w.Hashtags),
		Source:             model.SourceREST,
	}
	if w.Stats != nil {
		v.Counts = model.VideoCounts{
			Likes:    w.Stats.LikeCount,
			Reposts:  w.Stats.RepostCount,
			Comments: w.Stats.CommentCount,
			Views:    w.Stats.ViewCount,
			Loops:    w.Stats.LoopCount,
		}
	}
	return v
}

// VideoFromEvent はリレー由来の動画イベントを正規形に写像する。
// メディアURLはimetaタグを優先し、なければurlタグを使う。
func VideoFromEvent(ev *nostr.Event, sanitizer Sanitizer) *model.Video {
	v := &model.Video{
		ID:        ev.ID,
		AuthorKey: ev.PubKey,
		CreatedAt: time.Unix(ev.CreatedAt, 0).UTC(),
		DTag:      ev.DTag(),
		Title:     sanitizeText(ev.TagValue("title"), sanitizer),
		Hashtags:  orderedSet(ev.TagValues("t")),
		Source:    model.SourceRelay,
		RawTags:   true,
	}

	// imetaタグ: ["imeta", "url https://...", "image https://...", "fallback https://..."]
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "imeta" {
			continue
		}
		for _, entry := range tag[1:] {
			key, value, found := strings.Cut(entry, " ")
			if !found {
				continue
			}
			switch key {
			case "url":
				if v.MediaURL == "" {
					v.MediaURL = value
				}
			case "image":
				if v.ThumbnailURL == "" {
					v.ThumbnailURL = value
				}
			case "fallback":
				if v.AlternateStreamURL == "" {
					v.AlternateStreamURL = value
				}
			}
		}
	}
	if v.MediaURL == "" {
		v.MediaURL = ev.TagValue("url")
	}
	if v.Title == "" {
		// コンテンツがJSONの場合はtitleフィールドを拾う
		var content struct {
			Title string `json:"title"`
		}
		if err := json.Unmarshal([]byte(ev.Content), &content); err == nil {
			v.Title = sanitizeText(content.Title, sanitizer)
		}
	}
	return v
}

// MergeCounts は集計値を統合する。サーバー側の事前集計（precomputed）を優先し、
// 欠損している場合のみ生タグのカウント（rawCounts）へフォールバックする。
// 両方を加算することはない（二重カウント禁止）。
func MergeCounts(precomputed *funnelcake.WireStats, rawCounts model.VideoCounts) model.VideoCounts {
	if precomputed != nil {
		return model.VideoCounts{
			Likes:    precomputed.LikeCount,
			Reposts:  precomputed.RepostCount,
			Comments: precomputed.CommentCount,
			Views:    precomputed.ViewCount,
			Loops:    precomputed.LoopCount,
		}
	}
	return rawCounts
}

// CountReactions はリアクションイベント群から集計値を数える。
// 事前集計が取得できない場合のフォールバックとしてのみ使用する。
// 同一ユーザーの同一対象への重複リアクションは1件として数える。
func CountReactions(events []*nostr.Event) model.VideoCounts {
	var counts model.VideoCounts
	seen := make(map[string]bool)
	for _, ev := range events {
		key := ""
		switch ev.Kind {
		case nostr.KindReaction:
			key = "like:" + ev.PubKey + ":" + ev.TagValue("e")
		case nostr.KindRepost:
			key = "repost:" + ev.PubKey + ":" + ev.TagValue("e")
		default:
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		switch ev.Kind {
		case nostr.KindReaction:
			counts.Likes++
		case nostr.KindRepost:
			counts.Reposts++
		}
	}
	return counts
}

// Dedup は動画リストをDedupKey（authorKey:kind:dTag）で重複排除する。
// 同じd-tagでの再発行は旧版を置き換えるため、created_atが新しい方を残す。
// 入力の出現順は維持する（残った要素の順序）。
func Dedup(videos []*model.Video) []*model.Video {
	byKey := make(map[string]*model.Video, len(videos))
	order := make([]string, 0, len(videos))
	for _, v := range videos {
		key := v.DedupKey()
		existing, ok := byKey[key]
		if !ok {
			byKey[key] = v
			order = append(order, key)
			continue
		}
		if v.CreatedAt.After(existing.CreatedAt) {
			byKey[key] = v
		}
	}

	result := make([]*model.Video, 0, len(order))
	for _, key := range order {
		result = append(result, byKey[key])
	}
	return result
}

// orderedSet は出現順を保持したまま重複を取り除く。
func orderedSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		result = append(result, v)
	}
	return result
}

func sanitizeText(s string, sanitizer Sanitizer) string {
	if sanitizer == nil {
		return s
	}
	return sanitizer.Sanitize(s)
}
