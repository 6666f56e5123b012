package transform

import (
	"encoding/json"
	"time"

	"github.com/divinevideo/divine-gateway/internal/model"
	"github.com/divinevideo/divine-gateway/internal/nostr"
)

// REST APIのプロフィールは2種類のJSON形状で返る。
//   - フラット形式: {"pubkey": ..., "name": ..., "follower_count": ...}
//   - ネスト形式:   {"profile": {...}, "social": {...}, "stats": {...}, "engagement": {...}}
// 形状判別（shape probing）はここで1回だけ行い、以降は正規形のみを扱う。

// wireProfileFlat はフラット形式のワイヤー型。
type wireProfileFlat struct {
	PubKey         string `json:"pubkey"`
	Name           string `json:"name"`
	DisplayName    string `json:"display_name"`
	About          string `json:"about"`
	Picture        string `json:"picture"`
	Banner         string `json:"banner"`
	NIP05          string `json:"nip05"`
	FollowerCount  int    `json:"follower_count"`
	FollowingCount int    `json:"following_count"`
	VideoCount     int    `json:"video_count"`
	TotalViews     int    `json:"total_views"`
	TotalLikes     int    `json:"total_likes"`
	UpdatedAt      int64  `json:"updated_at"`
}

// wireProfileNested はネスト形式のワイヤー型。
type wireProfileNested struct {
	Profile struct {
		PubKey      string `json:"pubkey"`
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		About       string `json:"about"`
		Picture     string `json:"picture"`
		Banner      string `json:"banner"`
		NIP05       string `json:"nip05"`
		UpdatedAt   int64  `json:"updated_at"`
	} `json:"profile"`
	Social struct {
		FollowerCount  int `json:"follower_count"`
		FollowingCount int `json:"following_count"`
	} `json:"social"`
	Stats struct {
		VideoCount int `json:"video_count"`
		TotalViews int `json:"total_views"`
	} `json:"stats"`
	Engagement struct {
		TotalLikes int `json:"total_likes"`
	} `json:"engagement"`
}

// ProfileFromJSON はREST APIのプロフィールJSONを形状判別して正規形に写像する。
// "profile"キーを持つオブジェクトはネスト形式、それ以外はフラット形式として扱う。
func ProfileFromJSON(raw json.RawMessage, sanitizer Sanitizer) (*model.Profile, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &model.ParseError{Err: err}
	}

	if _, nested := probe["profile"]; nested {
		var w wireProfileNested
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, &model.ParseError{Err: err}
		}
		return &model.Profile{
			PubKey:         w.Profile.PubKey,
			Name:           w.Profile.Name,
			DisplayName:    w.Profile.DisplayName,
			About:          sanitizeText(w.Profile.About, sanitizer),
			Picture:        w.Profile.Picture,
			Banner:         w.Profile.Banner,
			NIP05:          w.Profile.NIP05,
			FollowersCount: w.Social.FollowerCount,
			FollowingCount: w.Social.FollowingCount,
			VideoCount:     w.Stats.VideoCount,
			TotalViews:     w.Stats.TotalViews,
			TotalLikes:     w.Engagement.TotalLikes,
			Source:         model.SourceREST,
			UpdatedAt:      time.Unix(w.Profile.UpdatedAt, 0).UTC(),
		}, nil
	}

	var w wireProfileFlat
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &model.ParseError{Err: err}
	}
	return &model.Profile{
		PubKey:         w.PubKey,
		Name:           w.Name,
		DisplayName:    w.DisplayName,
		About:          sanitizeText(w.About, sanitizer),
		Picture:        w.Picture,
		Banner:         w.Banner,
		NIP05:          w.NIP05,
		FollowersCount: w.FollowerCount,
		FollowingCount: w.FollowingCount,
		VideoCount:     w.VideoCount,
		TotalViews:     w.TotalViews,
		TotalLikes:     w.TotalLikes,
		Source:         model.SourceREST,
		UpdatedAt:      time.Unix(w.UpdatedAt, 0).UTC(),
	}, nil
}

// ProfileFromEvent はリレー由来のプロフィールイベント（kind 0）を正規形に写像する。
// フォロワー数などの集計はリレー単体では得られないためゼロのまま返す。
func ProfileFromEvent(ev *nostr.Event, sanitizer Sanitizer) (*model.Profile, error) {
	var content struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		About       string `json:"about"`
		Picture     string `json:"picture"`
		Banner      string `json:"banner"`
		NIP05       string `json:"nip05"`
	}
	if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
		return nil, &model.ParseError{Err: err}
	}
	return &model.Profile{
		PubKey:      ev.PubKey,
		Name:        content.Name,
		DisplayName: content.DisplayName,
		About:       sanitizeText(content.About, sanitizer),
		Picture:     content.Picture,
		Banner:      content.Banner,
		NIP05:       content.NIP05,
		Source:      model.SourceRelay,
		UpdatedAt:   time.Unix(ev.CreatedAt, 0).UTC(),
	}, nil
}
