package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/divinevideo/divine-gateway/internal/funnelcake"
	"github.com/divinevideo/divine-gateway/internal/model"
)

// UserQueryService はユーザーハンドラーが必要とするクエリインターフェース。
type UserQueryService interface {
	GetProfile(ctx context.Context, pubkey string) (model.ProfileResult, error)
	BulkProfiles(ctx context.Context, pubkeys []string) (map[string]*model.Profile, error)
	ListUserVideos(ctx context.Context, pubkey string, params funnelcake.ListParams) (*model.VideoPage, error)
	GetUserFeed(ctx context.Context, pubkey string, params funnelcake.ListParams) (*model.VideoPage, error)
}

// maxBulkProfiles は一括プロフィール取得の対象ユーザー数の上限。
const maxBulkProfiles = 50

// UserHandler はユーザープロフィール関連のHTTPハンドラー。
type UserHandler struct {
	service UserQueryService
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserQueryService) *UserHandler {
	return &UserHandler{service: service}
}

// profileJSON はプロフィールのAPIレスポンス。
type profileJSON struct {
	Pubkey         string    `json:"pubkey"`
	Name           string    `json:"name"`
	DisplayName    string    `json:"display_name"`
	About          string    `json:"about"`
	Picture        string    `json:"picture,omitempty"`
	Banner         string    `json:"banner,omitempty"`
	NIP05          string    `json:"nip05,omitempty"`
	Verified       bool      `json:"verified"`
	FollowersCount int       `json:"followers_count"`
	FollowingCount int       `json:"following_count"`
	VideoCount     int       `json:"video_count"`
	TotalViews     int       `json:"total_views"`
	TotalLikes     int       `json:"total_likes"`
	Source         string    `json:"source"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toProfileJSON(p *model.Profile) profileJSON {
	return profileJSON{
		Pubkey:         p.PubKey,
		Name:           p.Name,
		DisplayName:    p.DisplayName,
		About:          p.About,
		Picture:        p.Picture,
		Banner:         p.Banner,
		NIP05:          p.NIP05,
		Verified:       p.Verified,
		FollowersCount: p.FollowersCount,
		FollowingCount: p.FollowingCount,
		VideoCount:     p.VideoCount,
		TotalViews:     p.TotalViews,
		TotalLikes:     p.TotalLikes,
		Source:         string(p.Source),
		UpdatedAt:      p.UpdatedAt,
	}
}

// GetProfile はユーザープロフィールを返す。
// GET /api/users/:pubkey
func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	pubkey := chi.URLParam(r, "pubkey")

	result, err := h.service.GetProfile(r.Context(), pubkey)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// 「存在しない」と「取得に失敗した」は区別される。
	// 後者はエラーとして上で処理済みのため、ここは純粋な未存在。
	if !result.Found {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewProfileNotFoundError(pubkey))
		return
	}

	writeJSON(w, http.StatusOK, toProfileJSON(result.Profile))
}

// BulkProfiles は複数ユーザーのプロフィールを一括で返す。
// POST /api/users/bulk {"pubkeys": ["..."]}
func (h *UserHandler) BulkProfiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pubkeys []string `json:"pubkeys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "pubkeysフィールドを持つJSONを送信してください。",
		})
		return
	}
	if len(req.Pubkeys) == 0 || len(req.Pubkeys) > maxBulkProfiles {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "公開鍵の指定が不正です。",
			Category: "validation",
			Action:   "1件以上50件以下の公開鍵を指定してください。",
		})
		return
	}

	profiles, err := h.service.BulkProfiles(r.Context(), req.Pubkeys)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	users := make(map[string]profileJSON, len(profiles))
	for pk, p := range profiles {
		users[pk] = toProfileJSON(p)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

// ListUserVideos はユーザーの投稿動画一覧を返す。
// GET /api/users/:pubkey/videos?limit=&before=|offset=
func (h *UserHandler) ListUserVideos(w http.ResponseWriter, r *http.Request) {
	pubkey := chi.URLParam(r, "pubkey")

	params, err := parseListParams(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	page, err := h.service.ListUserVideos(r.Context(), pubkey, params)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toVideoPageJSON(page))
}

// GetUserFeed はユーザーのフォロー中フィードを返す。
// GET /api/users/:pubkey/feed?limit=&before=|offset=
func (h *UserHandler) GetUserFeed(w http.ResponseWriter, r *http.Request) {
	pubkey := chi.URLParam(r, "pubkey")

	params, err := parseListParams(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	page, err := h.service.GetUserFeed(r.Context(), pubkey, params)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toVideoPageJSON(page))
}
