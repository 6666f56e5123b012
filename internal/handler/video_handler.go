package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/divinevideo/divine-gateway/internal/funnelcake"
	"github.com/divinevideo/divine-gateway/internal/model"
)

// defaultTrendingLimit はトレンドハッシュタグのデフォルト件数。
const defaultTrendingLimit = 20

// maxBulkStatsIDs は一括統計取得の対象動画数の上限。
const maxBulkStatsIDs = 50

// VideoQueryService は動画ハンドラーが必要とするクエリインターフェース。
type VideoQueryService interface {
	ListVideos(ctx context.Context, params funnelcake.ListParams) (*model.VideoPage, error)
	GetVideo(ctx context.Context, videoID string) (*model.Video, error)
	Search(ctx context.Context, query string, params funnelcake.ListParams) (*model.VideoPage, error)
	TrendingHashtags(ctx context.Context, limit int) ([]model.HashtagStat, error)
	BulkVideoStats(ctx context.Context, videoIDs []string) (map[string]model.VideoCounts, error)
}

// VideoHandler は動画クエリのHTTPハンドラー。
type VideoHandler struct {
	service VideoQueryService
}

// NewVideoHandler はVideoHandlerを生成する。
func NewVideoHandler(service VideoQueryService) *VideoHandler {
	return &VideoHandler{service: service}
}

// ListVideos はグローバル動画フィードを返す。
// GET /api/videos?limit=&before=|offset=
func (h *VideoHandler) ListVideos(w http.ResponseWriter, r *http.Request) {
	params, err := parseListParams(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	page, err := h.service.ListVideos(r.Context(), params)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toVideoPageJSON(page))
}

// GetVideo は動画1件を返す。
// GET /api/videos/:id
func (h *VideoHandler) GetVideo(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "id")

	video, err := h.service.GetVideo(r.Context(), videoID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toVideoJSON(video))
}

// Search は動画検索の結果を返す。
// GET /api/search?q=&limit=&before=|offset=
func (h *VideoHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "検索クエリが空です。",
			Category: "validation",
			Action:   "qパラメータを指定してください。",
		})
		return
	}

	params, err := parseListParams(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	page, err := h.service.Search(r.Context(), query, params)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toVideoPageJSON(page))
}

// trendingResponse はトレンドハッシュタグのAPIレスポンス。
type trendingResponse struct {
	Hashtags []model.HashtagStat `json:"hashtags"`
}

// TrendingHashtags はトレンドハッシュタグを返す。
// GET /api/hashtags/trending?limit=
func (h *VideoHandler) TrendingHashtags(w http.ResponseWriter, r *http.Request) {
	limit := defaultTrendingLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:     "INVALID_REQUEST",
				Message:  "limitは正の整数で指定してください。",
				Category: "validation",
				Action:   "正しいlimit値を指定してください。",
			})
			return
		}
		limit = n
	}

	stats, err := h.service.TrendingHashtags(r.Context(), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if stats == nil {
		stats = []model.HashtagStat{}
	}

	writeJSON(w, http.StatusOK, trendingResponse{Hashtags: stats})
}

// bulkStatsResponse は一括統計取得のAPIレスポンス。
type bulkStatsResponse struct {
	Stats map[string]videoCountsJSON `json:"stats"`
}

// BulkStats は複数動画のエンゲージメント統計を一括で返す。
// GET /api/videos/stats?ids=a,b,c
func (h *VideoHandler) BulkStats(w http.ResponseWriter, r *http.Request) {
	idsParam := strings.TrimSpace(r.URL.Query().Get("ids"))
	if idsParam == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "動画IDが指定されていません。",
			Category: "validation",
			Action:   "idsパラメータにカンマ区切りで動画IDを指定してください。",
		})
		return
	}

	var ids []string
	for _, id := range strings.Split(idsParam, ",") {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	if len(ids) == 0 || len(ids) > maxBulkStatsIDs {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "動画IDの指定が不正です。",
			Category: "validation",
			Action:   "1件以上50件以下の動画IDを指定してください。",
		})
		return
	}

	counts, err := h.service.BulkVideoStats(r.Context(), ids)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	stats := make(map[string]videoCountsJSON, len(counts))
	for id, c := range counts {
		stats[id] = videoCountsJSON{
			Likes:    c.Likes,
			Reposts:  c.Reposts,
			Comments: c.Comments,
			Views:    c.Views,
			Loops:    c.Loops,
		}
	}

	writeJSON(w, http.StatusOK, bulkStatsResponse{Stats: stats})
}
