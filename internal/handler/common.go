// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/divinevideo/divine-gateway/internal/funnelcake"
	"github.com/divinevideo/divine-gateway/internal/middleware"
	"github.com/divinevideo/divine-gateway/internal/model"
)

// maxPageLimit は1ページあたりの動画件数の上限。
const maxPageLimit = 100

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, middleware.StatusForAPIError(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// parseListParams はクエリ文字列からページネーションパラメータを組み立てる。
// before（unix秒）とoffsetの併用はカーソル種別の混在としてエラーになる。
func parseListParams(r *http.Request) (funnelcake.ListParams, error) {
	params := funnelcake.ListParams{}
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return params, model.NewInvalidCursorError("limitは正の整数で指定してください")
		}
		if limit > maxPageLimit {
			limit = maxPageLimit
		}
		params.Limit = limit
	}

	before := q.Get("before")
	offset := q.Get("offset")
	if before != "" && offset != "" {
		return params, model.NewInvalidCursorError("beforeとoffsetは併用できません")
	}

	if before != "" {
		ts, err := strconv.ParseInt(before, 10, 64)
		if err != nil || ts <= 0 {
			return params, model.NewInvalidCursorError("beforeはunix秒で指定してください")
		}
		params.Cursor = model.Cursor{Kind: model.CursorBefore, Before: ts}
	} else if offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			return params, model.NewInvalidCursorError("offsetは0以上の整数で指定してください")
		}
		params.Cursor = model.Cursor{Kind: model.CursorOffset, Offset: n}
	}

	return params, nil
}

// videoCountsJSON は動画エンゲージメント集計のAPIレスポンス。
type videoCountsJSON struct {
	Likes    int `json:"likes"`
	Reposts  int `json:"reposts"`
	Comments int `json:"comments"`
	Views    int `json:"views"`
	Loops    int `json:"loops"`
}

// videoJSON は動画1件のAPIレスポンス。
type videoJSON struct {
	ID                 string          `json:"id"`
	Pubkey             string          `json:"pubkey"`
	CreatedAt          time.Time       `json:"created_at"`
	DTag               string          `json:"d_tag"`
	Title              string          `json:"title"`
	MediaURL           string          `json:"media_url"`
	AlternateStreamURL string          `json:"alternate_stream_url,omitempty"`
	ThumbnailURL       string          `json:"thumbnail_url,omitempty"`
	Hashtags           []string        `json:"hashtags"`
	Counts             videoCountsJSON `json:"counts"`
	Source             string          `json:"source"`
}

// cursorJSON は次ページ取得用カーソルのAPIレスポンス。
type cursorJSON struct {
	Before int64 `json:"before,omitempty"`
	Offset int   `json:"offset,omitempty"`
}

// videoPageJSON は動画一覧1ページ分のAPIレスポンス。
type videoPageJSON struct {
	Videos     []videoJSON `json:"videos"`
	NextCursor *cursorJSON `json:"next_cursor,omitempty"`
	Source     string      `json:"source"`
}

func toVideoJSON(v *model.Video) videoJSON {
	hashtags := v.Hashtags
	if hashtags == nil {
		hashtags = []string{}
	}
	return videoJSON{
		ID:                 v.ID,
		Pubkey:             v.AuthorKey,
		CreatedAt:          v.CreatedAt,
		DTag:               v.DTag,
		Title:              v.Title,
		MediaURL:           v.MediaURL,
		AlternateStreamURL: v.AlternateStreamURL,
		ThumbnailURL:       v.ThumbnailURL,
		Hashtags:           hashtags,
		Counts: videoCountsJSON{
			Likes:    v.Counts.Likes,
			Reposts:  v.Counts.Reposts,
			Comments: v.Counts.Comments,
			Views:    v.Counts.Views,
			Loops:    v.Counts.Loops,
		},
		Source: string(v.Source),
	}
}

func toVideoPageJSON(page *model.VideoPage) videoPageJSON {
	videos := make([]videoJSON, len(page.Videos))
	for i, v := range page.Videos {
		videos[i] = toVideoJSON(v)
	}

	resp := videoPageJSON{
		Videos: videos,
		Source: string(page.Source),
	}
	switch page.Cursor.Kind {
	case model.CursorBefore:
		resp.NextCursor = &cursorJSON{Before: page.Cursor.Before}
	case model.CursorOffset:
		resp.NextCursor = &cursorJSON{Offset: page.Cursor.Offset}
	}
	return resp
}
