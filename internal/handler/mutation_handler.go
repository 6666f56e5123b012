package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/divinevideo/divine-gateway/internal/middleware"
	"github.com/divinevideo/divine-gateway/internal/model"
	"github.com/divinevideo/divine-gateway/internal/mutation"
)

// MutationService はエンゲージメント操作ハンドラーが必要とするサービスインターフェース。
type MutationService interface {
	Toggle(ctx context.Context, signer mutation.Signer, action mutation.Action, target mutation.Target) (*mutation.Result, error)
	State(pubkey string, action mutation.Action, videoID string) mutation.Record
}

// SignerFunc はセッションからイベント署名器を取得する関数。
// authパッケージの具象型を直接参照しないための間接化。
type SignerFunc func(session *model.Session) mutation.Signer

// MutationHandler はいいね・リポスト・ピンのトグル操作のHTTPハンドラー。
type MutationHandler struct {
	service   MutationService
	signerFor SignerFunc
}

// NewMutationHandler はMutationHandlerを生成する。
func NewMutationHandler(service MutationService, signerFor SignerFunc) *MutationHandler {
	return &MutationHandler{
		service:   service,
		signerFor: signerFor,
	}
}

// toggleRequest はトグル操作リクエストのボディ。
// 対象動画の投稿者公開鍵はp-tagの付与に必要となる。
type toggleRequest struct {
	AuthorPubkey string `json:"author_pubkey"`
}

// toggleResponse はトグル操作のAPIレスポンス。
type toggleResponse struct {
	Action  string `json:"action"`
	Value   bool   `json:"value"`
	EventID string `json:"event_id,omitempty"`
}

// engagementState は1操作分の現在値。pendingは楽観反映中で発行結果待ちを示す。
type engagementState struct {
	Value   bool `json:"value"`
	Pending bool `json:"pending"`
}

// engagementResponse は対象動画に対する呼び出しユーザーの全トグル状態。
type engagementResponse struct {
	VideoID string          `json:"video_id"`
	Like    engagementState `json:"like"`
	Repost  engagementState `json:"repost"`
	Pin     engagementState `json:"pin"`
}

// Like はいいねをトグルする。
// POST /api/videos/:id/like
func (h *MutationHandler) Like(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, mutation.ActionLike)
}

// Repost はリポストをトグルする。
// POST /api/videos/:id/repost
func (h *MutationHandler) Repost(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, mutation.ActionRepost)
}

// Pin はピン留めをトグルする。
// POST /api/videos/:id/pin
func (h *MutationHandler) Pin(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, mutation.ActionPin)
}

// Engagement は対象動画に対する自分のトグル状態を返す。
// ページ表示時のボタン初期状態の取得に使う。
// GET /api/videos/:id/engagement
func (h *MutationHandler) Engagement(w http.ResponseWriter, r *http.Request) {
	session, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewAuthExpiredError())
		return
	}

	videoID := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, engagementResponse{
		VideoID: videoID,
		Like:    h.stateOf(session.PubKey, mutation.ActionLike, videoID),
		Repost:  h.stateOf(session.PubKey, mutation.ActionRepost, videoID),
		Pin:     h.stateOf(session.PubKey, mutation.ActionPin, videoID),
	})
}

func (h *MutationHandler) stateOf(pubkey string, action mutation.Action, videoID string) engagementState {
	rec := h.service.State(pubkey, action, videoID)
	return engagementState{
		Value:   rec.Value,
		Pending: rec.State == mutation.StatePending,
	}
}

func (h *MutationHandler) toggle(w http.ResponseWriter, r *http.Request, action mutation.Action) {
	session, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewAuthExpiredError())
		return
	}

	videoID := chi.URLParam(r, "id")

	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}
	if req.AuthorPubkey == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidPubKeyError(req.AuthorPubkey))
		return
	}

	signer := h.signerFor(session)

	result, err := h.service.Toggle(r.Context(), signer, action, mutation.Target{
		VideoID:   videoID,
		AuthorKey: req.AuthorPubkey,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toggleResponse{
		Action:  string(result.Action),
		Value:   result.Value,
		EventID: result.EventID,
	})
}
