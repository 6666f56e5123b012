package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/divinevideo/divine-gateway/internal/model"
	"github.com/divinevideo/divine-gateway/internal/nostr"
)

// signTimeout はリモート署名リクエスト1回の上限時間。
const signTimeout = 10 * time.Second

// RemoteSigner はセッションのアクセストークンを使い、IDプロバイダの
// 署名エンドポイントでイベントに署名する署名器。
// 鍵はプロバイダ側で保管されるため、ゲートウェイは秘密鍵を一切扱わない。
type RemoteSigner struct {
	signURL     string
	pubkey      string
	accessToken string
	httpClient  *http.Client
}

// SignerFor はセッションに紐付いたリモート署名器を返す。
func (p *PKCEProvider) SignerFor(session *model.Session) *RemoteSigner {
	return &RemoteSigner{
		signURL:     p.config.SignURL,
		pubkey:      session.PubKey,
		accessToken: session.AccessToken,
		httpClient:  p.httpClient,
	}
}

// PubKey は署名対象となる公開鍵（hex）を返す。
func (s *RemoteSigner) PubKey() string {
	return s.pubkey
}

// signResponse は署名エンドポイントのレスポンス。
type signResponse struct {
	ID  string `json:"id"`
	Sig string `json:"sig"`
}

// Sign は未署名イベントを署名エンドポイントに送信し、
// 返却されたIDと署名をイベントに反映する。
func (s *RemoteSigner) Sign(ev *nostr.Event) error {
	if ev.PubKey == "" {
		ev.PubKey = s.pubkey
	}
	if ev.Tags == nil {
		ev.Tags = [][]string{}
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("署名リクエストの構築に失敗: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), signTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.signURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("署名リクエストの生成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("署名エンドポイントへの接続に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("署名エンドポイントがステータス %d を返しました", resp.StatusCode)
	}

	var signed signResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&signed); err != nil {
		return fmt.Errorf("署名レスポンスの解析に失敗: %w", err)
	}
	if signed.ID == "" || signed.Sig == "" {
		return fmt.Errorf("署名レスポンスにIDまたは署名が含まれていません")
	}

	ev.ID = signed.ID
	ev.Sig = signed.Sig
	return nil
}
