// Package relay はNostrリレーへのWebSocketトランスポートを提供する。
// REST経路が利用不可のときのフォールバックとして、フィルタクエリ（REQ）と
// 署名付きイベントの発行（EVENT）を行う。
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/divinevideo/divine-gateway/internal/model"
	"github.com/divinevideo/divine-gateway/internal/nostr"
)

const (
	// defaultQueryTimeout はリレークエリ1回の上限時間。
	// REST経路より遅いことを許容するため長めに取る。
	defaultQueryTimeout = 15 * time.Second
	// publishTimeout はイベント発行とOK応答待ちの上限時間。
	publishTimeout = 10 * time.Second
	// maxMessageSize はリレーから受信する1メッセージの上限（2MB）。
	maxMessageSize = 2 * 1024 * 1024
)

// Client は単一リレーへの接続クライアント。
// クエリ・発行のたびに接続を張り、完了後に閉じる。
// 常時接続の購読は持たない（ゲートウェイの読み取りは全て単発クエリ）。
type Client struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(relayURL string, logger *slog.Logger) *Client {
	return &Client{
		url: relayURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// URL はリレーのURLを返す。
func (c *Client) URL() string {
	return c.url
}

// Query はフィルタに一致するイベントをEOSEまたは期限まで収集して返す。
// 署名検証に失敗したイベントとフィルタに一致しないイベントは破棄する。
func (c *Client) Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	subID := uuid.New().String()[:8]
	req := []interface{}{"REQ", subID, filter}
	if err := c.writeJSON(ctx, conn, req); err != nil {
		return nil, err
	}

	var events []*nostr.Event
	for {
		msg, err := c.readMessage(ctx, conn)
		if err != nil {
			// 途中まで集めたイベントがあっても、EOSE前の切断は失敗として扱う
			return nil, err
		}

		switch msg.kind {
		case "EVENT":
			if msg.subID != subID {
				continue
			}
			ev := msg.event
			if err := ev.Verify(); err != nil {
				c.logger.Warn("署名検証に失敗したイベントを破棄します",
					slog.String("relay", c.url),
					slog.String("event_id", ev.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !filter.Matches(ev) {
				// 購読外のイベントは受け付けない
				continue
			}
			events = append(events, ev)
		case "EOSE":
			if msg.subID != subID {
				continue
			}
			// 保存済みイベントの送信完了。購読を閉じて返す
			closeMsg := []interface{}{"CLOSE", subID}
			_ = c.writeJSON(ctx, conn, closeMsg)
			return events, nil
		case "NOTICE":
			c.logger.Info("リレーからNOTICEを受信しました",
				slog.String("relay", c.url),
				slog.String("notice", msg.notice),
			)
		}
	}
}

// Publish は署名済みイベントをリレーへ発行し、OK応答を待つ。
// リレーが受理を拒否した場合はエラーを返す。
func (c *Client) Publish(ctx context.Context, ev *nostr.Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	msg := []interface{}{"EVENT", ev}
	if err := c.writeJSON(ctx, conn, msg); err != nil {
		return err
	}

	for {
		resp, err := c.readMessage(ctx, conn)
		if err != nil {
			return err
		}
		if resp.kind != "OK" || resp.eventID != ev.ID {
			continue
		}
		if !resp.accepted {
			return fmt.Errorf("リレーがイベントを拒否しました: %s", resp.notice)
		}
		return nil
	}
}

// dial はWebSocket接続を確立する。失敗はNetworkErrorに分類する。
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &model.TimeoutError{Err: err}
		}
		return nil, &model.NetworkError{Err: err}
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// writeJSON は期限付きでJSONメッセージを送信する。
func (c *Client) writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteJSON(v); err != nil {
		return &model.NetworkError{Err: err}
	}
	return nil
}

// relayMessage はリレーから受信したメッセージの解析結果。
type relayMessage struct {
	kind     string // EVENT / EOSE / OK / NOTICE
	subID    string
	event    *nostr.Event
	eventID  string
	accepted bool
	notice   string
}

// readMessage はリレーメッセージを1件読み取って解析する。
func (c *Client) readMessage(ctx context.Context, conn *websocket.Conn) (*relayMessage, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &model.TimeoutError{Err: err}
		}
		return nil, &model.NetworkError{Err: err}
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &model.ParseError{Err: err}
	}
	if len(raw) < 1 {
		return nil, &model.ParseError{Err: fmt.Errorf("空のリレーメッセージ")}
	}

	var kind string
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return nil, &model.ParseError{Err: err}
	}

	msg := &relayMessage{kind: kind}
	switch kind {
	case "EVENT":
		if len(raw) < 3 {
			return nil, &model.ParseError{Err: fmt.Errorf("EVENTメッセージの要素数が不足")}
		}
		if err := json.Unmarshal(raw[1], &msg.subID); err != nil {
			return nil, &model.ParseError{Err: err}
		}
		msg.event = &nostr.Event{}
		if err := json.Unmarshal(raw[2], msg.event); err != nil {
			return nil, &model.ParseError{Err: err}
		}
	case "EOSE":
		if len(raw) >= 2 {
			json.Unmarshal(raw[1], &msg.subID)
		}
	case "OK":
		if len(raw) < 3 {
			return nil, &model.ParseError{Err: fmt.Errorf("OKメッセージの要素数が不足")}
		}
		json.Unmarshal(raw[1], &msg.eventID)
		json.Unmarshal(raw[2], &msg.accepted)
		if len(raw) >= 4 {
			json.Unmarshal(raw[3], &msg.notice)
		}
	case "NOTICE":
		if len(raw) >= 2 {
			json.Unmarshal(raw[1], &msg.notice)
		}
	}
	return msg, nil
}
