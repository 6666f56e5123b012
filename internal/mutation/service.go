package mutation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/divinevideo/divine-gateway/internal/model"
	"github.com/divinevideo/divine-gateway/internal/nostr"
)

// Action はトグル可能なエンゲージメント操作の種別。
type Action string

const (
	ActionLike   Action = "like"
	ActionRepost Action = "repost"
	ActionPin    Action = "pin"
)

// pinListDTag はピン留めリスト（kind 30001）のdタグ。
const pinListDTag = "pins"

// Signer はイベントへの署名を提供するインターフェース。
// 認証レイヤーがセッションに紐づく署名器を供給する。
type Signer interface {
	PubKey() string
	Sign(ev *nostr.Event) error
}

// KeySigner は秘密鍵（hex）による署名器。
type KeySigner struct {
	privKey string
	pubKey  string
}

// NewKeySigner は秘密鍵から署名器を生成する。
func NewKeySigner(privKeyHex string) (*KeySigner, error) {
	pub, err := nostr.PublicKeyFromPrivate(privKeyHex)
	if err != nil {
		return nil, err
	}
	return &KeySigner{privKey: privKeyHex, pubKey: pub}, nil
}

func (k *KeySigner) PubKey() string { return k.pubKey }

func (k *KeySigner) Sign(ev *nostr.Event) error { return ev.Sign(k.privKey) }

// Publisher はリレーへのイベント発行インターフェース。relay.Poolが実装する。
type Publisher interface {
	Publish(ctx context.Context, ev *nostr.Event) error
}

// Recorder は書き込み結果のメトリクス記録先インターフェース。
type Recorder interface {
	RecordMutationPublished(action string)
	RecordMutationRollback(action string)
}

// Target はエンゲージメント操作の対象動画。
type Target struct {
	VideoID   string // 対象のイベントID
	AuthorKey string // 対象の投稿者公開鍵
}

// Result はトグル操作の結果を表す。
type Result struct {
	Action  Action
	Value   bool   // トグル後の値
	EventID string // 発行されたイベントのID
}

// Service は楽観的エンゲージメント書き込みの実行器。
type Service struct {
	store     *Store
	publisher Publisher
	logger    *slog.Logger
	recorder  Recorder
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。recorderはnilでもよい。
func NewService(publisher Publisher, logger *slog.Logger, recorder Recorder) *Service {
	return &Service{
		store:     NewStore(),
		publisher: publisher,
		logger:    logger,
		recorder:  recorder,
		now:       time.Now,
	}
}

// Toggle はエンゲージメント操作をトグルする。
// 楽観反映 → イベント構築・署名 → リレー発行 → 確定（失敗時は巻き戻し）。
// 書き込みは自動リトライしない。
func (s *Service) Toggle(ctx context.Context, signer Signer, action Action, target Target) (*Result, error) {
	key := stateKey(signer.PubKey(), action, target.VideoID)
	localID := "local:" + uuid.New().String()

	prev, next, err := s.store.Begin(key, localID)
	if err != nil {
		return nil, err
	}

	ev, err := s.buildEvent(signer, action, target, next)
	if err != nil {
		s.rollback(key, action, prev, err)
		return nil, model.NewMutationFailedError(string(action))
	}
	if err := signer.Sign(ev); err != nil {
		s.rollback(key, action, prev, err)
		return nil, model.NewMutationFailedError(string(action))
	}

	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.rollback(key, action, prev, err)
		return nil, model.NewMutationFailedError(string(action))
	}

	// ローカル合成IDを実際に発行されたイベントIDへ照合する
	s.store.Confirm(key, ev.ID)
	if s.recorder != nil {
		s.recorder.RecordMutationPublished(string(action))
	}
	s.logger.Info("エンゲージメント操作を発行しました",
		slog.String("action", string(action)),
		slog.String("video_id", target.VideoID),
		slog.String("event_id", ev.ID),
		slog.Bool("value", next),
	)
	return &Result{Action: action, Value: next, EventID: ev.ID}, nil
}

// State は現在のエンゲージメント状態を返す。
func (s *Service) State(pubkey string, action Action, videoID string) Record {
	return s.store.Get(stateKey(pubkey, action, videoID))
}

func (s *Service) rollback(key string, action Action, prev bool, cause error) {
	s.store.Revert(key, prev)
	if s.recorder != nil {
		s.recorder.RecordMutationRollback(string(action))
	}
	s.logger.Warn("発行に失敗したため巻き戻しました",
		slog.String("action", string(action)),
		slog.String("error", cause.Error()),
	)
}

// buildEvent はトグル後の値に応じたイベントを構築する。
// 有効化はリアクション・リポスト・更新済みピンリスト、
// 無効化は確定済みイベントへの削除リクエスト（ピンはリストの再発行）。
func (s *Service) buildEvent(signer Signer, action Action, target Target, enabled bool) (*nostr.Event, error) {
	createdAt := s.now().Unix()

	if action == ActionPin {
		return s.buildPinList(signer, target, enabled, createdAt)
	}

	if enabled {
		switch action {
		case ActionLike:
			return &nostr.Event{
				CreatedAt: createdAt,
				Kind:      nostr.KindReaction,
				Tags: [][]string{
					{"e", target.VideoID},
					{"p", target.AuthorKey},
				},
				Content: "+",
			}, nil
		case ActionRepost:
			return &nostr.Event{
				CreatedAt: createdAt,
				Kind:      nostr.KindRepost,
				Tags: [][]string{
					{"e", target.VideoID},
					{"p", target.AuthorKey},
				},
			}, nil
		}
		return nil, fmt.Errorf("未対応の操作: %s", action)
	}

	// 無効化: 確定済みイベントの削除リクエスト
	rec := s.store.Get(stateKey(signer.PubKey(), action, target.VideoID))
	if rec.EventID == "" {
		return nil, fmt.Errorf("削除対象のイベントIDが不明です: %s", action)
	}
	return &nostr.Event{
		CreatedAt: createdAt,
		Kind:      nostr.KindDeletion,
		Tags:      [][]string{{"e", rec.EventID}},
	}, nil
}

// buildPinList は現在のピン留め集合を反映したリストイベントを構築する。
// アドレサブルイベントなので同じdタグでの再発行が旧リストを置き換える。
func (s *Service) buildPinList(signer Signer, target Target, pinned bool, createdAt int64) (*nostr.Event, error) {
	pins := s.pinnedVideos(signer.PubKey())
	if pinned {
		pins[target.VideoID] = true
	} else {
		delete(pins, target.VideoID)
	}

	ids := make([]string, 0, len(pins))
	for id := range pins {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tags := [][]string{{"d", pinListDTag}}
	for _, id := range ids {
		tags = append(tags, []string{"e", id})
	}
	return &nostr.Event{
		CreatedAt: createdAt,
		Kind:      nostr.KindGenericList,
		Tags:      tags,
	}, nil
}

// pinnedVideos はストア上で確定・保留中のピン留め集合を返す。
func (s *Service) pinnedVideos(pubkey string) map[string]bool {
	pins := make(map[string]bool)
	prefix := pubkey + ":" + string(ActionPin) + ":"
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	for key, rec := range s.store.records {
		if rec.Value && len(key) > len(prefix) && key[:len(prefix)] == prefix {
			pins[key[len(prefix):]] = true
		}
	}
	return pins
}

func stateKey(pubkey string, action Action, videoID string) string {
	return pubkey + ":" + string(action) + ":" + videoID
}
