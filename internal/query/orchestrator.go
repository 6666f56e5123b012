// Package query はREST優先・リレーフォールバックのクエリオーケストレーターを提供する。
//
// 各クエリの流れ:
//
//	Start → サーキットが閉じていれば TryRest / 開いていれば RelayFallback
//	TryRest 成功 → RecordSuccess して返す（source=rest）
//	TryRest 一時的失敗 → RecordFailure して RelayFallback
//	TryRest 恒久的失敗（4xx・パース失敗）→ リレーでも解決しないため即座にエラーを返す
//	RelayFallback 成功 → 返す（source=relay）
//	RelayFallback 失敗 → 保守的な空結果を返す（存在確認を除く）
//
// RESTとリレーが同時に飛ぶことはない。読み取りは一時的失敗に限り
// 固定バックオフで最大2回リトライする。書き込みはリトライしない。
package query

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/divinevideo/divine-gateway/internal/funnelcake"
	"github.com/divinevideo/divine-gateway/internal/health"
	"github.com/divinevideo/divine-gateway/internal/media"
	"github.com/divinevideo/divine-gateway/internal/model"
	"github.com/divinevideo/divine-gateway/internal/nostr"
	"github.com/divinevideo/divine-gateway/internal/relay"
	"github.com/divinevideo/divine-gateway/internal/transform"
)

const (
	// maxReadRetries は読み取り1回あたりの最大リトライ回数。
	maxReadRetries = 2
	// retryBackoff はリトライ間の固定待機時間。
	retryBackoff = 500 * time.Millisecond
	// relayFanOutLimit はリレーフォールバック時の取得上限。
	// サーバー側の事前集計がない分、REST経路より広めに取得する。
	relayFanOutLimit = 100
)

// errCircuitOpen はサーキットオープンによるRESTスキップを表す内部センチネル。
var errCircuitOpen = errors.New("サーキットオープンによりRESTをスキップ")

// Recorder はクエリ結果のメトリクス記録先インターフェース。
type Recorder interface {
	RecordRESTSuccess(op string)
	RecordRESTFailure(op string)
	RecordRelayFallback(op string)
	RecordQueryLatency(op string, d time.Duration)
}

// MediaProber はリレー由来動画のメディア検査インターフェース。
// サムネイルを持たない動画のOGメタデータ抽出と、メディアURLの配信可否検査を行う。
type MediaProber interface {
	ProbePage(ctx context.Context, pageURL string) (*media.ProbeResult, error)
	CheckMedia(ctx context.Context, mediaURL string) (bool, string)
}

// NIP05Verifier はリレー由来プロフィールの検証バッジ判定インターフェース。
type NIP05Verifier interface {
	Verify(ctx context.Context, identifier, pubkey string) bool
}

// Orchestrator はREST優先・リレーフォールバックのクエリ実行器。
type Orchestrator struct {
	rest      *funnelcake.Client
	relays    *relay.Pool
	health    *health.Tracker
	sanitizer transform.Sanitizer
	logger    *slog.Logger
	recorder  Recorder
	backoff   time.Duration // テスト用に短縮可能

	// リレー経路の補完。未設定の場合はスキップされる
	prober   MediaProber
	verifier NIP05Verifier
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
// sanitizer・recorderはnilでもよい。
func NewOrchestrator(
	rest *funnelcake.Client,
	relays *relay.Pool,
	tracker *health.Tracker,
	sanitizer transform.Sanitizer,
	logger *slog.Logger,
	recorder Recorder,
) *Orchestrator {
	return &Orchestrator{
		rest:      rest,
		relays:    relays,
		health:    tracker,
		sanitizer: sanitizer,
		logger:    logger,
		recorder:  recorder,
		backoff:   retryBackoff,
	}
}

// SetMediaProber はリレー由来動画のサムネイル補完を有効にする。
func (o *Orchestrator) SetMediaProber(p MediaProber) {
	o.prober = p
}

// SetNIP05Verifier はリレー由来プロフィールのNIP-05検証を有効にする。
// REST経路のプロフィールはサーバー側の検証結果をそのまま信頼するため、
// この検証はリレーフォールバック時のみ行われる。
func (o *Orchestrator) SetNIP05Verifier(v NIP05Verifier) {
	o.verifier = v
}

// tryRest はREST呼び出しをサーキットブレーカーとリトライ込みで実行する。
// fnはリトライのたびに呼び直されるため冪等な読み取りであること。
func (o *Orchestrator) tryRest(ctx context.Context, op string, fn func(context.Context) error) error {
	endpoint := o.rest.BaseURL()
	if !o.health.IsAvailable(endpoint) {
		o.logger.Info("サーキットオープンのためリレーフォールバックへ直行します",
			slog.String("op", op),
		)
		return errCircuitOpen
	}

	err := o.withRetry(ctx, func(ctx context.Context) error { return fn(ctx) })
	if err == nil {
		o.health.RecordSuccess(endpoint)
		if o.recorder != nil {
			o.recorder.RecordRESTSuccess(op)
		}
		return nil
	}

	// 恒久的エラー（4xx・パース失敗）はエンドポイントの不調ではないため
	// 失敗として記録しない
	if model.IsTransientFetchError(err) {
		o.health.RecordFailure(endpoint, err.Error())
	}
	if o.recorder != nil {
		o.recorder.RecordRESTFailure(op)
	}
	o.logger.Warn("REST経路のクエリに失敗しました",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return err
}

// withRetry は一時的失敗に限り固定バックオフで最大2回リトライする。
func (o *Orchestrator) withRetry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= maxReadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(o.backoff):
			case <-ctx.Done():
				return &model.TimeoutError{Err: ctx.Err()}
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !model.IsTransientFetchError(err) {
			return err
		}
	}
	return err
}

// relayQuery はリレーフォールバッククエリをリトライ込みで実行し、
// フォールバック1回としてメトリクスに記録する。
func (o *Orchestrator) relayQuery(ctx context.Context, op string, filter nostr.Filter) ([]*nostr.Event, error) {
	if o.recorder != nil {
		o.recorder.RecordRelayFallback(op)
	}
	return o.relayEvents(ctx, op, filter)
}

// relayEvents はメトリクス記録なしでリレークエリを実行する。
// 1リクエスト内で複数のリレークエリを発行する場合、記録は呼び出し元が1回だけ行う。
func (o *Orchestrator) relayEvents(ctx context.Context, op string, filter nostr.Filter) ([]*nostr.Event, error) {
	var events []*nostr.Event
	err := o.withRetry(ctx, func(ctx context.Context) error {
		var qerr error
		events, qerr = o.relays.Query(ctx, filter)
		return qerr
	})
	if err != nil {
		o.logger.Warn("リレーフォールバックに失敗しました",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return events, nil
}

// observe はクエリのレイテンシを記録する。
func (o *Orchestrator) observe(op string, start time.Time) {
	if o.recorder != nil {
		o.recorder.RecordQueryLatency(op, time.Since(start))
	}
}

// ListVideos は動画一覧を取得する。
// 両経路が失敗した場合は空ページを返す（読み取り失敗はUIへ伝播させない）。
func (o *Orchestrator) ListVideos(ctx context.Context, params funnelcake.ListParams) (*model.VideoPage, error) {
	defer o.observe("list_videos", time.Now())

	var resp *funnelcake.VideoListResponse
	err := o.tryRest(ctx, "list_videos", func(ctx context.Context) error {
		var rerr error
		resp, rerr = o.rest.ListVideos(ctx, params)
		return rerr
	})
	if err == nil {
		return o.pageFromWire(resp, params.Cursor)
	}
	if model.IsPermanentFetchError(err) {
		return nil, err
	}

	return o.relayVideoPage(ctx, "list_videos", params, nostr.Filter{
		Kinds: []int{nostr.KindShortVideo},
	})
}

// GetVideo は単一動画を取得する。
// 見つからない場合は明示的にVideoNotFoundエラーを返す（存在確認の一種）。
func (o *Orchestrator) GetVideo(ctx context.Context, videoID string) (*model.Video, error) {
	defer o.observe("get_video", time.Now())

	var wire *funnelcake.WireVideo
	err := o.tryRest(ctx, "get_video", func(ctx context.Context) error {
		var rerr error
		wire, rerr = o.rest.GetVideo(ctx, videoID)
		return rerr
	})
	if err == nil {
		return transform.VideoFromWire(wire, o.sanitizer), nil
	}

	// RESTの404はリレーにまだ残っている可能性があるためフォールバック対象
	var httpErr *model.HTTPError
	notFoundOnRest := errors.As(err, &httpErr) && httpErr.Status == 404
	if !notFoundOnRest && model.IsPermanentFetchError(err) {
		return nil, err
	}

	events, rerr := o.relayQuery(ctx, "get_video", nostr.Filter{
		IDs:   []string{videoID},
		Kinds: []int{nostr.KindShortVideo},
		Limit: 1,
	})
	if rerr != nil || len(events) == 0 {
		return nil, model.NewVideoNotFoundError(videoID)
	}

	video := transform.VideoFromEvent(events[0], o.sanitizer)

	// リレー由来のイベントはサムネイルを持たないことがある。
	// メディアページのOGメタデータから補完を試みる（失敗はソフト）
	if o.prober != nil && video.ThumbnailURL == "" && video.MediaURL != "" {
		if res, perr := o.prober.ProbePage(ctx, video.MediaURL); perr == nil && res != nil && res.ThumbnailURL != "" {
			video.ThumbnailURL = res.ThumbnailURL
		}
	}

	// リレー由来のメディアURLは配信終了していることがある。
	// 主系が検査に落ちて代替ストリームが生きている場合は入れ替える
	if o.prober != nil && video.MediaURL != "" && video.AlternateStreamURL != "" {
		if ok, _ := o.prober.CheckMedia(ctx, video.MediaURL); !ok {
			if ok, _ := o.prober.CheckMedia(ctx, video.AlternateStreamURL); ok {
				video.MediaURL, video.AlternateStreamURL = video.AlternateStreamURL, video.MediaURL
			}
		}
	}
	return video, nil
}

// GetProfile はユーザープロフィールを取得する。
// 「存在しない」と「取得に失敗した」を区別して返すため、
// 両経路失敗時は空結果ではなくエラーを返す。
func (o *Orchestrator) GetProfile(ctx context.Context, pubkey string) (model.ProfileResult, error) {
	defer o.observe("get_profile", time.Now())

	if !nostr.IsValidPubKey(pubkey) {
		return model.ProfileResult{}, model.NewInvalidPubKeyError(pubkey)
	}

	var raw []byte
	err := o.tryRest(ctx, "get_profile", func(ctx context.Context) error {
		msg, rerr := o.rest.GetUserProfile(ctx, pubkey)
		if rerr != nil {
			return rerr
		}
		raw = msg
		return nil
	})
	if err == nil {
		profile, perr := transform.ProfileFromJSON(raw, o.sanitizer)
		if perr != nil {
			return model.ProfileResult{}, perr
		}
		return model.ProfileResult{Profile: profile, Found: true}, nil
	}

	var httpErr *model.HTTPError
	notFoundOnRest := errors.As(err, &httpErr) && httpErr.Status == 404
	if !notFoundOnRest && model.IsPermanentFetchError(err) {
		return model.ProfileResult{}, err
	}

	events, rerr := o.relayQuery(ctx, "get_profile", nostr.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{nostr.KindProfile},
		Limit:   1,
	})
	if rerr != nil {
		if notFoundOnRest {
			// RESTは404と明言している。リレーの不調と混同しない
			return model.ProfileResult{Found: false}, nil
		}
		return model.ProfileResult{}, model.NewUpstreamDownError()
	}
	if len(events) == 0 {
		return model.ProfileResult{Found: false}, nil
	}

	profile, perr := transform.ProfileFromEvent(events[0], o.sanitizer)
	if perr != nil {
		return model.ProfileResult{}, perr
	}

	// リレー由来のnip05申告は自己申告にすぎないため、well-knownを照会して
	// 裏が取れた場合のみ検証済みとする
	if o.verifier != nil && profile.NIP05 != "" {
		profile.Verified = o.verifier.Verify(ctx, profile.NIP05, pubkey)
	}
	return model.ProfileResult{Profile: profile, Found: true}, nil
}

// BulkProfiles は複数ユーザーのプロフィールを一括取得する。
// 見つからないユーザーは結果マップから欠落する（エラーにはしない）。
func (o *Orchestrator) BulkProfiles(ctx context.Context, pubkeys []string) (map[string]*model.Profile, error) {
	defer o.observe("bulk_profiles", time.Now())

	for _, pk := range pubkeys {
		if !nostr.IsValidPubKey(pk) {
			return nil, model.NewInvalidPubKeyError(pk)
		}
	}
	if len(pubkeys) == 0 {
		return map[string]*model.Profile{}, nil
	}

	var raws []json.RawMessage
	err := o.tryRest(ctx, "bulk_profiles", func(ctx context.Context) error {
		var rerr error
		raws, rerr = o.rest.BulkUsers(ctx, pubkeys)
		return rerr
	})
	if err == nil {
		profiles := make(map[string]*model.Profile, len(raws))
		for _, raw := range raws {
			profile, perr := transform.ProfileFromJSON(raw, o.sanitizer)
			if perr != nil {
				continue // 1件の破損で全体を落とさない
			}
			profiles[profile.PubKey] = profile
		}
		return profiles, nil
	}
	if model.IsPermanentFetchError(err) {
		return nil, err
	}

	events, rerr := o.relayQuery(ctx, "bulk_profiles", nostr.Filter{
		Authors: pubkeys,
		Kinds:   []int{nostr.KindProfile},
		Limit:   len(pubkeys),
	})
	if rerr != nil {
		return map[string]*model.Profile{}, nil
	}
	profiles := make(map[string]*model.Profile, len(events))
	for _, ev := range events {
		profile, perr := transform.ProfileFromEvent(ev, o.sanitizer)
		if perr != nil {
			continue
		}
		// 同一作者の重複イベントは新しい方を残す
		if prev, ok := profiles[profile.PubKey]; ok && prev.UpdatedAt.After(profile.UpdatedAt) {
			continue
		}
		profiles[profile.PubKey] = profile
	}
	return profiles, nil
}

// ListUserVideos はユーザーの投稿動画一覧を取得する。
func (o *Orchestrator) ListUserVideos(ctx context.Context, pubkey string, params funnelcake.ListParams) (*model.VideoPage, error) {
	defer o.observe("list_user_videos", time.Now())

	if !nostr.IsValidPubKey(pubkey) {
		return nil, model.NewInvalidPubKeyError(pubkey)
	}

	var resp *funnelcake.VideoListResponse
	err := o.tryRest(ctx, "list_user_videos", func(ctx context.Context) error {
		var rerr error
		resp, rerr = o.rest.ListUserVideos(ctx, pubkey, params)
		return rerr
	})
	if err == nil {
		return o.pageFromWire(resp, params.Cursor)
	}
	if model.IsPermanentFetchError(err) {
		return nil, err
	}

	return o.relayVideoPage(ctx, "list_user_videos", params, nostr.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{nostr.KindShortVideo},
	})
}

// GetUserFeed はフォロー中ユーザーの動画フィードを取得する。
// リレーフォールバック時はフォローリスト（kind 3）を取得してから
// その作者群の動画を問い合わせる（サーバー側の事前計算の代替）。
func (o *Orchestrator) GetUserFeed(ctx context.Context, pubkey string, params funnelcake.ListParams) (*model.VideoPage, error) {
	defer o.observe("get_user_feed", time.Now())

	if !nostr.IsValidPubKey(pubkey) {
		return nil, model.NewInvalidPubKeyError(pubkey)
	}

	var resp *funnelcake.VideoListResponse
	err := o.tryRest(ctx, "get_user_feed", func(ctx context.Context) error {
		var rerr error
		resp, rerr = o.rest.GetUserFeed(ctx, pubkey, params)
		return rerr
	})
	if err == nil {
		return o.pageFromWire(resp, params.Cursor)
	}
	if model.IsPermanentFetchError(err) {
		return nil, err
	}

	if params.Cursor.Kind == model.CursorOffset {
		return emptyPage(model.SourceRelay), nil
	}

	// リレークエリを2回発行するが、フォールバックの記録はリクエスト単位で1回
	if o.recorder != nil {
		o.recorder.RecordRelayFallback("get_user_feed")
	}

	// 1. フォローリストの取得
	contacts, rerr := o.relayEvents(ctx, "get_user_feed", nostr.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{3},
		Limit:   1,
	})
	if rerr != nil || len(contacts) == 0 {
		return emptyPage(model.SourceRelay), nil
	}
	authors := contacts[0].TagValues("p")
	if len(authors) == 0 {
		return emptyPage(model.SourceRelay), nil
	}

	// 2. フォロー中の作者群の動画を取得
	return o.buildRelayVideoPage(ctx, "get_user_feed", params, nostr.Filter{
		Authors: authors,
		Kinds:   []int{nostr.KindShortVideo},
	})
}

// BulkVideoStats は複数動画の統計を一括取得する。
// リレーフォールバック時は生のリアクション・リポストイベントを数える。
// 事前集計と生カウントの二重計上は行わない。
func (o *Orchestrator) BulkVideoStats(ctx context.Context, videoIDs []string) (map[string]model.VideoCounts, error) {
	defer o.observe("bulk_stats", time.Now())

	var wire map[string]funnelcake.WireStats
	err := o.tryRest(ctx, "bulk_stats", func(ctx context.Context) error {
		var rerr error
		wire, rerr = o.rest.BulkVideoStats(ctx, videoIDs)
		return rerr
	})
	if err == nil {
		counts := make(map[string]model.VideoCounts, len(wire))
		for id, s := range wire {
			stat := s
			counts[id] = transform.MergeCounts(&stat, model.VideoCounts{})
		}
		return counts, nil
	}
	if model.IsPermanentFetchError(err) {
		return nil, err
	}

	events, rerr := o.relayQuery(ctx, "bulk_stats", nostr.Filter{
		Kinds: []int{nostr.KindReaction, nostr.KindRepost},
		Tags:  map[string][]string{"e": videoIDs},
		Limit: relayFanOutLimit * len(videoIDs),
	})
	counts := make(map[string]model.VideoCounts, len(videoIDs))
	if rerr != nil {
		// 保守的なデフォルト: 全てゼロ
		for _, id := range videoIDs {
			counts[id] = model.VideoCounts{}
		}
		return counts, nil
	}

	byTarget := make(map[string][]*nostr.Event)
	for _, ev := range events {
		target := ev.TagValue("e")
		byTarget[target] = append(byTarget[target], ev)
	}
	for _, id := range videoIDs {
		counts[id] = transform.CountReactions(byTarget[id])
	}
	return counts, nil
}

// Search は動画を検索する。
// リレーは全文検索を持たないため、フォールバックはハッシュタグ検索のみ
// 対応し、それ以外の問い合わせには空結果を返す。
func (o *Orchestrator) Search(ctx context.Context, queryStr string, params funnelcake.ListParams) (*model.VideoPage, error) {
	defer o.observe("search", time.Now())

	var resp *funnelcake.SearchResponse
	err := o.tryRest(ctx, "search", func(ctx context.Context) error {
		var rerr error
		resp, rerr = o.rest.Search(ctx, queryStr, params)
		return rerr
	})
	if err == nil {
		videos := make([]*model.Video, 0, len(resp.Videos))
		for i := range resp.Videos {
			videos = append(videos, transform.VideoFromWire(&resp.Videos[i], o.sanitizer))
		}
		page := &model.VideoPage{
			Videos: transform.Dedup(videos),
			Source: model.SourceREST,
		}
		if resp.HasMore && resp.NextOffset != nil {
			page.Cursor = model.Cursor{Kind: model.CursorOffset, Offset: *resp.NextOffset}
		}
		return page, nil
	}
	if model.IsPermanentFetchError(err) {
		return nil, err
	}

	tag, ok := hashtagQuery(queryStr)
	if !ok {
		return emptyPage(model.SourceRelay), nil
	}
	return o.relayVideoPage(ctx, "search", params, nostr.Filter{
		Kinds: []int{nostr.KindShortVideo},
		Tags:  map[string][]string{"t": []string{tag}},
	})
}

// TrendingHashtags はトレンドハッシュタグを取得する。
// リレーフォールバック時は直近の動画イベントのtタグから集計する。
func (o *Orchestrator) TrendingHashtags(ctx context.Context, limit int) ([]model.HashtagStat, error) {
	defer o.observe("trending_hashtags", time.Now())

	var wire []funnelcake.WireHashtagStat
	err := o.tryRest(ctx, "trending_hashtags", func(ctx context.Context) error {
		var rerr error
		wire, rerr = o.rest.TrendingHashtags(ctx, limit)
		return rerr
	})
	if err == nil {
		stats := make([]model.HashtagStat, 0, len(wire))
		for _, w := range wire {
			stats = append(stats, model.HashtagStat{Tag: w.Tag, VideoCount: w.VideoCount, ViewCount: w.ViewCount})
		}
		return stats, nil
	}
	if model.IsPermanentFetchError(err) {
		return nil, err
	}

	events, rerr := o.relayQuery(ctx, "trending_hashtags", nostr.Filter{
		Kinds: []int{nostr.KindShortVideo},
		Limit: relayFanOutLimit,
	})
	if rerr != nil {
		return []model.HashtagStat{}, nil
	}

	counts := make(map[string]int)
	for _, ev := range events {
		for _, tag := range ev.TagValues("t") {
			counts[tag]++
		}
	}
	stats := make([]model.HashtagStat, 0, len(counts))
	for tag, n := range counts {
		stats = append(stats, model.HashtagStat{Tag: tag, VideoCount: n})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].VideoCount != stats[j].VideoCount {
			return stats[i].VideoCount > stats[j].VideoCount
		}
		return stats[i].Tag < stats[j].Tag
	})
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	return stats, nil
}

// pageFromWire はREST一覧レスポンスをページへ変換する。
// 次カーソルの種別は現在のセッションの種別と一致させる。
func (o *Orchestrator) pageFromWire(resp *funnelcake.VideoListResponse, current model.Cursor) (*model.VideoPage, error) {
	videos := make([]*model.Video, 0, len(resp.Videos))
	for i := range resp.Videos {
		videos = append(videos, transform.VideoFromWire(&resp.Videos[i], o.sanitizer))
	}

	page := &model.VideoPage{
		Videos: transform.Dedup(videos),
		Source: model.SourceREST,
	}
	if !resp.HasMore {
		return page, nil
	}

	var next model.Cursor
	if resp.NextOffset != nil {
		next = model.Cursor{Kind: model.CursorOffset, Offset: *resp.NextOffset}
	} else if resp.NextBefore > 0 {
		next = model.Cursor{Kind: model.CursorBefore, Before: resp.NextBefore}
	}
	// 1つのページングセッション内でカーソル種別を混在させない
	if !current.Compatible(next) {
		return nil, model.NewInvalidCursorError("ページングセッション内でカーソル種別が変化しました")
	}
	page.Cursor = next
	return page, nil
}

// relayVideoPage はリレークエリの結果を動画ページへ変換する。
// リレー経路のカーソルは常にタイムスタンプベース（before）なので、
// オフセットカーソルで始まったセッションには続きを提供できず空を返す。
func (o *Orchestrator) relayVideoPage(ctx context.Context, op string, params funnelcake.ListParams, filter nostr.Filter) (*model.VideoPage, error) {
	if params.Cursor.Kind == model.CursorOffset {
		return emptyPage(model.SourceRelay), nil
	}
	if o.recorder != nil {
		o.recorder.RecordRelayFallback(op)
	}
	return o.buildRelayVideoPage(ctx, op, params, filter)
}

// buildRelayVideoPage はメトリクス記録なしで動画ページのリレーフォールバックを実行する。
// フォールバックの記録はリクエスト単位で呼び出し元が1回だけ行う。
func (o *Orchestrator) buildRelayVideoPage(ctx context.Context, op string, params funnelcake.ListParams, filter nostr.Filter) (*model.VideoPage, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	filter.Limit = relayFanOutLimit
	if params.Cursor.Kind == model.CursorBefore {
		// untilは両端含みのため、前ページ末尾のレコードを再び返さないよう1秒手前を指定する
		filter.Until = params.Cursor.Before - 1
	}

	events, err := o.relayEvents(ctx, op, filter)
	if err != nil {
		return emptyPage(model.SourceRelay), nil
	}

	videos := make([]*model.Video, 0, len(events))
	for _, ev := range events {
		videos = append(videos, transform.VideoFromEvent(ev, o.sanitizer))
	}
	videos = transform.Dedup(videos)
	if len(videos) > limit {
		videos = videos[:limit]
	}

	page := &model.VideoPage{Videos: videos, Source: model.SourceRelay}
	if len(videos) == limit && len(videos) > 0 {
		oldest := videos[len(videos)-1].CreatedAt.Unix()
		page.Cursor = model.Cursor{Kind: model.CursorBefore, Before: oldest}
	}
	return page, nil
}

// hashtagQuery は検索文字列がハッシュタグ検索かを判定する。
func hashtagQuery(q string) (string, bool) {
	if len(q) > 1 && q[0] == '#' {
		return q[1:], true
	}
	return "", false
}

func emptyPage(source model.Source) *model.VideoPage {
	return &model.VideoPage{Videos: []*model.Video{}, Source: source}
}
