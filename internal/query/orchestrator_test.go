package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/divinevideo/divine-gateway/internal/funnelcake"
	"github.com/divinevideo/divine-gateway/internal/health"
	"github.com/divinevideo/divine-gateway/internal/media"
	"github.com/divinevideo/divine-gateway/internal/model"
	"github.com/divinevideo/divine-gateway/internal/nostr"
	"github.com/divinevideo/divine-gateway/internal/relay"
)

func newTestLogger() *slog.Logger {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil))
}

func signedVideoEvent(t *testing.T, dTag, title string) *nostr.Event {
	t.Helper()
	priv, err := nostr.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("秘密鍵の生成に失敗: %v", err)
	}
	ev := &nostr.Event{
		CreatedAt: 1735000000,
		Kind:      nostr.KindShortVideo,
		Tags: [][]string{
			{"d", dTag},
			{"title", title},
			{"imeta", "url https://cdn.example/" + dTag + ".mp4"},
		},
	}
	if err := ev.Sign(priv); err != nil {
		t.Fatalf("署名に失敗: %v", err)
	}
	return ev
}

// fakeRelayServer はREQに対して指定イベントを返すテスト用リレーを起動する。
func fakeRelayServer(t *testing.T, events []*nostr.Event) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var msg []json.RawMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			var kind string
			json.Unmarshal(msg[0], &kind)
			if kind != "REQ" {
				return
			}
			var subID string
			json.Unmarshal(msg[1], &subID)
			for _, ev := range events {
				conn.WriteJSON([]interface{}{"EVENT", subID, ev})
			}
			conn.WriteJSON([]interface{}{"EOSE", subID})
		}
	}))
}

func relayWSURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// newTestOrchestrator は指定のRESTベースURLとリレー群でオーケストレーターを組み立てる。
// リトライのバックオフはテストを遅くしないよう短縮する。
func newTestOrchestrator(restURL string, relayURLs []string) *Orchestrator {
	logger := newTestLogger()
	rest := funnelcake.NewClient(&http.Client{}, logger, restURL)
	pool := relay.NewPool(relayURLs, logger)
	tracker := health.NewTracker(logger, nil)
	o := NewOrchestrator(rest, pool, tracker, nil, logger, nil)
	o.backoff = time.Millisecond
	return o
}

func TestOrchestrator_ListVideos_RESTSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(funnelcake.VideoListResponse{
			Videos: []funnelcake.WireVideo{
				{ID: "v1", PubKey: strings.Repeat("a", 64), DTag: "vine-1", Title: "最初の動画", VideoURL: "https://cdn.example/1.mp4", CreatedAt: 1735000000},
			},
			NextBefore: 1735000000,
			HasMore:    true,
		})
	}))
	defer server.Close()

	o := newTestOrchestrator(server.URL, nil)
	page, err := o.ListVideos(context.Background(), funnelcake.ListParams{Limit: 20})
	if err != nil {
		t.Fatalf("ListVideos がエラーを返した: %v", err)
	}
	if page.Source != model.SourceREST {
		t.Errorf("Source = %s, want %s", page.Source, model.SourceREST)
	}
	if len(page.Videos) != 1 {
		t.Fatalf("動画数 = %d, want 1", len(page.Videos))
	}
	if page.Cursor.Kind != model.CursorBefore {
		t.Errorf("Cursor.Kind = %v, want CursorBefore", page.Cursor.Kind)
	}
}

func TestOrchestrator_ListVideos_FallsBackToRelayOn5xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ev := signedVideoEvent(t, "vine-relay", "リレー経由")
	relayServer := fakeRelayServer(t, []*nostr.Event{ev})
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	page, err := o.ListVideos(context.Background(), funnelcake.ListParams{Limit: 20})
	if err != nil {
		t.Fatalf("ListVideos がエラーを返した: %v", err)
	}
	if page.Source != model.SourceRelay {
		t.Errorf("Source = %s, want %s", page.Source, model.SourceRelay)
	}
	if len(page.Videos) != 1 {
		t.Fatalf("動画数 = %d, want 1", len(page.Videos))
	}

	// 5xxは一時的失敗としてサーキットブレーカーに記録される
	state := o.health.Snapshot(server.URL)
	if state.ConsecutiveFailures == 0 {
		t.Error("一時的失敗が記録されていない")
	}
}

func TestOrchestrator_ListVideos_PermanentErrorDoesNotFallBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	var relayHit atomic.Bool
	relayServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relayHit.Store(true)
	}))
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	_, err := o.ListVideos(context.Background(), funnelcake.ListParams{Limit: 20})
	if err == nil {
		t.Fatal("4xxの場合はエラーを返さなければならない")
	}
	var httpErr *model.HTTPError
	if !errors.As(err, &httpErr) || !httpErr.Permanent() {
		t.Errorf("恒久的なHTTPErrorであるべき: %v", err)
	}
	if relayHit.Load() {
		t.Error("恒久的エラーでリレーフォールバックしてはならない")
	}

	// 4xxはエンドポイントの不調ではないため失敗として記録しない
	state := o.health.Snapshot(server.URL)
	if state.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", state.ConsecutiveFailures)
	}
}

func TestOrchestrator_ListVideos_CircuitOpenSkipsREST(t *testing.T) {
	var restHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		restHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ev := signedVideoEvent(t, "vine-1", "動画")
	relayServer := fakeRelayServer(t, []*nostr.Event{ev})
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	for i := 0; i < 3; i++ {
		o.health.RecordFailure(server.URL, "接続失敗")
	}

	page, err := o.ListVideos(context.Background(), funnelcake.ListParams{Limit: 20})
	if err != nil {
		t.Fatalf("ListVideos がエラーを返した: %v", err)
	}
	if page.Source != model.SourceRelay {
		t.Errorf("Source = %s, want %s", page.Source, model.SourceRelay)
	}
	if restHits.Load() != 0 {
		t.Errorf("サーキットオープン中にRESTが %d 回呼ばれた", restHits.Load())
	}
}

func TestOrchestrator_ListVideos_BothPathsFailReturnsEmptyPage(t *testing.T) {
	o := newTestOrchestrator("http://127.0.0.1:1", []string{"ws://127.0.0.1:1"})
	page, err := o.ListVideos(context.Background(), funnelcake.ListParams{Limit: 20})
	if err != nil {
		t.Fatalf("読み取り失敗は空結果に吸収されるべき: %v", err)
	}
	if len(page.Videos) != 0 {
		t.Errorf("動画数 = %d, want 0", len(page.Videos))
	}
}

func TestOrchestrator_ListVideos_RetriesTransientFailure(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(funnelcake.VideoListResponse{
			Videos: []funnelcake.WireVideo{{ID: "v1", DTag: "vine-1", CreatedAt: 1735000000}},
		})
	}))
	defer server.Close()

	o := newTestOrchestrator(server.URL, nil)
	page, err := o.ListVideos(context.Background(), funnelcake.ListParams{Limit: 20})
	if err != nil {
		t.Fatalf("リトライで回復すべき: %v", err)
	}
	if page.Source != model.SourceREST {
		t.Errorf("Source = %s, want %s", page.Source, model.SourceREST)
	}
	if hits.Load() != 2 {
		t.Errorf("REST呼び出し回数 = %d, want 2", hits.Load())
	}

	// リトライで回復した場合は成功として記録される
	state := o.health.Snapshot(server.URL)
	if state.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", state.ConsecutiveFailures)
	}
}

func TestOrchestrator_GetVideo_NotFoundOnBothPaths(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	relayServer := fakeRelayServer(t, nil)
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	_, err := o.GetVideo(context.Background(), "deadbeef")
	if err == nil {
		t.Fatal("存在確認は空結果に吸収せずエラーを返さなければならない")
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "VIDEO_NOT_FOUND" {
		t.Errorf("VIDEO_NOT_FOUNDであるべき: %v", err)
	}
}

func TestOrchestrator_GetVideo_FoundOnRelayAfter404(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	ev := signedVideoEvent(t, "vine-late", "未インデックス")
	relayServer := fakeRelayServer(t, []*nostr.Event{ev})
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	video, err := o.GetVideo(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("リレーに存在する動画は取得できるべき: %v", err)
	}
	if video.Source != model.SourceRelay {
		t.Errorf("Source = %s, want %s", video.Source, model.SourceRelay)
	}
}

func TestOrchestrator_GetProfile_NotFoundIsDistinctFromFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	relayServer := fakeRelayServer(t, nil)
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	result, err := o.GetProfile(context.Background(), strings.Repeat("a", 64))
	if err != nil {
		t.Fatalf("両経路で「存在しない」場合はエラーではなくFound=false: %v", err)
	}
	if result.Found {
		t.Error("Found = true, want false")
	}
}

func TestOrchestrator_GetProfile_InvalidPubKey(t *testing.T) {
	o := newTestOrchestrator("http://127.0.0.1:1", nil)
	_, err := o.GetProfile(context.Background(), "not-a-pubkey")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "INVALID_PUBKEY" {
		t.Errorf("INVALID_PUBKEYであるべき: %v", err)
	}
}

func TestOrchestrator_BulkVideoStats_FallbackCountsReactions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	priv, _ := nostr.GeneratePrivateKey()
	like := &nostr.Event{
		CreatedAt: 1735000000,
		Kind:      nostr.KindReaction,
		Tags:      [][]string{{"e", "video-1"}},
		Content:   "+",
	}
	if err := like.Sign(priv); err != nil {
		t.Fatalf("署名に失敗: %v", err)
	}
	relayServer := fakeRelayServer(t, []*nostr.Event{like})
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	counts, err := o.BulkVideoStats(context.Background(), []string{"video-1", "video-2"})
	if err != nil {
		t.Fatalf("BulkVideoStats がエラーを返した: %v", err)
	}
	if counts["video-1"].Likes != 1 {
		t.Errorf("video-1のLikes = %d, want 1", counts["video-1"].Likes)
	}
	// リレーに何もない動画はゼロ埋めされる
	if counts["video-2"].Likes != 0 {
		t.Errorf("video-2のLikes = %d, want 0", counts["video-2"].Likes)
	}
}

func TestOrchestrator_Search_RelayFallbackOnlyForHashtags(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	o := newTestOrchestrator(server.URL, []string{"ws://127.0.0.1:1"})

	// リレーは全文検索を持たないため空結果
	page, err := o.Search(context.Background(), "funny cats", funnelcake.ListParams{Limit: 20})
	if err != nil {
		t.Fatalf("Search がエラーを返した: %v", err)
	}
	if len(page.Videos) != 0 {
		t.Errorf("動画数 = %d, want 0", len(page.Videos))
	}
	if page.Source != model.SourceRelay {
		t.Errorf("Source = %s, want %s", page.Source, model.SourceRelay)
	}
}

func TestOrchestrator_TrendingHashtags_RelayFallbackAggregatesTags(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	priv, _ := nostr.GeneratePrivateKey()
	events := make([]*nostr.Event, 0, 3)
	for i, tags := range [][][]string{
		{{"d", "v1"}, {"t", "comedy"}, {"t", "cats"}},
		{{"d", "v2"}, {"t", "comedy"}},
		{{"d", "v3"}, {"t", "music"}},
	} {
		ev := &nostr.Event{
			CreatedAt: int64(1735000000 + i),
			Kind:      nostr.KindShortVideo,
			Tags:      tags,
		}
		if err := ev.Sign(priv); err != nil {
			t.Fatalf("署名に失敗: %v", err)
		}
		events = append(events, ev)
	}
	relayServer := fakeRelayServer(t, events)
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	stats, err := o.TrendingHashtags(context.Background(), 2)
	if err != nil {
		t.Fatalf("TrendingHashtags がエラーを返した: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("件数 = %d, want 2", len(stats))
	}
	if stats[0].Tag != "comedy" || stats[0].VideoCount != 2 {
		t.Errorf("先頭 = %+v, want comedy/2", stats[0])
	}
}

func TestOrchestrator_GetUserFeed_RelayFallbackUsesContactList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	authorPriv, _ := nostr.GeneratePrivateKey()
	authorPub, err := nostr.PublicKeyFromPrivate(authorPriv)
	if err != nil {
		t.Fatalf("公開鍵の導出に失敗: %v", err)
	}

	video := &nostr.Event{
		CreatedAt: 1735000000,
		Kind:      nostr.KindShortVideo,
		Tags:      [][]string{{"d", "vine-f"}},
	}
	if err := video.Sign(authorPriv); err != nil {
		t.Fatalf("署名に失敗: %v", err)
	}

	viewerPriv, _ := nostr.GeneratePrivateKey()
	viewerPub, _ := nostr.PublicKeyFromPrivate(viewerPriv)
	contacts := &nostr.Event{
		CreatedAt: 1735000000,
		Kind:      3,
		Tags:      [][]string{{"p", authorPub}},
	}
	if err := contacts.Sign(viewerPriv); err != nil {
		t.Fatalf("署名に失敗: %v", err)
	}

	relayServer := fakeRelayServerRouted(t, contacts, video)
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	page, err := o.GetUserFeed(context.Background(), viewerPub, funnelcake.ListParams{Limit: 20})
	if err != nil {
		t.Fatalf("GetUserFeed がエラーを返した: %v", err)
	}
	if len(page.Videos) != 1 {
		t.Fatalf("動画数 = %d, want 1", len(page.Videos))
	}
	if page.Videos[0].AuthorKey != authorPub {
		t.Errorf("AuthorKey = %s, want %s", page.Videos[0].AuthorKey, authorPub)
	}
}

// fakeRelayServerRouted はフィルタのkindに応じて応答を切り替えるリレーを起動する。
// kind 3のREQにはフォローリストを、kind 34236のREQには動画を返す。
func fakeRelayServerRouted(t *testing.T, contacts, video *nostr.Event) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var msg []json.RawMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			var kind string
			json.Unmarshal(msg[0], &kind)
			if kind != "REQ" {
				return
			}
			var subID string
			json.Unmarshal(msg[1], &subID)
			var filter struct {
				Kinds []int `json:"kinds"`
			}
			json.Unmarshal(msg[2], &filter)

			if len(filter.Kinds) > 0 && filter.Kinds[0] == 3 {
				conn.WriteJSON([]interface{}{"EVENT", subID, contacts})
			} else {
				conn.WriteJSON([]interface{}{"EVENT", subID, video})
			}
			conn.WriteJSON([]interface{}{"EOSE", subID})
		}
	}))
}

type stubProber struct {
	probePageFn  func(ctx context.Context, pageURL string) (*media.ProbeResult, error)
	checkMediaFn func(ctx context.Context, mediaURL string) (bool, string)
}

func (s *stubProber) ProbePage(ctx context.Context, pageURL string) (*media.ProbeResult, error) {
	if s.probePageFn == nil {
		return nil, nil
	}
	return s.probePageFn(ctx, pageURL)
}

func (s *stubProber) CheckMedia(ctx context.Context, mediaURL string) (bool, string) {
	if s.checkMediaFn == nil {
		return true, ""
	}
	return s.checkMediaFn(ctx, mediaURL)
}

type stubNIP05Verifier struct {
	verifyFn func(ctx context.Context, identifier, pubkey string) bool
}

func (s *stubNIP05Verifier) Verify(ctx context.Context, identifier, pubkey string) bool {
	return s.verifyFn(ctx, identifier, pubkey)
}

func TestOrchestrator_GetVideo_RelayFallbackFillsThumbnail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	// imetaタグにサムネイルを持たないイベント
	ev := signedVideoEvent(t, "vine-no-thumb", "サムネイルなし")
	relayServer := fakeRelayServer(t, []*nostr.Event{ev})
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	var probedURL string
	o.SetMediaProber(&stubProber{
		probePageFn: func(ctx context.Context, pageURL string) (*media.ProbeResult, error) {
			probedURL = pageURL
			return &media.ProbeResult{ThumbnailURL: "https://cdn.example/vine-no-thumb.jpg"}, nil
		},
	})

	video, err := o.GetVideo(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("リレーに存在する動画は取得できるべき: %v", err)
	}
	if video.ThumbnailURL != "https://cdn.example/vine-no-thumb.jpg" {
		t.Errorf("ThumbnailURL = %q, プローブ結果で補完されるべき", video.ThumbnailURL)
	}
	if probedURL != video.MediaURL {
		t.Errorf("プローブ対象 = %q, want %q", probedURL, video.MediaURL)
	}
}

func TestOrchestrator_GetVideo_ProbeFailureKeepsThumbnailEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	ev := signedVideoEvent(t, "vine-probe-fail", "プローブ失敗")
	relayServer := fakeRelayServer(t, []*nostr.Event{ev})
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	o.SetMediaProber(&stubProber{
		probePageFn: func(ctx context.Context, pageURL string) (*media.ProbeResult, error) {
			return nil, errors.New("接続拒否")
		},
	})

	video, err := o.GetVideo(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("プローブ失敗はソフト失敗であるべき: %v", err)
	}
	if video.ThumbnailURL != "" {
		t.Errorf("ThumbnailURL = %q, want 空", video.ThumbnailURL)
	}
}

func signedProfileEvent(t *testing.T, name, nip05 string) *nostr.Event {
	t.Helper()
	priv, err := nostr.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("秘密鍵の生成に失敗: %v", err)
	}
	content, err := json.Marshal(map[string]string{
		"name":  name,
		"nip05": nip05,
	})
	if err != nil {
		t.Fatalf("contentの生成に失敗: %v", err)
	}
	ev := &nostr.Event{
		CreatedAt: 1735000000,
		Kind:      nostr.KindProfile,
		Tags:      [][]string{},
		Content:   string(content),
	}
	if err := ev.Sign(priv); err != nil {
		t.Fatalf("署名に失敗: %v", err)
	}
	return ev
}

func TestOrchestrator_GetProfile_RelayFallbackVerifiesNIP05(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	ev := signedProfileEvent(t, "alice", "alice@divine.video")
	relayServer := fakeRelayServer(t, []*nostr.Event{ev})
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	o.SetNIP05Verifier(&stubNIP05Verifier{
		verifyFn: func(ctx context.Context, identifier, pubkey string) bool {
			return identifier == "alice@divine.video" && pubkey == ev.PubKey
		},
	})

	result, err := o.GetProfile(context.Background(), ev.PubKey)
	if err != nil {
		t.Fatalf("リレーに存在するプロフィールは取得できるべき: %v", err)
	}
	if !result.Found {
		t.Fatal("Found = false, want true")
	}
	if !result.Profile.Verified {
		t.Error("Verified = false, well-knownの裏付けが取れたら検証済みになるべき")
	}
}

func TestOrchestrator_GetProfile_UnverifiedNIP05StaysUnverified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	ev := signedProfileEvent(t, "mallory", "mallory@example.com")
	relayServer := fakeRelayServer(t, []*nostr.Event{ev})
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	o.SetNIP05Verifier(&stubNIP05Verifier{
		verifyFn: func(ctx context.Context, identifier, pubkey string) bool {
			return false
		},
	})

	result, err := o.GetProfile(context.Background(), ev.PubKey)
	if err != nil {
		t.Fatalf("検証失敗はソフト失敗であるべき: %v", err)
	}
	if result.Profile.Verified {
		t.Error("Verified = true, 裏付けのない自己申告は未検証のままであるべき")
	}
}

func TestOrchestrator_BulkProfiles_RESTSuccess(t *testing.T) {
	pk := strings.Repeat("a", 64)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/users/bulk" {
			t.Errorf("予期しないリクエスト: %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"users": [{"pubkey": "` + pk + `", "name": "alice", "follower_count": 100}]}`))
	}))
	defer server.Close()

	o := newTestOrchestrator(server.URL, nil)
	profiles, err := o.BulkProfiles(context.Background(), []string{pk})
	if err != nil {
		t.Fatalf("REST成功時はエラーにならないべき: %v", err)
	}
	p, ok := profiles[pk]
	if !ok {
		t.Fatal("返却マップに対象の公開鍵が含まれるべき")
	}
	if p.Name != "alice" || p.FollowersCount != 100 {
		t.Errorf("Name = %q, FollowersCount = %d", p.Name, p.FollowersCount)
	}
}

func TestOrchestrator_BulkProfiles_RelayFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ev := signedProfileEvent(t, "bob", "")
	relayServer := fakeRelayServer(t, []*nostr.Event{ev})
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	profiles, err := o.BulkProfiles(context.Background(), []string{ev.PubKey})
	if err != nil {
		t.Fatalf("リレーフォールバックは成功すべき: %v", err)
	}
	p, ok := profiles[ev.PubKey]
	if !ok {
		t.Fatal("リレー由来のプロフィールが含まれるべき")
	}
	if p.Source != model.SourceRelay {
		t.Errorf("Source = %s, want %s", p.Source, model.SourceRelay)
	}
}

func TestOrchestrator_BulkProfiles_InvalidPubKey(t *testing.T) {
	o := newTestOrchestrator("http://127.0.0.1:1", nil)
	_, err := o.BulkProfiles(context.Background(), []string{"not-valid"})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "INVALID_PUBKEY" {
		t.Errorf("INVALID_PUBKEYであるべき: %v", err)
	}
}

// 主系と代替ストリームを両方持つ署名済み動画イベントを組み立てる。
func signedVideoEventWithFallback(t *testing.T, dTag, title string) *nostr.Event {
	t.Helper()
	priv, err := nostr.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("秘密鍵の生成に失敗: %v", err)
	}
	ev := &nostr.Event{
		CreatedAt: 1735000000,
		Kind:      nostr.KindShortVideo,
		Tags: [][]string{
			{"d", dTag},
			{"title", title},
			{"imeta",
				"url https://cdn.example/" + dTag + ".mp4",
				"image https://cdn.example/" + dTag + ".jpg",
				"fallback https://mirror.example/" + dTag + ".m3u8",
			},
		},
	}
	if err := ev.Sign(priv); err != nil {
		t.Fatalf("署名に失敗: %v", err)
	}
	return ev
}

func TestOrchestrator_GetVideo_DeadMediaPromotesAlternateStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	ev := signedVideoEventWithFallback(t, "vine-dead-cdn", "CDN切れ")
	relayServer := fakeRelayServer(t, []*nostr.Event{ev})
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	primary := "https://cdn.example/vine-dead-cdn.mp4"
	alternate := "https://mirror.example/vine-dead-cdn.m3u8"
	o.SetMediaProber(&stubProber{
		checkMediaFn: func(ctx context.Context, mediaURL string) (bool, string) {
			if mediaURL == alternate {
				return true, "application/vnd.apple.mpegurl"
			}
			return false, ""
		},
	})

	video, err := o.GetVideo(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("リレーに存在する動画は取得できるべき: %v", err)
	}
	if video.MediaURL != alternate {
		t.Errorf("MediaURL = %q, want 代替ストリーム %q", video.MediaURL, alternate)
	}
	if video.AlternateStreamURL != primary {
		t.Errorf("AlternateStreamURL = %q, want 旧主系 %q", video.AlternateStreamURL, primary)
	}
}

func TestOrchestrator_GetVideo_HealthyMediaKeepsPrimaryStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	ev := signedVideoEventWithFallback(t, "vine-live-cdn", "正常配信")
	relayServer := fakeRelayServer(t, []*nostr.Event{ev})
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	var checkedAlternate bool
	o.SetMediaProber(&stubProber{
		checkMediaFn: func(ctx context.Context, mediaURL string) (bool, string) {
			if mediaURL == "https://mirror.example/vine-live-cdn.m3u8" {
				checkedAlternate = true
			}
			return true, "video/mp4"
		},
	})

	video, err := o.GetVideo(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("リレーに存在する動画は取得できるべき: %v", err)
	}
	if video.MediaURL != "https://cdn.example/vine-live-cdn.mp4" {
		t.Errorf("MediaURL = %q, 主系が生きている場合は入れ替えない", video.MediaURL)
	}
	if checkedAlternate {
		t.Error("主系が検査を通った場合、代替ストリームの検査は不要")
	}
}

func TestOrchestrator_ListVideos_RelayBeforeCursorExcludesBoundary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	// 前ページ末尾（カーソルと同時刻）のイベントと、それより古いイベント
	priv, _ := nostr.GeneratePrivateKey()
	const boundary = int64(1735000000)
	events := make([]*nostr.Event, 0, 2)
	for _, spec := range []struct {
		dTag      string
		createdAt int64
	}{
		{"vine-boundary", boundary},
		{"vine-older", boundary - 100},
	} {
		ev := &nostr.Event{
			CreatedAt: spec.createdAt,
			Kind:      nostr.KindShortVideo,
			Tags:      [][]string{{"d", spec.dTag}, {"title", spec.dTag}},
		}
		if err := ev.Sign(priv); err != nil {
			t.Fatalf("署名に失敗: %v", err)
		}
		events = append(events, ev)
	}
	relayServer := fakeRelayServer(t, events)
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	page, err := o.ListVideos(context.Background(), funnelcake.ListParams{
		Limit:  20,
		Cursor: model.Cursor{Kind: model.CursorBefore, Before: boundary},
	})
	if err != nil {
		t.Fatalf("ListVideos がエラーを返した: %v", err)
	}

	// カーソル時刻ちょうどのイベントは前ページで返済みのため2度返さない
	if len(page.Videos) != 1 {
		t.Fatalf("件数 = %d, want 1（境界イベントは除外）", len(page.Videos))
	}
	if page.Videos[0].DTag != "vine-older" {
		t.Errorf("DTag = %s, want vine-older", page.Videos[0].DTag)
	}
}

// spyRecorder はメトリクス記録回数を数えるテスト用Recorder。
type spyRecorder struct {
	mu            sync.Mutex
	restFailures  map[string]int
	relayFallback map[string]int
}

func newSpyRecorder() *spyRecorder {
	return &spyRecorder{
		restFailures:  make(map[string]int),
		relayFallback: make(map[string]int),
	}
}

func (r *spyRecorder) RecordRESTSuccess(op string) {}

func (r *spyRecorder) RecordRESTFailure(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restFailures[op]++
}

func (r *spyRecorder) RecordRelayFallback(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayFallback[op]++
}

func (r *spyRecorder) RecordQueryLatency(op string, d time.Duration) {}

func TestOrchestrator_GetUserFeed_FallbackCountsOncePerRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	authorPriv, _ := nostr.GeneratePrivateKey()
	authorPub, _ := nostr.PublicKeyFromPrivate(authorPriv)
	video := &nostr.Event{
		CreatedAt: 1735000000,
		Kind:      nostr.KindShortVideo,
		Tags:      [][]string{{"d", "vine-m"}},
	}
	if err := video.Sign(authorPriv); err != nil {
		t.Fatalf("署名に失敗: %v", err)
	}
	viewerPriv, _ := nostr.GeneratePrivateKey()
	viewerPub, _ := nostr.PublicKeyFromPrivate(viewerPriv)
	contacts := &nostr.Event{
		CreatedAt: 1735000000,
		Kind:      3,
		Tags:      [][]string{{"p", authorPub}},
	}
	if err := contacts.Sign(viewerPriv); err != nil {
		t.Fatalf("署名に失敗: %v", err)
	}
	relayServer := fakeRelayServerRouted(t, contacts, video)
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	recorder := newSpyRecorder()
	o.recorder = recorder

	if _, err := o.GetUserFeed(context.Background(), viewerPub, funnelcake.ListParams{Limit: 20}); err != nil {
		t.Fatalf("GetUserFeed がエラーを返した: %v", err)
	}

	// フォローリストと動画で2回のリレークエリが走るが、記録は1リクエスト1回
	if got := recorder.relayFallback["get_user_feed"]; got != 1 {
		t.Errorf("フォールバック記録回数 = %d, want 1", got)
	}
}

func TestOrchestrator_CircuitOpenSkip_DoesNotRecordRESTFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	relayServer := fakeRelayServer(t, nil)
	defer relayServer.Close()

	o := newTestOrchestrator(server.URL, []string{relayWSURL(relayServer)})
	recorder := newSpyRecorder()
	o.recorder = recorder

	// サーキットを開く
	for i := 0; i < 3; i++ {
		o.health.RecordFailure(server.URL, "upstream down")
	}
	if o.health.IsAvailable(server.URL) {
		t.Fatal("サーキットが開いているべき")
	}

	if _, err := o.ListVideos(context.Background(), funnelcake.ListParams{Limit: 20}); err != nil {
		t.Fatalf("ListVideos がエラーを返した: %v", err)
	}

	// RESTを試行していないのでREST失敗のカウントは増えない
	if got := recorder.restFailures["list_videos"]; got != 0 {
		t.Errorf("REST失敗の記録回数 = %d, want 0（スキップは失敗ではない）", got)
	}
	if got := recorder.relayFallback["list_videos"]; got != 1 {
		t.Errorf("フォールバック記録回数 = %d, want 1", got)
	}
}
