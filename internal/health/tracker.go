// Package health はエンドポイントごとの可用性状態を管理する。
// 連続失敗回数に基づくサーキットブレーカーを提供し、
// オープン中はRESTを迂回してリレーフォールバックへ直行させる。
package health

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// failureThreshold はサーキットを開く連続失敗回数の閾値。
	failureThreshold = 3
	// cooldownWindow はサーキットオープンの継続時間。
	// 経過後は明示的なリセットなしで自動的にクローズに戻る。
	cooldownWindow = 30 * time.Second
)

// EndpointState はエンドポイント1つ分の可用性状態を表す。
type EndpointState struct {
	URL                 string
	ConsecutiveFailures int
	CircuitOpenUntil    time.Time // ゼロ値はサーキット未オープン
	LastError           string
}

// isCircuitOpen はサーキットがオープン中かを判定する純関数。
// タイマーに依存せず明示的なタイムスタンプで判定するため、
// フェイククロックなしで単体テストできる。
func isCircuitOpen(now time.Time, state EndpointState) bool {
	if state.ConsecutiveFailures < failureThreshold {
		return false
	}
	return now.Before(state.CircuitOpenUntil)
}

// Recorder は状態遷移の通知先インターフェース。
// メトリクスコレクターが実装する。
type Recorder interface {
	RecordCircuitOpen(endpoint string)
	RecordCircuitClose(endpoint string)
}

// Tracker はプロセス全体で共有されるエンドポイント可用性の追跡器。
// 状態はインメモリ・プロセス生存期間のみ（コールドスタート時は
// 最初のリクエストで再プローブされるため永続化は不要）。
// 複数ゴルーチンから並行に呼ばれるためミューテックスで保護する。
type Tracker struct {
	mu       sync.Mutex
	states   map[string]*EndpointState
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time // テスト用に差し替え可能
}

// NewTracker はTrackerの新しいインスタンスを生成する。
// recorderはnilでもよい。
func NewTracker(logger *slog.Logger, recorder Recorder) *Tracker {
	return &Tracker{
		states:   make(map[string]*EndpointState),
		logger:   logger,
		recorder: recorder,
		now:      time.Now,
	}
}

// RecordSuccess は成功を記録し、連続失敗回数を0にリセットする。
// 1回の成功で即座に回復する（単調でない回復）。
func (t *Tracker) RecordSuccess(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.getState(endpoint)
	wasOpen := isCircuitOpen(t.now(), *state)
	state.ConsecutiveFailures = 0
	state.CircuitOpenUntil = time.Time{}
	state.LastError = ""

	if wasOpen && t.recorder != nil {
		t.recorder.RecordCircuitClose(endpoint)
	}
}

// RecordFailure は失敗を記録する。閾値（3回連続）に達した時点で
// サーキットを30秒間オープンする。
func (t *Tracker) RecordFailure(endpoint string, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	state := t.getState(endpoint)
	state.ConsecutiveFailures++
	state.LastError = reason

	if state.ConsecutiveFailures >= failureThreshold {
		wasOpen := isCircuitOpen(now, *state)
		state.CircuitOpenUntil = now.Add(cooldownWindow)
		if !wasOpen {
			t.logger.Warn("サーキットブレーカーをオープンしました",
				slog.String("endpoint", endpoint),
				slog.Int("consecutive_failures", state.ConsecutiveFailures),
				slog.String("last_error", reason),
				slog.Time("open_until", state.CircuitOpenUntil),
			)
			if t.recorder != nil {
				t.recorder.RecordCircuitOpen(endpoint)
			}
		}
	}
}

// IsAvailable はエンドポイントが利用可能かを返す。
// サーキットオープン中のみfalseを返す。クールダウン経過後は
// 失敗カウントが残っていても次の失敗まで試行を許可する。
func (t *Tracker) IsAvailable(endpoint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[endpoint]
	if !ok {
		return true
	}
	return !isCircuitOpen(t.now(), *state)
}

// Snapshot はエンドポイントの現在状態のコピーを返す。
// 未登録のエンドポイントにはゼロ値の状態を返す。
func (t *Tracker) Snapshot(endpoint string) EndpointState {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[endpoint]
	if !ok {
		return EndpointState{URL: endpoint}
	}
	return *state
}

// getState は状態を取得する。未登録の場合は初期化する。
// 呼び出し元がロックを保持していること。
func (t *Tracker) getState(endpoint string) *EndpointState {
	state, ok := t.states[endpoint]
	if !ok {
		state = &EndpointState{URL: endpoint}
		t.states[endpoint] = state
	}
	return state
}
