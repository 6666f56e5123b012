// Package mutation は楽観的エンゲージメント書き込みを提供する。
//
// いいね・リポスト・ピン留めのトグルはまずローカル状態を即座に反映し、
// その後リレーへ署名済みイベントを発行する。発行に失敗した場合は
// 楽観反映前の値へ巻き戻し、エラーを呼び出し元へ必ず返す。
// 同一の（ユーザー, 対象, 操作）に対する書き込みは常に1つだけ実行される。
package mutation

import (
	"sync"

	"github.com/divinevideo/divine-gateway/internal/model"
)

// State は（ユーザー, 対象）ごとのエンゲージメント値の状態。
type State int

const (
	// StateConfirmed はリレーへの発行が完了した確定状態。
	StateConfirmed State = iota
	// StatePending は楽観反映済みで発行結果を待っている状態。
	StatePending
	// StateReverting は発行失敗により巻き戻し中の状態。
	StateReverting
)

// Record は1つの（ユーザー, 対象, 操作）のエンゲージメント状態を表す。
type Record struct {
	Value   bool // エンゲージメントが有効か（いいね済みなど）
	State   State
	LocalID string // 楽観反映時に合成したローカルID
	EventID string // 確定済みイベントのID。発行成功時に照合・更新される
}

// Store は（ユーザー, 対象, 操作）ごとのエンゲージメント状態を保持する
// インメモリストア。全操作はミューテックスで保護される。
type Store struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewStore はStoreの新しいインスタンスを生成する。
func NewStore() *Store {
	return &Store{records: make(map[string]*Record)}
}

// Begin は楽観反映を開始する。対象への書き込みが既に実行中の場合は
// MUTATION_IN_FLIGHTエラーを返し、状態を変更しない（2度目のトグルはno-op）。
// 戻り値は楽観反映前の値（巻き戻し用）と反映後の値。
func (s *Store) Begin(key, localID string) (prev bool, next bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		rec = &Record{}
		s.records[key] = rec
	}
	if rec.State == StatePending {
		return rec.Value, rec.Value, model.NewMutationInFlightError()
	}

	prev = rec.Value
	rec.Value = !rec.Value
	rec.State = StatePending
	rec.LocalID = localID
	return prev, rec.Value, nil
}

// Confirm は発行成功を記録し、ローカル合成IDを実際のイベントIDに置き換える。
func (s *Store) Confirm(key, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.State != StatePending {
		return
	}
	rec.State = StateConfirmed
	rec.EventID = eventID
	rec.LocalID = ""
}

// Revert は発行失敗時に楽観反映前の値へ巻き戻す。
// 巻き戻し後はStateRevertingのまま残り、次のトグルで通常状態に戻る。
func (s *Store) Revert(key string, prev bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return
	}
	rec.State = StateReverting
	rec.Value = prev
	rec.LocalID = ""
}

// Get は現在の状態を返す。レコードが存在しない場合はゼロ値の確定状態。
func (s *Store) Get(key string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return Record{}
	}
	return *rec
}

// SetConfirmed はサーバー由来の確定値でレコードを初期化する。
// 実行中の書き込みがある場合は上書きしない。
func (s *Store) SetConfirmed(key string, value bool, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if ok && rec.State == StatePending {
		return
	}
	s.records[key] = &Record{Value: value, State: StateConfirmed, EventID: eventID}
}
