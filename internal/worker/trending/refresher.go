// Package trending はトレンドハッシュタグの定期リフレッシュ処理を提供する。
// 一定間隔でクエリオーケストレーターからトレンドを取得し、
// プロセス内キャッシュを温めておくことで配信時の上流負荷を抑える。
package trending

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/divinevideo/divine-gateway/internal/model"
)

const (
	// defaultLimit はリフレッシュ時に取得するトレンドの件数。
	defaultLimit = 50
	// defaultCacheMaxAge はStartが呼ばれるまでのキャッシュ許容年齢。
	// Start開始後はティッカー間隔の2倍に置き換わる。
	defaultCacheMaxAge = 15 * time.Minute
)

// TrendingQuerier はトレンドハッシュタグの取得インターフェース。
type TrendingQuerier interface {
	TrendingHashtags(ctx context.Context, limit int) ([]model.HashtagStat, error)
}

// Refresher はトレンドハッシュタグの定期リフレッシュを行う。
// 取得結果はプロセス内に保持し、TrendingHashtagsで配信される。
type Refresher struct {
	querier TrendingQuerier
	logger  *slog.Logger
	limit   int

	mu          sync.RWMutex
	cached      []model.HashtagStat
	refreshedAt time.Time
	maxAge      time.Duration
}

// NewRefresher はRefresherの新しいインスタンスを生成する。
// limitが0以下の場合はデフォルト値50を使用する。
func NewRefresher(querier TrendingQuerier, logger *slog.Logger, limit int) *Refresher {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Refresher{
		querier: querier,
		logger:  logger,
		limit:   limit,
		maxAge:  defaultCacheMaxAge,
	}
}

// Start は指定間隔のティッカーでリフレッシュを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (r *Refresher) Start(ctx context.Context, interval time.Duration) {
	// ティッカー2周期を超えて古いキャッシュはTrendingHashtagsで配信しない
	r.mu.Lock()
	r.maxAge = 2 * interval
	r.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("トレンドリフレッシュワーカーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("limit", r.limit),
	)

	// 起動直後に1回実行
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error("トレンドのリフレッシュに失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("トレンドリフレッシュワーカーを停止しました")
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("トレンドのリフレッシュに失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はトレンドを1回取得してキャッシュを更新する。
// 取得に失敗した場合は既存のキャッシュを保持したままエラーを返す。
func (r *Refresher) RunOnce(ctx context.Context) error {
	start := time.Now()

	stats, err := r.querier.TrendingHashtags(ctx, r.limit)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cached = stats
	r.refreshedAt = time.Now()
	r.mu.Unlock()

	r.logger.Info("トレンドをリフレッシュしました",
		slog.Int("hashtag_count", len(stats)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// snapshot はキャッシュ済みのトレンドと最終更新時刻を返す。
// 一度もリフレッシュに成功していない場合はnilを返す。
func (r *Refresher) snapshot() ([]model.HashtagStat, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cached, r.refreshedAt
}

// TrendingHashtags はキャッシュ済みのトレンドを返す。
// キャッシュが未取得または古すぎる場合は上流へそのまま問い合わせる。
func (r *Refresher) TrendingHashtags(ctx context.Context, limit int) ([]model.HashtagStat, error) {
	r.mu.RLock()
	cached := r.cached
	fresh := r.maxAge > 0 && !r.refreshedAt.IsZero() && time.Since(r.refreshedAt) <= r.maxAge
	r.mu.RUnlock()

	if cached == nil || !fresh {
		return r.querier.TrendingHashtags(ctx, limit)
	}
	if limit > 0 && len(cached) > limit {
		cached = cached[:limit]
	}
	// 呼び出し元での変更がキャッシュへ及ばないようコピーして返す
	out := make([]model.HashtagStat, len(cached))
	copy(out, cached)
	return out, nil
}
