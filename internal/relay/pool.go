package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/divinevideo/divine-gateway/internal/nostr"
)

// Pool は複数リレーへのファンアウトクエリを提供する。
// リレー経路はサーバー側の事前集計がない分、REST経路より広く
// 問い合わせて結果をマージ・重複排除することで補う。
type Pool struct {
	clients []*Client
	logger  *slog.Logger
}

// NewPool はPoolの新しいインスタンスを生成する。
func NewPool(relayURLs []string, logger *slog.Logger) *Pool {
	clients := make([]*Client, 0, len(relayURLs))
	for _, u := range relayURLs {
		clients = append(clients, NewClient(u, logger))
	}
	return &Pool{clients: clients, logger: logger}
}

// URLs は構成済みリレーのURL一覧を返す。
func (p *Pool) URLs() []string {
	urls := make([]string, 0, len(p.clients))
	for _, c := range p.clients {
		urls = append(urls, c.url)
	}
	return urls
}

// Query は全リレーへ並行にクエリを発行し、結果をマージして返す。
// 1つでも成功すれば成功とみなす。全滅した場合のみ最後のエラーを返す。
// 結果はイベントIDで重複排除し、created_at降順で返す。
func (p *Pool) Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	type result struct {
		events []*nostr.Event
		err    error
	}

	results := make(chan result, len(p.clients))
	var wg sync.WaitGroup
	for _, client := range p.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			events, err := c.Query(ctx, filter)
			if err != nil {
				p.logger.Warn("リレークエリに失敗しました",
					slog.String("relay", c.url),
					slog.String("error", err.Error()),
				)
			}
			results <- result{events: events, err: err}
		}(client)
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	var merged []*nostr.Event
	var lastErr error
	succeeded := false
	for r := range results {
		if r.err != nil {
			lastErr = r.err
			continue
		}
		succeeded = true
		for _, ev := range r.events {
			if seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			merged = append(merged, ev)
		}
	}

	if !succeeded {
		return nil, lastErr
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].CreatedAt > merged[j].CreatedAt
	})

	// フィルタのlimitはリレーごとに適用されるため、マージ後にも切り詰める
	if filter.Limit > 0 && len(merged) > filter.Limit {
		merged = merged[:filter.Limit]
	}
	return merged, nil
}

// Publish はイベントを全リレーへ並行に発行する。
// 1つ以上のリレーが受理すれば成功とみなす（分散発行の耐障害性）。
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event) error {
	errs := make(chan error, len(p.clients))
	var wg sync.WaitGroup
	for _, client := range p.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			err := c.Publish(ctx, ev)
			if err != nil {
				p.logger.Warn("リレーへのイベント発行に失敗しました",
					slog.String("relay", c.url),
					slog.String("event_id", ev.ID),
					slog.String("error", err.Error()),
				)
			}
			errs <- err
		}(client)
	}
	wg.Wait()
	close(errs)

	var lastErr error
	for err := range errs {
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}
