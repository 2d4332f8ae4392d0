package entry

import (
	"context"
	"log/slog"

	"github.com/hitoshi/feedpush/internal/cache"
	"github.com/hitoshi/feedpush/internal/fetch"
)

// Source はエントリのキャッシュ連携付き取得を提供する。
type Source struct {
	client *fetch.Client
	store  *cache.Store
	logger *slog.Logger
}

// NewSource はSourceの新しいインスタンスを生成する。
func NewSource(client *fetch.Client, store *cache.Store, logger *slog.Logger) *Source {
	return &Source{
		client: client,
		store:  store,
		logger: logger,
	}
}

// Get はエントリを取得し、(current, previous, updated) を返す。
// フィードの取得(feed.Source.Get)と同じ条件付きフェッチの往復だが、
// 410 (Gone) は削除を表す有効な「現在の状態」としてキャッシュされ、
// ダイジェスト/ステータスによるupdated比較にも参加する点が異なる。
func (s *Source) Get(ctx context.Context, url, namespace string) (current, previous *Entry, updated bool) {
	var prev Entry
	if s.store.Get(namespace, url, SchemaVersion, &prev) {
		previous = &prev
	}

	headers := map[string]string{"Accept": AcceptHeader}
	if previous != nil {
		for k, v := range previous.Caching {
			headers[k] = v
		}
	}

	res, err := s.client.Get(ctx, url, headers)
	if err != nil || !res.Success() {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		s.logger.Error("エントリを取得できませんでした",
			slog.String("url", url),
			slog.Int("http_status", status),
		)
		return nil, previous, false
	}

	if res.NotModified() {
		s.logger.Debug("エントリは未変更です（304）", slog.String("url", url))
		return previous, previous, false
	}

	current = Parse(res, s.logger)
	s.store.Set(namespace, url, SchemaVersion, current)

	updated = previous == nil ||
		current.Digest != previous.Digest ||
		current.StatusCode != previous.StatusCode
	return current, previous, updated
}
