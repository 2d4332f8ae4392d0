package feed

import (
	"context"
	"log/slog"

	"github.com/hitoshi/feedpush/internal/cache"
	"github.com/hitoshi/feedpush/internal/fetch"
)

// Source はフィードのキャッシュ連携付き取得を提供する。
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

// Get はフィードを取得し、(current, previous, updated) を返す。
//
//   - フェッチ自体に失敗した場合は (nil, previous, false)。
//   - 304の場合はキャッシュ済みの射影を再利用し (previous, previous, false)。
//   - それ以外は新しいFeedを構築してキャッシュに保存し、
//     前回レコードが無い・ダイジェストが異なる・ステータスが異なる
//     のいずれかでupdated=trueとなる。
func (s *Source) Get(ctx context.Context, url string) (current, previous *Feed, updated bool) {
	var prev Feed
	if s.store.Get(Namespace, url, SchemaVersion, &prev) {
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
		s.logger.Error("フィードを取得できませんでした",
			slog.String("url", url),
			slog.Int("http_status", status),
		)
		return nil, previous, false
	}

	if res.NotModified() {
		s.logger.Debug("フィードは未変更です（304）", slog.String("url", url))
		return previous, previous, false
	}

	current = Parse(res, s.logger)
	s.store.Set(Namespace, url, SchemaVersion, current)

	updated = previous == nil ||
		current.Digest != previous.Digest ||
		current.StatusCode != previous.StatusCode
	return current, previous, updated
}
