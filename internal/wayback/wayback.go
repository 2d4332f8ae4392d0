// Package wayback はInternet Archiveへの保存リクエストを提供する。
package wayback

import (
	"context"
	"log/slog"

	"github.com/hitoshi/feedpush/internal/fetch"
	"github.com/hitoshi/feedpush/internal/metrics"
)

// DefaultEndpoint はWayback Machineの保存エンドポイント。
const DefaultEndpoint = "https://web.archive.org/save/"

// Client はターゲットURLのアーカイブ保存を依頼する。
type Client struct {
	// Endpoint は保存エンドポイントのベースURL。テストで差し替え可能。
	Endpoint string

	client *fetch.Client
	logger *slog.Logger
	rec    metrics.Recorder
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(client *fetch.Client, logger *slog.Logger, rec metrics.Recorder) *Client {
	return &Client{
		Endpoint: DefaultEndpoint,
		client:   client,
		logger:   logger,
		rec:      rec,
	}
}

// Save はurlの保存をWayback Machineへ依頼する。
// 結果は成否にかかわらずログに残すだけで、呼び出し側の処理には影響しない。
func (c *Client) Save(ctx context.Context, url string) {
	res, err := c.client.Get(ctx, c.Endpoint+url, nil)
	if err != nil || res == nil {
		c.logger.Warn("アーカイブ保存の依頼に失敗しました", slog.String("url", url))
		return
	}

	c.rec.RecordWayback()
	c.logger.Debug("アーカイブ保存を依頼しました",
		slog.String("url", url),
		slog.Int("http_status", res.StatusCode),
	)
}
