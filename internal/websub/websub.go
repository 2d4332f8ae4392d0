// Package websub はWebSubハブへのコンテンツ更新通知を提供する。
package websub

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/hitoshi/feedpush/internal/fetch"
	"github.com/hitoshi/feedpush/internal/metrics"
)

// Notifier はWebSubハブへpublish通知を送る。
type Notifier struct {
	client *fetch.Client
	logger *slog.Logger
	rec    metrics.Recorder
}

// NewNotifier はNotifierの新しいインスタンスを生成する。
func NewNotifier(client *fetch.Client, logger *slog.Logger, rec metrics.Recorder) *Notifier {
	return &Notifier{
		client: client,
		logger: logger,
		rec:    rec,
	}
}

// Publish はtopicの更新をhubへ通知する。
// hub.mode=publishのフォームPOST1回で、成功の条件は2xx応答。
// 失敗してもエンジンを止めない。
func (n *Notifier) Publish(ctx context.Context, hub, topic string) bool {
	form := url.Values{
		"hub.mode": {"publish"},
		"hub.url":  {topic},
	}

	res, err := n.client.PostForm(ctx, hub, form)
	if err != nil || res == nil {
		n.logger.Warn("WebSub通知の送信に失敗しました",
			slog.String("hub", hub),
			slog.String("topic", topic),
		)
		n.rec.RecordWebSub(false)
		return false
	}

	ok := res.StatusCode >= 200 && res.StatusCode < 300
	if ok {
		n.logger.Info("WebSub通知を送信しました",
			slog.String("hub", hub),
			slog.String("topic", topic),
			slog.Int("http_status", res.StatusCode),
		)
	} else {
		n.logger.Warn("WebSub通知が受理されませんでした",
			slog.String("hub", hub),
			slog.String("topic", topic),
			slog.Int("http_status", res.StatusCode),
		)
	}
	n.rec.RecordWebSub(ok)
	return ok
}
