package mention

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kolo/xmlrpc"

	"github.com/hitoshi/feedpush/internal/fetch"
)

const (
	// ProtocolWebmention はW3C Webmentionプロトコル。
	ProtocolWebmention = "webmention"
	// ProtocolPingback はXML-RPCベースのPingbackプロトコル。
	ProtocolPingback = "pingback"
)

// maxDeliveryAttempts はRetry-Afterに従う再送の上限回数。
const maxDeliveryAttempts = 5

// EndpointRecord は発見されたエンドポイントの永続化表現。
type EndpointRecord struct {
	Protocol string `json:"protocol"`
	URL      string `json:"url"`
}

// Endpoint は通知の配送経路。配送の成否のみを返し、
// 失敗してもエンジンを止めない（ログに残して先へ進む）。
type Endpoint interface {
	// Deliver はsourceからtargetへの言及を通知する。
	Deliver(ctx context.Context, source, target string) bool
}

// Build はエンドポイントレコードから配送経路を構築する。
// 未知のプロトコルの場合はnilを返す。
func Build(rec *EndpointRecord, client *fetch.Client, logger *slog.Logger) Endpoint {
	if rec == nil {
		return nil
	}
	switch rec.Protocol {
	case ProtocolWebmention:
		return &WebmentionEndpoint{
			URL:       rec.URL,
			client:    client,
			logger:    logger,
			sleepUnit: time.Second,
		}
	case ProtocolPingback:
		return &PingbackEndpoint{
			URL:       rec.URL,
			transport: client.Transport(),
			logger:    logger,
		}
	default:
		logger.Warn("未知のエンドポイントプロトコルです",
			slog.String("protocol", rec.Protocol),
			slog.String("url", rec.URL),
		)
		return nil
	}
}

// WebmentionEndpoint はフォームPOSTによるwebmention配送。
type WebmentionEndpoint struct {
	URL    string
	client *fetch.Client
	logger *slog.Logger

	// sleepUnit はRetry-After待ち時間の単位。テストで短縮するために差し替え可能。
	sleepUnit time.Duration
}

// Deliver はsource/targetのフォームをエンドポイントへPOSTする。
// Retry-Afterヘッダー付きの応答には指定秒数だけ待って再送する（最大5回）。
// 成功の条件は最終応答が2xxであること。
func (w *WebmentionEndpoint) Deliver(ctx context.Context, source, target string) bool {
	form := url.Values{
		"source": {source},
		"target": {target},
	}

	for attempt := 0; attempt < maxDeliveryAttempts; attempt++ {
		res, err := w.client.PostForm(ctx, w.URL, form)
		if err != nil || res == nil {
			w.logger.Warn("webmentionの送信に失敗しました",
				slog.String("endpoint", w.URL),
				slog.String("source", source),
				slog.String("target", target),
			)
			return false
		}

		if after := res.Header.Get("Retry-After"); after != "" && attempt < maxDeliveryAttempts-1 {
			seconds, err := strconv.Atoi(after)
			if err != nil || seconds < 0 {
				seconds = 1
			}
			w.logger.Debug("エンドポイントの指示により再送を待機します",
				slog.String("endpoint", w.URL),
				slog.Int("retry_after", seconds),
			)
			if !sleepCtx(ctx, time.Duration(seconds)*w.sleepUnit) {
				return false
			}
			continue
		}

		ok := res.StatusCode >= 200 && res.StatusCode < 300
		if ok {
			w.logger.Info("webmentionを送信しました",
				slog.String("endpoint", w.URL),
				slog.String("source", source),
				slog.String("target", target),
				slog.Int("http_status", res.StatusCode),
			)
		} else {
			w.logger.Warn("webmentionが受理されませんでした",
				slog.String("endpoint", w.URL),
				slog.String("source", source),
				slog.String("target", target),
				slog.Int("http_status", res.StatusCode),
			)
		}
		return ok
	}

	w.logger.Warn("webmentionの再送上限に達しました",
		slog.String("endpoint", w.URL),
		slog.String("source", source),
		slog.String("target", target),
	)
	return false
}

// PingbackEndpoint はXML-RPCによるpingback配送。
// エンジンの共有トランスポートを使い、接続プールを他の経路と共有する。
type PingbackEndpoint struct {
	URL       string
	transport http.RoundTripper
	logger    *slog.Logger
}

// Deliver はpingback.pingメソッドを呼び出す。
// フォールトを含むあらゆるXML-RPCエラーは配送失敗として扱う。
func (p *PingbackEndpoint) Deliver(ctx context.Context, source, target string) bool {
	client, err := xmlrpc.NewClient(p.URL, p.transport)
	if err != nil {
		p.logger.Warn("pingbackクライアントを生成できませんでした",
			slog.String("endpoint", p.URL),
			slog.String("error", err.Error()),
		)
		return false
	}
	defer client.Close()

	var reply any
	if err := client.Call("pingback.ping", []any{source, target}, &reply); err != nil {
		p.logger.Warn("pingbackの送信に失敗しました",
			slog.String("endpoint", p.URL),
			slog.String("source", source),
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
		return false
	}

	p.logger.Info("pingbackを送信しました",
		slog.String("endpoint", p.URL),
		slog.String("source", source),
		slog.String("target", target),
	)
	return true
}

// sleepCtx はコンテキストのキャンセルを尊重しつつ待機する。
// キャンセルされた場合はfalseを返す。
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
