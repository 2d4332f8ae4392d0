package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"github.com/hitoshi/feedpush/internal/config"
	"github.com/hitoshi/feedpush/internal/metrics"
)

const (
	// maxAttempts は一時的な失敗に対する最大試行回数。
	maxAttempts = 5
	// maxBodySize は読み込むボディの上限サイズ。
	maxBodySize = 10 * 1024 * 1024
)

// NewHTTPClient は設定に基づいてチューニングされたhttp.Clientを生成する。
// エンジン配下の全リクエストはこの1つのクライアントの接続プールを共有する。
func NewHTTPClient(cfg *config.Config) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:       cfg.MaxPerHost,
		MaxIdleConns:          cfg.MaxConnections,
		MaxIdleConnsPerHost:   cfg.MaxConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     !cfg.KeepAlive,
		ResponseHeaderTimeout: cfg.Timeout,
		TLSClientConfig:       &tls.Config{},
	}
	return &http.Client{Transport: transport}
}

// Client はリトライ付きの正規化されたHTTPフェッチを提供する。
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
	logger     *slog.Logger
	rec        metrics.Recorder

	// sleepUnit はリトライ待ち時間の単位。テストで短縮するために差し替え可能。
	sleepUnit time.Duration
}

// NewClient はClientの新しいインスタンスを生成する。
// maxRPSが0以下の場合はレート制限なしで動作する。
func NewClient(httpClient *http.Client, userAgent string, maxRPS float64, logger *slog.Logger, rec metrics.Recorder) *Client {
	limit := rate.Inf
	burst := 0
	if maxRPS > 0 {
		limit = rate.Limit(maxRPS)
		burst = int(maxRPS) + 1
	}
	return &Client{
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		userAgent:  userAgent,
		logger:     logger,
		rec:        rec,
		sleepUnit:  time.Second,
	}
}

// Transport は共有トランスポートを返す。
// XML-RPCクライアントなど、http.Clientを直接使えない配送経路が
// 接続プールを共有するために使用する。
func (c *Client) Transport() http.RoundTripper {
	if c.httpClient.Transport != nil {
		return c.httpClient.Transport
	}
	return http.DefaultTransport
}

// Get は条件付きGETを実行する。headersには前回のキャッシュヘッダーなどを渡す。
// 一時的な失敗は線形バックオフ（試行回数×1秒）で最大5回まで再試行する。
// リトライを使い切った場合やTLS/プロトコルエラーの場合はnilとエラーを返し、
// 呼び出し側は「取得不能」として扱う。
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string) (*Result, error) {
	return c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	}, rawURL)
}

// PostForm はフォームエンコードされたPOSTを実行する。
// リトライのセマンティクスはGetと同じ。
func (c *Client) PostForm(ctx context.Context, rawURL string, data url.Values) (*Result, error) {
	encoded := data.Encode()
	return c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, rawURL)
}

// do はリトライループ本体。makeReqは試行ごとに新しいリクエストを生成する
// （POSTボディは再利用できないため）。
func (c *Client) do(ctx context.Context, makeReq func() (*http.Request, error), rawURL string) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			// 線形バックオフ: 試行回数に比例して待つ
			if err := c.sleep(ctx, time.Duration(attempt)*c.sleepUnit); err != nil {
				return nil, err
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := makeReq()
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("User-Agent", c.userAgent)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if isFatal(err) {
				// TLS/証明書エラーとプロトコル構造エラーは一時的ではない
				c.logger.Warn("フェッチを中断しました",
					slog.String("url", rawURL),
					slog.String("error", err.Error()),
				)
				return nil, err
			}
			lastErr = err
			c.logger.Debug("フェッチに失敗しました（リトライします）",
				slog.String("url", rawURL),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}

		result, err := c.readResult(resp)
		c.rec.RecordFetchLatency(time.Since(start))
		if err != nil {
			// ボディ読み取りの失敗は一時的な失敗として扱う
			lastErr = err
			c.logger.Debug("レスポンスの読み取りに失敗しました（リトライします）",
				slog.String("url", rawURL),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}

		c.rec.RecordFetch(result.Outcome().String())
		c.rec.RecordHTTPStatus(result.StatusCode)
		return result, nil
	}

	c.logger.Warn("最大リトライ回数を超えました",
		slog.String("url", rawURL),
		slog.String("last_error", errString(lastErr)),
	)
	if lastErr == nil {
		lastErr = fmt.Errorf("exceeded %d attempts", maxAttempts)
	}
	return nil, fmt.Errorf("%s: %w", rawURL, lastErr)
}

// readResult はレスポンスをResultに正規化する。
// 304の場合はボディを読まない。
func (c *Client) readResult(resp *http.Response) (*Result, error) {
	defer resp.Body.Close()

	result := &Result{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}

	if resp.StatusCode == http.StatusNotModified {
		return result, nil
	}

	reader, err := charset.NewReader(io.LimitReader(resp.Body, maxBodySize), resp.Header.Get("Content-Type"))
	if err != nil {
		// 文字コード判定に失敗しても生のバイト列で続行する
		reader = io.LimitReader(resp.Body, maxBodySize)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	result.Body = string(body)
	return result, nil
}

// sleep はコンテキストのキャンセルを尊重しつつ待機する。
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isFatal はリトライしても回復しないエラーかを判定する。
// TLS/証明書エラーとHTTPプロトコル構造エラーが該当する。
func isFatal(err error) bool {
	msg := strings.ToLower(err.Error())
	fatalPatterns := []string{
		"tls:",
		"x509:",
		"certificate",
		"malformed http",
		"unsupported protocol scheme",
	}
	for _, pattern := range fatalPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
