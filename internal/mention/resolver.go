// Package mention はwebmention/pingbackエンドポイントの解決と配送を提供する。
package mention

import (
	"context"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/peterhellberg/link"

	"github.com/hitoshi/feedpush/internal/cache"
	"github.com/hitoshi/feedpush/internal/fetch"
	"github.com/hitoshi/feedpush/internal/urlutil"
)

// SchemaVersion はターゲットキャッシュレコードのスキーマバージョン。
const SchemaVersion = 1

// Namespace はターゲットレコードのキャッシュ名前空間。
const Namespace = "target"

// memoCapacity はプロセス内メモ化の上限。通常の実行では各ターゲットは
// 1回しか解決されないため、追い出しが問題になることはまずない。
const memoCapacity = 1000

// Resolution はあるURLの通知エンドポイント解決結果。
// そのままJSONとしてキャッシュに永続化される。
type Resolution struct {
	// URL はリダイレクト追従後のターゲットの正規URL。
	URL string `json:"url"`
	// StatusCode は解決フェッチのHTTPステータス。
	StatusCode int `json:"status_code"`
	// Caching は次回の条件付きリクエストで再生するヘッダー。
	Caching map[string]string `json:"caching"`
	// Endpoint は発見されたエンドポイント。見つからなければnil。
	Endpoint *EndpointRecord `json:"endpoint,omitempty"`
}

// Resolver はターゲットURLの通知エンドポイントを解決する。
// 解決結果はプロセス生存期間中、容量制限付きLRUにメモ化される。
type Resolver struct {
	client *fetch.Client
	store  *cache.Store
	memo   *lru.Cache[string, *Resolution]
	logger *slog.Logger
}

// NewResolver はResolverの新しいインスタンスを生成する。
func NewResolver(client *fetch.Client, store *cache.Store, logger *slog.Logger) *Resolver {
	memo, err := lru.New[string, *Resolution](memoCapacity)
	if err != nil {
		// 容量は正の定数なので起こり得ない
		panic(err)
	}
	return &Resolver{
		client: client,
		store:  store,
		memo:   memo,
		logger: logger,
	}
}

// Resolve はURLの通知エンドポイントを解決する。
// 戻り値は (解決結果, 最後のHTTPステータス, キャッシュヒットしたか)。
// 解決フェッチ自体に失敗した場合は (nil, 0, false)。
// 4xxは致命的ではなく、エンドポイント無しの解決結果として返る
// （呼び出し側が警告ログを出す）。
func (r *Resolver) Resolve(ctx context.Context, url string) (*Resolution, int, bool) {
	if res, ok := r.memo.Get(url); ok {
		return res, res.StatusCode, true
	}

	var prev Resolution
	var previous *Resolution
	if r.store.Get(Namespace, url, SchemaVersion, &prev) {
		previous = &prev
	}

	headers := make(map[string]string)
	if previous != nil {
		for k, v := range previous.Caching {
			headers[k] = v
		}
	}

	res, err := r.client.Get(ctx, url, headers)
	if err != nil || res == nil {
		return nil, 0, false
	}

	if res.NotModified() && previous != nil {
		r.memo.Add(url, previous)
		return previous, res.StatusCode, true
	}

	resolution := &Resolution{
		URL:        res.URL,
		StatusCode: res.StatusCode,
		Caching:    res.CachingHeaders(),
		Endpoint:   discoverEndpoint(res),
	}
	r.store.Set(Namespace, url, SchemaVersion, resolution)
	r.memo.Add(url, resolution)
	return resolution, res.StatusCode, false
}

// discoverEndpoint はレスポンスから通知エンドポイントを発見する。
// 優先順位は固定: Linkヘッダーのrel=webmention > X-Pingbackヘッダー >
// 本文内のlink rel=webmention > link rel=pingback。最初の一致が勝つ。
func discoverEndpoint(res *fetch.Result) *EndpointRecord {
	if href := headerRel(res, "webmention"); href != "" {
		return &EndpointRecord{
			Protocol: ProtocolWebmention,
			URL:      urlutil.Resolve(res.URL, href),
		}
	}

	if pingback := strings.TrimSpace(res.Header.Get("X-Pingback")); pingback != "" {
		return &EndpointRecord{
			Protocol: ProtocolPingback,
			URL:      urlutil.Resolve(res.URL, pingback),
		}
	}

	if res.Outcome() != fetch.OutcomeSuccess {
		return nil
	}

	// テキストでないドキュメントからlinkタグを探しても意味がない
	ctype := strings.ToLower(res.Header.Get("Content-Type"))
	if !strings.Contains(ctype, "html") && !strings.Contains(ctype, "xml") {
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Body))
	if err != nil {
		return nil
	}

	if href, ok := doc.Find(`link[rel~="webmention"][href]`).First().Attr("href"); ok {
		return &EndpointRecord{
			Protocol: ProtocolWebmention,
			URL:      urlutil.Resolve(res.URL, href),
		}
	}
	if href, ok := doc.Find(`link[rel~="pingback"][href]`).First().Attr("href"); ok {
		return &EndpointRecord{
			Protocol: ProtocolPingback,
			URL:      urlutil.Resolve(res.URL, href),
		}
	}
	return nil
}

// headerRel はレスポンスのLinkヘッダーから指定relのURIを取り出す。
func headerRel(res *fetch.Result, rel string) string {
	group := link.ParseHeader(res.Header)
	if group == nil {
		return ""
	}
	if l, ok := group[rel]; ok {
		return l.URI
	}
	for rels, l := range group {
		for _, r := range strings.Fields(rels) {
			if r == rel {
				return l.URI
			}
		}
	}
	return ""
}
