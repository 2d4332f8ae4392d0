// Package entry はエントリ/ページドキュメントの解析とキャッシュ連携付きの取得を提供する。
package entry

import (
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/peterhellberg/link"

	"github.com/hitoshi/feedpush/internal/config"
	"github.com/hitoshi/feedpush/internal/fetch"
	"github.com/hitoshi/feedpush/internal/urlutil"
)

// SchemaVersion はエントリキャッシュレコードのスキーマバージョン。
const SchemaVersion = 3

const (
	// NamespaceMentions はwebmention送信込みの実行で使うキャッシュ名前空間。
	NamespaceMentions = "entries"
	// NamespaceWebSub はWebSub通知のみの実行で使うキャッシュ名前空間。
	// 差分検知の基準が混ざらないよう通常実行とは分離する。
	NamespaceWebSub = "entries_websub"
)

// AcceptHeader はエントリ取得時のAcceptヘッダー。
const AcceptHeader = "text/html, application/xhtml+xml, */*;q=0.1"

// feedTypes はフィード発見の対象とするlink rel=alternateのtype属性値。
var feedTypes = map[string]struct{}{
	"text/xml":             {},
	"application/rdf+xml":  {},
	"application/rss+xml":  {},
	"application/atom+xml": {},
	"application/xml":      {},
}

// Link はエントリ本文から収穫した1つの外向きリンク。
type Link struct {
	// Href は元のhref属性値（相対URLのことがある）。
	Href string `json:"href"`
	// Rel はrel属性の値リスト（空白区切りを分解したもの）。
	Rel []string `json:"rel,omitempty"`
}

// Entry は1回のフェッチから構築されるエントリの射影。
// そのままJSONとしてキャッシュに永続化される。構築後はイミュータブル。
type Entry struct {
	// URL は解決済みURL。本文内のlink rel=canonicalがあればそれで上書きされる。
	URL string `json:"url"`
	// Digest は生テキストのMD5ダイジェスト（変更検知用）。
	Digest string `json:"digest"`
	// StatusCode はこのレコードを生成したフェッチのHTTPステータス。
	StatusCode int `json:"status_code"`
	// Caching は次回の条件付きリクエストで再生するヘッダー。
	Caching map[string]string `json:"caching"`
	// Links は記事コンテナから収穫した外向きリンク。
	Links []Link `json:"links"`
	// Feeds は本文から発見したフィードURL（絶対URL）。
	Feeds []string `json:"feeds"`
	// Hubs は本文とLinkヘッダーから発見したWebSubハブURL（絶対URL）。
	Hubs []string `json:"hubs"`
}

// Parse はフェッチ結果からEntryを構築する。
// 410などの非2xxレスポンスは削除済み状態を表す有効なレコードとなり、
// リンク・フィード・ハブの集合は空になる。
func Parse(res *fetch.Result, logger *slog.Logger) *Entry {
	sum := md5.Sum([]byte(res.Body))
	e := &Entry{
		URL:        res.URL,
		Digest:     hex.EncodeToString(sum[:]),
		StatusCode: res.StatusCode,
		Caching:    res.CachingHeaders(),
	}

	if res.Outcome() != fetch.OutcomeSuccess {
		return e
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Body))
	if err != nil {
		logger.Warn("エントリのHTMLパースに失敗しました",
			slog.String("url", res.URL),
			slog.String("error", err.Error()),
		)
		return e
	}

	// 記事本文のコンテナを特定する。h-entryを最優先し、
	// article要素、.entryクラス、最後にドキュメント全体へ縮退する。
	containers := doc.Find(".h-entry")
	if containers.Length() == 0 {
		containers = doc.Find("article")
	}
	if containers.Length() == 0 {
		containers = doc.Find(".entry")
	}
	if containers.Length() == 0 {
		containers = doc.Selection
	}

	containers.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href == "" {
			return
		}
		e.Links = append(e.Links, Link{
			Href: href,
			Rel:  strings.Fields(s.AttrOr("rel", "")),
		})
	})

	feeds := make(map[string]struct{})
	hubs := make(map[string]struct{})

	doc.Find(`link[rel~="alternate"][href]`).Each(func(_ int, s *goquery.Selection) {
		if _, ok := feedTypes[strings.ToLower(strings.TrimSpace(s.AttrOr("type", "")))]; !ok {
			return
		}
		if abs := urlutil.Resolve(e.URL, s.AttrOr("href", "")); abs != "" {
			feeds[abs] = struct{}{}
		}
	})

	doc.Find(`link[rel~="hub"][href]`).Each(func(_ int, s *goquery.Selection) {
		if abs := urlutil.Resolve(e.URL, s.AttrOr("href", "")); abs != "" {
			hubs[abs] = struct{}{}
			// ハブ宣言を持つページは再帰的フィード発見の候補にもなる
			feeds[abs] = struct{}{}
		}
	})

	if hub := relFromHeader(res, "hub"); hub != "" {
		if abs := urlutil.Resolve(e.URL, hub); abs != "" {
			hubs[abs] = struct{}{}
		}
	}

	// 本文内のcanonical宣言があれば解決済みURLを上書きする
	doc.Find(`link[rel~="canonical"][href]`).Each(func(_ int, s *goquery.Selection) {
		if abs := urlutil.Resolve(e.URL, s.AttrOr("href", "")); abs != "" {
			e.URL = abs
		}
	})

	e.Feeds = sortedKeys(feeds)
	e.Hubs = sortedKeys(hubs)
	return e
}

// relFromHeader はレスポンスのLinkヘッダーから指定relのURIを取り出す。
// rel値が空白区切りで複数並ぶ形式にも対応する。
func relFromHeader(res *fetch.Result, rel string) string {
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

// Target はwebmention通知先の1件。(解決済みURL, 元のhref) の組。
type Target struct {
	URL  string `json:"url"`
	Href string `json:"href"`
}

// Targets は外向きリンクをフィルタリングして通知先の集合を返す。
// 除外rel→許可relの順で判定し、その後で同一ドメイン除外を適用する
// （self-pings許可時を除く）。
func (e *Entry) Targets(cfg *config.Config) map[Target]struct{} {
	targets := make(map[Target]struct{})
	for _, l := range e.Links {
		if !cfg.RelIncluded(l.Rel) {
			continue
		}
		resolved := urlutil.Resolve(e.URL, l.Href)
		if resolved == "" {
			continue
		}
		if !cfg.SelfPings && !domainDiffers(e.URL, l.Href, resolved) {
			continue
		}
		targets[Target{URL: resolved, Href: l.Href}] = struct{}{}
	}
	return targets
}

// domainDiffers はリンク先がエントリと別ドメインかを判定する。
// ドメインを持たない相対リンクは常に同一ドメインとみなす。
func domainDiffers(entryURL, href, resolved string) bool {
	if urlutil.Domain(href) == "" {
		return false
	}
	return !urlutil.SameDomain(resolved, entryURL)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
