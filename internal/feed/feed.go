// Package feed はフィードドキュメントの解析とキャッシュ連携付きの取得を提供する。
package feed

import (
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedpush/internal/fetch"
	"github.com/hitoshi/feedpush/internal/urlutil"
)

// SchemaVersion はフィードキャッシュレコードのスキーマバージョン。
// Feedの保存形式を変更したら必ずインクリメントする。
const SchemaVersion = 4

// Namespace はフィードレコードのキャッシュ名前空間。
const Namespace = "feed"

// historyNamespace はRFC 5005 (Feed Paging and Archiving) のXML名前空間。
const historyNamespace = "http://purl.org/syndication/history/1.0"

// AcceptHeader はフィード取得時にフィードMIMEタイプを優先するAcceptヘッダー。
const AcceptHeader = "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8, text/html;q=0.5, */*;q=0.1"

// Feed は1回のフェッチから構築されるフィードの射影。
// そのままJSONとしてキャッシュに永続化される。構築後はイミュータブル。
type Feed struct {
	// URL はリダイレクト追従後の取得元URL。
	URL string `json:"url"`
	// Digest は生テキストのMD5ダイジェスト（変更検知用。暗号強度は不要）。
	Digest string `json:"digest"`
	// StatusCode はこのレコードを生成したフェッチのHTTPステータス。
	StatusCode int `json:"status_code"`
	// Caching は次回の条件付きリクエストで再生するヘッダー。
	Caching map[string]string `json:"caching"`
	// Links はrel名→href集合のリンクマップ（hub/self/current/canonical/prev-archiveなど）。
	Links map[string][]string `json:"links"`
	// EntryLinks はフィードが宣言するエントリURLの集合（絶対URL）。
	EntryLinks []string `json:"entry_links"`
	// DeclaredArchive はfh:archive要素によるアーカイブビュー宣言。
	DeclaredArchive bool `json:"declared_archive"`
	// DeclaredCurrent はfh:current要素（または名前空間上のcurrent宣言）によるカレントビュー宣言。
	DeclaredCurrent bool `json:"declared_current"`
}

// Parse はフェッチ結果からFeedを構築する。
// 本文のパース失敗は空の派生データに縮退する（ダイジェストとステータスは保持）。
func Parse(res *fetch.Result, logger *slog.Logger) *Feed {
	sum := md5.Sum([]byte(res.Body))
	f := &Feed{
		URL:        res.URL,
		Digest:     hex.EncodeToString(sum[:]),
		StatusCode: res.StatusCode,
		Caching:    res.CachingHeaders(),
		Links:      make(map[string][]string),
	}

	if res.Outcome() != fetch.OutcomeSuccess {
		// 410などはtombstoneとして空の派生データで保持する
		return f
	}

	entries := make(map[string]struct{})

	parsed, err := gofeed.NewParser().ParseString(res.Body)
	if err != nil {
		// XMLフィードとして読めない場合はmicroformats(h-entry)のHTMLフィードを試す
		logger.Debug("フィードのXMLパースに失敗しました。h-entryを探索します",
			slog.String("url", res.URL),
			slog.String("error", err.Error()),
		)
		parseMF2Entries(res.Body, res.URL, entries)
	} else {
		for _, item := range parsed.Items {
			if item == nil || item.Link == "" {
				continue
			}
			if abs := urlutil.Resolve(res.URL, item.Link); abs != "" {
				entries[abs] = struct{}{}
			}
		}
	}

	// gofeedはlink要素のrel属性もRFC 5005名前空間も公開しないため、
	// rel関係と履歴宣言は生のXMLトークン走査で抽出する。
	links, declaredArchive, declaredCurrent := scanRelLinks(res.Body)
	f.Links = links
	f.DeclaredArchive = declaredArchive
	f.DeclaredCurrent = declaredCurrent

	f.EntryLinks = sortedKeys(entries)
	return f
}

// parseMF2Entries はHTMLフィードからh-entryのURLを抽出する。
func parseMF2Entries(body, baseURL string, entries map[string]struct{}) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return
	}
	doc.Find(".h-entry").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Find("a.u-url, link.u-url").First().Attr("href")
		if !ok {
			href, ok = s.Find("a[href]").First().Attr("href")
		}
		if !ok {
			return
		}
		if abs := urlutil.Resolve(baseURL, href); abs != "" {
			entries[abs] = struct{}{}
		}
	})
}

// IsArchive はこのフィードがアーカイブビューかを判定する。
// RFC 5005の宣言が最優先。宣言がない場合はヒューリスティックとして
// rel=currentがrel=selfと一致しないことをアーカイブの証拠とみなす。
func (f *Feed) IsArchive() bool {
	if f.DeclaredArchive {
		return true
	}
	if f.DeclaredCurrent {
		return false
	}
	current := f.Links["current"]
	if len(current) == 0 {
		return false
	}
	return !sameSet(f.Links["self"], current)
}

// Canonical はこのフィードの正規URLを返す。
// rel=canonical、rel=self、取得URLの順で最初に見つかったものを採用する。
func (f *Feed) Canonical() string {
	for _, rel := range []string{"canonical", "self"} {
		if hrefs := f.Links[rel]; len(hrefs) > 0 {
			return hrefs[0]
		}
	}
	return f.URL
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
