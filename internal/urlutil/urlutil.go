// Package urlutil はURLのドメイン判定と相対参照の解決を提供する。
package urlutil

import (
	"net/url"
	"strings"
)

// Domain はURLのドメイン（小文字化したhost[:port]）を返す。
// パースできないURLやホストを持たない相対URLは空文字列を返す。
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// SameDomain は2つのURLが同一ドメインに属するかを判定する。
// どちらかのドメインが取れない場合はfalse。
func SameDomain(a, b string) bool {
	da, db := Domain(a), Domain(b)
	if da == "" || db == "" {
		return false
	}
	return da == db
}

// Resolve はbaseに対する相対参照hrefを絶対URLに解決する。
// 解決できない場合は空文字列を返す。
func Resolve(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	h, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return b.ResolveReference(h).String()
}
