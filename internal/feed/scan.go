package feed

import (
	"encoding/xml"
	"io"
	"sort"
	"strings"
)

// scanRelLinks はフィード本文の生XMLを走査し、rel属性付きlink要素の
// マップとRFC 5005の履歴宣言（fh:archive / fh:current）を抽出する。
// 壊れたXMLでも読める範囲まで走査する（エラーで打ち切り、例外にはしない）。
func scanRelLinks(body string) (links map[string][]string, declaredArchive, declaredCurrent bool) {
	links = make(map[string][]string)
	seen := make(map[string]map[string]struct{})

	dec := xml.NewDecoder(strings.NewReader(body))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity

	for {
		tok, err := dec.Token()
		if err == io.EOF || err != nil {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		if start.Name.Space == historyNamespace {
			switch strings.ToLower(start.Name.Local) {
			case "archive":
				declaredArchive = true
			case "current":
				declaredCurrent = true
			}
			continue
		}

		if strings.ToLower(start.Name.Local) != "link" {
			continue
		}

		var rel, href string
		for _, attr := range start.Attr {
			switch strings.ToLower(attr.Name.Local) {
			case "rel":
				rel = strings.TrimSpace(attr.Value)
			case "href":
				href = strings.TrimSpace(attr.Value)
			}
		}
		if rel == "" || href == "" {
			continue
		}

		if seen[rel] == nil {
			seen[rel] = make(map[string]struct{})
		}
		if _, dup := seen[rel][href]; dup {
			continue
		}
		seen[rel][href] = struct{}{}
		links[rel] = append(links[rel], href)
	}

	for rel := range links {
		sort.Strings(links[rel])
	}
	return links, declaredArchive, declaredCurrent
}
