// Package fetch はリトライとバックオフ付きのHTTPフェッチクライアントを提供する。
// 条件付きGET、結果分類、共有トランスポートによる接続プール制御を含む。
package fetch

import "net/http"

// Outcome はHTTPレスポンスのステータスに基づくフェッチ結果の分類。
type Outcome int

const (
	// OutcomeSuccess はフェッチ成功（[200,300)）。
	OutcomeSuccess Outcome = iota
	// OutcomeNotModified はコンテンツ未変更（304）。ボディは読み込まれない。
	OutcomeNotModified
	// OutcomeGone は削除済みリソース（410）。
	// 削除の伝搬のためキャッシュ可能なコンテンツとして扱う。
	OutcomeGone
	// OutcomeClientError はクライアントエラー（410以外の4xx）。リトライしない。
	OutcomeClientError
	// OutcomeServerError はサーバーエラー（5xx）。
	OutcomeServerError
)

// String はメトリクスラベル用の分類名を返す。
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotModified:
		return "not_modified"
	case OutcomeGone:
		return "gone"
	case OutcomeClientError:
		return "client_error"
	case OutcomeServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Classify はHTTPステータスコードをフェッチ結果に分類する。
func Classify(statusCode int) Outcome {
	switch {
	case statusCode == http.StatusNotModified:
		return OutcomeNotModified
	case statusCode == http.StatusGone:
		return OutcomeGone
	case statusCode >= 200 && statusCode < 300:
		return OutcomeSuccess
	case statusCode >= 400 && statusCode < 500:
		return OutcomeClientError
	default:
		return OutcomeServerError
	}
}

// Result は1回のHTTPフェッチの正規化された結果。
// 生成後はイミュータブルとして扱う。永続化はせず、
// 呼び出し側がキャッシュ可能な射影を取り出す。
type Result struct {
	// URL はリダイレクト追従後の最終URL。
	URL string
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Header はレスポンスヘッダー（Linkヘッダーやキャッシュヘッダーの抽出用）。
	Header http.Header
	// Body はデコード済みのボディテキスト。304の場合は常に空。
	Body string
}

// Outcome はこの結果の分類を返す。
func (r *Result) Outcome() Outcome {
	return Classify(r.StatusCode)
}

// Success はコンテンツとして処理してよい結果かを返す。
// 410（tombstone）と304（キャッシュ再利用）を含む。
func (r *Result) Success() bool {
	switch r.Outcome() {
	case OutcomeSuccess, OutcomeNotModified, OutcomeGone:
		return true
	}
	return false
}

// NotModified は304レスポンスかを返す。
// trueの場合、呼び出し側はキャッシュ済みの射影を再利用しなければならない。
func (r *Result) NotModified() bool {
	return r.StatusCode == http.StatusNotModified
}

// Gone は削除済みリソース（410）かを返す。
func (r *Result) Gone() bool {
	return r.StatusCode == http.StatusGone
}

// CachingHeaders は次回の条件付きリクエストで再生するヘッダーを抽出する。
func (r *Result) CachingHeaders() map[string]string {
	out := make(map[string]string)
	if etag := r.Header.Get("ETag"); etag != "" {
		out["If-None-Match"] = etag
	}
	if lastMod := r.Header.Get("Last-Modified"); lastMod != "" {
		out["If-Modified-Since"] = lastMod
	}
	return out
}
