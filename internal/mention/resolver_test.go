package mention

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/hitoshi/feedpush/internal/cache"
	"github.com/hitoshi/feedpush/internal/fetch"
	"github.com/hitoshi/feedpush/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestResolver(t *testing.T, srv *httptest.Server) *Resolver {
	t.Helper()
	log := discardLogger()
	client := fetch.NewClient(srv.Client(), "t", 0, log, metrics.Nop{})
	store := cache.New(t.TempDir(), log, metrics.Nop{})
	return NewResolver(client, store, log)
}

func TestResolveDiscoveryOrder(t *testing.T) {
	const inDocBoth = `<html><head>
	  <link rel="webmention" href="/doc-wm">
	  <link rel="pingback" href="/doc-pb">
	</head><body></body></html>`

	tests := []struct {
		name         string
		handler      http.HandlerFunc
		wantProtocol string
		wantPath     string
	}{
		{
			"Linkヘッダーが最優先",
			func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Link", `</header-wm>; rel="webmention"`)
				w.Header().Set("X-Pingback", "/header-pb")
				w.Header().Set("Content-Type", "text/html")
				_, _ = io.WriteString(w, inDocBoth)
			},
			ProtocolWebmention, "/header-wm",
		},
		{
			"X-Pingbackは本文より優先",
			func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Pingback", "/header-pb")
				w.Header().Set("Content-Type", "text/html")
				_, _ = io.WriteString(w, inDocBoth)
			},
			ProtocolPingback, "/header-pb",
		},
		{
			"本文のwebmentionはpingbackより優先",
			func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				_, _ = io.WriteString(w, inDocBoth)
			},
			ProtocolWebmention, "/doc-wm",
		},
		{
			"本文のpingbackのみ",
			func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				_, _ = io.WriteString(w, `<html><head><link rel="pingback" href="/doc-pb"></head></html>`)
			},
			ProtocolPingback, "/doc-pb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			r := newTestResolver(t, srv)
			res, status, cached := r.Resolve(context.Background(), srv.URL)
			if res == nil {
				t.Fatal("解決に失敗しました")
			}
			if status != 200 || cached {
				t.Errorf("status=%d cached=%v", status, cached)
			}
			if res.Endpoint == nil {
				t.Fatal("エンドポイントが発見されていません")
			}
			if res.Endpoint.Protocol != tt.wantProtocol {
				t.Errorf("Protocol = %q, want %q", res.Endpoint.Protocol, tt.wantProtocol)
			}
			if want := srv.URL + tt.wantPath; res.Endpoint.URL != want {
				t.Errorf("URL = %q, want %q", res.Endpoint.URL, want)
			}
		})
	}
}

func TestResolveNonHTMLBodyIsNotParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, `<link rel="webmention" href="/wm">`)
	}))
	defer srv.Close()

	r := newTestResolver(t, srv)
	res, _, _ := r.Resolve(context.Background(), srv.URL)
	if res == nil {
		t.Fatal("解決に失敗しました")
	}
	if res.Endpoint != nil {
		t.Errorf("テキスト文書からエンドポイントが発見されました: %+v", res.Endpoint)
	}
}

func TestResolveMemoization(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><head><link rel="webmention" href="/wm"></head></html>`)
	}))
	defer srv.Close()

	r := newTestResolver(t, srv)
	ctx := context.Background()

	first, _, cached1 := r.Resolve(ctx, srv.URL)
	second, _, cached2 := r.Resolve(ctx, srv.URL)

	if cached1 {
		t.Error("初回解決がcached=trueです")
	}
	if !cached2 {
		t.Error("2回目の解決がcached=falseです")
	}
	if first == nil || second == nil || first.Endpoint.URL != second.Endpoint.URL {
		t.Errorf("解決結果が一致しません: %+v vs %+v", first, second)
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("フェッチ回数 = %d, want 1", got)
	}
}

func TestResolvePersistedCacheWith304(t *testing.T) {
	var fullFetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"t1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		fullFetches.Add(1)
		w.Header().Set("ETag", `"t1"`)
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><head><link rel="webmention" href="/wm"></head></html>`)
	}))
	defer srv.Close()

	log := discardLogger()
	client := fetch.NewClient(srv.Client(), "t", 0, log, metrics.Nop{})
	store := cache.New(t.TempDir(), log, metrics.Nop{})

	// 1つ目のリゾルバで解決し、永続キャッシュに書き込む
	r1 := NewResolver(client, store, log)
	first, _, _ := r1.Resolve(context.Background(), srv.URL)
	if first == nil || first.Endpoint == nil {
		t.Fatal("初回解決に失敗しました")
	}

	// 新しいリゾルバ（別プロセス相当）は304で前回の解決結果を再利用する
	r2 := NewResolver(client, store, log)
	second, status, cached := r2.Resolve(context.Background(), srv.URL)
	if second == nil {
		t.Fatal("2回目の解決に失敗しました")
	}
	if status != http.StatusNotModified || !cached {
		t.Errorf("status=%d cached=%v", status, cached)
	}
	if second.Endpoint == nil || second.Endpoint.URL != first.Endpoint.URL {
		t.Errorf("304の再利用でエンドポイントが失われました: %+v", second)
	}
	if got := fullFetches.Load(); got != 1 {
		t.Errorf("フルフェッチ回数 = %d, want 1", got)
	}
}

func TestResolveClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := newTestResolver(t, srv)
	res, status, _ := r.Resolve(context.Background(), srv.URL)
	if res == nil {
		t.Fatal("4xxの解決がnilを返しました")
	}
	if status != http.StatusNotFound {
		t.Errorf("status = %d", status)
	}
	if res.Endpoint != nil {
		t.Errorf("4xxからエンドポイントが発見されました: %+v", res.Endpoint)
	}
}
