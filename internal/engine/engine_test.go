package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/feedpush/internal/cache"
	"github.com/hitoshi/feedpush/internal/config"
	"github.com/hitoshi/feedpush/internal/entry"
	"github.com/hitoshi/feedpush/internal/feed"
	"github.com/hitoshi/feedpush/internal/fetch"
	"github.com/hitoshi/feedpush/internal/mention"
	"github.com/hitoshi/feedpush/internal/metrics"
	"github.com/hitoshi/feedpush/internal/wayback"
	"github.com/hitoshi/feedpush/internal/websub"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, srv *httptest.Server, cfg *config.Config) *Engine {
	t.Helper()
	log := discardLogger()
	client := fetch.NewClient(srv.Client(), "t", 0, log, metrics.Nop{})
	store := cache.New(cfg.CacheDir, log, metrics.Nop{})
	return New(cfg, log, metrics.Nop{},
		feed.NewSource(client, store, log),
		entry.NewSource(client, store, log),
		mention.NewResolver(client, store, log),
		client,
		websub.NewNotifier(client, log, metrics.Nop{}),
		wayback.NewClient(client, log, metrics.Nop{}),
	)
}

func TestSeenSetCheckAndInsert(t *testing.T) {
	var set seenSet
	const workers = 100

	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- set.checkAndInsert("https://example.com/x|true")
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("同一キーの獲得回数 = %d, want 1", wins)
	}
}

func TestMentionJobs(t *testing.T) {
	cfg := &config.Config{SelfPings: true}

	mk := func(url string, hrefs ...string) *entry.Entry {
		e := &entry.Entry{URL: url}
		for _, h := range hrefs {
			e.Links = append(e.Links, entry.Link{Href: h})
		}
		return e
	}
	jobSet := func(jobs []mentionJob) map[string]struct{} {
		out := make(map[string]struct{}, len(jobs))
		for _, j := range jobs {
			out[j.source+"|"+j.target.URL] = struct{}{}
		}
		return out
	}

	tests := []struct {
		name     string
		current  *entry.Entry
		previous *entry.Entry
		want     []string
	}{
		{
			"前回レコード無しは全ターゲット",
			mk("https://e.example/p", "https://a.example/1", "https://b.example/2"),
			nil,
			[]string{
				"https://e.example/p|https://a.example/1",
				"https://e.example/p|https://b.example/2",
			},
		},
		{
			"同一URLは対称差",
			mk("https://e.example/p", "https://a.example/1", "https://c.example/3"),
			mk("https://e.example/p", "https://a.example/1", "https://b.example/2"),
			[]string{
				// 追加されたリンクと消えたリンクの両方に通知する
				"https://e.example/p|https://c.example/3",
				"https://e.example/p|https://b.example/2",
			},
		},
		{
			"変更が無ければ通知しない",
			mk("https://e.example/p", "https://a.example/1"),
			mk("https://e.example/p", "https://a.example/1"),
			nil,
		},
		{
			"URL変更は和集合",
			mk("https://e.example/new", "https://a.example/1"),
			mk("https://e.example/old", "https://a.example/1", "https://b.example/2"),
			[]string{
				// 移転時は前回のURLをsourceとして全ターゲットに通知する
				"https://e.example/old|https://a.example/1",
				"https://e.example/old|https://b.example/2",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := jobSet(mentionJobs(tt.current, tt.previous, cfg))
			if len(got) != len(tt.want) {
				t.Fatalf("jobs = %v, want %v", got, tt.want)
			}
			for _, w := range tt.want {
				if _, ok := got[w]; !ok {
					t.Errorf("job %q がありません: %v", w, got)
				}
			}
		})
	}
}

// testSite はフィード・エントリ・ターゲット・各エンドポイントを提供する
// テスト用サイト。エントリの削除(410)への遷移を切り替えられる。
type testSite struct {
	mu        sync.Mutex
	entryGone bool
	wmPosts   []url.Values
	hubPosts  []url.Values
}

func (s *testSite) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<?xml version="1.0"?>
<rss version="2.0"><channel><title>t</title><link>/</link>
<item><title>e1</title><link>/entry1</link></item>
</channel></rss>`)
	})
	mux.HandleFunc("/hubfeed.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<?xml version="1.0"?>
<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom"><channel><title>t</title><link>/</link>
<atom:link rel="self" href="/hubfeed.xml"/>
<atom:link rel="hub" href="/hub"/>
<item><title>e1</title><link>/entry1</link></item>
</channel></rss>`)
	})
	mux.HandleFunc("/entry1", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		gone := s.entryGone
		s.mu.Unlock()
		if gone {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><body><article><a href="/target">t</a></article></body></html>`)
	})
	mux.HandleFunc("/target", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><head><link rel="webmention" href="/wm"></head><body></body></html>`)
	})
	mux.HandleFunc("/wm", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err == nil {
			s.mu.Lock()
			s.wmPosts = append(s.wmPosts, r.PostForm)
			s.mu.Unlock()
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/hub", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err == nil {
			s.mu.Lock()
			s.hubPosts = append(s.hubPosts, r.PostForm)
			s.mu.Unlock()
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func (s *testSite) mentionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.wmPosts)
}

func runEngine(t *testing.T, srv *httptest.Server, cfg *config.Config) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return newTestEngine(t, srv, cfg).Run(ctx)
}

func TestEngineProcessFeedSendsAndSettles(t *testing.T) {
	site := &testSite{}
	srv := httptest.NewServer(site.handler())
	defer srv.Close()

	cfg := &config.Config{
		Feeds:     []string{srv.URL + "/feed.xml"},
		CacheDir:  t.TempDir(),
		SelfPings: true,
	}

	// 初回実行はエントリのリンク先へwebmentionを送信する
	if incomplete := runEngine(t, srv, cfg); incomplete != 0 {
		t.Fatalf("incomplete = %d", incomplete)
	}
	if got := site.mentionCount(); got != 1 {
		t.Fatalf("webmention送信数 = %d, want 1", got)
	}

	site.mu.Lock()
	post := site.wmPosts[0]
	site.mu.Unlock()
	if got := post.Get("source"); got != srv.URL+"/entry1" {
		t.Errorf("source = %q", got)
	}
	if got := post.Get("target"); got != srv.URL+"/target" {
		t.Errorf("target = %q", got)
	}

	// 変更が無い2回目の実行は何も送信しない
	if incomplete := runEngine(t, srv, cfg); incomplete != 0 {
		t.Fatalf("incomplete = %d", incomplete)
	}
	if got := site.mentionCount(); got != 1 {
		t.Errorf("2回目の実行後のwebmention送信数 = %d, want 1", got)
	}
}

func TestEngineDeletionPropagates(t *testing.T) {
	site := &testSite{}
	srv := httptest.NewServer(site.handler())
	defer srv.Close()

	cfg := &config.Config{
		Feeds:     []string{srv.URL + "/feed.xml"},
		CacheDir:  t.TempDir(),
		SelfPings: true,
	}

	runEngine(t, srv, cfg)
	if got := site.mentionCount(); got != 1 {
		t.Fatalf("初回のwebmention送信数 = %d, want 1", got)
	}

	// エントリが410になると、消えたリンク先へ再通知され
	// 受信側の再検証によって言及が削除される
	site.mu.Lock()
	site.entryGone = true
	site.mu.Unlock()

	runEngine(t, srv, cfg)
	if got := site.mentionCount(); got != 2 {
		t.Errorf("削除後のwebmention送信数 = %d, want 2", got)
	}
}

func TestEngineDryRun(t *testing.T) {
	site := &testSite{}
	srv := httptest.NewServer(site.handler())
	defer srv.Close()

	cfg := &config.Config{
		Feeds:     []string{srv.URL + "/hubfeed.xml"},
		CacheDir:  t.TempDir(),
		SelfPings: true,
		DryRun:    true,
	}

	if incomplete := runEngine(t, srv, cfg); incomplete != 0 {
		t.Fatalf("incomplete = %d", incomplete)
	}
	if got := site.mentionCount(); got != 0 {
		t.Errorf("dry-runでwebmentionが送信されました: %d", got)
	}
	site.mu.Lock()
	hubs := len(site.hubPosts)
	site.mu.Unlock()
	if hubs != 0 {
		t.Errorf("dry-runでWebSub通知が送信されました: %d", hubs)
	}
}

func TestEngineBlockPrivateSuppressesDelivery(t *testing.T) {
	site := &testSite{}
	srv := httptest.NewServer(site.handler())
	defer srv.Close()

	// テストサーバーはループバック上にあるため、--block-privateの
	// 静的検証によって配送が抑止される
	cfg := &config.Config{
		Feeds:        []string{srv.URL + "/feed.xml"},
		SelfPings:    true,
		BlockPrivate: true,
	}

	if incomplete := runEngine(t, srv, cfg); incomplete != 0 {
		t.Fatalf("incomplete = %d", incomplete)
	}
	if got := site.mentionCount(); got != 0 {
		t.Errorf("ブロック対象へのwebmention送信数 = %d, want 0", got)
	}
}

func TestEngineWebSubNotification(t *testing.T) {
	site := &testSite{}
	srv := httptest.NewServer(site.handler())
	defer srv.Close()

	cfg := &config.Config{
		WebSubOnly: []string{srv.URL + "/hubfeed.xml"},
		CacheDir:   t.TempDir(),
	}

	if incomplete := runEngine(t, srv, cfg); incomplete != 0 {
		t.Fatalf("incomplete = %d", incomplete)
	}

	site.mu.Lock()
	defer site.mu.Unlock()
	if len(site.hubPosts) != 1 {
		t.Fatalf("WebSub通知数 = %d, want 1", len(site.hubPosts))
	}
	post := site.hubPosts[0]
	if got := post.Get("hub.mode"); got != "publish" {
		t.Errorf("hub.mode = %q", got)
	}
	if got := post.Get("hub.url"); got != srv.URL+"/hubfeed.xml" {
		t.Errorf("hub.url = %q", got)
	}
	// WebSub専用モードはwebmentionを送信しない
	if got := len(site.wmPosts); got != 0 {
		t.Errorf("WebSub専用モードでwebmentionが送信されました: %d", got)
	}
}

func TestEngineUnchangedEntrySkipsFeedDiscovery(t *testing.T) {
	var mu sync.Mutex
	feedFetches := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><head>
<link rel="alternate" type="application/rss+xml" href="/found.xml">
</head><body><article></article></body></html>`)
	})
	mux.HandleFunc("/found.xml", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		feedFetches++
		mu.Unlock()
		_, _ = io.WriteString(w, `<?xml version="1.0"?>
<rss version="2.0"><channel><title>t</title><link>/</link></channel></rss>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := &config.Config{
		Entries:  []string{srv.URL + "/page"},
		CacheDir: t.TempDir(),
		Recurse:  true,
	}

	if incomplete := runEngine(t, srv, cfg); incomplete != 0 {
		t.Fatalf("incomplete = %d", incomplete)
	}
	mu.Lock()
	first := feedFetches
	mu.Unlock()
	if first != 1 {
		t.Fatalf("初回実行のフィードフェッチ回数 = %d, want 1", first)
	}

	// 304で未変更のエントリは発見済みフィードの再処理を生まない
	if incomplete := runEngine(t, srv, cfg); incomplete != 0 {
		t.Fatalf("incomplete = %d", incomplete)
	}
	mu.Lock()
	defer mu.Unlock()
	if feedFetches != 1 {
		t.Errorf("未変更エントリの後のフィードフェッチ回数 = %d, want 1", feedFetches)
	}
}

func TestEngineEntryHubTopic(t *testing.T) {
	var mu sync.Mutex
	var hubPosts []url.Values

	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><head>
<link rel="canonical" href="/canonical-page">
<link rel="hub" href="/hub">
</head><body><article></article></body></html>`)
	})
	mux.HandleFunc("/hub", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err == nil {
			mu.Lock()
			hubPosts = append(hubPosts, r.PostForm)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := &config.Config{Entries: []string{srv.URL + "/page"}}
	if incomplete := runEngine(t, srv, cfg); incomplete != 0 {
		t.Fatalf("incomplete = %d", incomplete)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(hubPosts) != 1 {
		t.Fatalf("WebSub通知数 = %d, want 1", len(hubPosts))
	}
	// トピックは処理したページのURL。canonicalで上書きされたURLではない
	if got := hubPosts[0].Get("hub.url"); got != srv.URL+"/page" {
		t.Errorf("hub.url = %q, want %q", got, srv.URL+"/page")
	}
}

func TestEngineDeadlineAccounting(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	eng := newTestEngine(t, srv, &config.Config{})

	release := make(chan struct{})
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// コンテキストを無視して滞留するタスクは未完了として計上される
	eng.spawn(ctx, "feed", func(context.Context) { <-release })

	if incomplete := eng.Run(ctx); incomplete != 1 {
		t.Errorf("incomplete = %d, want 1", incomplete)
	}
}

func TestEngineAtMostOncePerEntry(t *testing.T) {
	var mu sync.Mutex
	entryFetches := 0

	mux := http.NewServeMux()
	// 2つのフィードが同じエントリを指す
	for _, path := range []string{"/a.xml", "/b.xml"} {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `<?xml version="1.0"?>
<rss version="2.0"><channel><title>t</title><link>/</link>
<item><title>e</title><link>/shared-entry</link></item>
</channel></rss>`)
		})
	}
	mux.HandleFunc("/shared-entry", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		entryFetches++
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><body><article></article></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := &config.Config{
		Feeds: []string{srv.URL + "/a.xml", srv.URL + "/b.xml"},
	}

	if incomplete := runEngine(t, srv, cfg); incomplete != 0 {
		t.Fatalf("incomplete = %d", incomplete)
	}

	mu.Lock()
	defer mu.Unlock()
	if entryFetches != 1 {
		t.Errorf("共有エントリのフェッチ回数 = %d, want 1", entryFetches)
	}
}

func TestEngineArchiveTraversal(t *testing.T) {
	var mu sync.Mutex
	fetched := make(map[string]int)

	mux := http.NewServeMux()
	record := func(path string) {
		mu.Lock()
		fetched[path]++
		mu.Unlock()
	}
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		record("/feed.xml")
		_, _ = io.WriteString(w, `<?xml version="1.0"?>
<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom"><channel><title>t</title><link>/</link>
<atom:link rel="prev-archive" href="/archive-1.xml"/>
</channel></rss>`)
	})
	mux.HandleFunc("/archive-1.xml", func(w http.ResponseWriter, r *http.Request) {
		record("/archive-1.xml")
		_, _ = fmt.Fprint(w, `<?xml version="1.0"?>
<rss version="2.0"><channel><title>old</title><link>/</link></channel></rss>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := &config.Config{
		Feeds:   []string{srv.URL + "/feed.xml"},
		Archive: true,
	}
	if incomplete := runEngine(t, srv, cfg); incomplete != 0 {
		t.Fatalf("incomplete = %d", incomplete)
	}

	mu.Lock()
	defer mu.Unlock()
	if fetched["/archive-1.xml"] != 1 {
		t.Errorf("アーカイブフィードのフェッチ回数 = %d, want 1", fetched["/archive-1.xml"])
	}
}
