// Package engine は更新伝搬の実行を統括する。
// フィード→エントリ→通知の再帰的なタスクグラフを並行実行し、
// 実行内の重複送信を排除する。
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hitoshi/feedpush/internal/config"
	"github.com/hitoshi/feedpush/internal/entry"
	"github.com/hitoshi/feedpush/internal/feed"
	"github.com/hitoshi/feedpush/internal/fetch"
	"github.com/hitoshi/feedpush/internal/mention"
	"github.com/hitoshi/feedpush/internal/metrics"
	"github.com/hitoshi/feedpush/internal/security"
	"github.com/hitoshi/feedpush/internal/urlutil"
	"github.com/hitoshi/feedpush/internal/wayback"
	"github.com/hitoshi/feedpush/internal/websub"
)

// Engine は1回の実行全体を駆動する。
// 同一URL・同一通知の処理はプロセス生存期間中に最大1回しか行われない。
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	rec    metrics.Recorder

	feeds    *feed.Source
	entries  *entry.Source
	resolver *mention.Resolver
	client   *fetch.Client
	websub   *websub.Notifier
	wayback  *wayback.Client

	// guard は--block-private有効時の送信先の静的検証。無効時はnil。
	// トランスポート側のDialer検証と二重になるが、検証失敗を
	// 接続エラーではなく明示的なログとして残せる。
	guard security.Guard

	// feedDomains は処理対象と判明しているドメインの集合。起動時引数の
	// フィード・エントリに加え、実行中に処理したフィードのドメインも入る。
	// 再帰的フィード発見はこの集合内のドメインに限定される。
	feedDomains seenSet

	wg        sync.WaitGroup
	started   atomic.Int64
	completed atomic.Int64

	processedFeeds   seenSet
	processedEntries seenSet
	sentMentions     seenSet
	sentWebSub       seenSet
	savedWayback     seenSet
}

// New はEngineの新しいインスタンスを生成する。
func New(
	cfg *config.Config,
	logger *slog.Logger,
	rec metrics.Recorder,
	feeds *feed.Source,
	entries *entry.Source,
	resolver *mention.Resolver,
	client *fetch.Client,
	notifier *websub.Notifier,
	archiver *wayback.Client,
) *Engine {
	var guard security.Guard
	if cfg.BlockPrivate {
		guard = security.NewGuard()
	}
	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		rec:      rec,
		feeds:    feeds,
		entries:  entries,
		resolver: resolver,
		client:   client,
		websub:   notifier,
		wayback:  archiver,
		guard:    guard,
	}
	for _, group := range [][]string{cfg.Feeds, cfg.WebSubOnly, cfg.Entries} {
		for _, u := range group {
			e.recordDomain(u)
		}
	}
	return e
}

// recordDomain はurlのドメインを既知のフィードドメイン集合に追加する。
func (e *Engine) recordDomain(url string) {
	if d := urlutil.Domain(url); d != "" {
		e.feedDomains.checkAndInsert(d)
	}
}

// Run は設定された全ての起点（フィード・WebSub専用フィード・エントリ）を
// 処理し、タスクグラフ全体の完了またはコンテキストの期限切れまで待つ。
// 戻り値は完了しなかったタスク数（0なら完走）。
func (e *Engine) Run(ctx context.Context) int {
	for _, u := range e.cfg.Feeds {
		u := u
		e.spawn(ctx, "feed", func(ctx context.Context) {
			e.ProcessFeed(ctx, u, true)
		})
	}
	for _, u := range e.cfg.WebSubOnly {
		u := u
		e.spawn(ctx, "feed", func(ctx context.Context) {
			e.ProcessFeed(ctx, u, false)
		})
	}
	for _, u := range e.cfg.Entries {
		u := u
		e.spawn(ctx, "entry", func(ctx context.Context) {
			e.ProcessEntry(ctx, u, true)
		})
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("実行時間の上限に達しました")
	}

	incomplete := int(e.started.Load() - e.completed.Load())
	if incomplete > 0 {
		e.logger.Warn("完了しなかったタスクがあります",
			slog.Int("incomplete", incomplete),
			slog.Int64("started", e.started.Load()),
		)
	}
	return incomplete
}

// spawn はタスクグラフの1ノードを起動する。
// タスク内のパニックはそのタスクだけの失敗として隔離される。
func (e *Engine) spawn(ctx context.Context, kind string, fn func(context.Context)) {
	e.wg.Add(1)
	e.started.Add(1)
	e.rec.RecordTaskStarted(kind)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("タスクの実行中にパニックが発生しました",
					slog.String("kind", kind),
					slog.Any("panic", r),
				)
			}
		}()
		fn(ctx)
		e.completed.Add(1)
		e.rec.RecordTaskCompleted(kind)
	}()
}

// seenSet は「初回だけ処理する」ための単調増加の集合。
// checkAndInsertはアトミックな検査と挿入を行う。
type seenSet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

// checkAndInsert はkeyを集合に追加し、新規追加できた場合にtrueを返す。
// falseが返った場合、他のゴルーチンが既に同じ仕事を引き受けている。
func (s *seenSet) checkAndInsert(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]struct{})
	}
	if _, ok := s.m[key]; ok {
		return false
	}
	s.m[key] = struct{}{}
	return true
}

// contains はkeyが集合に含まれるかを返す。
func (s *seenSet) contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[key]
	return ok
}
