package engine

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/hitoshi/feedpush/internal/config"
	"github.com/hitoshi/feedpush/internal/entry"
	"github.com/hitoshi/feedpush/internal/mention"
	"github.com/hitoshi/feedpush/internal/urlutil"
)

// archiveRels はRFC 5005アーカイブ走査でたどるrel関係。
var archiveRels = []string{"prev-archive", "next-archive", "prev-page", "next-page"}

// ProcessFeed はフィードを取得し、エントリ処理・アーカイブ走査・
// WebSub通知のタスクを派生させる。同一(URL, モード)の処理は実行内で1回だけ。
func (e *Engine) ProcessFeed(ctx context.Context, url string, sendMentions bool) {
	e.recordDomain(url)
	key := url + "|" + strconv.FormatBool(sendMentions)
	if !e.processedFeeds.checkAndInsert(key) {
		return
	}

	current, previous, updated := e.feeds.Get(ctx, url)
	if current == nil {
		return
	}

	e.logger.Info("フィードを処理します",
		slog.String("url", url),
		slog.Bool("updated", updated),
		slog.Bool("archive", current.IsArchive()),
		slog.Int("entries", len(current.EntryLinks)),
	)

	// 前回レコードとの和集合を処理する。現在のフィードから消えた
	// エントリも再確認され、削除（410）が通知先へ伝搬する。
	links := make(map[string]struct{})
	for _, l := range current.EntryLinks {
		links[l] = struct{}{}
	}
	if previous != nil {
		for _, l := range previous.EntryLinks {
			links[l] = struct{}{}
		}
	}
	for l := range links {
		l := l
		e.spawn(ctx, "entry", func(ctx context.Context) {
			e.ProcessEntry(ctx, l, sendMentions)
		})
	}

	if e.cfg.Archive {
		for _, rel := range archiveRels {
			for _, href := range current.Links[rel] {
				abs := urlutil.Resolve(current.URL, href)
				if abs == "" {
					continue
				}
				e.spawn(ctx, "feed", func(ctx context.Context) {
					e.ProcessFeed(ctx, abs, sendMentions)
				})
			}
		}
	}

	// アーカイブビューの更新はハブに通知しない（トピックは常にカレントビュー）
	if updated && !current.IsArchive() {
		topic := urlutil.Resolve(current.URL, current.Canonical())
		if topic == "" {
			topic = current.URL
		}
		for _, href := range current.Links["hub"] {
			hub := urlutil.Resolve(current.URL, href)
			if hub == "" {
				continue
			}
			e.spawn(ctx, "websub", func(ctx context.Context) {
				e.sendWebSub(ctx, topic, hub)
			})
		}
	}
}

// ProcessEntry はエントリを取得し、差分に応じてwebmention送信・
// WebSub通知・再帰的フィード処理のタスクを派生させる。
func (e *Engine) ProcessEntry(ctx context.Context, url string, sendMentions bool) {
	key := url + "|" + strconv.FormatBool(sendMentions)
	if !e.processedEntries.checkAndInsert(key) {
		return
	}

	namespace := entry.NamespaceMentions
	if !sendMentions {
		namespace = entry.NamespaceWebSub
	}

	current, previous, updated := e.entries.Get(ctx, url, namespace)
	if current == nil {
		return
	}

	e.logger.Debug("エントリを処理します",
		slog.String("url", url),
		slog.Bool("updated", updated),
		slog.Int("links", len(current.Links)),
	)

	// 未変更のエントリは後続タスクを一切生まない
	if !updated {
		return
	}

	if sendMentions {
		for _, job := range mentionJobs(current, previous, e.cfg) {
			job := job
			e.spawn(ctx, "mention", func(ctx context.Context) {
				e.sendMention(ctx, job.source, job.target)
			})
		}
	}

	// トピックは処理対象のURLそのもの。canonical上書き後のURLに
	// 変えると購読者が購読していないトピックを通知してしまう
	for _, href := range current.Hubs {
		hub := href
		e.spawn(ctx, "websub", func(ctx context.Context) {
			e.sendWebSub(ctx, url, hub)
		})
	}

	if e.cfg.Recurse {
		for _, f := range current.Feeds {
			if !e.feedDomains.contains(urlutil.Domain(f)) {
				e.logger.Debug("未知ドメインのフィードは再帰処理しません", slog.String("feed", f))
				continue
			}
			f := f
			e.spawn(ctx, "feed", func(ctx context.Context) {
				e.ProcessFeed(ctx, f, sendMentions)
			})
		}
	}
}

// mentionJob は1件のwebmention/pingback送信の仕事。
type mentionJob struct {
	source string
	target entry.Target
}

// mentionJobs は現在と前回のエントリから送信すべき通知の集合を導出する。
//
//   - 前回レコードが無い場合は現在のターゲット全て。
//   - 正規URLが同じ場合は対称差（追加されたリンクと消えたリンク）。
//     消えたリンク先にも現在のURLをsourceとして通知し、受信側の
//     再検証によって言及の削除が伝搬する。
//   - 正規URLが変わった場合は和集合。sourceは前回のURLになる。
//     受信側が旧URLを再検証することで移転（リダイレクト）が伝搬する。
func mentionJobs(current, previous *entry.Entry, cfg *config.Config) []mentionJob {
	curTargets := current.Targets(cfg)

	if previous == nil {
		jobs := make([]mentionJob, 0, len(curTargets))
		for t := range curTargets {
			jobs = append(jobs, mentionJob{source: current.URL, target: t})
		}
		return jobs
	}

	prevTargets := previous.Targets(cfg)
	var jobs []mentionJob

	if current.URL == previous.URL {
		for t := range curTargets {
			if _, ok := prevTargets[t]; !ok {
				jobs = append(jobs, mentionJob{source: current.URL, target: t})
			}
		}
		for t := range prevTargets {
			if _, ok := curTargets[t]; !ok {
				jobs = append(jobs, mentionJob{source: current.URL, target: t})
			}
		}
		return jobs
	}

	for t := range curTargets {
		jobs = append(jobs, mentionJob{source: previous.URL, target: t})
	}
	for t := range prevTargets {
		if _, ok := curTargets[t]; !ok {
			jobs = append(jobs, mentionJob{source: previous.URL, target: t})
		}
	}
	return jobs
}

// sendMention はsourceからtargetへの言及を解決し、発見された
// エンドポイントへ配送する。同一(source, target)の送信は実行内で1回だけ。
func (e *Engine) sendMention(ctx context.Context, source string, target entry.Target) {
	if !e.sentMentions.checkAndInsert(source + "|" + target.URL) {
		return
	}

	resolution, status, cached := e.resolver.Resolve(ctx, target.URL)
	if resolution == nil {
		e.logger.Warn("通知先を解決できませんでした",
			slog.String("source", source),
			slog.String("target", target.URL),
		)
		return
	}
	if status >= 400 {
		e.logger.Warn("通知先が異常なステータスを返しました",
			slog.String("target", target.URL),
			slog.Int("http_status", status),
		)
	}

	if e.cfg.DryRun {
		e.logger.Info("dry-run: 通知の送信をスキップします",
			slog.String("source", source),
			slog.String("target", target.URL),
			slog.Bool("has_endpoint", resolution.Endpoint != nil),
		)
		return
	}

	// 初見のターゲットだけをアーカイブ保存の対象にする
	if e.cfg.Wayback && !cached && e.savedWayback.checkAndInsert(target.URL) {
		e.wayback.Save(ctx, target.URL)
	}

	if resolution.Endpoint == nil {
		e.logger.Debug("通知エンドポイントがありません", slog.String("target", target.URL))
		return
	}
	if !e.validDestination(resolution.Endpoint.URL) {
		return
	}

	endpoint := mention.Build(resolution.Endpoint, e.client, e.logger)
	if endpoint == nil {
		return
	}
	e.rec.RecordMention(endpoint.Deliver(ctx, source, target.URL))
}

// sendWebSub はトピックの更新をハブへ通知する。
// 同一(トピック, ハブ)の通知は実行内で1回だけ。
func (e *Engine) sendWebSub(ctx context.Context, topic, hub string) {
	if !e.sentWebSub.checkAndInsert(topic + "|" + hub) {
		return
	}

	if e.cfg.DryRun {
		e.logger.Info("dry-run: WebSub通知をスキップします",
			slog.String("hub", hub),
			slog.String("topic", topic),
		)
		return
	}
	if !e.validDestination(hub) {
		return
	}

	e.websub.Publish(ctx, hub, topic)
}

// validDestination は--block-private有効時に送信先URLを静的に検証する。
// 検証に失敗した送信先は配送せず、警告ログだけを残す。
func (e *Engine) validDestination(rawURL string) bool {
	if e.guard == nil {
		return true
	}
	if err := e.guard.ValidateURL(rawURL); err != nil {
		e.logger.Warn("送信先がブロックされました",
			slog.String("url", rawURL),
			slog.String("reason", err.Error()),
		)
		return false
	}
	return true
}
