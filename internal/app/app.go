// Package app はコマンドラインアプリケーションの組み立てと実行を提供する。
package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/feedpush/internal/cache"
	"github.com/hitoshi/feedpush/internal/config"
	"github.com/hitoshi/feedpush/internal/engine"
	"github.com/hitoshi/feedpush/internal/entry"
	"github.com/hitoshi/feedpush/internal/feed"
	"github.com/hitoshi/feedpush/internal/fetch"
	"github.com/hitoshi/feedpush/internal/logger"
	"github.com/hitoshi/feedpush/internal/mention"
	"github.com/hitoshi/feedpush/internal/metrics"
	"github.com/hitoshi/feedpush/internal/security"
	"github.com/hitoshi/feedpush/internal/server"
	"github.com/hitoshi/feedpush/internal/wayback"
	"github.com/hitoshi/feedpush/internal/websub"
)

// Run はアプリケーションを実行し、プロセスの終了コードを返す。
// 起動時エラー（設定不正）だけが非ゼロを返す。実行中の個別の失敗は
// ログに残して先へ進み、時間切れによる打ち切りも正常終了として扱う。
func Run(args []string, errOut io.Writer) int {
	cfg, err := config.Parse(args, errOut)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(errOut, "feedpush: %v\n", err)
		return 2
	}

	log := logger.SetupDefault(errOut, cfg.Verbosity).With(
		slog.String("run_id", uuid.NewString()),
	)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.MaxTime)
	defer cancel()

	var httpClient *http.Client
	if cfg.BlockPrivate {
		httpClient = security.NewGuard().NewSafeClient(cfg.Timeout)
	} else {
		httpClient = fetch.NewHTTPClient(cfg)
	}
	client := fetch.NewClient(httpClient, cfg.UserAgent, cfg.MaxRPS, log, collector)

	store := cache.New(cfg.CacheDir, log, collector)

	eng := engine.New(
		cfg,
		log,
		collector,
		feed.NewSource(client, store, log),
		entry.NewSource(client, store, log),
		mention.NewResolver(client, store, log),
		client,
		websub.NewNotifier(client, log, collector),
		wayback.NewClient(client, log, collector),
	)

	if cfg.MetricsAddr != "" {
		go server.Serve(ctx, cfg.MetricsAddr, server.NewRouter(registry, log), log)
	}

	log.Info("実行を開始します",
		slog.Int("feeds", len(cfg.Feeds)),
		slog.Int("websub_only", len(cfg.WebSubOnly)),
		slog.Int("entries", len(cfg.Entries)),
		slog.Bool("dry_run", cfg.DryRun),
		slog.Duration("max_time", cfg.MaxTime),
	)

	start := time.Now()
	incomplete := eng.Run(ctx)

	log.Info("実行を終了します",
		slog.Duration("elapsed", time.Since(start).Round(time.Millisecond)),
		slog.Int("incomplete", incomplete),
	)
	return 0
}
