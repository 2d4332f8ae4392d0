// Package server はメトリクスとヘルスチェックのHTTPエンドポイントを提供する。
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/feedpush/internal/metrics"
)

// NewRouter は運用エンドポイントのルーターを構築する。
func NewRouter(gatherer prometheus.Gatherer, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(recoverer(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	return r
}

// recoverer はハンドラのパニックを500応答に変換するミドルウェア。
func recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("ハンドラでパニックが発生しました",
						slog.String("path", r.URL.Path),
						slog.Any("panic", rec),
					)
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Serve はaddrでHTTPサーバーを起動し、コンテキストの終了で
// グレースフルに停止する。エンジン本体の実行を妨げないよう、
// リッスンに失敗してもエラーログを残すだけにとどめる。
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("メトリクスサーバーを起動します", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("メトリクスサーバーが停止しました", slog.String("error", err.Error()))
	}
}
