// Package logger は構造化ログのセットアップを提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
)

// levels は-vフラグの繰り返し回数に対応するログレベル。
// 0回: ERROR, 1回: WARN, 2回: INFO, 3回以上: DEBUG。
var levels = []slog.Level{
	slog.LevelError,
	slog.LevelWarn,
	slog.LevelInfo,
	slog.LevelDebug,
}

// Level は冗長度カウントをslog.Levelに変換する。
func Level(verbosity int) slog.Level {
	if verbosity < 0 {
		verbosity = 0
	}
	if verbosity >= len(levels) {
		verbosity = len(levels) - 1
	}
	return levels[verbosity]
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// verbosityは-vフラグの繰り返し回数。
func Setup(w io.Writer, verbosity int) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: Level(verbosity),
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力のslog.Loggerを生成して返し、
// slogのグローバルロガーとしても設定する。ライブラリが既定のロガー
// 経由で出すログも同じ出力先に揃う。writerがnilの場合はos.Stderr。
func SetupDefault(w io.Writer, verbosity int) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := Setup(w, verbosity)
	slog.SetDefault(l)
	return l
}
