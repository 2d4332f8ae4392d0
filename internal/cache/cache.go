// Package cache はURLをキーとする名前空間付きのファイルキャッシュを提供する。
// レコードはスキーマバージョンタグ付きのJSONとして保存され、
// 読み取り時の一切の異常（未設定・不在・破損・スキーマ不一致）は
// 静かにキャッシュミスとして扱う。書き込みはベストエフォート。
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hitoshi/feedpush/internal/metrics"
)

// Store は名前空間付きのファイルベースレコードストア。
// dirが空の場合はすべての読み取りがミス、書き込みが無視される
// （キャッシュ無効のインメモリ実行）。
type Store struct {
	dir    string
	logger *slog.Logger
	rec    metrics.Recorder
}

// New はStoreの新しいインスタンスを生成する。
// dirが空文字列の場合はキャッシュ無効として動作する。
func New(dir string, logger *slog.Logger, rec metrics.Recorder) *Store {
	return &Store{
		dir:    dir,
		logger: logger,
		rec:    rec,
	}
}

// Enabled は永続キャッシュが設定されているかを返す。
func (s *Store) Enabled() bool {
	return s.dir != ""
}

// envelope はレコード本体とスキーマタグを包む保存形式。
type envelope struct {
	Schema int             `json:"schema"`
	Record json.RawMessage `json:"record"`
}

// Get はキャッシュからレコードを読み込む。
// 見つかった場合はoutにデコードしてtrueを返す。
// 不在・破損・スキーマ不一致はすべてfalse（ミス）を返し、
// 呼び出し側は初回フェッチと同一に扱わなければならない。
func (s *Store) Get(namespace, key string, schemaVersion int, out any) bool {
	if s.dir == "" {
		return false
	}

	path := s.path(namespace, key)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("キャッシュの読み取りに失敗しました",
				slog.String("namespace", namespace),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		s.rec.RecordCacheMiss(namespace)
		return false
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("キャッシュレコードが破損しています",
			slog.String("namespace", namespace),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		s.rec.RecordCacheMiss(namespace)
		return false
	}

	if env.Schema != schemaVersion {
		// 旧スキーマのレコードは部分的にも信用せず、不在として扱う
		s.logger.Debug("キャッシュのスキーマバージョンが一致しません",
			slog.String("namespace", namespace),
			slog.String("key", key),
			slog.Int("want", schemaVersion),
			slog.Int("got", env.Schema),
		)
		s.rec.RecordCacheMiss(namespace)
		return false
	}

	if err := json.Unmarshal(env.Record, out); err != nil {
		s.logger.Warn("キャッシュレコードのデコードに失敗しました",
			slog.String("namespace", namespace),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		s.rec.RecordCacheMiss(namespace)
		return false
	}

	s.rec.RecordCacheHit(namespace)
	return true
}

// Set はレコードをキャッシュに書き込む。書き込み失敗はログに残して無視する。
// 同一キーへの並行書き込みは後勝ちとなる（それ以上の保証はない）。
func (s *Store) Set(namespace, key string, schemaVersion int, record any) {
	if s.dir == "" {
		return
	}

	raw, err := json.Marshal(record)
	if err != nil {
		s.logger.Warn("キャッシュレコードのエンコードに失敗しました",
			slog.String("namespace", namespace),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}
	data, err := json.Marshal(envelope{Schema: schemaVersion, Record: raw})
	if err != nil {
		s.logger.Warn("キャッシュエンベロープのエンコードに失敗しました",
			slog.String("namespace", namespace),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}

	dir := filepath.Join(s.dir, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("キャッシュディレクトリの作成に失敗しました",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := os.WriteFile(s.path(namespace, key), data, 0o644); err != nil {
		s.logger.Warn("キャッシュの書き込みに失敗しました",
			slog.String("namespace", namespace),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// path は任意長のURLキーから安定したファイルパスを導出する。
func (s *Store) path(namespace, key string) string {
	return filepath.Join(s.dir, namespace, FileKey(key))
}

// FileKey はURLから安定かつ衝突しにくいファイル名を導出する。
// ハッシュの接頭辞で一意性を担保し、スラッグ化したURLの断片を
// デバッグ時の可読性のために付加する。
func FileKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:16] + "." + slugify(url, 24)
}

// slugify はURLをファイル名に安全な形式に変換する。
func slugify(s string, maxLen int) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= maxLen {
			break
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
