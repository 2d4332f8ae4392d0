// Package config はコマンドラインフラグと設定ファイルから
// 実行時設定を構築する。起動時に1回読み込み、イミュータブルとして扱う。
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultUserAgent は送信リクエストに付与する既定のUser-Agent。
const DefaultUserAgent = "feedpush/1.0 (+https://github.com/hitoshi/feedpush)"

// RelNone はrel属性を持たないリンクを--rel-includeで明示的に許可するためのトークン。
const RelNone = "none"

// Config はアプリケーション全体の設定を保持する。
type Config struct {
	// 処理対象
	Feeds      []string // 完全処理するフィードURL（位置引数）
	Entries    []string // 直接処理するエントリURL
	WebSubOnly []string // WebSub通知のみ行うフィードURL

	// 動作モード
	CacheDir     string
	Archive      bool
	Recurse      bool
	RelInclude   []string
	RelExclude   []string
	Wayback      bool
	SelfPings    bool
	DryRun       bool
	BlockPrivate bool

	// トランスポート
	Timeout        time.Duration
	MaxConnections int
	MaxPerHost     int
	KeepAlive      bool
	MaxRPS         float64
	UserAgent      string

	// 実行制御
	MaxTime     time.Duration
	Verbosity   int
	MetricsAddr string
}

// fileConfig は--configで指定するYAML設定ファイルのスキーマ。
// ポインタ型にすることで「未指定」と「ゼロ値指定」を区別する。
type fileConfig struct {
	Cache          *string  `yaml:"cache"`
	Archive        *bool    `yaml:"archive"`
	Recurse        *bool    `yaml:"recurse"`
	RelInclude     *string  `yaml:"rel_include"`
	RelExclude     *string  `yaml:"rel_exclude"`
	WaybackMachine *bool    `yaml:"wayback_machine"`
	SelfPings      *bool    `yaml:"self_pings"`
	DryRun         *bool    `yaml:"dry_run"`
	BlockPrivate   *bool    `yaml:"block_private"`
	Timeout        *int     `yaml:"timeout"`
	MaxConnections *int     `yaml:"max_connections"`
	MaxPerHost     *int     `yaml:"max_per_host"`
	KeepAlive      *bool    `yaml:"keepalive"`
	MaxRPS         *float64 `yaml:"max_rps"`
	UserAgent      *string  `yaml:"user_agent"`
	MaxTime        *float64 `yaml:"max_time"`
	MetricsAddr    *string  `yaml:"metrics_addr"`
}

// countFlag は繰り返し指定で値が増えるフラグ（-v -v など）。
type countFlag int

func (c *countFlag) String() string { return strconv.Itoa(int(*c)) }

func (c *countFlag) IsBoolFlag() bool { return true }

func (c *countFlag) Set(s string) error {
	if s == "true" || s == "" {
		*c++
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid count: %q", s)
	}
	*c = countFlag(n)
	return nil
}

// multiFlag は繰り返し指定で値が蓄積されるフラグ。
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(s string) error {
	if s != "" {
		*m = append(*m, s)
	}
	return nil
}

// Parse はコマンドライン引数からConfigを構築する。
// --configが指定された場合、フラグで明示されなかった項目のみ
// 設定ファイルの値で上書きする（フラグが常に優先）。
func Parse(args []string, errOut io.Writer) (*Config, error) {
	fs := flag.NewFlagSet("feedpush", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.Usage = func() {
		fmt.Fprintf(errOut, "Usage: feedpush [flags] [feed_url ...]\n\n")
		fs.PrintDefaults()
	}

	var (
		entries    multiFlag
		websubOnly multiFlag
		verbosity  countFlag
	)

	configFile := fs.String("config", "", "YAML設定ファイルのパス（フラグが優先される）")
	cacheDir := fs.String("cache", "", "キャッシュ保存ディレクトリ（未指定時は毎回フル処理）")
	archive := fs.Bool("archive", false, "RFC 5005のアーカイブリンクをたどる")
	recurse := fs.Bool("recurse", false, "エントリ内で発見した同一ドメインのフィードを再帰処理する")
	relInclude := fs.String("rel-include", "", "webmention送信対象とするrelのカンマ区切りリスト（noneでrel無しリンクを許可）")
	relExclude := fs.String("rel-exclude", "nofollow", "webmention送信から除外するrelのカンマ区切りリスト")
	wayback := fs.Bool("wayback-machine", false, "未キャッシュのリンク先のアーカイブ保存をWayback Machineに依頼する")
	selfPings := fs.Bool("self-pings", false, "同一ドメインへの通知を許可する")
	dryRun := fs.Bool("dry-run", false, "通知を送信せずログ出力のみ行う")
	blockPrivate := fs.Bool("block-private", false, "プライベートアドレスへの送信リクエストをブロックする")
	timeout := fs.Int("timeout", 120, "接続タイムアウト（秒）")
	maxConnections := fs.Int("max-connections", 100, "同時に開く最大接続数")
	maxPerHost := fs.Int("max-per-host", 0, "ホストあたりの最大接続数（0で無制限）")
	keepAlive := fs.Bool("keepalive", false, "TCP接続を維持する")
	maxRPS := fs.Float64("max-rps", 0, "全体のリクエストレート上限（req/sec、0で無制限）")
	userAgent := fs.String("user-agent", DefaultUserAgent, "送信するUser-Agent文字列")
	maxTime := fs.Float64("max-time", 1800, "実行全体の上限時間（秒）")
	metricsAddr := fs.String("metrics-addr", "", "メトリクス公開用のリッスンアドレス（例: :9090、未指定で無効）")
	fs.Var(&entries, "entry", "直接処理するエントリ/ページのURL（複数指定可）")
	fs.Var(&websubOnly, "websub-only", "WebSub通知のみ行うフィードURL（複数指定可）")
	fs.Var(&verbosity, "v", "ログの冗長度を上げる（繰り返し指定可）")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// フラグで明示的に指定された項目を記録する
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if *configFile != "" {
		fc, err := loadFile(*configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		applyFile(fc, set,
			cacheDir, archive, recurse, relInclude, relExclude,
			wayback, selfPings, dryRun, blockPrivate,
			timeout, maxConnections, maxPerHost, keepAlive, maxRPS,
			userAgent, maxTime, metricsAddr)
	}

	cfg := &Config{
		Feeds:          fs.Args(),
		Entries:        entries,
		WebSubOnly:     websubOnly,
		CacheDir:       *cacheDir,
		Archive:        *archive,
		Recurse:        *recurse,
		RelInclude:     splitRels(*relInclude),
		RelExclude:     splitRels(*relExclude),
		Wayback:        *wayback,
		SelfPings:      *selfPings,
		DryRun:         *dryRun,
		BlockPrivate:   *blockPrivate,
		Timeout:        time.Duration(*timeout) * time.Second,
		MaxConnections: *maxConnections,
		MaxPerHost:     *maxPerHost,
		KeepAlive:      *keepAlive,
		MaxRPS:         *maxRPS,
		UserAgent:      *userAgent,
		MaxTime:        time.Duration(*maxTime * float64(time.Second)),
		Verbosity:      int(verbosity),
		MetricsAddr:    *metricsAddr,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

// applyFile は設定ファイルの値を、フラグで明示されなかった項目にだけ反映する。
func applyFile(fc *fileConfig, set map[string]bool,
	cacheDir *string, archive, recurse *bool, relInclude, relExclude *string,
	wayback, selfPings, dryRun, blockPrivate *bool,
	timeout, maxConnections, maxPerHost *int, keepAlive *bool, maxRPS *float64,
	userAgent *string, maxTime *float64, metricsAddr *string,
) {
	apply := func(name string, fn func()) {
		if !set[name] {
			fn()
		}
	}
	if fc.Cache != nil {
		apply("cache", func() { *cacheDir = *fc.Cache })
	}
	if fc.Archive != nil {
		apply("archive", func() { *archive = *fc.Archive })
	}
	if fc.Recurse != nil {
		apply("recurse", func() { *recurse = *fc.Recurse })
	}
	if fc.RelInclude != nil {
		apply("rel-include", func() { *relInclude = *fc.RelInclude })
	}
	if fc.RelExclude != nil {
		apply("rel-exclude", func() { *relExclude = *fc.RelExclude })
	}
	if fc.WaybackMachine != nil {
		apply("wayback-machine", func() { *wayback = *fc.WaybackMachine })
	}
	if fc.SelfPings != nil {
		apply("self-pings", func() { *selfPings = *fc.SelfPings })
	}
	if fc.DryRun != nil {
		apply("dry-run", func() { *dryRun = *fc.DryRun })
	}
	if fc.BlockPrivate != nil {
		apply("block-private", func() { *blockPrivate = *fc.BlockPrivate })
	}
	if fc.Timeout != nil {
		apply("timeout", func() { *timeout = *fc.Timeout })
	}
	if fc.MaxConnections != nil {
		apply("max-connections", func() { *maxConnections = *fc.MaxConnections })
	}
	if fc.MaxPerHost != nil {
		apply("max-per-host", func() { *maxPerHost = *fc.MaxPerHost })
	}
	if fc.KeepAlive != nil {
		apply("keepalive", func() { *keepAlive = *fc.KeepAlive })
	}
	if fc.MaxRPS != nil {
		apply("max-rps", func() { *maxRPS = *fc.MaxRPS })
	}
	if fc.UserAgent != nil {
		apply("user-agent", func() { *userAgent = *fc.UserAgent })
	}
	if fc.MaxTime != nil {
		apply("max-time", func() { *maxTime = *fc.MaxTime })
	}
	if fc.MetricsAddr != nil {
		apply("metrics-addr", func() { *metricsAddr = *fc.MetricsAddr })
	}
}

// splitRels はカンマ区切りのrelリストをパースする。
// トークン"none"はrel属性を持たないリンク（空のrel）を表す。
// 空文字列はnil（フィルタ無効）を返す。
func splitRels(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var rels []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == RelNone {
			rels = append(rels, "")
			continue
		}
		rels = append(rels, part)
	}
	return rels
}

// validate は設定値の整合性を検証する。
// 不正な設定は起動時エラーとして扱う（プロセス終了に値する唯一の失敗）。
func (c *Config) validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max-connections must be positive, got %d", c.MaxConnections)
	}
	if c.MaxPerHost < 0 {
		return fmt.Errorf("max-per-host must not be negative, got %d", c.MaxPerHost)
	}
	if c.MaxTime <= 0 {
		return fmt.Errorf("max-time must be positive, got %v", c.MaxTime)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user-agent must not be empty")
	}
	for _, u := range append(append(append([]string{}, c.Feeds...), c.WebSubOnly...), c.Entries...) {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("URL must be absolute http(s): %q", u)
		}
	}
	return nil
}

// RelIncluded はリンクのrel属性値が送信対象かを判定する。
// 除外リストを先に評価し、次に許可リストを評価する。
// rel属性を持たないリンクは空のrel1つとして扱う。
func (c *Config) RelIncluded(rels []string) bool {
	if len(rels) == 0 {
		rels = []string{""}
	}
	for _, rel := range rels {
		for _, excluded := range c.RelExclude {
			if rel == excluded {
				return false
			}
		}
	}
	if len(c.RelInclude) > 0 {
		for _, rel := range rels {
			for _, included := range c.RelInclude {
				if rel == included {
					return true
				}
			}
		}
		return false
	}
	return true
}
