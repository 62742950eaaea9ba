// Package app はcrmsyncのサブコマンドと依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/hitoshi/crmsync/internal/config"
	"github.com/hitoshi/crmsync/internal/logger"
)

const (
	// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
	dbPingTimeout = 10 * time.Second
	// healthcheckTimeout はhealthcheckサブコマンドのHTTPタイムアウト。
	healthcheckTimeout = 5 * time.Second
)

// Version はビルド時に -ldflags で上書きされる。
var Version = "dev"

// Init はアプリケーションの初期化を行う。
// 設定を読み込み、JSON構造化ログをセットアップしてログレベルを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数または設定ファイルから設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(level)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。サブコマンドを省略した場合はserveとして起動する。
func Run(w io.Writer, args []string) error {
	return NewCLIApp(os.Stdout, w).Run(append([]string{"crmsync"}, args...))
}

// NewCLIApp は全サブコマンドを持つCLIアプリケーションを生成する。
// outにはコマンドの結果、logOutには構造化ログを書き込む。
func NewCLIApp(out, logOut io.Writer) *cli.App {
	r := &runner{out: out, logOut: logOut}
	app := &cli.App{
		Name:           "crmsync",
		Usage:          "CRM contact sync engine",
		Version:        Version,
		Writer:         out,
		DefaultCommand: "serve",
		Commands: []*cli.Command{
			r.serveCmd(),
			r.workerCmd(),
			r.migrateCmd(),
			r.syncCmd(),
			r.testConnectionCmd(),
			r.resyncCmd(),
			r.importCmd(),
			r.logsCmd(),
			healthcheckCmd(),
		},
	}
	// エラーはRunの戻り値で扱い、os.Exitさせない
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// runner はサブコマンド間で出力先を共有する。
type runner struct {
	out    io.Writer
	logOut io.Writer
}

// withServices は設定を読み込んで依存関係を構築し、fnを実行する。
func (r *runner) withServices(c *cli.Context, fn func(ctx context.Context, s *services) error) error {
	cfg, err := Init(r.logOut)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting application",
		slog.String("command", c.Command.Name),
		slog.String("settings_backend", cfg.Settings.Backend),
	)

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	s, err := newServices(ctx, cfg, db, slog.Default())
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(ctx, s)
}

// printJSON はコマンドの結果をインデント付きJSONで出力する。
func (r *runner) printJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
