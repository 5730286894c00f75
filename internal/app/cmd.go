package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/auctionwatch/internal/config"
	"github.com/hitoshi/auctionwatch/internal/metrics"
	"github.com/hitoshi/auctionwatch/internal/model"
	"github.com/hitoshi/auctionwatch/internal/scout"
)

const defaultNotifyTimeout = 10 * time.Second

// NewRootCommand はすべてのサブコマンドを登録したルートコマンドを返す。
// stdoutには新しい変更の整形結果などの出力を、stderrにはログを書き込む。
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "auctionwatch",
		Short:         "Hetznerサーバーオークションの出品変更を監視して通知する",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		newRunCommand(stdout, stderr),
		newWorkerCommand(stderr),
		newServeCommand(stderr),
		newMigrateCommand(stderr),
		newNotifyConfigCommand(stdout, stderr),
		newVersionCommand(stdout),
		newHealthcheckCommand(),
	)
	return root
}

// scoutOptions はフラグと設定から実行パイプラインのオプションを組み立てる。
func scoutOptions(cmd *cobra.Command, cfg *config.Config) (scout.Options, error) {
	criteria, err := criteriaFromFlags(cmd)
	if err != nil {
		return scout.Options{}, err
	}
	tax, err := taxRateFromFlags(cmd, cfg.TaxRate)
	if err != nil {
		return scout.Options{}, err
	}
	return scout.Options{Criteria: criteria, TaxRate: tax}, nil
}

func newRunCommand(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "出品を1回取得し、変更を記録して配信する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(stderr)
			if err != nil {
				return err
			}
			opts, err := scoutOptions(cmd, cfg)
			if err != nil {
				return err
			}
			opts.Console = stdout

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			c := newComponents(db)

			svc, err := newScoutService(cfg, c, metrics.NopCollector{}, opts)
			if err != nil {
				return err
			}

			report, err := runOnce(ctx, svc, newAlerter(ctx, c.notifyConfig))
			if err != nil {
				return err
			}
			slog.Info("run finished",
				slog.String("run_id", report.RunID),
				slog.Int("accepted", report.Accepted),
				slog.Int("delivered", report.Delivered),
				slog.Int("failed", report.Failed),
			)
			return nil
		},
	}
	registerCriteriaFlags(cmd)
	return cmd
}

func newWorkerCommand(stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "定期ポーリングとHTTPサーフェスを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(stderr)
			if err != nil {
				return err
			}
			opts, err := scoutOptions(cmd, cfg)
			if err != nil {
				return err
			}
			return runWorker(cfg, opts)
		},
	}
	registerCriteriaFlags(cmd)
	return cmd
}

func newServeCommand(stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "読み取り専用のHTTPサーフェスのみを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(stderr)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func newMigrateCommand(stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "未適用のデータベースマイグレーションを適用する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			down, _ := cmd.Flags().GetInt("down")
			if down < 0 {
				return fmt.Errorf("--down must not be negative: %d", down)
			}
			cfg, err := Init(stderr)
			if err != nil {
				return err
			}
			return runMigrate(cfg, down)
		},
	}
	cmd.Flags().Int("down", 0, "適用済みのマイグレーションを指定した件数だけ取り消す")
	return cmd
}

// newNotifyConfigCommand は保存済みの通知設定を表示・変更するコマンドを返す。
func newNotifyConfigCommand(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify-config",
		Short: "Telegram通知設定を管理する",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "現在の通知設定を表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNotifyConfig(cmd.Context(), stderr, func(ctx context.Context, c *components) error {
				nc, err := c.notifyConfig.Get(ctx)
				if err != nil {
					return err
				}
				printNotifyConfig(stdout, nc)
				return nil
			})
		},
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "通知設定を保存する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("token")
			chatID, _ := cmd.Flags().GetInt64("chat-id")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if token == "" || chatID == 0 {
				return fmt.Errorf("--token and --chat-id are required")
			}

			return withNotifyConfig(cmd.Context(), stderr, func(ctx context.Context, c *components) error {
				nc := &model.NotificationConfig{
					Timeout:          timeout,
					TelegramAPIToken: token,
					TelegramChatID:   chatID,
				}
				if err := c.notifyConfig.Save(ctx, nc); err != nil {
					return err
				}
				slog.Info("通知設定を保存しました", slog.Int64("chat_id", chatID))
				return nil
			})
		},
	}
	set.Flags().String("token", "", "Telegram Bot APIトークン")
	set.Flags().Int64("chat-id", 0, "通知先のチャットID")
	set.Flags().Duration("timeout", defaultNotifyTimeout, "1回の送信のタイムアウト")

	disable := &cobra.Command{
		Use:   "disable",
		Short: "認証情報を削除して配信を停止する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNotifyConfig(cmd.Context(), stderr, func(ctx context.Context, c *components) error {
				timeout := defaultNotifyTimeout
				if nc, err := c.notifyConfig.Get(ctx); err == nil && nc != nil && nc.Timeout > 0 {
					timeout = nc.Timeout
				}
				if err := c.notifyConfig.Save(ctx, &model.NotificationConfig{Timeout: timeout}); err != nil {
					return err
				}
				slog.Info("通知を停止しました。未配信のレコードは再開後に配信されます")
				return nil
			})
		},
	}

	cmd.AddCommand(show, set, disable)
	return cmd
}

func withNotifyConfig(ctx context.Context, stderr io.Writer, fn func(ctx context.Context, c *components) error) error {
	cfg, err := Init(stderr)
	if err != nil {
		return err
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, newComponents(db))
}

func printNotifyConfig(w io.Writer, nc *model.NotificationConfig) {
	if nc == nil {
		fmt.Fprintln(w, "通知設定は未登録です")
		return
	}
	fmt.Fprintf(w, "delivery: %t\n", nc.DeliveryEnabled())
	fmt.Fprintf(w, "timeout:  %s\n", nc.Timeout)
	fmt.Fprintf(w, "token:    %s\n", maskToken(nc.TelegramAPIToken))
	fmt.Fprintf(w, "chat_id:  %d\n", nc.TelegramChatID)
}

// maskToken はトークンの先頭だけを残して伏せる。
func maskToken(token string) string {
	if token == "" {
		return "(unset)"
	}
	if len(token) <= 6 {
		return "***"
	}
	return token[:6] + "***"
}

func newVersionCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "バージョンを表示する",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "auctionwatch %s\n", Version)
		},
	}
}

// newHealthcheckCommand はdistroless環境でのDockerヘルスチェック用コマンドを返す。
// 軽量サブコマンドのため、フル初期化をスキップする。
func newHealthcheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "healthcheck",
		Short:  "ローカルのHTTPサーフェスの/healthを確認する",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(healthcheckPort())
		},
	}
}
