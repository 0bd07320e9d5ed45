// cmd/fkteams — 聊天客户端入口: 终端界面、历史管理、文稿导出。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fkteams/webchat/internal/aggregate"
	"github.com/fkteams/webchat/internal/api"
	"github.com/fkteams/webchat/internal/config"
	"github.com/fkteams/webchat/internal/devserver"
	"github.com/fkteams/webchat/internal/export"
	"github.com/fkteams/webchat/internal/session"
	"github.com/fkteams/webchat/internal/tui"
	"github.com/fkteams/webchat/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.LogLevel)

	root := &cobra.Command{
		Use:           "fkteams",
		Short:         "非空小队聊天客户端",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		chatCmd(ctx, cfg),
		historyCmd(ctx, cfg),
		exportCmd(ctx, cfg),
		agentsCmd(ctx, cfg),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func chatCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "进入终端聊天界面",
		RunE: func(*cobra.Command, []string) error {
			return tui.Run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.SessionID, "session", cfg.SessionID, "会话标识")
	cmd.Flags().StringVar(&cfg.Mode, "mode", cfg.Mode, "会话模式 (supervisor/roundtable/custom)")
	return cmd
}

func historyCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "管理持久化会话日志",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "列出全部日志",
		RunE: func(*cobra.Command, []string) error {
			files, err := api.New(cfg.ServerBaseURL).HistoryFiles(ctx)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Println("没有历史记录")
				return nil
			}
			for _, f := range files {
				fmt.Printf("%-48s %-16s %8d  %s\n",
					f.Filename, f.SessionID, f.Size, f.ModTime.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <filename>",
		Short: "删除一份日志",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return api.New(cfg.ServerBaseURL).DeleteHistoryFile(ctx, args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rename <old> <new>",
		Short: "重命名一份日志",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return api.New(cfg.ServerBaseURL).RenameHistoryFile(ctx, args[0], args[1])
		},
	})

	return cmd
}

func exportCmd(_ context.Context, cfg *config.Config) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <history-file>",
		Short: "把本地日志导出为 HTML 文稿",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := devserver.NewHistoryStore(cfg.HistoryDir)
			if err != nil {
				return err
			}
			turns, err := store.Load(args[0])
			if err != nil {
				return err
			}

			agg := aggregate.New()
			session.Replay(agg, turns)

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := export.Write(f, args[0], agg.Cards()); err != nil {
				return err
			}
			fmt.Printf("已导出 %d 张卡片到 %s\n", len(agg.Cards()), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "transcript.html", "输出文件")
	return cmd
}

func agentsCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "列出可用智能体",
		RunE: func(*cobra.Command, []string) error {
			agents, err := api.New(cfg.ServerBaseURL).Agents(ctx)
			if err != nil {
				return err
			}
			for _, a := range agents {
				fmt.Printf("@%-12s %s\n", a.Name, a.Description)
			}
			return nil
		},
	}
}
