// tablebook-cli は通知サーバーの購読クライアント。
// 各コマンドは1つの接続（セッション）で動作し、--restaurant/--reservationで指定した購読を
// 接続直後に登録してからコマンド固有の処理を行う。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/tablebook/internal/logger"
)

// options は全コマンド共通のフラグ。
type options struct {
	addr         string
	timeout      time.Duration
	logLevel     string
	restaurants  []int64
	reservations []int64
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "tablebook-cli",
		Short: "tablebook notification client",
		Long: `tablebook-cli connects to the tablebook notification server and watches
restaurant and reservation changes. Subscriptions given with --restaurant and
--reservation are registered right after connecting.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetupDefault(cmd.ErrOrStderr(), opts.logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "localhost:9090", "notification server address")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "connect and request timeout")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().Int64SliceVar(&opts.restaurants, "restaurant", nil, "restaurant ids to subscribe to")
	rootCmd.PersistentFlags().Int64SliceVar(&opts.reservations, "reservation", nil, "reservation ids to subscribe to")

	rootCmd.AddCommand(newWatchCommand(opts))
	rootCmd.AddCommand(newGetCommand(opts))
	rootCmd.AddCommand(newSubscribeCommand(opts))
	rootCmd.AddCommand(newUnsubscribeCommand(opts))

	return rootCmd
}
