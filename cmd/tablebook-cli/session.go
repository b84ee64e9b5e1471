package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hitoshi/tablebook/internal/notifyclient"
	"github.com/hitoshi/tablebook/internal/wire"
)

// openSession は通知サーバーに接続し、フラグで指定された購読を登録する。
// 呼び出し側は不要になったらDisconnectすること。
func openSession(ctx context.Context, opts *options, out io.Writer) (*notifyclient.Client, error) {
	cfg := notifyclient.DefaultConfig(opts.addr)
	cfg.RequestTimeout = opts.timeout
	client := notifyclient.New(cfg, slog.Default())

	connectCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		client.Disconnect()
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.addr, err)
	}

	subscribe := func(kind wire.Kind, ids []int64) error {
		for _, id := range ids {
			if err := client.Subscribe(ctx, kind, id); err != nil {
				return fmt.Errorf("failed to subscribe to %s %d: %w", kind, id, err)
			}
			fmt.Fprintf(out, "subscribed to %s %d\n", kind, id)
		}
		return nil
	}
	if err := subscribe(wire.KindRestaurant, opts.restaurants); err != nil {
		client.Disconnect()
		return nil, err
	}
	if err := subscribe(wire.KindReservation, opts.reservations); err != nil {
		client.Disconnect()
		return nil, err
	}
	return client, nil
}

func parseKindFlag(s string) (wire.Kind, error) {
	kind, err := wire.ParseKind(s)
	if err != nil {
		return "", fmt.Errorf("invalid --kind: %w", err)
	}
	return kind, nil
}
