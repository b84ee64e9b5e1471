package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hitoshi/tablebook/internal/wire"
)

func newWatchCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Subscribe and print change notifications until interrupted",
		Long: `Subscribe to the given restaurants and reservations and print every
notification line as it arrives. The client reconnects automatically and
restores its subscriptions when the connection drops.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(opts.restaurants) == 0 && len(opts.reservations) == 0 {
				return errors.New("at least one --restaurant or --reservation is required")
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			client, err := openSession(ctx, opts, out)
			if err != nil {
				return err
			}
			defer client.Disconnect()

			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-client.Events():
					if !ok {
						return nil
					}
					fmt.Fprintln(out, ev.Encode())
				}
			}
		},
	}
}

func newGetCommand(opts *options) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print the ids the server holds for this session",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKindFlag(kind)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			client, err := openSession(ctx, opts, out)
			if err != nil {
				return err
			}
			defer client.Disconnect()

			ids, err := client.Get(ctx, k)
			if err != nil {
				return fmt.Errorf("failed to get %s subscriptions: %w", k, err)
			}
			fmt.Fprintf(out, "%s: [%s]\n", k, wire.FormatIDs(ids))
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "restaurant", "notification kind (restaurant|reservation)")
	return cmd
}

func newSubscribeCommand(opts *options) *cobra.Command {
	var (
		kind string
		ids  []int64
	)

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Check that subscriptions are accepted by the server",
		Long: `Subscribe to the given ids and report the server's answer. Subscriptions
belong to the connection, so they end when the command exits; use watch to
keep receiving notifications.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKindFlag(kind)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			client, err := openSession(ctx, opts, out)
			if err != nil {
				return err
			}
			defer client.Disconnect()

			var failed error
			for _, id := range ids {
				if err := client.Subscribe(ctx, k, id); err != nil {
					fmt.Fprintf(out, "rejected %s %d: %v\n", k, id, err)
					failed = errors.Join(failed, err)
					continue
				}
				fmt.Fprintf(out, "subscribed to %s %d\n", k, id)
			}
			return failed
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "restaurant", "notification kind (restaurant|reservation)")
	cmd.Flags().Int64SliceVar(&ids, "id", nil, "ids to subscribe to (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(fmt.Sprintf("failed to mark id as required: %v", err))
	}
	return cmd
}

func newUnsubscribeCommand(opts *options) *cobra.Command {
	var (
		kind string
		ids  []int64
		all  bool
	)

	cmd := &cobra.Command{
		Use:   "unsubscribe",
		Short: "Unsubscribe ids (or all of a kind) and print what remains",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKindFlag(kind)
			if err != nil {
				return err
			}
			if !all && len(ids) == 0 {
				return errors.New("either --id or --all is required")
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			client, err := openSession(ctx, opts, out)
			if err != nil {
				return err
			}
			defer client.Disconnect()

			if all {
				if err := client.UnsubscribeAll(ctx, k); err != nil {
					return fmt.Errorf("failed to unsubscribe all %s: %w", k, err)
				}
				fmt.Fprintf(out, "unsubscribed from all %s\n", k)
			}
			for _, id := range ids {
				if err := client.Unsubscribe(ctx, k, id); err != nil {
					return fmt.Errorf("failed to unsubscribe from %s %d: %w", k, id, err)
				}
				fmt.Fprintf(out, "unsubscribed from %s %d\n", k, id)
			}

			remaining, err := client.Get(ctx, k)
			if err != nil {
				return fmt.Errorf("failed to get %s subscriptions: %w", k, err)
			}
			fmt.Fprintf(out, "%s: [%s]\n", k, wire.FormatIDs(remaining))
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "restaurant", "notification kind (restaurant|reservation)")
	cmd.Flags().Int64SliceVar(&ids, "id", nil, "ids to unsubscribe from")
	cmd.Flags().BoolVar(&all, "all", false, "unsubscribe from every id of the kind")
	return cmd
}
