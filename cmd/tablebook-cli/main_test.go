package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/tablebook/internal/metrics"
	"github.com/hitoshi/tablebook/internal/model"
	"github.com/hitoshi/tablebook/internal/notify"
)

// restaurantSet は存在するレストランIDの集合。
type restaurantSet map[int64]bool

func (s restaurantSet) FindByID(ctx context.Context, id int64) (*model.Restaurant, error) {
	if s[id] {
		return &model.Restaurant{ID: id, TimeSlotDuration: 90}, nil
	}
	return nil, nil
}

// syncBuffer はwatchの出力を別goroutineから読むためのバッファ。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startServer(t *testing.T, known ...int64) (*notify.Server, string) {
	t.Helper()

	restaurants := restaurantSet{}
	for _, id := range known {
		restaurants[id] = true
	}

	cfg := notify.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	server := notify.NewServer(cfg, restaurants, metrics.Nop{}, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return server, ln.Addr().String()
}

func runCLI(ctx context.Context, out io.Writer, args ...string) error {
	cmd := newRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	return cmd.ExecuteContext(ctx)
}

func TestGet_ListsSessionSubscriptions(t *testing.T) {
	_, addr := startServer(t, 7, 8)

	var out bytes.Buffer
	err := runCLI(context.Background(), &out,
		"--addr", addr, "--restaurant", "7", "--restaurant", "8", "--reservation", "12",
		"get", "--kind", "restaurant")
	require.NoError(t, err)

	assert.Contains(t, out.String(), "subscribed to notification_restaurant 7")
	assert.Contains(t, out.String(), "subscribed to notification_reservation 12")
	assert.Contains(t, out.String(), "notification_restaurant: [7,8]")
}

func TestGet_InvalidKind(t *testing.T) {
	_, addr := startServer(t)

	var out bytes.Buffer
	err := runCLI(context.Background(), &out, "--addr", addr, "get", "--kind", "table")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --kind")
}

func TestSubscribe_ReportsRejection(t *testing.T) {
	_, addr := startServer(t, 7)

	var out bytes.Buffer
	err := runCLI(context.Background(), &out,
		"--addr", addr, "subscribe", "--kind", "restaurant", "--id", "7", "--id", "99")
	require.Error(t, err)

	assert.Contains(t, out.String(), "subscribed to notification_restaurant 7")
	assert.Contains(t, out.String(), "rejected notification_restaurant 99")
	assert.Contains(t, err.Error(), "restaurant 99 not found")
}

func TestSubscribe_ReservationIsNotValidated(t *testing.T) {
	_, addr := startServer(t)

	var out bytes.Buffer
	err := runCLI(context.Background(), &out,
		"--addr", addr, "subscribe", "--kind", "reservation", "--id", "555")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "subscribed to notification_reservation 555")
}

func TestUnsubscribe_All(t *testing.T) {
	_, addr := startServer(t, 7, 8)

	var out bytes.Buffer
	err := runCLI(context.Background(), &out,
		"--addr", addr, "--restaurant", "7", "--restaurant", "8",
		"unsubscribe", "--kind", "restaurant", "--all")
	require.NoError(t, err)

	assert.Contains(t, out.String(), "unsubscribed from all notification_restaurant")
	assert.Contains(t, out.String(), "notification_restaurant: []")
}

func TestUnsubscribe_SingleID(t *testing.T) {
	_, addr := startServer(t, 7, 8)

	var out bytes.Buffer
	err := runCLI(context.Background(), &out,
		"--addr", addr, "--restaurant", "7", "--restaurant", "8",
		"unsubscribe", "--kind", "restaurant", "--id", "7")
	require.NoError(t, err)

	assert.Contains(t, out.String(), "unsubscribed from notification_restaurant 7")
	assert.Contains(t, out.String(), "notification_restaurant: [8]")
}

func TestUnsubscribe_RequiresIDOrAll(t *testing.T) {
	_, addr := startServer(t)

	err := runCLI(context.Background(), io.Discard, "--addr", addr, "unsubscribe", "--kind", "restaurant")
	require.Error(t, err)
}

func TestWatch_PrintsBroadcasts(t *testing.T) {
	server, addr := startServer(t, 7)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	errCh := make(chan error, 1)
	go func() {
		errCh <- runCLI(ctx, out, "--addr", addr, "--restaurant", "7", "--reservation", "12", "watch")
	}()

	require.Eventually(t, func() bool {
		return server.Registry().Len() == 2
	}, 2*time.Second, 10*time.Millisecond)

	server.NotifyChange(model.ChangeEvent{
		RestaurantID:   7,
		ReservationIDs: []int64{12},
		Message:        model.MessageReservationDeleted,
	})

	require.Eventually(t, func() bool {
		s := out.String()
		return bytes.Contains([]byte(s), []byte("notification_restaurant;7;reservation-deleted")) &&
			bytes.Contains([]byte(s), []byte("notification_reservation;12;reservation-deleted"))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestWatch_RequiresSubscription(t *testing.T) {
	_, addr := startServer(t)

	err := runCLI(context.Background(), io.Discard, "--addr", addr, "watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--restaurant")
}

func TestConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	err = runCLI(context.Background(), io.Discard, "--addr", addr, "--timeout", "200ms", "get")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}
