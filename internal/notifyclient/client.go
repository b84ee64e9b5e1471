// Package notifyclient は変更通知サーバーのクライアントを提供する。
//
// 接続が切れると指数バックオフで再接続し、保持している購読を再登録してから
// 新しいリクエストを受け付ける。リクエストは相関IDで応答と対応付けられ、
// 呼び出し側からは同期的な呼び出しに見える。
package notifyclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tablebook/internal/wire"
)

var (
	// ErrConnectionClosed は応答を待つ間に接続が失われた場合に返される。
	ErrConnectionClosed = errors.New("notifyclient: connection closed")
	// ErrTimeout は応答が期限内に届かなかった場合に返される。
	ErrTimeout = errors.New("notifyclient: request timed out")
	// ErrStopped はDisconnect後にリクエストした場合に返される。
	ErrStopped = errors.New("notifyclient: client stopped")
)

// State は接続状態。
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config はクライアントの設定。
type Config struct {
	// Addr は通知サーバーのアドレス。
	Addr string
	// RequestTimeout は1リクエストの応答待ち期限。
	RequestTimeout time.Duration
	// DialTimeout は1回の接続試行の期限。
	DialTimeout time.Duration
	// Backoff は再接続の待機時間。
	Backoff Backoff
	// EventBuffer は通知チャネルのバッファサイズ。
	EventBuffer int
	// NewCorrelationID は相関IDを生成する。nilの場合はUUIDを使用する。
	NewCorrelationID func() string
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig(addr string) Config {
	return Config{
		Addr:           addr,
		RequestTimeout: 10 * time.Second,
		DialTimeout:    5 * time.Second,
		Backoff:        DefaultBackoff(),
		EventBuffer:    64,
	}
}

type subscriptionKey struct {
	kind wire.Kind
	id   int64
}

type reply struct {
	answer wire.Answer
	err    error
}

// Client は通知サーバーのクライアント。
// 接続は常に1本で、再接続ループと受信ループのみが接続を差し替える。
type Client struct {
	cfg    Config
	logger *slog.Logger
	events chan wire.Broadcast
	state  atomic.Int32

	mu      sync.Mutex
	conn    net.Conn
	ready   bool
	readyCh chan struct{}
	pending map[string]chan reply
	subs    map[subscriptionKey]struct{}
	started bool
	stopped bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	writeMu sync.Mutex
}

// New はClientの新しいインスタンスを生成する。接続はStartまたはConnectで開始する。
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.NewCorrelationID == nil {
		cfg.NewCorrelationID = uuid.NewString
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With(slog.String("addr", cfg.Addr)),
		events:  make(chan wire.Broadcast, cfg.EventBuffer),
		readyCh: make(chan struct{}),
		pending: make(map[string]chan reply),
		subs:    make(map[subscriptionKey]struct{}),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// State は現在の接続状態を返す。
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Events は受信した通知のチャネルを返す。Disconnect後に閉じられる。
// 読み出しが追いつかずバッファが溢れた通知は破棄される。
func (c *Client) Events() <-chan wire.Broadcast {
	return c.events
}

// Start は接続ループを開始する。2回目以降の呼び出しは何もしない。
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
}

// Connect は接続ループを開始し、最初の接続が確立するまで待つ。
func (c *Client) Connect(ctx context.Context) error {
	c.Start()
	_, err := c.waitReady(ctx)
	return err
}

// Disconnect は接続を閉じ、以降の自動再接続を止める。
// 応答待ちのリクエストはErrConnectionClosedで失敗する。
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	started := c.started
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.failPendingLocked(ErrConnectionClosed)
	c.mu.Unlock()

	if started {
		<-c.done
	} else {
		close(c.events)
	}
	c.setState(StateDisconnected)
	c.logger.Info("通知サーバーから切断しました")
}

// run は接続・再接続のループ。Disconnectまで戻らない。
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	backoff := c.cfg.Backoff
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}

	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		c.setState(StateConnecting)
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		if err == nil {
			if c.serve(ctx, conn) {
				backoff.Reset()
			}
		} else if ctx.Err() == nil {
			c.logger.Warn("通知サーバーへの接続に失敗しました", slog.String("error", err.Error()))
		}
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return
		}
		delay := backoff.Next()
		c.logger.Info("再接続を待機します",
			slog.Duration("delay", delay),
			slog.Int("attempt", backoff.Attempt()),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// serve は1本の接続を受信ループが終わるまで扱う。
// 購読の再登録まで完了して接続済みになった場合にtrueを返す。
func (c *Client) serve(ctx context.Context, conn net.Conn) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	c.mu.Unlock()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		c.readLoop(conn)
		c.detach(conn)
	}()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readerDone:
		}
	}()

	established := false
	if err := c.resubscribe(ctx, conn); err != nil {
		c.logger.Warn("購読の再登録に失敗しました", slog.String("error", err.Error()))
		conn.Close()
	} else {
		established = c.markReady(conn)
		if established {
			c.setState(StateConnected)
			c.logger.Info("通知サーバーに接続しました")
		}
	}

	<-readerDone
	if established {
		c.logger.Warn("通知サーバーとの接続が切れました")
	}
	return established
}

func (c *Client) markReady(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn || c.stopped {
		return false
	}
	c.ready = true
	close(c.readyCh)
	return true
}

// detach は切断された接続を外し、応答待ちをすべて失敗させる。
// 受信ループの終了直後に呼ばれるため、再登録中の待機者もすぐに失敗する。
func (c *Client) detach(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.conn = nil
	if c.ready {
		c.ready = false
		c.readyCh = make(chan struct{})
	}
	c.failPendingLocked(ErrConnectionClosed)
}

func (c *Client) failPendingLocked(err error) {
	for corr, ch := range c.pending {
		ch <- reply{err: err}
		delete(c.pending, corr)
	}
}

// readLoop はサーバーからの行を読み、応答は待機中のリクエストへ、通知はEventsへ渡す。
func (c *Client) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 512), wire.MaxLineLength)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		msg, err := wire.ParseServerLine(line)
		if err != nil {
			c.logger.Warn("受信した行を解析できませんでした",
				slog.String("line", line),
				slog.String("error", err.Error()),
			)
			continue
		}

		switch m := msg.(type) {
		case wire.Answer:
			c.deliver(m)
		case wire.Broadcast:
			select {
			case c.events <- m:
			default:
				c.logger.Warn("通知チャネルが満杯のため通知を破棄しました",
					slog.String("kind", string(m.Kind)),
					slog.Int64("id", m.ID),
				)
			}
		}
	}
}

func (c *Client) deliver(answer wire.Answer) {
	c.mu.Lock()
	ch, ok := c.pending[answer.CorrelationID]
	if ok {
		delete(c.pending, answer.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("対応するリクエストのない応答を受信しました", slog.String("correlation_id", answer.CorrelationID))
		return
	}
	ch <- reply{answer: answer}
}

// resubscribe は保持している購読を新しい接続で再登録する。
// サーバーが拒否した購読（削除されたレストランなど）は保持対象から外す。
func (c *Client) resubscribe(ctx context.Context, conn net.Conn) error {
	c.mu.Lock()
	keys := make([]subscriptionKey, 0, len(c.subs))
	for key := range c.subs {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].id < keys[j].id
	})

	for _, key := range keys {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		answer, err := c.roundTrip(reqCtx, conn, wire.Subscribe{
			CorrelationID: c.cfg.NewCorrelationID(),
			Kind:          key.kind,
			ID:            key.id,
		})
		cancel()
		if err != nil {
			return err
		}
		if aerr := answer.Err(); aerr != nil {
			c.logger.Warn("購読の再登録が拒否されました",
				slog.String("kind", string(key.kind)),
				slog.Int64("id", key.id),
				slog.String("error", aerr.Error()),
			)
			c.mu.Lock()
			delete(c.subs, key)
			c.mu.Unlock()
		}
	}
	return nil
}

// waitReady は接続済みになるまで待ち、その接続を返す。
func (c *Client) waitReady(ctx context.Context) (net.Conn, error) {
	for {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return nil, ErrStopped
		}
		if c.ready && c.conn != nil {
			conn := c.conn
			c.mu.Unlock()
			return conn, nil
		}
		readyCh := c.readyCh
		c.mu.Unlock()

		select {
		case <-readyCh:
		case <-c.stopCh:
			return nil, ErrStopped
		case <-ctx.Done():
			return nil, contextError(ctx)
		}
	}
}

// request は接続済みになるのを待ってからリクエストを送り、応答を待つ。
func (c *Client) request(ctx context.Context, req wire.Request) (wire.Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	conn, err := c.waitReady(ctx)
	if err != nil {
		return wire.Answer{}, err
	}
	return c.roundTrip(ctx, conn, req)
}

// roundTrip は待機者を登録してからリクエストを送り、応答・切断・期限切れのいずれかを待つ。
func (c *Client) roundTrip(ctx context.Context, conn net.Conn, req wire.Request) (wire.Answer, error) {
	corr := req.Correlation()
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return wire.Answer{}, ErrConnectionClosed
	}
	c.pending[corr] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, corr)
		c.mu.Unlock()
	}()

	if err := c.write(conn, req); err != nil {
		return wire.Answer{}, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	select {
	case r := <-ch:
		return r.answer, r.err
	case <-ctx.Done():
		return wire.Answer{}, contextError(ctx)
	}
}

func (c *Client) write(conn net.Conn, msg wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	_, err := conn.Write([]byte(msg.Encode() + "\n"))
	return err
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// Subscribe は購読を登録する。成功した購読は再接続時に自動で再登録される。
func (c *Client) Subscribe(ctx context.Context, kind wire.Kind, id int64) error {
	answer, err := c.request(ctx, wire.Subscribe{CorrelationID: c.cfg.NewCorrelationID(), Kind: kind, ID: id})
	if err != nil {
		return err
	}
	if err := answer.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.subs[subscriptionKey{kind: kind, id: id}] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Unsubscribe は購読を1件解除する。
func (c *Client) Unsubscribe(ctx context.Context, kind wire.Kind, id int64) error {
	answer, err := c.request(ctx, wire.Unsubscribe{CorrelationID: c.cfg.NewCorrelationID(), Kind: kind, ID: id})
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.subs, subscriptionKey{kind: kind, id: id})
	c.mu.Unlock()
	return answer.Err()
}

// UnsubscribeAll は指定種別の購読をすべて解除する。
func (c *Client) UnsubscribeAll(ctx context.Context, kind wire.Kind) error {
	answer, err := c.request(ctx, wire.Unsubscribe{CorrelationID: c.cfg.NewCorrelationID(), Kind: kind, All: true})
	if err != nil {
		return err
	}
	if err := answer.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	for key := range c.subs {
		if key.kind == kind {
			delete(c.subs, key)
		}
	}
	c.mu.Unlock()
	return nil
}

// Get はサーバーに登録されている指定種別の購読IDを返す。
func (c *Client) Get(ctx context.Context, kind wire.Kind) ([]int64, error) {
	answer, err := c.request(ctx, wire.Get{CorrelationID: c.cfg.NewCorrelationID(), Kind: kind})
	if err != nil {
		return nil, err
	}
	if err := answer.Err(); err != nil {
		return nil, err
	}
	if answer.Status != wire.AnswerIDs {
		return nil, fmt.Errorf("予期しない応答です: %s", answer.Encode())
	}
	return answer.IDs, nil
}

// Subscriptions はクライアントが保持している指定種別の購読IDを昇順で返す。
func (c *Client) Subscriptions(kind wire.Kind) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []int64
	for key := range c.subs {
		if key.kind == kind {
			ids = append(ids, key.id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
