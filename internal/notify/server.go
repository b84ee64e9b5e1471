// Package notify は変更通知のTCPサーバーを提供する。
// クライアントはレストランまたは予約を購読し、予約の確定・取消時に1行の通知を受け取る。
package notify

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	"github.com/hitoshi/tablebook/internal/metrics"
	"github.com/hitoshi/tablebook/internal/model"
	"github.com/hitoshi/tablebook/internal/wire"
)

// RestaurantFinder はレストラン購読時の存在確認に使用する。
type RestaurantFinder interface {
	FindByID(ctx context.Context, id int64) (*model.Restaurant, error)
}

// Config は通知サーバーの設定。
type Config struct {
	// Addr は待ち受けアドレス（例: ":9090"）。
	Addr string
	// MaxConns は同時接続数の上限。0以下の場合は無制限。
	MaxConns int
	// IdleTimeout は受信がない接続を切断するまでの時間。0の場合は切断しない。
	IdleTimeout time.Duration
	// WriteTimeout は1行の書き込み期限。
	WriteTimeout time.Duration
	// LookupTimeout はレストラン存在確認の期限。
	LookupTimeout time.Duration
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		Addr:          ":9090",
		MaxConns:      1024,
		WriteTimeout:  5 * time.Second,
		LookupTimeout: 5 * time.Second,
	}
}

// Server は変更通知サーバー。
// 受け付けループが接続ごとにハンドラーを起動し、購読レジストリのみを共有する。
type Server struct {
	cfg         Config
	registry    *Registry
	restaurants RestaurantFinder
	metrics     metrics.MetricsCollector
	logger      *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup
	ready    chan struct{}
}

// NewServer はServerの新しいインスタンスを生成する。
func NewServer(cfg Config, restaurants RestaurantFinder, metricsCollector metrics.MetricsCollector, logger *slog.Logger) *Server {
	if metricsCollector == nil {
		metricsCollector = metrics.Nop{}
	}
	return &Server{
		cfg:         cfg,
		registry:    NewRegistry(),
		restaurants: restaurants,
		metrics:     metricsCollector,
		logger:      logger,
		sessions:    make(map[*Session]struct{}),
		ready:       make(chan struct{}),
	}
}

// Registry は購読レジストリを返す。
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr は待ち受け中のアドレスを返す。待ち受け開始前はnil。
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Ready は待ち受けを開始すると閉じられるチャネルを返す。
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// ListenAndServe はcfg.Addrで待ち受け、ctxがキャンセルされるまで接続を処理する。
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("通知サーバーの待ち受けに失敗しました: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve はlnで接続を受け付ける。ctxがキャンセルされると全接続を閉じ、
// ハンドラーの終了を待ってからnilを返す。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("通知サーバーを開始しました",
		slog.String("addr", ln.Addr().String()),
		slog.Int("max_conns", s.cfg.MaxConns),
	)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		ln.Close()
		s.closeAllSessions()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("接続の受け付けに失敗しました", slog.String("error", err.Error()))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.closeAllSessions()
	s.wg.Wait()
	s.logger.Info("通知サーバーを停止しました")
	return nil
}

// track は接続を記録する。停止処理が始まっている場合はfalseを返す。
func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

func (s *Server) closeAllSessions() {
	s.mu.Lock()
	s.closing = true
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

// handleConn は1接続のメッセージループ。
// EOFまたはエラーで終了し、その接続の購読をすべて削除する。
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sess := newSession(conn, s.cfg.WriteTimeout)
	if !s.track(sess) {
		sess.Close()
		return
	}
	s.metrics.RecordNotifyConnection(1)

	logger := s.logger.With(slog.String("remote_addr", sess.RemoteAddr()))
	logger.Debug("クライアントが接続しました")

	defer func() {
		if r := recover(); r != nil {
			logger.Error("接続処理でpanicが発生しました", slog.Any("panic", r))
		}
		removed := s.registry.RemoveSession(sess)
		sess.Close()
		s.untrack(sess)
		s.metrics.RecordNotifyConnection(-1)
		logger.Debug("クライアントが切断しました", slog.Int("removed_subscriptions", removed))
	}()

	reader := bufio.NewReaderSize(conn, wire.MaxLineLength)

	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		line, tooLong, err := readLine(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("受信ループを終了しました", slog.String("error", err.Error()))
			}
			return
		}

		var answer wire.Answer
		switch {
		case tooLong:
			logger.Info("長すぎる行を受信しました", slog.Int("max_bytes", wire.MaxLineLength))
			answer = wire.Failure("", "line too long")
		case line == "":
			continue
		default:
			answer = s.dispatch(ctx, sess, line, logger)
		}

		if err := sess.Send(answer); err != nil {
			logger.Warn("応答の送信に失敗しました", slog.String("error", err.Error()))
			return
		}
	}
}

// readLine は改行までの1行を返す。バッファを超える行は改行まで読み捨ててtooLongを返す。
func readLine(r *bufio.Reader) (line string, tooLong bool, err error) {
	b, isPrefix, err := r.ReadLine()
	if err != nil {
		return "", false, err
	}
	if !isPrefix {
		return string(b), false, nil
	}
	for isPrefix {
		if _, isPrefix, err = r.ReadLine(); err != nil {
			return "", true, err
		}
	}
	return "", true, nil
}

// dispatch は1行のリクエストを処理し、応答を返す。
// 不正な行はエラー応答にするのみで接続は維持する。
func (s *Server) dispatch(ctx context.Context, sess *Session, line string, logger *slog.Logger) wire.Answer {
	req, err := wire.ParseRequest(line)
	if err != nil {
		var perr *wire.ProtocolError
		if errors.As(err, &perr) {
			logger.Info("不正なリクエストを受信しました", slog.String("reason", perr.Reason))
			return wire.Failure(perr.CorrelationID, perr.Reason)
		}
		return wire.Failure("", err.Error())
	}

	switch r := req.(type) {
	case wire.Get:
		return wire.IDList(r.CorrelationID, s.registry.IDs(sess, r.Kind))

	case wire.Subscribe:
		if r.Kind == wire.KindRestaurant {
			if answer, ok := s.checkRestaurant(ctx, r, logger); !ok {
				return answer
			}
		}
		// 予約IDは存在確認をしない
		s.registry.Add(sess, r.Kind, r.ID)
		logger.Debug("購読を登録しました", slog.String("kind", string(r.Kind)), slog.Int64("id", r.ID))
		return wire.Success(r.CorrelationID, fmt.Sprintf("subscribed to %s %d", r.Kind, r.ID))

	case wire.Unsubscribe:
		if r.All {
			n := s.registry.RemoveKind(sess, r.Kind)
			return wire.Success(r.CorrelationID, fmt.Sprintf("unsubscribed from %d %s", n, r.Kind))
		}
		if !s.registry.Remove(sess, r.Kind, r.ID) {
			return wire.Failure(r.CorrelationID, fmt.Sprintf("not subscribed to %s %d", r.Kind, r.ID))
		}
		return wire.Success(r.CorrelationID, fmt.Sprintf("unsubscribed from %s %d", r.Kind, r.ID))
	}

	return wire.Failure(req.Correlation(), "unsupported request")
}

func (s *Server) checkRestaurant(ctx context.Context, r wire.Subscribe, logger *slog.Logger) (wire.Answer, bool) {
	if s.restaurants == nil {
		return wire.Answer{}, true
	}

	lookupCtx := ctx
	if s.cfg.LookupTimeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, s.cfg.LookupTimeout)
		defer cancel()
	}

	restaurant, err := s.restaurants.FindByID(lookupCtx, r.ID)
	if err != nil {
		logger.Error("レストランの確認に失敗しました",
			slog.Int64("restaurant_id", r.ID),
			slog.String("error", err.Error()),
		)
		return wire.Failure(r.CorrelationID, "restaurant lookup failed"), false
	}
	if restaurant == nil {
		return wire.Failure(r.CorrelationID, fmt.Sprintf("restaurant %d not found", r.ID)), false
	}
	return wire.Answer{}, true
}

// NotifyChange は変更イベントを該当する購読者に配信し、配信できた件数を返す。
// レストランIDと各予約IDがそれぞれの種別のルーティングキーになる。
// 送信に失敗した購読者はログに記録してスキップする。
func (s *Server) NotifyChange(ev model.ChangeEvent) int {
	delivered := s.broadcast(wire.Broadcast{Kind: wire.KindRestaurant, ID: ev.RestaurantID, Message: ev.Message})
	for _, id := range ev.ReservationIDs {
		delivered += s.broadcast(wire.Broadcast{Kind: wire.KindReservation, ID: id, Message: ev.Message})
	}
	return delivered
}

// broadcast は購読者ごとに並行して送信する。
// 遅い購読者がいても全体の待ち時間は書き込み期限1回分に収まる。
func (s *Server) broadcast(msg wire.Broadcast) int {
	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	for _, sess := range s.registry.Subscribers(msg.Kind, msg.ID) {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			if err := sess.Send(msg); err != nil {
				s.logger.Warn("通知の送信に失敗しました",
					slog.String("remote_addr", sess.RemoteAddr()),
					slog.String("kind", string(msg.Kind)),
					slog.Int64("id", msg.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			delivered.Add(1)
		}(sess)
	}
	wg.Wait()

	n := int(delivered.Load())
	if n > 0 {
		s.metrics.RecordNotificationSent(string(msg.Kind), n)
	}
	return n
}

// Publish は同一プロセス内の予約エンジンから変更イベントを受け取る。
func (s *Server) Publish(ctx context.Context, ev model.ChangeEvent) error {
	s.NotifyChange(ev)
	return nil
}

// ChangeSource は外部のイベントバスから変更イベントを受信するインターフェース。
type ChangeSource interface {
	Listen(ctx context.Context, handle func(context.Context, model.ChangeEvent) error) error
}

// RelayFrom はsrcから受信した変更イベントを購読者に配信する。ctxがキャンセルされるまで戻らない。
func (s *Server) RelayFrom(ctx context.Context, src ChangeSource) error {
	return src.Listen(ctx, func(ctx context.Context, ev model.ChangeEvent) error {
		n := s.NotifyChange(ev)
		s.logger.Debug("変更イベントを中継しました",
			slog.Int64("restaurant_id", ev.RestaurantID),
			slog.String("message", ev.Message),
			slog.Int("delivered", n),
		)
		return nil
	})
}
