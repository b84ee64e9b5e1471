package notify

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/tablebook/internal/wire"
)

// errSessionClosed は切断済みの接続へ送信しようとした場合に返される。
var errSessionClosed = errors.New("session closed")

// Session はサーバー側の1接続。
// 応答と配信は別のゴルーチンから送られるため、書き込みはwriteMuで直列化する。
type Session struct {
	conn         net.Conn
	remoteAddr   string
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

func newSession(conn net.Conn, writeTimeout time.Duration) *Session {
	addr := ""
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &Session{conn: conn, remoteAddr: addr, writeTimeout: writeTimeout}
}

// RemoteAddr は接続元アドレスを返す。
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Send はメッセージを1行として書き込む。
func (s *Session) Send(msg wire.Message) error {
	if s.closed.Load() {
		return errSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := s.conn.Write([]byte(msg.Encode() + "\n"))
	return err
}

// Close は接続を閉じる。複数回呼んでもよい。
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}
