// Package wire は変更通知サーバーの行指向プロトコルを定義する。
//
// 1行が1メッセージで、フィールドは ';' で区切られる。
//
//	クライアント → サーバー: <correlationId>;<op>;<kind>;[<id>]
//	サーバー → クライアント（応答）: answer;<correlationId>;<Success:text | Error:text | id,id,...>
//	サーバー → クライアント（配信）: <kind>;<id>;<message>
//
// 受信した行は境界で一度だけMessageにデコードし、以降は型で分岐する。
package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxLineLength は1行の最大バイト数。
const MaxLineLength = 4096

const (
	fieldSep      = ";"
	idSep         = ","
	answerTag     = "answer"
	successPrefix = "Success:"
	errorPrefix   = "Error:"
)

// Kind は通知の種別。
type Kind string

const (
	KindRestaurant  Kind = "notification_restaurant"
	KindReservation Kind = "notification_reservation"
)

// Kinds は定義済みの全種別。
var Kinds = []Kind{KindRestaurant, KindReservation}

// Valid は定義済みの種別であるかを返す。
func (k Kind) Valid() bool {
	return k == KindRestaurant || k == KindReservation
}

// ParseKind は文字列を種別に変換する。"restaurant" のような短縮形も受け付ける。
func ParseKind(s string) (Kind, error) {
	switch strings.TrimSpace(s) {
	case string(KindRestaurant), "restaurant":
		return KindRestaurant, nil
	case string(KindReservation), "reservation":
		return KindReservation, nil
	}
	return "", fmt.Errorf("unknown notification kind %q", s)
}

// Op はリクエストの操作。
type Op string

const (
	OpGet         Op = "get"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
)

// Message はプロトコル上のメッセージ。
// Get, Subscribe, Unsubscribe, Answer, Broadcast のいずれか。
type Message interface {
	// Encode は改行を含まない1行の表現を返す。
	Encode() string
	isMessage()
}

// Request はクライアントからサーバーへのメッセージ。
type Request interface {
	Message
	Correlation() string
}

// Get は接続が購読している指定種別のIDを問い合わせる。
type Get struct {
	CorrelationID string
	Kind          Kind
}

// Subscribe は指定種別・IDの購読を登録する。
type Subscribe struct {
	CorrelationID string
	Kind          Kind
	ID            int64
}

// Unsubscribe は購読を解除する。Allがtrueの場合は指定種別の購読をすべて解除する。
type Unsubscribe struct {
	CorrelationID string
	Kind          Kind
	ID            int64
	All           bool
}

// AnswerStatus は応答本文の形式。
type AnswerStatus int

const (
	AnswerSuccess AnswerStatus = iota
	AnswerError
	AnswerIDs
)

// Answer はリクエストへの応答。
type Answer struct {
	CorrelationID string
	Status        AnswerStatus
	Text          string
	IDs           []int64
}

// Broadcast は購読者に配信される変更通知。
type Broadcast struct {
	Kind    Kind
	ID      int64
	Message string
}

func (Get) isMessage()         {}
func (Subscribe) isMessage()   {}
func (Unsubscribe) isMessage() {}
func (Answer) isMessage()      {}
func (Broadcast) isMessage()   {}

func (m Get) Correlation() string         { return m.CorrelationID }
func (m Subscribe) Correlation() string   { return m.CorrelationID }
func (m Unsubscribe) Correlation() string { return m.CorrelationID }

func (m Get) Encode() string {
	return join(m.CorrelationID, string(OpGet), string(m.Kind))
}

func (m Subscribe) Encode() string {
	return join(m.CorrelationID, string(OpSubscribe), string(m.Kind), strconv.FormatInt(m.ID, 10))
}

func (m Unsubscribe) Encode() string {
	if m.All {
		return join(m.CorrelationID, string(OpUnsubscribe), string(m.Kind))
	}
	return join(m.CorrelationID, string(OpUnsubscribe), string(m.Kind), strconv.FormatInt(m.ID, 10))
}

func (m Answer) Encode() string {
	var body string
	switch m.Status {
	case AnswerSuccess:
		body = successPrefix + m.Text
	case AnswerError:
		body = errorPrefix + m.Text
	case AnswerIDs:
		body = FormatIDs(m.IDs)
	}
	return join(answerTag, m.CorrelationID, body)
}

func (m Broadcast) Encode() string {
	return join(string(m.Kind), strconv.FormatInt(m.ID, 10), m.Message)
}

// Success は成功応答を生成する。
func Success(correlationID, text string) Answer {
	return Answer{CorrelationID: correlationID, Status: AnswerSuccess, Text: text}
}

// Failure はエラー応答を生成する。
func Failure(correlationID, text string) Answer {
	return Answer{CorrelationID: correlationID, Status: AnswerError, Text: text}
}

// IDList はID一覧の応答を生成する。
func IDList(correlationID string, ids []int64) Answer {
	return Answer{CorrelationID: correlationID, Status: AnswerIDs, IDs: ids}
}

// Err は応答がエラーの場合にerrorとして返す。
func (m Answer) Err() error {
	if m.Status == AnswerError {
		return &RemoteError{Text: m.Text}
	}
	return nil
}

// RemoteError はサーバーが返したエラー応答。
type RemoteError struct {
	Text string
}

func (e *RemoteError) Error() string {
	return "server error: " + e.Text
}

// ProtocolError は不正な行を受信した場合のエラー。
// 相関IDが読み取れた場合はCorrelationIDに設定される。
type ProtocolError struct {
	CorrelationID string
	Reason        string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func protocolErrorf(correlationID, format string, args ...any) *ProtocolError {
	return &ProtocolError{CorrelationID: correlationID, Reason: fmt.Sprintf(format, args...)}
}

// ParseRequest はクライアントから受信した1行をRequestにデコードする。
func ParseRequest(line string) (Request, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, fieldSep)
	if len(fields) < 3 {
		corr := ""
		if len(fields) > 1 {
			corr = fields[0]
		}
		return nil, protocolErrorf(corr, "insufficient fields: %q", line)
	}
	if len(fields) > 4 {
		return nil, protocolErrorf(fields[0], "too many fields: %q", line)
	}

	corr := strings.TrimSpace(fields[0])
	if corr == "" {
		return nil, protocolErrorf("", "missing correlation id")
	}

	kind := Kind(strings.TrimSpace(fields[2]))
	if !kind.Valid() {
		return nil, protocolErrorf(corr, "unknown notification kind %q", fields[2])
	}

	idField := ""
	if len(fields) == 4 {
		idField = strings.TrimSpace(fields[3])
	}

	switch Op(strings.TrimSpace(fields[1])) {
	case OpGet:
		return Get{CorrelationID: corr, Kind: kind}, nil
	case OpSubscribe:
		if idField == "" {
			return nil, protocolErrorf(corr, "subscribe requires an id")
		}
		id, err := parseID(idField)
		if err != nil {
			return nil, protocolErrorf(corr, "invalid id %q", idField)
		}
		return Subscribe{CorrelationID: corr, Kind: kind, ID: id}, nil
	case OpUnsubscribe:
		if idField == "" {
			return Unsubscribe{CorrelationID: corr, Kind: kind, All: true}, nil
		}
		id, err := parseID(idField)
		if err != nil {
			return nil, protocolErrorf(corr, "invalid id %q", idField)
		}
		return Unsubscribe{CorrelationID: corr, Kind: kind, ID: id}, nil
	default:
		return nil, protocolErrorf(corr, "unknown operation %q", fields[1])
	}
}

// ParseServerLine はサーバーから受信した1行をAnswerまたはBroadcastにデコードする。
func ParseServerLine(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.SplitN(line, fieldSep, 3)
	if len(fields) < 3 {
		return nil, protocolErrorf("", "insufficient fields: %q", line)
	}

	if fields[0] == answerTag {
		return parseAnswer(fields[1], fields[2])
	}

	kind := Kind(fields[0])
	if !kind.Valid() {
		return nil, protocolErrorf("", "unknown notification kind %q", fields[0])
	}
	id, err := parseID(fields[1])
	if err != nil {
		return nil, protocolErrorf("", "invalid id %q", fields[1])
	}
	return Broadcast{Kind: kind, ID: id, Message: fields[2]}, nil
}

func parseAnswer(corr, body string) (Answer, error) {
	switch {
	case strings.HasPrefix(body, successPrefix):
		return Success(corr, strings.TrimPrefix(body, successPrefix)), nil
	case strings.HasPrefix(body, errorPrefix):
		return Failure(corr, strings.TrimPrefix(body, errorPrefix)), nil
	}
	ids, err := ParseIDs(body)
	if err != nil {
		return Answer{}, protocolErrorf(corr, "invalid answer body %q", body)
	}
	return IDList(corr, ids), nil
}

// FormatIDs はIDをカンマ区切りにする。
func FormatIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, idSep)
}

// ParseIDs はカンマ区切りのIDを読み取る。空文字列は空の一覧になる。
func ParseIDs(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []int64{}, nil
	}
	parts := strings.Split(s, idSep)
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := parseID(p)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

func join(fields ...string) string {
	return strings.Join(fields, fieldSep)
}
