package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest_Valid(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Request
	}{
		{
			name: "subscribe restaurant",
			line: "c1;subscribe;notification_restaurant;7",
			want: Subscribe{CorrelationID: "c1", Kind: KindRestaurant, ID: 7},
		},
		{
			name: "subscribe reservation with CRLF",
			line: "c2;subscribe;notification_reservation;12\r\n",
			want: Subscribe{CorrelationID: "c2", Kind: KindReservation, ID: 12},
		},
		{
			name: "get without id field",
			line: "c3;get;notification_restaurant",
			want: Get{CorrelationID: "c3", Kind: KindRestaurant},
		},
		{
			name: "get with trailing separator",
			line: "c4;get;notification_reservation;",
			want: Get{CorrelationID: "c4", Kind: KindReservation},
		},
		{
			name: "unsubscribe single",
			line: "c5;unsubscribe;notification_restaurant;7",
			want: Unsubscribe{CorrelationID: "c5", Kind: KindRestaurant, ID: 7},
		},
		{
			name: "unsubscribe all of kind",
			line: "c6;unsubscribe;notification_restaurant;",
			want: Unsubscribe{CorrelationID: "c6", Kind: KindRestaurant, All: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRequest_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantCorr string
		reason   string
	}{
		{"insufficient fields", "c1;subscribe", "c1", "insufficient fields"},
		{"empty line", "", "", "insufficient fields"},
		{"unknown operation", "c2;publish;notification_restaurant;1", "c2", "unknown operation"},
		{"unknown kind", "c3;subscribe;notification_table;1", "c3", "unknown notification kind"},
		{"unparseable id", "c4;subscribe;notification_restaurant;seven", "c4", "invalid id"},
		{"subscribe without id", "c5;subscribe;notification_restaurant;", "c5", "requires an id"},
		{"missing correlation id", ";get;notification_restaurant", "", "missing correlation id"},
		{"too many fields", "c6;subscribe;notification_restaurant;1;2", "c6", "too many fields"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest(tt.line)
			require.Error(t, err)

			var perr *ProtocolError
			require.True(t, errors.As(err, &perr), "ProtocolError expected, got %T", err)
			assert.Equal(t, tt.wantCorr, perr.CorrelationID)
			assert.Contains(t, perr.Reason, tt.reason)
		})
	}
}

func TestRequest_EncodeRoundTrip(t *testing.T) {
	requests := []Request{
		Get{CorrelationID: "a", Kind: KindRestaurant},
		Subscribe{CorrelationID: "b", Kind: KindReservation, ID: 42},
		Unsubscribe{CorrelationID: "c", Kind: KindRestaurant, ID: 7},
		Unsubscribe{CorrelationID: "d", Kind: KindReservation, All: true},
	}
	for _, req := range requests {
		got, err := ParseRequest(req.Encode())
		require.NoError(t, err, req.Encode())
		assert.Equal(t, req, got)
	}
}

func TestAnswer_Encode(t *testing.T) {
	assert.Equal(t, "answer;c1;Success:subscribed", Success("c1", "subscribed").Encode())
	assert.Equal(t, "answer;c2;Error:restaurant 9 not found", Failure("c2", "restaurant 9 not found").Encode())
	assert.Equal(t, "answer;c3;1,2,3", IDList("c3", []int64{1, 2, 3}).Encode())
	assert.Equal(t, "answer;c4;", IDList("c4", nil).Encode())
}

func TestBroadcast_Encode(t *testing.T) {
	b := Broadcast{Kind: KindRestaurant, ID: 7, Message: "table-updated"}
	assert.Equal(t, "notification_restaurant;7;table-updated", b.Encode())
}

func TestParseServerLine_Answer(t *testing.T) {
	msg, err := ParseServerLine("answer;c1;Success:ok")
	require.NoError(t, err)
	ans, ok := msg.(Answer)
	require.True(t, ok)
	assert.Equal(t, AnswerSuccess, ans.Status)
	assert.Equal(t, "ok", ans.Text)
	assert.NoError(t, ans.Err())

	msg, err = ParseServerLine("answer;c2;Error:restaurant 9 not found")
	require.NoError(t, err)
	ans = msg.(Answer)
	assert.Equal(t, AnswerError, ans.Status)
	var remote *RemoteError
	require.ErrorAs(t, ans.Err(), &remote)
	assert.Equal(t, "restaurant 9 not found", remote.Text)

	msg, err = ParseServerLine("answer;c3;4,5")
	require.NoError(t, err)
	ans = msg.(Answer)
	assert.Equal(t, AnswerIDs, ans.Status)
	assert.Equal(t, []int64{4, 5}, ans.IDs)

	msg, err = ParseServerLine("answer;c4;")
	require.NoError(t, err)
	assert.Empty(t, msg.(Answer).IDs)
}

func TestParseServerLine_Broadcast(t *testing.T) {
	msg, err := ParseServerLine("notification_restaurant;7;table-updated\n")
	require.NoError(t, err)
	assert.Equal(t, Broadcast{Kind: KindRestaurant, ID: 7, Message: "table-updated"}, msg)

	// メッセージ本文に区切り文字を含んでもよい
	msg, err = ParseServerLine("notification_reservation;3;a;b")
	require.NoError(t, err)
	assert.Equal(t, "a;b", msg.(Broadcast).Message)
}

func TestParseServerLine_Invalid(t *testing.T) {
	for _, line := range []string{
		"garbage",
		"answer;c1;x,y",
		"notification_table;1;msg",
		"notification_restaurant;abc;msg",
	} {
		_, err := ParseServerLine(line)
		var perr *ProtocolError
		assert.ErrorAs(t, err, &perr, line)
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("restaurant")
	require.NoError(t, err)
	assert.Equal(t, KindRestaurant, k)

	k, err = ParseKind("notification_reservation")
	require.NoError(t, err)
	assert.Equal(t, KindReservation, k)

	_, err = ParseKind("table")
	assert.Error(t, err)
}

func TestParseIDs(t *testing.T) {
	ids, err := ParseIDs(" 1, 2 ,3 ")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	_, err = ParseIDs("1,,2")
	assert.Error(t, err)
}
