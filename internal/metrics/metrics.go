// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 予約エンジン・ワーカー・通知サーバーから利用する。
type MetricsCollector interface {
	RecordBookingSuccess(tables int)
	RecordBookingFailure(reason string)
	RecordBookingLatency(duration time.Duration)
	RecordTimeslotsCreated(count int)
	RecordTimeslotsPruned(count int64)
	RecordNotificationSent(kind string, recipients int)
	RecordNotifyConnection(delta int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	bookingSuccess   prometheus.Counter
	bookingFail      *prometheus.CounterVec
	bookingTables    prometheus.Histogram
	bookingLatency   prometheus.Histogram
	timeslotsCreated prometheus.Counter
	timeslotsPruned  prometheus.Counter
	notifications    *prometheus.CounterVec
	notifyConns      prometheus.Gauge
	httpStatus       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		bookingSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tablebook_booking_success_total",
			Help: "予約成功の合計数",
		}),
		bookingFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tablebook_booking_fail_total",
			Help: "理由別の予約失敗数",
		}, []string{"reason"}),
		bookingTables: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tablebook_booking_tables",
			Help:    "1件の予約で確保したテーブル数",
			Buckets: []float64{1, 2, 3, 4, 6, 8},
		}),
		bookingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tablebook_booking_latency_seconds",
			Help:    "予約処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		timeslotsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tablebook_timeslots_created_total",
			Help: "生成されたタイムスロットの合計数",
		}),
		timeslotsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tablebook_timeslots_pruned_total",
			Help: "削除された過去タイムスロットの合計数",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tablebook_notifications_sent_total",
			Help: "種別ごとの通知送信数（購読者単位）",
		}, []string{"kind"}),
		notifyConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tablebook_notify_connections",
			Help: "通知サーバーの接続中クライアント数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tablebook_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.bookingSuccess,
		c.bookingFail,
		c.bookingTables,
		c.bookingLatency,
		c.timeslotsCreated,
		c.timeslotsPruned,
		c.notifications,
		c.notifyConns,
		c.httpStatus,
	)

	return c
}

// RecordBookingSuccess は予約成功と確保したテーブル数を記録する。
func (c *Collector) RecordBookingSuccess(tables int) {
	c.bookingSuccess.Inc()
	c.bookingTables.Observe(float64(tables))
}

// RecordBookingFailure は予約失敗を理由別に記録する。
func (c *Collector) RecordBookingFailure(reason string) {
	c.bookingFail.WithLabelValues(reason).Inc()
}

// RecordBookingLatency は予約処理のレイテンシを記録する。
func (c *Collector) RecordBookingLatency(duration time.Duration) {
	c.bookingLatency.Observe(duration.Seconds())
}

// RecordTimeslotsCreated は生成したタイムスロット数を記録する。
func (c *Collector) RecordTimeslotsCreated(count int) {
	c.timeslotsCreated.Add(float64(count))
}

// RecordTimeslotsPruned は削除したタイムスロット数を記録する。
func (c *Collector) RecordTimeslotsPruned(count int64) {
	c.timeslotsPruned.Add(float64(count))
}

// RecordNotificationSent は通知の送信先数を記録する。
func (c *Collector) RecordNotificationSent(kind string, recipients int) {
	c.notifications.WithLabelValues(kind).Add(float64(recipients))
}

// RecordNotifyConnection は接続数の増減を記録する。
func (c *Collector) RecordNotifyConnection(delta int) {
	c.notifyConns.Add(float64(delta))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 収集中のエラーは該当メトリクスを除いて返し、スクレイプ自体は失敗させない。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}

// Pinger は依存先（データベース）の疎通確認に使用する。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SetupMetricsRoute はHTTP APIを持たないworker・notifyモード向けに
// /metricsと/healthを提供するハンドラーを返す。
// pingerがnilの場合、/healthは常に200を返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer, pinger Pinger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler(gatherer))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := pinger.PingContext(ctx); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordBookingSuccess(int)           {}
func (Nop) RecordBookingFailure(string)        {}
func (Nop) RecordBookingLatency(time.Duration) {}
func (Nop) RecordTimeslotsCreated(int)         {}
func (Nop) RecordTimeslotsPruned(int64)        {}
func (Nop) RecordNotificationSent(string, int) {}
func (Nop) RecordNotifyConnection(int)         {}
func (Nop) RecordHTTPStatus(int)               {}

var _ MetricsCollector = Nop{}
