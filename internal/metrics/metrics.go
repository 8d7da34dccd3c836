// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// スイープワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordCheckin(outcome string)
	RecordNotification(kind string, ok bool)
	RecordSweep(duration time.Duration, alerts, reminders, failures int)
	RecordHTTPStatus(statusCode int)
}

// チェックイン結果のラベル値
const (
	CheckinRecorded  = "recorded"
	CheckinDuplicate = "duplicate"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	checkins       *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	sweepDuration  prometheus.Histogram
	alertsSent     prometheus.Counter
	remindersSent  prometheus.Counter
	sweepFailures  prometheus.Counter
	httpStatus     *prometheus.CounterVec
	lastSweepUnixS prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		checkins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stillokay_checkins_total",
			Help: "チェックイン要求の結果別の合計数",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stillokay_notifications_total",
			Help: "通知の種類・結果別の送信試行数",
		}, []string{"kind", "result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stillokay_sweep_duration_seconds",
			Help:    "スイープ1回の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		alertsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stillokay_sweep_alerts_total",
			Help: "スイープが送信した担当者アラートの合計数",
		}),
		remindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stillokay_sweep_reminders_total",
			Help: "スイープが送信したリマインダーの合計数",
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stillokay_sweep_user_failures_total",
			Help: "スイープ中に処理に失敗したユーザーの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stillokay_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		lastSweepUnixS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stillokay_last_sweep_timestamp_seconds",
			Help: "最後にスイープが完了した時刻（UNIX秒）",
		}),
	}

	reg.MustRegister(
		c.checkins,
		c.notifications,
		c.sweepDuration,
		c.alertsSent,
		c.remindersSent,
		c.sweepFailures,
		c.httpStatus,
		c.lastSweepUnixS,
	)

	return c
}

// RecordCheckin はチェックイン要求の結果を記録する。
func (c *Collector) RecordCheckin(outcome string) {
	c.checkins.WithLabelValues(outcome).Inc()
}

// RecordNotification は通知の送信試行を記録する。
func (c *Collector) RecordNotification(kind string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.notifications.WithLabelValues(kind, result).Inc()
}

// RecordSweep はスイープ1回分の結果を記録する。
func (c *Collector) RecordSweep(duration time.Duration, alerts, reminders, failures int) {
	c.sweepDuration.Observe(duration.Seconds())
	c.alertsSent.Add(float64(alerts))
	c.remindersSent.Add(float64(reminders))
	c.sweepFailures.Add(float64(failures))
	c.lastSweepUnixS.SetToCurrentTime()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordCheckin(string)                     {}
func (Nop) RecordNotification(string, bool)          {}
func (Nop) RecordSweep(time.Duration, int, int, int) {}
func (Nop) RecordHTTPStatus(int)                     {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
