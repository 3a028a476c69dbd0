package manufacturing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the manufacturing engine
// 製造エンジンのPrometheusメトリクス

var (
	// movementsPosted counts appended ledger movements by type
	// 種別ごとの元帳移動の追記数
	movementsPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seizo",
		Subsystem: "ledger",
		Name:      "movements_posted_total",
		Help:      "Number of ledger movements appended, by movement type",
	}, []string{"type"})

	// manufacturesRecorded counts posted manufacture events
	// 記帳された製造イベント数
	manufacturesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "seizo",
		Subsystem: "workorder",
		Name:      "manufactures_recorded_total",
		Help:      "Number of manufacture events posted",
	})

	// eventsCancelled counts cancelled order events
	// キャンセルされた製造イベント数
	eventsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "seizo",
		Subsystem: "workorder",
		Name:      "events_cancelled_total",
		Help:      "Number of order events cancelled",
	})

	// reconciliationsPosted counts posted reconciliation records by mode
	// 実行モードごとの記帳済み棚卸調整レコード数
	reconciliationsPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seizo",
		Subsystem: "reconciliation",
		Name:      "records_posted_total",
		Help:      "Number of reconciliation records posted, by execution mode",
	}, []string{"mode"})

	// queueDepth tracks the current depth of the background queue
	// バックグラウンドキューの現在の深さ
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "seizo",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of queued background actions",
	})
)
