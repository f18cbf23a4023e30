// ============================================================================
// Indexplane Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集控制平面與索引節點的運行指標，透過 /metrics 暴露給 Prometheus
//
// 指標分類:
//
//   1. 計劃下發 (RED):
//      - indexplane_apply_plan_requests_total{rpc, node, status}
//      - indexplane_apply_plan_duration_seconds{rpc, node}
//        status 為 serviceerr code 字串 ("ok", "timeout", "unavailable", ...)
//
//   2. 排程狀態 (Gauge):
//      - indexplane_scheduled_pipelines: 最近一次計劃的 pipeline 數
//      - indexplane_unassigned_pipelines: 沒有節點可放的 pipeline 數
//      - indexplane_overcommitted_nodes: 超出 CPU 容量的節點數
//      - indexplane_nodes_alive: lease 仍有效的節點數
//      - indexplane_plan_rebuilds_total: 計劃重建次數
//
//   3. Shard position 傳播:
//      - indexplane_position_updates_total: 套用的 ShardPositionsUpdate 數
//      - indexplane_position_shards_updated_total: 更新的 shard 數
//      - indexplane_events_dropped_total{subscriber}: event broker 丟棄的事件
//
//   4. 節點:
//      - indexplane_heartbeats_total{status}
//      - indexplane_running_pipelines
//
// 註冊方式:
//   Collector 綁定呼叫端傳入的 prometheus.Registerer，不使用全域 registry，
//   測試可以各自建立 prometheus.NewRegistry()。
//
// Prometheus 查詢示例:
//
//   # 每個節點的下發錯誤率
//   sum by (node) (rate(indexplane_apply_plan_requests_total{status!="ok"}[5m]))
//
//   # 95 分位下發延遲
//   histogram_quantile(0.95, sum by (le) (rate(indexplane_apply_plan_duration_seconds_bucket[5m])))
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/indexplane/pkg/types"
)

const namespace = "indexplane"

// Collector Prometheus 指標收集器
type Collector struct {
	// 計劃下發
	applyRequests *prometheus.CounterVec
	applyDuration *prometheus.HistogramVec

	// 排程狀態
	scheduledPipelines  prometheus.Gauge
	unassignedPipelines prometheus.Gauge
	overcommittedNodes  prometheus.Gauge
	nodesAlive          prometheus.Gauge
	planRebuilds        prometheus.Counter

	// shard positions
	positionUpdates prometheus.Counter
	shardsUpdated   prometheus.Counter
	eventsDropped   *prometheus.CounterVec

	// 節點
	heartbeats       *prometheus.CounterVec
	runningPipelines prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		applyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_plan_requests_total",
			Help:      "Apply-plan requests sent to indexer nodes, by outcome",
		}, []string{"rpc", "node", "status"}),
		applyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_plan_duration_seconds",
			Help:      "Apply-plan request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"rpc", "node"}),
		scheduledPipelines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_pipelines",
			Help:      "Pipelines placed on nodes by the current physical plan",
		}),
		unassignedPipelines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unassigned_pipelines",
			Help:      "Pipelines the current physical plan could not place",
		}),
		overcommittedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overcommitted_nodes",
			Help:      "Nodes whose planned load exceeds their CPU capacity",
		}),
		nodesAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_alive",
			Help:      "Indexer nodes holding a valid lease",
		}),
		planRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_rebuilds_total",
			Help:      "Physical plan rebuilds",
		}),
		positionUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "position_updates_total",
			Help:      "Shard position updates applied",
		}),
		shardsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "position_shards_updated_total",
			Help:      "Shard positions advanced",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber queue was full",
		}, []string{"subscriber"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats sent to the control plane, by outcome",
		}, []string{"status"}),
		runningPipelines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_pipelines",
			Help:      "Indexing pipelines running on this node",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.applyRequests,
		c.applyDuration,
		c.scheduledPipelines,
		c.unassignedPipelines,
		c.overcommittedNodes,
		c.nodesAlive,
		c.planRebuilds,
		c.positionUpdates,
		c.shardsUpdated,
		c.eventsDropped,
		c.heartbeats,
		c.runningPipelines,
	)
	return c
}

// RecordApplyPlan 記錄一次計劃下發的結果與延遲
func (c *Collector) RecordApplyPlan(rpc string, node types.NodeID, status string, elapsed time.Duration) {
	c.applyRequests.WithLabelValues(rpc, string(node), status).Inc()
	c.applyDuration.WithLabelValues(rpc, string(node)).Observe(elapsed.Seconds())
}

// RecordPlan 記錄一次計劃重建
func (c *Collector) RecordPlan(scheduled, unassigned, overcommitted int) {
	c.planRebuilds.Inc()
	c.scheduledPipelines.Set(float64(scheduled))
	c.unassignedPipelines.Set(float64(unassigned))
	c.overcommittedNodes.Set(float64(overcommitted))
}

// SetNodesAlive 設置存活節點數
func (c *Collector) SetNodesAlive(n int) {
	c.nodesAlive.Set(float64(n))
}

// RecordPositionsUpdate 記錄一次 shard position 更新
func (c *Collector) RecordPositionsUpdate(shards int) {
	c.positionUpdates.Inc()
	c.shardsUpdated.Add(float64(shards))
}

// RecordEventDropped 記錄被丟棄的事件，可直接作為 Broker.OnDrop 的 callback
func (c *Collector) RecordEventDropped(subscriber string) {
	c.eventsDropped.WithLabelValues(subscriber).Inc()
}

// RecordHeartbeat 記錄節點心跳結果
func (c *Collector) RecordHeartbeat(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	c.heartbeats.WithLabelValues(status).Inc()
}

// RecordRunningPipelines 設置節點上運行中的 pipeline 數
func (c *Collector) RecordRunningPipelines(n int) {
	c.runningPipelines.Set(float64(n))
}

// Handler 返回 g 的 /metrics handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve 在 addr 上提供 /metrics，直到 ctx 結束
//
// 返回值：
//   - error: 監聽失敗的錯誤；ctx 結束後正常關閉返回 nil
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", "component", "metrics", "address", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
