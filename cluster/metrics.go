package cluster

import "github.com/prometheus/client_golang/prometheus"

/*
 * ============================================================================
 * Prometheus 指标
 * ============================================================================
 *
 * 三组计数器供刮取式监控使用：按消息类型拆分的总线流量、节点失败次数、
 * 选举结果；另有一个总线帧解码失败计数器。都注册在一个私有 Registerer
 * 上（而不是 prometheus.DefaultRegisterer），这样同一进程里跑多个
 * Cluster 实例（测试里很常见）不会因为重复注册而 panic。
 */

// Metrics 持有本包导出的全部 Prometheus 采集器。
type Metrics struct {
	BusMessages   *prometheus.CounterVec
	NodeFailures  prometheus.Counter
	Elections     *prometheus.CounterVec
	BusDecodeErrs prometheus.Counter
}

// NewMetrics 创建一组采集器并注册到给定的 Registerer。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_bus_messages_total",
			Help: "Total number of cluster bus messages sent or received, by type.",
		}, []string{"type", "direction"}),
		NodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cluster_node_failures_total",
			Help: "Total number of nodes locally transitioned to the FAIL state.",
		}),
		Elections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_elections_total",
			Help: "Total number of election events, by outcome (vote_received counts AUTH-ACKs received).",
		}, []string{"outcome"}),
		BusDecodeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cluster_bus_decode_errors_total",
			Help: "Total number of cluster bus frames that failed to decode.",
		}),
	}
	reg.MustRegister(m.BusMessages, m.NodeFailures, m.Elections, m.BusDecodeErrs)
	return m
}
