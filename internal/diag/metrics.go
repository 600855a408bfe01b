package diag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 指标（私有 registry，运行结束后可选导出为 textfile）：
// - aspacesort_op_total{comp,stage,result}
// - aspacesort_error_total{comp,code}
// - aspacesort_op_duration_ms{comp,stage}
var (
	registry = prometheus.NewRegistry()

	opTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aspacesort",
			Name:      "op_total",
			Help:      "Operations by component, stage and result",
		},
		[]string{"comp", "stage", "result"},
	)

	errorTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aspacesort",
			Name:      "error_total",
			Help:      "Errors by component and classification code",
		},
		[]string{"comp", "code"},
	)

	opDuration = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aspacesort",
			Name:      "op_duration_ms",
			Help:      "Stage duration in milliseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"comp", "stage"},
	)
)

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// Gatherer 暴露私有 registry（测试与导出使用）。
func Gatherer() prometheus.Gatherer { return registry }

// WriteMetrics 将当前指标以 Prometheus 文本格式写入 path（node_exporter textfile 约定）。
func WriteMetrics(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, registry)
}
