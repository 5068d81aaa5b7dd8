package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		RunDuration, RunTotal,
		StepDuration, StepAttempts,
		VerdictTotal, CorrectionTotal, RuleViolationTotal,
		AuditAppendTotal, AuditAppendErrors,
		SessionsActive, SessionsSwept,
		RateLimitWaitSeconds, VerdictCacheErrors,
	)
}

// RunDuration 单次计划执行耗时（秒），按终态
var RunDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "gate_run_duration_seconds",
		Help:    "计划执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"state"},
)

// RunTotal 执行总数（按终态与原因码）
var RunTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gate_run_total",
		Help: "计划执行总数",
	},
	[]string{"state", "code"}, // COMPLETED | ABORTED | FAILED
)

// StepDuration 能力调用耗时（秒）
var StepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "gate_step_duration_seconds",
		Help:    "能力调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"capability", "outcome"},
)

// StepAttempts 能力调用尝试次数（含重试）
var StepAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gate_step_attempts_total",
		Help: "能力调用尝试次数",
	},
	[]string{"capability"},
)

// VerdictTotal 策略裁决数
var VerdictTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gate_verdict_total",
		Help: "策略裁决数",
	},
	[]string{"stage", "decision"}, // plan | result
)

// CorrectionTotal 计划被改写的次数
var CorrectionTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "gate_correction_total",
		Help: "计划改写次数",
	},
)

// RuleViolationTotal 按规则统计的违规次数
var RuleViolationTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gate_rule_violation_total",
		Help: "规则违规次数",
	},
	[]string{"rule_id"},
)

// AuditAppendTotal 审计写入数（按记录类型）
var AuditAppendTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gate_audit_append_total",
		Help: "审计记录写入数",
	},
	[]string{"kind"},
)

// AuditAppendErrors 审计写入失败数
var AuditAppendErrors = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "gate_audit_append_errors_total",
		Help: "审计记录写入失败数",
	},
)

// SessionsActive 当前未过期会话数（清理时刷新）
var SessionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "gate_sessions_active",
		Help: "未过期会话数",
	},
)

// SessionsSwept 清理掉的过期会话数
var SessionsSwept = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "gate_sessions_swept_total",
		Help: "清理的过期会话数",
	},
)

// RateLimitWaitSeconds 限流等待时间
var RateLimitWaitSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "gate_rate_limit_wait_seconds",
		Help:    "限流等待时间（秒）",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	},
	[]string{"limiter"},
)

// VerdictCacheErrors 裁决缓存后端失败数，按操作（get/set）
var VerdictCacheErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gate_verdict_cache_errors_total",
		Help: "裁决缓存读写失败数",
	},
	[]string{"op"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
