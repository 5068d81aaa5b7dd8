// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

// Package tracing 初始化 OTLP tracer，并为执行、步骤与策略校验提供 span 辅助函数
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "record-gate"

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartRunSpan 开始一次计划执行 span
func StartRunSpan(ctx context.Context, runID string, principalID string, subjectID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "plan.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("principal.id", principalID),
			attribute.String("subject.id", subjectID),
		),
	)
}

// StartStepSpan 开始单步能力调用 span
func StartStepSpan(ctx context.Context, capability string, stepIndex int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step.invoke",
		trace.WithAttributes(
			attribute.String("capability.name", capability),
			attribute.Int("step.index", stepIndex),
		),
	)
}

// StartPolicySpan 开始策略校验 span；stage 为 plan 或 result
func StartPolicySpan(ctx context.Context, stage string, rulesetVersion string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "policy.validate",
		trace.WithAttributes(
			attribute.String("policy.stage", stage),
			attribute.String("policy.ruleset_version", rulesetVersion),
		),
	)
}

// EndSpan 结束 span；err 非空时标记为错误
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
