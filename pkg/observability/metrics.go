// Copyright 2026 Flowmatic Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability provides OpenTelemetry metrics and tracing for the
// orchestrator. All recording methods are nil-safe so callers never guard
// against a disabled setup.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/flowmatic-io/flowmatic/pkg/config"
)

// Metrics holds the orchestrator's instruments. A nil *Metrics is a valid
// no-op recorder.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider
	server   *http.Server

	workflowDuration metric.Float64Histogram
	workflowTotal    metric.Int64Counter
	stepDuration     metric.Float64Histogram
	stepTotal        metric.Int64Counter

	agentDuration   metric.Float64Histogram
	agentTotal      metric.Int64Counter
	agentTokens     metric.Int64Counter
	toolDuration    metric.Float64Histogram
	toolTotal       metric.Int64Counter
	toolErrors      metric.Int64Counter
	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrors       metric.Int64Counter

	approvalResolved metric.Int64Counter
	scheduleFired    metric.Int64Counter
}

// NewMetrics builds the instrument set backed by a Prometheus exporter.
// Returns nil when metrics are disabled.
func NewMetrics(cfg config.MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("flowmatic")

	m := &Metrics{registry: registry, provider: provider}

	m.workflowDuration, err = meter.Float64Histogram("flowmatic_workflow_duration_seconds",
		metric.WithDescription("Wall-clock duration of workflow executions"))
	if err != nil {
		return nil, err
	}
	m.workflowTotal, err = meter.Int64Counter("flowmatic_workflow_executions_total",
		metric.WithDescription("Workflow executions by terminal status"))
	if err != nil {
		return nil, err
	}
	m.stepDuration, err = meter.Float64Histogram("flowmatic_step_duration_seconds",
		metric.WithDescription("Duration of workflow steps by kind"))
	if err != nil {
		return nil, err
	}
	m.stepTotal, err = meter.Int64Counter("flowmatic_step_executions_total",
		metric.WithDescription("Workflow steps by kind and status"))
	if err != nil {
		return nil, err
	}
	m.agentDuration, err = meter.Float64Histogram("flowmatic_agent_duration_seconds",
		metric.WithDescription("Duration of agent runs"))
	if err != nil {
		return nil, err
	}
	m.agentTotal, err = meter.Int64Counter("flowmatic_agent_runs_total",
		metric.WithDescription("Agent runs"))
	if err != nil {
		return nil, err
	}
	m.agentTokens, err = meter.Int64Counter("flowmatic_agent_tokens_total",
		metric.WithDescription("Tokens consumed across agent runs"))
	if err != nil {
		return nil, err
	}
	m.toolDuration, err = meter.Float64Histogram("flowmatic_tool_duration_seconds",
		metric.WithDescription("Duration of tool dispatches"))
	if err != nil {
		return nil, err
	}
	m.toolTotal, err = meter.Int64Counter("flowmatic_tool_dispatches_total",
		metric.WithDescription("Tool dispatches by tool name"))
	if err != nil {
		return nil, err
	}
	m.toolErrors, err = meter.Int64Counter("flowmatic_tool_errors_total",
		metric.WithDescription("Failed tool dispatches by tool name"))
	if err != nil {
		return nil, err
	}
	m.llmDuration, err = meter.Float64Histogram("flowmatic_llm_duration_seconds",
		metric.WithDescription("Duration of LLM calls by model"))
	if err != nil {
		return nil, err
	}
	m.llmInputTokens, err = meter.Int64Counter("flowmatic_llm_input_tokens_total",
		metric.WithDescription("Input tokens by model"))
	if err != nil {
		return nil, err
	}
	m.llmOutputTokens, err = meter.Int64Counter("flowmatic_llm_output_tokens_total",
		metric.WithDescription("Output tokens by model"))
	if err != nil {
		return nil, err
	}
	m.llmErrors, err = meter.Int64Counter("flowmatic_llm_errors_total",
		metric.WithDescription("Failed LLM calls by model"))
	if err != nil {
		return nil, err
	}
	m.approvalResolved, err = meter.Int64Counter("flowmatic_approvals_resolved_total",
		metric.WithDescription("Approval resolutions by outcome"))
	if err != nil {
		return nil, err
	}
	m.scheduleFired, err = meter.Int64Counter("flowmatic_schedules_fired_total",
		metric.WithDescription("Schedule ticks that launched an execution"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Serve exposes /metrics on the configured port. Blocks until the server
// stops.
func (m *Metrics) Serve(port int) error {
	if m == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the metrics endpoint and flushes the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if m.server != nil {
		_ = m.server.Shutdown(ctx)
	}
	return m.provider.Shutdown(ctx)
}

func (m *Metrics) RecordWorkflowExecution(ctx context.Context, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.workflowDuration.Record(ctx, duration.Seconds(), attrs)
	m.workflowTotal.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordStepExecution(ctx context.Context, kind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	m.stepDuration.Record(ctx, duration.Seconds(), attrs)
	m.stepTotal.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordAgentRun(ctx context.Context, duration time.Duration, tokens int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("error", err != nil))
	m.agentDuration.Record(ctx, duration.Seconds(), attrs)
	m.agentTotal.Add(ctx, 1, attrs)
	if tokens > 0 {
		m.agentTokens.Add(ctx, int64(tokens))
	}
}

func (m *Metrics) RecordToolDispatch(ctx context.Context, tool string, duration time.Duration, isError bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolTotal.Add(ctx, 1, attrs)
	if isError {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordApprovalResolution(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.approvalResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordScheduleFired(ctx context.Context) {
	if m == nil {
		return
	}
	m.scheduleFired.Add(ctx, 1)
}
