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

package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/flowmatic-io/flowmatic/pkg/config"
)

// Tracer wraps the OpenTelemetry tracer with orchestrator span helpers.
// A nil *Tracer is a valid no-op.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates a Tracer from configuration. Returns nil when tracing
// is disabled.
func NewTracer(ctx context.Context, cfg config.TracingConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}, nil
}

func createExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-grpc":
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
}

// StartExecution opens the root span for one workflow execution.
func (t *Tracer) StartExecution(ctx context.Context, workflowID, executionID int64) (context.Context, trace.Span) {
	if t == nil {
		return ctx, noopSpan(ctx)
	}
	return t.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.Int64("workflow.id", workflowID),
			attribute.Int64("execution.id", executionID),
		))
}

// StartStep opens a child span for one step.
func (t *Tracer) StartStep(ctx context.Context, stepID int64, kind, name string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, noopSpan(ctx)
	}
	return t.tracer.Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.Int64("step.id", stepID),
			attribute.String("step.kind", kind),
			attribute.String("step.name", name),
		))
}

// StartAgent opens a child span for one agent run.
func (t *Tracer) StartAgent(ctx context.Context, agentID int64) (context.Context, trace.Span) {
	if t == nil {
		return ctx, noopSpan(ctx)
	}
	return t.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(attribute.Int64("agent.id", agentID)))
}

// EndSpan records the outcome and closes the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

func noopSpan(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}
