// tracing.go: OpenTelemetry span helpers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope of chainloader spans.
const TracerName = "github.com/agilira/go-chainloader"

// tracerOrNoop returns t, or a no-op tracer when t is nil.
func tracerOrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer(TracerName)
	}
	return t
}

// pluginAttributes identifies a plugin on a span.
func pluginAttributes(d *PluginDescriptor) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("plugin.guid", d.GUID),
		attribute.String("plugin.name", d.Name),
		attribute.String("plugin.version", d.Version.String()),
		attribute.String("plugin.module", d.Module.Path),
	}
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
