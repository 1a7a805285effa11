package agentloop

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestChatRecordsOneSpanPerTurn(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	provider := NewFakeProvider(Response{Content: "hi there"})
	h := newTestHarness(t, provider)
	h.loop.tracer = tp.Tracer("test")

	if _, err := h.loop.Chat(context.Background(), "s1", "hello"); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 recorded span, got %d", len(spans))
	}
	if spans[0].Name != "agentloop.chat" {
		t.Fatalf("expected span name agentloop.chat, got %s", spans[0].Name)
	}
}
