package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.False(t, cfg.Enabled, "tracing should be disabled by default")
	require.Equal(t, "file", cfg.Exporter)
	require.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	require.Equal(t, 1.0, cfg.SampleRate)
	require.Equal(t, "ptyhandoff", cfg.ServiceName)
}

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	require.False(t, provider.Enabled())

	_, span := provider.Tracer().Start(context.Background(), SpanEstablish)
	require.False(t, span.SpanContext().IsValid(), "no-op spans carry no context")
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestNewProvider_FileExporterWritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")

	provider, err := NewProvider(Config{
		Enabled:     true,
		Exporter:    "file",
		FilePath:    path,
		SampleRate:  1.0,
		ServiceName: "ptyhandoff-test",
	})
	require.NoError(t, err)
	require.True(t, provider.Enabled())

	ctx, parent := provider.Tracer().Start(context.Background(), SpanEstablish)
	parent.SetAttributes(attribute.String(AttrActivationID, "{1F4F2B3C-0000-4000-8000-000000000001}"))
	_, child := provider.Tracer().Start(ctx, SpanDeliver)
	child.AddEvent(EventCallbackQueued)
	child.End()
	parent.End()

	// Shutdown flushes the batcher.
	require.NoError(t, provider.Shutdown(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	byName := map[string]SpanRecord{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec SpanRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		byName[rec.Name] = rec
	}
	require.NoError(t, scanner.Err())

	require.Contains(t, byName, SpanEstablish)
	require.Contains(t, byName, SpanDeliver)
	require.Equal(t, byName[SpanEstablish].SpanID, byName[SpanDeliver].ParentSpanID)
	require.Equal(t, "{1F4F2B3C-0000-4000-8000-000000000001}", byName[SpanEstablish].Attributes[AttrActivationID])
	require.Len(t, byName[SpanDeliver].Events, 1)
	require.Equal(t, EventCallbackQueued, byName[SpanDeliver].Events[0].Name)
}

func TestNewProvider_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "file without path", cfg: Config{Enabled: true, Exporter: "file"}},
		{name: "unknown exporter", cfg: Config{Enabled: true, Exporter: "zipkin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.cfg)
			require.Error(t, err)
		})
	}
}

func TestNewProvider_NoneExporter(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: true, Exporter: "none"})
	require.NoError(t, err)

	_, span := provider.Tracer().Start(context.Background(), SpanRegister)
	require.True(t, span.SpanContext().IsValid(), "enabled provider still creates real spans")
	span.End()
	require.NoError(t, provider.Shutdown(context.Background()))
}
