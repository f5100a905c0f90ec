package tracing

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestFileExporter_AppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"existing":"data"}`+"\n"), 0o600))

	exporter, err := NewFileExporter(path)
	require.NoError(t, err)

	start := time.Now()
	stub := tracetest.SpanStub{
		Name:      SpanDuplicate,
		StartTime: start,
		EndTime:   start.Add(2 * time.Millisecond),
		Status:    sdktrace.Status{Code: codes.Error, Description: "bad handle"},
		Attributes: []attribute.KeyValue{
			attribute.String(AttrRole, "server"),
			attribute.Bool(AttrOnce, true),
		},
	}
	require.NoError(t, exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
	require.NoError(t, exporter.Shutdown(context.Background()))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, `{"existing":"data"}`, lines[0])

	var rec SpanRecord
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	require.Equal(t, SpanDuplicate, rec.Name)
	require.Equal(t, "ERROR", rec.Status)
	require.Equal(t, "bad handle", rec.StatusMsg)
	require.InDelta(t, 2.0, rec.DurationMs, 0.001)
	require.Equal(t, "server", rec.Attributes[AttrRole])
	require.Equal(t, true, rec.Attributes[AttrOnce])
}

func TestFileExporter_ShutdownTwiceAndExportAfter(t *testing.T) {
	exporter, err := NewFileExporter(filepath.Join(t.TempDir(), "traces.jsonl"))
	require.NoError(t, err)

	require.NoError(t, exporter.Shutdown(context.Background()))
	require.NoError(t, exporter.Shutdown(context.Background()))

	stub := tracetest.SpanStub{Name: SpanRetire}
	err = exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()})
	require.ErrorIs(t, err, errExporterClosed)

	require.NoError(t, exporter.ExportSpans(context.Background(), nil), "empty batches are ignored")
}
