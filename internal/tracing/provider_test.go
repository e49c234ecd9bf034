package tracing

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/ticketd/internal/config"
)

func TestNewProvider_DisabledIsNoop(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: false}, t.TempDir())
	require.NoError(t, err)
	require.False(t, p.Enabled())

	// Spans from the noop tracer must not record.
	_, span := p.Tracer().Start(context.Background(), "dispatch")
	require.False(t, span.IsRecording())
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_FileExporterWritesSpans(t *testing.T) {
	dir := t.TempDir()
	tracePath := filepath.Join(dir, "traces", "out.jsonl")

	p, err := NewProvider(config.TracingConfig{
		Enabled:     true,
		Exporter:    "file",
		FilePath:    tracePath,
		SampleRate:  1.0,
		ServiceName: "ticketd-test",
	}, dir)
	require.NoError(t, err)
	require.True(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "pipeline.coding")
	span.SetAttributes(attribute.String("ticket.key", "ENG-1"))
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(tracePath)
	require.NoError(t, err)

	var rec map[string]any
	line := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)[0]
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	require.Equal(t, "pipeline.coding", rec["name"])

	attrs, ok := rec["attributes"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "ENG-1", attrs["ticket.key"])
}

func TestNewProvider_DefaultFilePathUnderProject(t *testing.T) {
	dir := t.TempDir()

	p, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "file"}, dir)
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "x")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	_, err = os.Stat(filepath.Join(dir, ".ticketd", "traces.jsonl"))
	require.NoError(t, err)
}

func TestNewProvider_UnsupportedExporter(t *testing.T) {
	_, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "kafka"}, t.TempDir())
	require.Error(t, err)
}

func TestNewProvider_NoneExporter(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "none"}, t.TempDir())
	require.NoError(t, err)
	require.True(t, p.Enabled())
	require.NoError(t, p.Shutdown(context.Background()))
}
