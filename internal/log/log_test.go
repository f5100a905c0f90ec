package log

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestLog_Format(t *testing.T) {
	var buf syncBuffer
	cleanup := InitWriter(&buf)
	defer cleanup()

	Info(CatHandoff, "Registered", "id", "abc", "once", true)

	line := buf.String()
	require.Contains(t, line, "[INFO] [handoff] Registered id=abc once=true")
	require.True(t, strings.HasSuffix(line, "\n"))
}

func TestLog_OddFieldsAndErrors(t *testing.T) {
	var buf syncBuffer
	cleanup := InitWriter(&buf)
	defer cleanup()

	Warn(CatBridge, "odd", "orphan")
	ErrorErr(CatRegistry, "failed", nil)
	ErrorErr(CatRegistry, "failed", os.ErrNotExist)

	out := buf.String()
	require.Contains(t, out, "orphan=<missing>")
	require.Contains(t, out, "error=<nil>")
	require.Contains(t, out, "error=file does not exist")
}

func TestLog_MinLevelAndDisable(t *testing.T) {
	var buf syncBuffer
	cleanup := InitWriter(&buf)
	defer cleanup()

	SetMinLevel(LevelWarn)
	Debug(CatCLI, "hidden")
	Info(CatCLI, "hidden")
	Error(CatCLI, "shown")

	SetEnabled(false)
	Error(CatCLI, "muted")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.NotContains(t, out, "muted")
	require.Contains(t, out, "shown")
}

func TestLog_NoLoggerIsSilent(t *testing.T) {
	require.NotPanics(t, func() { Info(CatCLI, "nobody listening") })
	require.Nil(t, NewListener(context.Background()))
}

func TestLog_Listener(t *testing.T) {
	var buf syncBuffer
	cleanup := InitWriter(&buf)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := NewListener(ctx)
	require.NotNil(t, ch)

	Info(CatJournal, "recorded")

	select {
	case ev := <-ch:
		require.Contains(t, ev.Payload, "[journal] recorded")
	case <-time.After(100 * time.Millisecond):
		require.Fail(t, "timeout waiting for log event")
	}
}

func TestInit_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handoff.log")
	cleanup, err := Init(FileConfig{Path: path, MaxSizeMB: 1})
	require.NoError(t, err)

	Info(CatConfig, "to disk")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "to disk")

	_, err = Init(FileConfig{})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"", LevelDebug, false},
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelDebug, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
