package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ptyhandoff/internal/handle"
	"github.com/zjrosen/ptyhandoff/internal/handoff"
	"github.com/zjrosen/ptyhandoff/internal/journal"
	"github.com/zjrosen/ptyhandoff/internal/testutil"
)

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		cfgFile = ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "activate", "history", "config"} {
		require.True(t, names[want], "missing subcommand %q", want)
	}

	sub := map[string]bool{}
	for _, c := range configCmd.Commands() {
		sub[c.Name()] = true
	}
	require.True(t, sub["init"])
	require.True(t, sub["set-id"])
}

func TestConfigInitAndSetID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	out, err := execute(t, "--config", path, "config", "init")
	require.NoError(t, err)
	require.Contains(t, out, "Wrote "+path)

	_, err = execute(t, "--config", path, "config", "init")
	require.Error(t, err, "init refuses to overwrite without --force")

	out, err = execute(t, "--config", path, "config", "set-id", "6a3f2c1e-9b7d-4e2a-8c5f-1d0b9e8a7c6b", "--once")
	require.NoError(t, err)
	require.Contains(t, out, "Updated "+path)
	configOnce = false

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `activation_id: "{6A3F2C1E-9B7D-4E2A-8C5F-1D0B9E8A7C6B}"`)
	require.Contains(t, string(data), "once: true")

	_, err = execute(t, "--config", path, "config", "set-id", "not-a-guid")
	require.Error(t, err)
}

func TestHistory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("journal:\n  enabled: true\n  path: "+dbPath+"\n"), 0o600))

	out, err := execute(t, "--config", cfgPath, "history")
	require.NoError(t, err)
	require.Contains(t, out, "No history yet")

	j, err := journal.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), journal.Entry{Kind: journal.KindRegister, ActivationID: "{6A3F2C1E-9B7D-4E2A-8C5F-1D0B9E8A7C6B}", Outcome: "registered"}))
	require.NoError(t, j.Record(context.Background(), journal.Entry{Kind: journal.KindDeliver, Outcome: handoff.OutcomeNoConsumer, Status: 0x800401FB}))
	require.NoError(t, j.Close())

	out, err = execute(t, "--config", cfgPath, "history", "--limit", "5")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "OUTCOME")
	require.Contains(t, lines[1], "no_consumer")
	require.Contains(t, lines[1], "0x800401fb")
	require.Contains(t, lines[2], "{6A3F2C1E-9B7D-4E2A-8C5F-1D0B9E8A7C6B}")
}

func TestConsumer_ReportsAndClosesWithoutCommand(t *testing.T) {
	p, _ := testutil.NewPayload(t).WithTitle("tab 1").WithSize(100, 30).Build()
	dups, err := handle.DuplicateSet(p.Handles)
	require.NoError(t, err)

	var out bytes.Buffer
	c := newConsumer(nil, &out)
	c.Deliver(handoff.Delivery{Handles: dups, StartupInfo: p.StartupInfo})
	c.Wait()

	require.Contains(t, out.String(), `title="tab 1" size=100x30`)
}
