//go:build unix

package cmd

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ptyhandoff/internal/activation"
	"github.com/zjrosen/ptyhandoff/internal/handle"
	"github.com/zjrosen/ptyhandoff/internal/handoff"
)

// swapStdio points os.Stdin and os.Stdout at fresh pipes for one test.
func swapStdio(t *testing.T) (stdinW, stdoutR, stdoutW *os.File) {
	t.Helper()
	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	outR, outW, err := os.Pipe()
	require.NoError(t, err)

	oldIn, oldOut := os.Stdin, os.Stdout
	os.Stdin, os.Stdout = inR, outW
	t.Cleanup(func() {
		os.Stdin, os.Stdout = oldIn, oldOut
		for _, f := range []*os.File{inR, inW, outR, outW} {
			_ = f.Close()
		}
	})
	return inW, outR, outW
}

func TestActivate_HandsStdioToServer(t *testing.T) {
	sockDir, err := os.MkdirTemp("", "pth")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(sockDir) })

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("activation:\n  socket_dir: "+sockDir+"\n"), 0o600))

	reg, err := activation.NewSocketRegistry(sockDir)
	require.NoError(t, err)
	defer reg.Close()
	m := handoff.New(reg)
	defer m.Close()

	const id = "{6A3F2C1E-9B7D-4E2A-8C5F-1D0B9E8A7C6B}"
	got := make(chan handoff.Delivery, 1)
	require.NoError(t, m.Register(id, func(d handoff.Delivery) {
		in := d.Handles.In.File("in")
		out := d.Handles.Out.File("out")
		buf := make([]byte, 3)
		if _, err := io.ReadFull(in, buf); err == nil {
			_, _ = out.Write(append([]byte("echo:"), buf...))
		}
		_ = in.Close()
		_ = out.Close()
		for _, r := range []handle.Role{handle.RoleSignal, handle.RoleRef, handle.RoleServer, handle.RoleClient} {
			_ = handle.Close(d.Handles.Get(r))
		}
		got <- d
	}, true))

	stdinW, stdoutR, stdoutW := swapStdio(t)
	_, err = stdinW.Write([]byte("abc"))
	require.NoError(t, err)

	_, err = execute(t, "--config", cfgPath, "activate", "--id", id, "--title", "tab", "--cols", "100", "--rows", "40")
	require.NoError(t, err)

	d := <-got
	require.Equal(t, "tab", d.StartupInfo.Title)
	require.Equal(t, uint16(100), d.StartupInfo.Columns)
	require.Equal(t, uint16(40), d.StartupInfo.Rows)

	// Every copy of the write end is closed now except ours.
	require.NoError(t, stdoutW.Close())
	data, err := io.ReadAll(stdoutR)
	require.NoError(t, err)
	require.Equal(t, "echo:abc", string(data))

	// The single-use registration is gone.
	_, err = execute(t, "--config", cfgPath, "activate", "--id", id)
	require.ErrorIs(t, err, activation.ErrNotRegistered)
}
