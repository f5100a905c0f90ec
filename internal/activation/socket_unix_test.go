//go:build unix

package activation

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ptyhandoff/internal/handle"
)

// shortTempDir keeps socket paths under the sun_path limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "pth")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func pipePayload(t *testing.T) (handle.Payload, *os.File, *os.File) {
	t.Helper()
	var files []*os.File
	for i := 0; i < 3; i++ {
		r, w, err := os.Pipe()
		require.NoError(t, err)
		files = append(files, r, w)
	}
	t.Cleanup(func() {
		for _, f := range files {
			_ = f.Close()
		}
	})
	var v [handle.NumRoles]handle.Handle
	for i, f := range files {
		v[i] = handle.Handle(f.Fd())
	}
	return handle.Payload{
		Handles:     handle.FromValues(v),
		StartupInfo: handle.StartupInfo{Title: "shell", Columns: 120, Rows: 30},
	}, files[0], files[1]
}

func TestSocketRegistry_RoundTrip(t *testing.T) {
	reg, err := NewSocketRegistry(shortTempDir(t))
	require.NoError(t, err)
	defer reg.Close()

	id := NewID()
	got := make(chan handle.StartupInfo, 1)
	_, err = reg.Register(id, HandlerFunc(func(_ context.Context, p handle.Payload) error {
		// Write through the received Out descriptor while it is valid.
		out, err := handle.Duplicate(p.Handles.Out)
		if err != nil {
			return err
		}
		f := out.File("out")
		defer f.Close()
		if _, err := f.Write([]byte("hello")); err != nil {
			return err
		}
		got <- p.StartupInfo
		return nil
	}), MultipleUse)
	require.NoError(t, err)

	_, err = os.Stat(SocketPath(reg.Dir(), id))
	require.NoError(t, err)

	p, in, out := pipePayload(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, Dial(ctx, reg.Dir(), id, p))

	info := <-got
	require.Equal(t, "shell", info.Title)
	require.Equal(t, uint16(120), info.Columns)

	require.NoError(t, out.Close())
	data, err := io.ReadAll(in)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestSocketRegistry_HandlerStatusReachesActivator(t *testing.T) {
	reg, err := NewSocketRegistry(shortTempDir(t))
	require.NoError(t, err)
	defer reg.Close()

	id := NewID()
	_, err = reg.Register(id, HandlerFunc(func(context.Context, handle.Payload) error {
		return &StatusError{Op: "establish", Status: StatusInvalidHandle}
	}), MultipleUse)
	require.NoError(t, err)

	p, _, _ := pipePayload(t)
	err = Dial(context.Background(), reg.Dir(), id, p)
	require.Error(t, err)
	require.Equal(t, StatusInvalidHandle, StatusOf(err))
}

func TestSocketRegistry_SingleUseThenRevoke(t *testing.T) {
	reg, err := NewSocketRegistry(shortTempDir(t))
	require.NoError(t, err)
	defer reg.Close()

	id := NewID()
	token, err := reg.Register(id, HandlerFunc(func(context.Context, handle.Payload) error { return nil }), SingleUse)
	require.NoError(t, err)

	p, _, _ := pipePayload(t)
	require.NoError(t, Dial(context.Background(), reg.Dir(), id, p))
	require.ErrorIs(t, Dial(context.Background(), reg.Dir(), id, p), ErrRevoked)

	// Consumed but not yet revoked: the identity cannot be taken again.
	_, err = reg.Register(id, HandlerFunc(func(context.Context, handle.Payload) error { return nil }), SingleUse)
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	require.NoError(t, reg.Revoke(token))
	_, err = os.Stat(SocketPath(reg.Dir(), id))
	require.True(t, errors.Is(err, os.ErrNotExist), "socket removed on revoke")

	err = Dial(context.Background(), reg.Dir(), id, p)
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestSocketRegistry_RejectsInvalidHandles(t *testing.T) {
	dir := shortTempDir(t)
	p, _, _ := pipePayload(t)
	p.Handles.Ref = handle.Invalid

	err := Dial(context.Background(), dir, NewID(), p)
	require.Error(t, err)
	require.Equal(t, StatusClassNotRegistered, StatusOf(err), "nothing listening")

	reg, err := NewSocketRegistry(dir)
	require.NoError(t, err)
	defer reg.Close()
	id := NewID()
	_, err = reg.Register(id, HandlerFunc(func(context.Context, handle.Payload) error { return nil }), MultipleUse)
	require.NoError(t, err)

	err = Dial(context.Background(), dir, id, p)
	require.ErrorIs(t, err, handle.ErrInvalid)
	require.Equal(t, StatusInvalidHandle, StatusOf(err))
}

func TestSocketRegistry_RemovesStaleSocket(t *testing.T) {
	dir := shortTempDir(t)
	id := NewID()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id.fileName()+".sock"), nil, 0o600))

	reg, err := NewSocketRegistry(dir)
	require.NoError(t, err)
	defer reg.Close()

	_, err = reg.Register(id, HandlerFunc(func(context.Context, handle.Payload) error { return nil }), MultipleUse)
	require.NoError(t, err)
}

func TestSocketRegistry_ReplacesDeadListenerSocket(t *testing.T) {
	dir := shortTempDir(t)
	id := NewID()

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: SocketPath(dir, id), Net: "unix"})
	require.NoError(t, err)
	ln.SetUnlinkOnClose(false)
	require.NoError(t, ln.Close())

	reg, err := NewSocketRegistry(dir)
	require.NoError(t, err)
	defer reg.Close()

	var calls atomic.Int32
	_, err = reg.Register(id, countingHandler(&calls), MultipleUse)
	require.NoError(t, err)

	p, _, _ := pipePayload(t)
	require.NoError(t, Dial(context.Background(), dir, id, p))
	require.Equal(t, int32(1), calls.Load())
}

func TestSocketRegistry_SecondServerCannotTakeLiveSocket(t *testing.T) {
	dir := shortTempDir(t)
	id := NewID()

	first, err := NewSocketRegistry(dir)
	require.NoError(t, err)
	defer first.Close()
	second, err := NewSocketRegistry(dir)
	require.NoError(t, err)
	defer second.Close()

	var firstCalls, secondCalls atomic.Int32
	_, err = first.Register(id, countingHandler(&firstCalls), MultipleUse)
	require.NoError(t, err)

	_, err = second.Register(id, countingHandler(&secondCalls), MultipleUse)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
	require.Equal(t, StatusObjectAlreadyRegistered, StatusOf(err))

	p, _, _ := pipePayload(t)
	require.NoError(t, Dial(context.Background(), dir, id, p))
	require.Equal(t, int32(1), firstCalls.Load())
	require.Equal(t, int32(0), secondCalls.Load())

	// The liveness check itself is not an activation.
	require.NoError(t, Dial(context.Background(), dir, id, p))
	require.Equal(t, int32(2), firstCalls.Load())
}

func TestSocketRegistry_CloseCancelsDelivery(t *testing.T) {
	reg, err := NewSocketRegistry(shortTempDir(t))
	require.NoError(t, err)

	id := NewID()
	entered := make(chan struct{})
	_, err = reg.Register(id, HandlerFunc(func(ctx context.Context, _ handle.Payload) error {
		close(entered)
		<-ctx.Done()
		return &StatusError{Op: "establish", Status: StatusAborted, Err: ctx.Err()}
	}), MultipleUse)
	require.NoError(t, err)

	p, _, _ := pipePayload(t)
	done := make(chan error, 1)
	go func() { done <- Dial(context.Background(), reg.Dir(), id, p) }()
	<-entered

	require.NoError(t, reg.Close())
	err = <-done
	require.Equal(t, StatusAborted, StatusOf(err))
}
