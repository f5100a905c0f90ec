package testutil

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ptyhandoff/internal/handle"
)

func TestPayloadBuilder_WiresPipes(t *testing.T) {
	p, pipes := NewPayload(t).WithTitle("shell").WithSize(120, 40).Build()

	require.Equal(t, "shell", p.StartupInfo.Title)
	require.Equal(t, uint16(120), p.StartupInfo.Columns)
	require.Equal(t, uint16(40), p.StartupInfo.Rows)
	for _, h := range p.Handles.Values() {
		require.True(t, h.Valid())
	}

	_, err := pipes.Out.Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = io.ReadFull(pipes.In, buf)
	require.NoError(t, err)
	require.Equal(t, "x", string(buf))
}

func TestPayloadBuilder_WithInvalid(t *testing.T) {
	p, _ := NewPayload(t).WithInvalid(handle.RoleRef).Build()

	require.Equal(t, handle.Invalid, p.Handles.Ref)
	require.True(t, p.Handles.In.Valid())
}
