// Package testutil builds handoff payloads backed by real pipes for tests.
package testutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ptyhandoff/internal/handle"
)

// Pipes holds the files behind a built payload. Reader/writer pairs are
// wired so that writing to Out can be read from In, and writing to Client
// can be read from Server.
type Pipes struct {
	In, Out        *os.File
	Signal, Ref    *os.File
	Server, Client *os.File
}

// PayloadBuilder accumulates payload settings.
type PayloadBuilder struct {
	t       *testing.T
	info    handle.StartupInfo
	invalid map[handle.Role]bool
}

// NewPayload starts a payload with a default 80x24 startup info.
func NewPayload(t *testing.T) *PayloadBuilder {
	t.Helper()
	return &PayloadBuilder{
		t:       t,
		info:    handle.StartupInfo{Title: "test", ShowWindow: 1, Columns: 80, Rows: 24},
		invalid: map[handle.Role]bool{},
	}
}

// WithTitle sets the startup title.
func (b *PayloadBuilder) WithTitle(title string) *PayloadBuilder {
	b.info.Title = title
	return b
}

// WithSize sets the initial console size.
func (b *PayloadBuilder) WithSize(cols, rows uint16) *PayloadBuilder {
	b.info.Columns, b.info.Rows = cols, rows
	return b
}

// WithInvalid replaces the handle for role with handle.Invalid.
func (b *PayloadBuilder) WithInvalid(role handle.Role) *PayloadBuilder {
	b.invalid[role] = true
	return b
}

// Build creates three pipes and returns the payload plus its files. The
// files are closed when the test ends.
func (b *PayloadBuilder) Build() (handle.Payload, *Pipes) {
	b.t.Helper()

	p := &Pipes{}
	var err error
	p.In, p.Out, err = os.Pipe()
	require.NoError(b.t, err)
	p.Signal, p.Ref, err = os.Pipe()
	require.NoError(b.t, err)
	p.Server, p.Client, err = os.Pipe()
	require.NoError(b.t, err)

	b.t.Cleanup(func() {
		for _, f := range []*os.File{p.In, p.Out, p.Signal, p.Ref, p.Server, p.Client} {
			_ = f.Close()
		}
	})

	files := [handle.NumRoles]*os.File{p.In, p.Out, p.Signal, p.Ref, p.Server, p.Client}
	var values [handle.NumRoles]handle.Handle
	for i, f := range files {
		values[i] = handle.Handle(f.Fd())
		if b.invalid[handle.Role(i)] {
			values[i] = handle.Invalid
		}
	}
	return handle.Payload{Handles: handle.FromValues(values), StartupInfo: b.info}, p
}
