//go:build unix

package activation

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zjrosen/ptyhandoff/internal/handle"
	"github.com/zjrosen/ptyhandoff/internal/log"
)

// SocketRegistry exposes registrations as unix sockets. An activator
// connects to SocketPath(dir, id) and sends one message whose data is the
// JSON startup info and whose ancillary data carries the six descriptors
// (SCM_RIGHTS). The registry replies with a 4-byte big-endian Status.
//
// Received descriptors are the activator's originals as far as the handler
// is concerned; the registry closes them once the handler returns.
type SocketRegistry struct {
	dir   string
	local *LocalRegistry

	mu        sync.Mutex
	listeners map[Token]*net.UnixListener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Registry = (*SocketRegistry)(nil)

// staleCheckTimeout bounds the connect used to detect a live server.
const staleCheckTimeout = time.Second

// errEmptyRequest is a connection closed without sending anything.
var errEmptyRequest = errors.New("empty activation request")

// NewSocketRegistry creates dir (0700) if needed and returns a registry
// that listens there.
func NewSocketRegistry(dir string, opts ...LocalOption) (*SocketRegistry, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketRegistry{
		dir:       dir,
		local:     NewLocalRegistry(opts...),
		listeners: make(map[Token]*net.UnixListener),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Dir returns the socket directory.
func (s *SocketRegistry) Dir() string {
	return s.dir
}

// Register starts listening for id and installs h.
func (s *SocketRegistry) Register(id ID, h Handler, mode Mode) (Token, error) {
	path := SocketPath(s.dir, id)
	if s.local.Registered(id) || s.listening(path) {
		return 0, &StatusError{Op: "register", Status: StatusObjectAlreadyRegistered, Err: ErrAlreadyRegistered}
	}

	if err := removeStale(path); err != nil {
		return 0, err
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return 0, &StatusError{Op: "register", Status: StatusFail, Err: err}
	}

	token, err := s.local.Register(id, h, mode)
	if err != nil {
		_ = ln.Close()
		return 0, err
	}

	s.mu.Lock()
	s.listeners[token] = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.accept(ln, id)

	log.Info(log.CatRegistry, "Listening for activations", "id", id, "path", path)
	return token, nil
}

// removeStale unlinks path unless another server is accepting on it.
// Only a refused connection marks a leftover socket file as stale.
func removeStale(path string) error {
	conn, err := net.DialTimeout("unix", path, staleCheckTimeout)
	switch {
	case err == nil:
		_ = conn.Close()
		return &StatusError{Op: "register", Status: StatusObjectAlreadyRegistered, Err: ErrAlreadyRegistered}
	case errors.Is(err, os.ErrNotExist):
		return nil
	case errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ENOTSOCK):
	default:
		return &StatusError{Op: "register", Status: StatusFail, Err: fmt.Errorf("checking existing socket: %w", err)}
	}

	log.Debug(log.CatRegistry, "Removing stale socket", "path", path)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StatusError{Op: "register", Status: StatusFail, Err: fmt.Errorf("removing stale socket: %w", err)}
	}
	return nil
}

// listening reports whether a live token still owns the socket at path,
// which is the case for a consumed single-use registration not yet revoked.
func (s *SocketRegistry) listening(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		if ln.Addr().String() == path {
			return true
		}
	}
	return false
}

// Revoke stops listening and removes the registration. Connections already
// accepted are still served.
func (s *SocketRegistry) Revoke(token Token) error {
	s.mu.Lock()
	ln := s.listeners[token]
	delete(s.listeners, token)
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	return s.local.Revoke(token)
}

// Close stops every listener, cancels in-flight activations and waits for
// connection handlers to finish.
func (s *SocketRegistry) Close() error {
	s.mu.Lock()
	for token, ln := range s.listeners {
		_ = ln.Close()
		delete(s.listeners, token)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *SocketRegistry) accept(ln *net.UnixListener, id ID) {
	defer s.wg.Done()
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.ErrorErr(log.CatRegistry, "Accept failed", err, "id", id)
			}
			return
		}
		s.wg.Add(1)
		go s.serve(conn, id)
	}
}

func (s *SocketRegistry) serve(conn *net.UnixConn, id ID) {
	defer s.wg.Done()
	defer conn.Close()

	p, err := readPayload(conn)
	if errors.Is(err, errEmptyRequest) {
		// Another registry checking whether this socket is live.
		return
	}
	var st Status
	if err != nil {
		log.ErrorErr(log.CatRegistry, "Malformed activation request", err, "id", id)
		st = StatusOf(err)
	} else {
		err = s.local.Activate(s.ctx, id, p)
		st = StatusOf(err)
		if cerr := handle.CloseSet(p.Handles); cerr != nil {
			log.ErrorErr(log.CatRegistry, "Closing received descriptors", cerr, "id", id)
		}
		if err != nil {
			log.Warn(log.CatRegistry, "Activation failed", "id", id, "status", st, "error", err)
		}
	}

	var reply [4]byte
	binary.BigEndian.PutUint32(reply[:], uint32(st))
	if _, err := conn.Write(reply[:]); err != nil {
		log.ErrorErr(log.CatRegistry, "Writing activation status", err, "id", id)
	}
}

func readPayload(conn *net.UnixConn) (handle.Payload, error) {
	buf := make([]byte, maxStartupInfo)
	oob := make([]byte, unix.CmsgSpace(handle.NumRoles*4))

	n, oobn, flags, _, err := conn.ReadMsgUnix(buf, oob)
	if n == 0 && oobn == 0 && (err == nil || errors.Is(err, io.EOF)) {
		return handle.Payload{}, errEmptyRequest
	}
	if err != nil {
		return handle.Payload{}, &StatusError{Op: "read activation", Status: StatusFail, Err: err}
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil || flags&unix.MSG_CTRUNC != 0 || len(fds) != handle.NumRoles {
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
		if err == nil {
			err = fmt.Errorf("expected %d descriptors, got %d", handle.NumRoles, len(fds))
		}
		return handle.Payload{}, &StatusError{Op: "read activation", Status: StatusInvalidArg, Err: err}
	}

	var v [handle.NumRoles]handle.Handle
	for i, fd := range fds {
		v[i] = handle.Handle(fd)
	}
	p := handle.Payload{Handles: handle.FromValues(v)}

	if n > 0 {
		if err := json.Unmarshal(buf[:n], &p.StartupInfo); err != nil {
			_ = handle.CloseSet(p.Handles)
			return handle.Payload{}, &StatusError{Op: "read activation", Status: StatusInvalidArg, Err: fmt.Errorf("decoding startup info: %w", err)}
		}
	}
	return p, nil
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

// Dial activates id by passing p's handles to the SocketRegistry listening
// in dir. It blocks until the registry replies, which happens after the
// consumer has taken the handles. The caller keeps ownership of p's handles.
func Dial(ctx context.Context, dir string, id ID, p handle.Payload) error {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", SocketPath(dir, id))
	if err != nil {
		return &StatusError{Op: "activate", Status: StatusClassNotRegistered, Err: fmt.Errorf("%w: %v", ErrNotRegistered, err)}
	}
	conn := c.(*net.UnixConn)
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	fds := make([]int, 0, handle.NumRoles)
	for i, h := range p.Handles.Values() {
		if !h.Valid() {
			return &StatusError{Op: "activate", Status: StatusInvalidHandle, Err: fmt.Errorf("%s: %w", handle.Role(i), handle.ErrInvalid)}
		}
		fds = append(fds, int(h))
	}

	data, err := json.Marshal(p.StartupInfo)
	if err != nil {
		return &StatusError{Op: "activate", Status: StatusInvalidArg, Err: err}
	}

	if _, _, err := conn.WriteMsgUnix(data, unix.UnixRights(fds...), nil); err != nil {
		return &StatusError{Op: "activate", Status: StatusFail, Err: err}
	}

	var reply [4]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		if ctx.Err() != nil {
			return &StatusError{Op: "activate", Status: StatusAborted, Err: ctx.Err()}
		}
		return &StatusError{Op: "activate", Status: StatusFail, Err: fmt.Errorf("reading status: %w", err)}
	}
	return errorForStatus("activate", Status(binary.BigEndian.Uint32(reply[:])))
}
