package cmd

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/zjrosen/ptyhandoff/internal/handle"
	"github.com/zjrosen/ptyhandoff/internal/handoff"
	"github.com/zjrosen/ptyhandoff/internal/log"
)

// consumer receives deliveries for `serve`. With an argv it starts one
// child per delivery wired to the delivered In/Out channels; without one
// it reports the delivery and closes the handles.
type consumer struct {
	argv []string
	out  io.Writer

	wg sync.WaitGroup
}

func newConsumer(argv []string, out io.Writer) *consumer {
	return &consumer{argv: argv, out: out}
}

// Deliver is the handoff.Callback. It owns d.Handles and closes every
// handle it does not pass on.
func (c *consumer) Deliver(d handoff.Delivery) {
	info := d.StartupInfo
	fmt.Fprintf(c.out, "handoff: title=%q size=%dx%d handles=%v\n", info.Title, info.Columns, info.Rows, d.Handles.Values())

	if len(c.argv) == 0 {
		if err := handle.CloseSet(d.Handles); err != nil {
			log.ErrorErr(log.CatCLI, "Closing delivered handles", err)
		}
		return
	}

	for _, r := range []handle.Role{handle.RoleSignal, handle.RoleRef, handle.RoleServer, handle.RoleClient} {
		if err := handle.Close(d.Handles.Get(r)); err != nil {
			log.Debug(log.CatCLI, "Closing unused handle", "role", r, "error", err)
		}
	}

	in := d.Handles.In.File("handoff-in")
	out := d.Handles.Out.File("handoff-out")
	// The child holds its own copies after Start.
	defer func() {
		_ = in.Close()
		_ = out.Close()
	}()

	cmd := exec.Command(c.argv[0], c.argv[1:]...) // #nosec G204 -- argv comes from the operator's config or flags
	cmd.Stdin = in
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(),
		"PTYHANDOFF_TITLE="+info.Title,
		"COLUMNS="+strconv.Itoa(int(info.Columns)),
		"LINES="+strconv.Itoa(int(info.Rows)),
	)

	if err := cmd.Start(); err != nil {
		log.ErrorErr(log.CatCLI, "Starting consumer command", err, "argv", c.argv)
		fmt.Fprintf(c.out, "handoff: start %s: %v\n", c.argv[0], err)
		return
	}
	log.Info(log.CatCLI, "Consumer command started", "pid", cmd.Process.Pid, "argv", c.argv)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := cmd.Wait()
		log.Info(log.CatCLI, "Consumer command exited", "pid", cmd.Process.Pid, "error", err)
	}()
}

// Wait blocks until every started child has exited.
func (c *consumer) Wait() {
	c.wg.Wait()
}
