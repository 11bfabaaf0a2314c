// Package interactive provides the interactive command-line interface
// for softreg.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/chzyer/readline"

	"github.com/ardnew/softreg/devfs"
	"github.com/ardnew/softreg/driver"
	"github.com/ardnew/softreg/hal"
	"github.com/ardnew/softreg/pkg"
)

// Bus plays the device side of a platform: it plugs and unplugs devices
// and fires their interrupts.
type Bus interface {
	// Plug adds a device and returns its handle.
	Plug(res hal.Resource) (string, error)

	// Unplug removes the device with handle.
	Unplug(handle string) error

	// Raise fires the interrupt of the device with handle.
	Raise(handle string) error
}

// Shell handles interactive mode.
type Shell struct {
	drv *driver.Driver
	ns  *devfs.Namespace
	bus Bus
	rl  *readline.Instance
}

// New creates a shell over a started driver. The readline instance is
// created immediately so callers can route logging through Stderr.
func New(drv *driver.Driver, ns *devfs.Namespace, bus Bus) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "softreg> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Shell{drv: drv, ns: ns, bus: bus, rl: rl}, nil
}

// Stdout returns a writer that coordinates with the prompt.
func (s *Shell) Stdout() io.Writer { return s.rl.Stdout() }

// Stderr returns a writer that coordinates with the prompt.
func (s *Shell) Stderr() io.Writer { return s.rl.Stderr() }

// Run reads commands until quit, EOF or ctx is done.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	out := s.rl.Stdout()
	PrintHelp(out)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(out, "Exiting...")
			cancel()
			return
		}

		if !Exec(out, s.drv, s.ns, s.bus, line) {
			fmt.Fprintln(out, "Exiting...")
			cancel()
			return
		}
	}
}

// Exec runs one command line, writing its output to w. It returns false
// when the line asks to quit.
func Exec(w io.Writer, drv *driver.Driver, ns *devfs.Namespace, bus Bus, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	c := &command{w: w, drv: drv, ns: ns, bus: bus}
	switch cmd {
	case "help", "?":
		PrintHelp(w)
	case "ls":
		c.list()
	case "cat":
		c.cat(args)
	case "echo":
		c.echo(args)
	case "irq":
		c.irq(args)
	case "plug":
		c.plug(args)
	case "unplug":
		c.unplug(args)
	case "stats":
		c.stats()
	case "quit", "exit", "q":
		return false
	default:
		fmt.Fprintf(w, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

// PrintHelp writes the command summary.
func PrintHelp(w io.Writer) {
	fmt.Fprintln(w, `
Commands:
  ls                     - List entry points
  cat <node>             - Read a register
  echo <value> <node>    - Write a register
  irq <node>             - Fire a device's interrupt
  plug <addr> [irq]      - Plug a device (address in C syntax, e.g. 0x40000000)
  unplug <node>          - Unplug a device
  stats                  - Show driver counters
  help                   - Show this help
  quit                   - Stop the driver and exit`)
}

type command struct {
	w   io.Writer
	drv *driver.Driver
	ns  *devfs.Namespace
	bus Bus
}

func (c *command) fail(op, node string, err error) {
	fmt.Fprintf(c.w, "%s: %s: %v (%s)\n", op, node, err, pkg.Errno(err))
}

func (c *command) list() {
	nodes := c.ns.List()
	if len(nodes) == 0 {
		fmt.Fprintln(c.w, "no devices")
		return
	}
	tw := tabwriter.NewWriter(c.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tMINOR\tHANDLE\tADDRESS\tIRQ")
	for _, n := range nodes {
		inst, err := c.drv.Registry().Lookup(n.Minor)
		if err != nil {
			continue
		}
		res := inst.Resource()
		fmt.Fprintf(tw, "%s\t%d\t%s\t%#x\t%d\n", n.Name, n.Minor, res.Handle, res.Address, res.IRQ)
	}
	tw.Flush()
}

func (c *command) cat(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.w, "usage: cat <node>")
		return
	}
	s, err := c.ns.Open(args[0])
	if err != nil {
		c.fail("cat", args[0], err)
		return
	}
	defer s.Close()

	buf := make([]byte, driver.MaxValueLen)
	n, err := s.Read(buf)
	if err != nil {
		c.fail("cat", args[0], err)
		return
	}
	fmt.Fprintln(c.w, string(buf[:n]))
}

func (c *command) echo(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(c.w, "usage: echo <value> <node>")
		return
	}
	s, err := c.ns.Open(args[1])
	if err != nil {
		c.fail("echo", args[1], err)
		return
	}
	defer s.Close()

	if _, err := s.Write([]byte(args[0])); err != nil {
		c.fail("echo", args[1], err)
	}
}

// resolve returns the instance published as node.
func (c *command) resolve(op, node string) (*driver.Instance, bool) {
	n, err := c.ns.Lookup(node)
	if err == nil {
		var inst *driver.Instance
		if inst, err = c.drv.Registry().Lookup(n.Minor); err == nil {
			return inst, true
		}
	}
	c.fail(op, node, err)
	return nil, false
}

func (c *command) irq(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.w, "usage: irq <node>")
		return
	}
	inst, ok := c.resolve("irq", args[0])
	if !ok {
		return
	}
	if inst.Resource().IRQ == 0 {
		fmt.Fprintf(c.w, "irq: %s: device has no interrupt line\n", args[0])
		return
	}
	if err := c.bus.Raise(inst.Handle()); err != nil {
		c.fail("irq", args[0], err)
	}
}

func (c *command) plug(args []string) {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(c.w, "usage: plug <addr> [irq]")
		return
	}
	addr, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		fmt.Fprintf(c.w, "plug: bad address %q\n", args[0])
		return
	}
	res := hal.Resource{Address: addr, Size: hal.RegisterSize}
	if len(args) == 2 {
		line, err := strconv.Atoi(args[1])
		if err != nil || line < 0 {
			fmt.Fprintf(c.w, "plug: bad interrupt line %q\n", args[1])
			return
		}
		res.IRQ = line
	}
	handle, err := c.bus.Plug(res)
	if err != nil {
		c.fail("plug", args[0], err)
		return
	}
	fmt.Fprintf(c.w, "plugged %s\n", handle)
}

func (c *command) unplug(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.w, "usage: unplug <node>")
		return
	}
	inst, ok := c.resolve("unplug", args[0])
	if !ok {
		return
	}
	if err := c.bus.Unplug(inst.Handle()); err != nil {
		c.fail("unplug", args[0], err)
	}
}

func (c *command) stats() {
	st := c.drv.Stats()
	fmt.Fprintf(c.w, "attached:   %d/%d\n", st.Attached, st.Capacity)
	fmt.Fprintf(c.w, "interrupts: %d\n", st.Interrupts)
	fmt.Fprintf(c.w, "irq drops:  %d\n", st.IRQDrops)
}
