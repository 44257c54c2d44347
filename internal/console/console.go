// Package console is the interactive line console of a running node.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/postalsys/onionmesh/internal/circuit"
	"github.com/postalsys/onionmesh/internal/logging"
	"github.com/postalsys/onionmesh/internal/protocol"
	"github.com/postalsys/onionmesh/internal/recovery"
)

const prompt = "onion> "

// Node is the node surface the console drives.
type Node interface {
	ConnectedPeerInfos() []protocol.PeerInfo
	KnownPeers() []protocol.PeerInfo
	Circuit() (circuit.Snapshot, bool)
	BuildCircuit() error
	SendCircuitData(data []byte) error
	CloseCircuit() error
}

// Config contains console configuration.
type Config struct {
	In  io.Reader
	Out io.Writer

	// Interactive prints a prompt before each line.
	Interactive bool

	Logger *slog.Logger
}

// Console reads commands line by line and runs them against a Node.
type Console struct {
	node        Node
	in          io.Reader
	out         io.Writer
	interactive bool
	logger      *slog.Logger
}

// New creates a console for node.
func New(node Node, cfg Config) *Console {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &Console{
		node:        node,
		in:          cfg.In,
		out:         cfg.Out,
		interactive: cfg.Interactive,
		logger:      logging.OrNop(cfg.Logger).With(logging.KeyComponent, "console"),
	}
}

// IsInteractive reports whether f is a terminal.
func IsInteractive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// errQuit ends Run without an error.
var errQuit = errors.New("quit")

// Run processes commands until input ends, quit is entered or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer recovery.RecoverWithLog(c.logger, "console.read")
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.showPrompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if err := c.Execute(line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintln(c.out, FormatError(err))
			}
			c.showPrompt()
		}
	}
}

func (c *Console) showPrompt() {
	if c.interactive {
		fmt.Fprint(c.out, prompt)
	}
}

// Execute runs a single command line.
func (c *Console) Execute(line string) error {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "":
		return nil
	case "help", "?":
		c.help()
		return nil
	case "quit", "exit":
		return errQuit
	case "status":
		snap, _ := c.node.Circuit()
		fmt.Fprint(c.out, FormatCircuit(snap))
		return nil
	case "peers":
		fmt.Fprint(c.out, FormatPeers(c.node.ConnectedPeerInfos(), c.node.KnownPeers()))
		return nil
	case "build":
		if err := c.node.BuildCircuit(); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "building circuit")
		return nil
	case "close":
		if err := c.node.CloseCircuit(); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "circuit closed")
		return nil
	case "send":
		return c.send(arg)
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

// send pushes text into the circuit. Without an active circuit it starts
// a build instead and the text has to be sent again.
func (c *Console) send(text string) error {
	if text == "" {
		return errors.New("usage: send <text>")
	}

	err := c.node.SendCircuitData([]byte(text))
	if !errors.Is(err, circuit.ErrNotReady) {
		if err == nil {
			fmt.Fprintf(c.out, "sent %d bytes\n", len(text))
		}
		return err
	}

	if err := c.node.BuildCircuit(); err != nil && !errors.Is(err, circuit.ErrBuildInProgress) {
		return err
	}
	fmt.Fprintln(c.out, warnStyle.Render("circuit not ready")+", building; send again once status shows active")
	return nil
}

func (c *Console) help() {
	fmt.Fprint(c.out, `commands:
  build         build a new circuit
  status        show the circuit
  peers         list connected and known peers
  send <text>   send text through the circuit
  close         tear the circuit down
  help          show this help
  quit          leave the console
`)
}
