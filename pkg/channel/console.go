package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ConsoleChannel is the channel identity the console adapter serves.
const ConsoleChannel = "console"

// Console is a terminal adapter: one line in, formatted lines out. It exists
// so the daemon is fully exercisable without an external chat front end.
type Console struct {
	in  io.Reader
	mu  sync.Mutex
	out io.Writer
}

// NewConsole creates a console adapter over the given streams.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: in, out: out}
}

func (c *Console) Name() string { return "console" }

// Listen reads one message per line until EOF or ctx cancellation.
func (c *Console) Listen(ctx context.Context, inbound InboundFunc) error {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		inbound(InboundMessage{Channel: ConsoleChannel, Text: text})
	}
	return scanner.Err()
}

func (c *Console) SendMessage(_, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, text)
	return err
}

// SendStatus prints the progress line; the console cannot edit in place, so
// EditStatus prints a fresh line under the same prefix.
func (c *Console) SendStatus(_, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "… %s\n", text)
	return "console-status", err
}

func (c *Console) EditStatus(_, _, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "… %s\n", text)
	return err
}

func (c *Console) SendButtons(_, text string, buttons []Button) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintln(c.out, text); err != nil {
		return err
	}
	for _, b := range buttons {
		if _, err := fmt.Fprintf(c.out, "  [%s] type: %s\n", b.Label, b.Action); err != nil {
			return err
		}
	}
	return nil
}
