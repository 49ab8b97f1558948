package examftp

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gonzalop/examftp/internal/wire"
)

// pushBuffer is the number of undelivered pushes kept before new ones are dropped.
const pushBuffer = 64

// readLoop owns the control connection's read side. Pushes go to c.pushes and
// everything else to c.lines. Both channels are closed when the connection ends.
func (c *Client) readLoop() {
	defer close(c.readDone)
	defer close(c.pushes)
	defer close(c.lines)

	for {
		line, err := c.reader.ReadLine()
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			c.readErr = err
			if c.logger != nil {
				c.logger.Debug("control connection closed", "error", err)
			}
			return
		}

		if wire.IsPush(line) {
			c.deliverPush(line)
		} else if line != "" {
			c.lines <- line
		}

		if err != nil {
			c.readErr = err
			return
		}
	}
}

func (c *Client) deliverPush(line string) {
	p, err := wire.ParsePush(line)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("ignoring malformed push", "line", line, "error", err)
		}
		return
	}
	if c.logger != nil {
		c.logger.Debug("push received", "kind", p.Kind.String())
	}
	select {
	case c.pushes <- p:
	default:
		if c.logger != nil {
			c.logger.Warn("push dropped, receiver not keeping up", "kind", p.Kind.String())
		}
	}
}

// nextLine waits for the next non-push line from the server.
func (c *Client) nextLine() (string, error) {
	var timeout <-chan time.Time
	if c.timeout > 0 {
		t := time.NewTimer(c.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case line, ok := <-c.lines:
		if !ok {
			<-c.readDone
			if c.readErr != nil && !errors.Is(c.readErr, io.EOF) {
				return "", fmt.Errorf("%w: %w", ErrClosed, c.readErr)
			}
			return "", ErrClosed
		}
		if c.logger != nil {
			c.logger.Debug("server line", "line", line)
		}
		return line, nil
	case <-timeout:
		return "", fmt.Errorf("timed out waiting for server reply after %s", c.timeout)
	}
}

// readReply waits for the next line and parses it as a status reply.
func (c *Client) readReply() (wire.Reply, error) {
	line, err := c.nextLine()
	if err != nil {
		return wire.Reply{}, err
	}
	return wire.ParseReply(line)
}

// writeCommand sends one command line. c.mu must be held.
func (c *Client) writeCommand(kind wire.Kind, args ...string) error {
	if c.logger != nil {
		shown := args
		if kind == wire.KindPass {
			shown = []string{"****"}
		}
		c.logger.Debug("command", "cmd", kind.String(), "args", shown)
	}

	c.lastCommand = time.Now()

	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	if _, err := io.WriteString(c.conn, wire.FormatCommand(kind, args...)); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	return nil
}

// sendCommand sends a command and returns the first reply line.
func (c *Client) sendCommand(kind wire.Kind, args ...string) (wire.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeCommand(kind, args...); err != nil {
		return wire.Reply{}, err
	}
	return c.readReply()
}

// expectCode sends a command and returns a ProtocolError unless the reply
// carries the expected code.
func (c *Client) expectCode(code int, kind wire.Kind, args ...string) (wire.Reply, error) {
	reply, err := c.sendCommand(kind, args...)
	if err != nil {
		return reply, err
	}
	if reply.Code != code {
		return reply, protocolError(kind, args, reply)
	}
	return reply, nil
}

func protocolError(kind wire.Kind, args []string, reply wire.Reply) *ProtocolError {
	cmd := wire.Command{Kind: kind}
	if kind == wire.KindPass {
		args = []string{"****"}
	}
	if len(args) > 0 {
		cmd.Arg = strings.Join(args, " ")
	}
	return &ProtocolError{
		Command:  cmd.String(),
		Response: reply.Text,
		Code:     reply.Code,
	}
}
