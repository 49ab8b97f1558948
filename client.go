package examftp

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gonzalop/examftp/internal/ratelimit"
	"github.com/gonzalop/examftp/internal/transfer"
	"github.com/gonzalop/examftp/internal/wire"
)

// Client represents a student connection to the exam server.
type Client struct {
	// conn is the underlying network connection (control channel)
	conn net.Conn

	// reader frames lines on the control channel; owned by readLoop
	reader *wire.LineReader

	// lines carries replies and payload lines from readLoop
	lines chan string

	// pushes carries decoded server pushes from readLoop
	pushes chan wire.Push

	// readDone is closed when readLoop exits; readErr is valid after that
	readDone chan struct{}
	readErr  error

	// timeout is the timeout for dialing and for each reply
	timeout time.Duration

	// idleTimeout is the maximum idle time before a PING keep-alive is sent.
	// If zero, no automatic keep-alive is performed
	idleTimeout time.Duration

	// logger is used for debug logging
	logger *slog.Logger

	// dialer is used to establish control and data connections
	dialer *net.Dialer

	// host of the control connection, used when a 227 announces 0.0.0.0
	host string

	// limiter paces data transfers when non-nil
	limiter *ratelimit.Limiter

	// chunkSize is the transfer chunk size
	chunkSize int

	// progress receives transfer progress when non-nil
	progress ProgressFunc

	// mu serializes commands
	mu sync.Mutex

	// lastCommand tracks the time of the last command sent
	lastCommand time.Time

	// pasvAddr is the data address announced by an explicit Passive call
	pasvAddr string

	// transferInProgress is set while a data connection is open
	transferInProgress atomic.Bool

	// quitChan signals the keep-alive goroutine to stop
	quitChan  chan struct{}
	closeOnce sync.Once
}

// Dial connects to an exam server at the given address and waits for its
// greeting. The address should be in the form "host:port".
//
// Example:
//
//	client, err := examftp.Dial("10.0.0.5:2121")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Quit()
//
// A server that is already at capacity answers 421; Dial then returns a
// *ProtocolError with that code.
func Dial(addr string, options ...Option) (*Client, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	c := &Client{
		host:      host,
		timeout:   30 * time.Second,
		dialer:    &net.Dialer{},
		logger:    slog.New(slog.DiscardHandler),
		chunkSize: transfer.MinChunkSize,
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	c.dialer.Timeout = c.timeout

	conn, err := c.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn
	c.reader = wire.NewLineReader(conn)
	c.lines = make(chan string, 16)
	c.pushes = make(chan wire.Push, pushBuffer)
	c.readDone = make(chan struct{})
	go c.readLoop()

	greeting, err := c.readReply()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read greeting: %w", err)
	}
	if greeting.Code != wire.CodeGreeting {
		conn.Close()
		return nil, &ProtocolError{Command: "connect", Response: greeting.Text, Code: greeting.Code}
	}
	c.logger.Debug("connected", "addr", addr, "greeting", greeting.Text)

	c.lastCommand = time.Now()
	c.startKeepAlive()

	return c, nil
}

// Pushes returns the channel of out-of-band server pushes: announcements,
// countdown updates, time-up and shutdown notices. The channel is closed when
// the control connection ends. Pushes are dropped if the channel is not drained.
func (c *Client) Pushes() <-chan wire.Push {
	return c.pushes
}

// Done is closed when the control connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.readDone
}

// Login authenticates with the exam server.
//
// The returned error matches ErrAlreadyConnected when another live session
// holds the identity, ErrLoginClosed once the exam is running, and
// ErrBadCredentials for an unknown identity or wrong secret. For the first
// two the server also closes the connection.
func (c *Client) Login(id, secret string) error {
	if _, err := c.expectCode(wire.CodeNeedPassword, wire.KindUser, id); err != nil {
		return err
	}
	if _, err := c.expectCode(wire.CodeLoggedIn, wire.KindPass, secret); err != nil {
		return err
	}
	return nil
}

// Ping checks that the session is alive and refreshes its activity time.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeCommand(wire.KindPing); err != nil {
		return err
	}
	line, err := c.nextLine()
	if err != nil {
		return err
	}
	if line != wire.Pong {
		return &ProtocolError{Command: "PING", Response: line}
	}
	return nil
}

// List returns the names of the files in the question bank.
func (c *Client) List() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeCommand(wire.KindList); err != nil {
		return nil, err
	}
	line, err := c.nextLine()
	if err != nil {
		return nil, err
	}
	if names, err := wire.ParseList(line); err == nil {
		return names, nil
	}
	return nil, unexpected(wire.KindList, nil, line)
}

// Passive asks the server for a data port ahead of the next transfer.
// Calling it is optional; Store and Retrieve open one implicitly.
func (c *Client) Passive() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeCommand(wire.KindPasv); err != nil {
		return "", err
	}
	reply, err := c.readReply()
	if err != nil {
		return "", err
	}
	if reply.Code != wire.CodePassive {
		return "", protocolError(wire.KindPasv, nil, reply)
	}
	addr, err := wire.DataAddr(reply.String(), c.host)
	if err != nil {
		return "", err
	}
	c.pasvAddr = addr
	return addr, nil
}

// Store uploads data to the server under name. Only the base name is sent.
func (c *Client) Store(name string, data []byte) error {
	name = filepath.Base(name)
	size := strconv.FormatInt(int64(len(data)), 10)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeCommand(wire.KindStor, name, size); err != nil {
		return err
	}
	conn, err := c.openDataConn(wire.KindStor, []string{name, size})
	if err != nil {
		return err
	}

	if _, err := c.awaitReady(wire.KindStor, conn); err != nil {
		return err
	}

	opts := c.transferOptions(int64(len(data)))
	opts.Progress = c.progressFor(name, true, int64(len(data)))
	_, sendErr := transfer.Send(conn, data, opts)
	conn.Close()
	c.transferInProgress.Store(false)

	reply, err := c.readReply()
	if err != nil {
		return err
	}
	if reply.Code != wire.CodeTransferDone {
		return protocolError(wire.KindStor, []string{name, size}, reply)
	}
	if sendErr != nil {
		return fmt.Errorf("%w: %w", ErrIncomplete, sendErr)
	}
	return nil
}

// StoreFile uploads the local file at path under its base name.
func (c *Client) StoreFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.Store(filepath.Base(path), data)
}

// Retrieve downloads a question file.
func (c *Client) Retrieve(name string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeCommand(wire.KindRetr, name); err != nil {
		return nil, err
	}
	conn, err := c.openDataConn(wire.KindRetr, []string{name})
	if err != nil {
		return nil, err
	}

	size, err := c.awaitReady(wire.KindRetr, conn)
	if err != nil {
		return nil, err
	}

	opts := c.transferOptions(size)
	opts.Progress = c.progressFor(name, false, size)
	data, recvErr := transfer.Receive(conn, size, opts)
	conn.Close()
	c.transferInProgress.Store(false)

	reply, err := c.readReply()
	if err != nil {
		return nil, err
	}
	if reply.Code != wire.CodeTransferDone {
		return nil, protocolError(wire.KindRetr, []string{name}, reply)
	}
	if recvErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrIncomplete, recvErr)
	}
	return data, nil
}

// RetrieveTo downloads a question file and writes it to w.
func (c *Client) RetrieveTo(name string, w io.Writer) (int64, error) {
	data, err := c.Retrieve(name)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// Quit ends the session gracefully by sending QUIT and closing the connection.
func (c *Client) Quit() error {
	c.stopKeepAlive()

	c.mu.Lock()
	_ = c.writeCommand(wire.KindQuit)
	_, _ = c.readReply()
	c.mu.Unlock()

	return c.Close()
}

// Close closes the control connection without saying goodbye.
func (c *Client) Close() error {
	c.stopKeepAlive()
	return c.conn.Close()
}

func (c *Client) stopKeepAlive() {
	c.closeOnce.Do(func() {
		if c.quitChan != nil {
			close(c.quitChan)
		}
	})
}

// openDataConn reads the replies that precede a transfer and connects the data
// channel. On success the server has answered 150. c.mu must be held.
func (c *Client) openDataConn(kind wire.Kind, args []string) (net.Conn, error) {
	addr := c.pasvAddr
	c.pasvAddr = ""

	for {
		reply, err := c.readReply()
		if err != nil {
			return nil, err
		}
		switch reply.Code {
		case wire.CodePassive:
			addr, err = wire.DataAddr(reply.String(), c.host)
			if err != nil {
				return nil, err
			}
			continue
		case wire.CodeOpeningData:
		default:
			return nil, protocolError(kind, args, reply)
		}
		break
	}

	if addr == "" {
		return nil, fmt.Errorf("server opened a transfer without announcing a data port")
	}
	conn, err := c.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open data connection: %w", err)
	}
	c.transferInProgress.Store(true)
	return conn, nil
}

// awaitReady waits for the READY marker. size is zero when unknown.
func (c *Client) awaitReady(kind wire.Kind, conn net.Conn) (int64, error) {
	line, err := c.nextLine()
	if err != nil {
		conn.Close()
		c.transferInProgress.Store(false)
		return 0, err
	}
	if !wire.IsReady(line) {
		conn.Close()
		c.transferInProgress.Store(false)
		return 0, unexpected(kind, nil, line)
	}
	size, _, err := wire.ParseReady(line)
	if err != nil {
		conn.Close()
		c.transferInProgress.Store(false)
		return 0, err
	}
	return size, nil
}

func (c *Client) transferOptions(size int64) transfer.Options {
	return transfer.Options{
		ChunkSize: c.chunkSize,
		Timeout:   max(transfer.TimeoutFor(size), c.timeout),
		Limiter:   c.limiter,
	}
}

// unexpected turns a line that is neither the expected payload nor a reply
// into an error.
func unexpected(kind wire.Kind, args []string, line string) error {
	if reply, err := wire.ParseReply(line); err == nil {
		return protocolError(kind, args, reply)
	}
	return &ProtocolError{Command: kind.String(), Response: line}
}
