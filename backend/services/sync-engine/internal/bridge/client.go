package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultStartupTimeout = 10 * time.Second
	DefaultCommandTimeout = 30 * time.Second
	DefaultStopGrace      = time.Second

	maxLineBytes = 32 * 1024 * 1024
)

var idGenerator = generateSuffix

// Hooks receive bridge notifications that are not tied to a command.
// They are invoked from the client's read goroutine and must not block.
type Hooks struct {
	// OnEvent receives push events and fatal messages raised after ready.
	OnEvent func(Message)
	// OnExit is called once the transport has terminated.
	OnExit func(error)
}

// Options tune a Client. Zero durations fall back to defaults.
type Options struct {
	StartupTimeout time.Duration
	CommandTimeout time.Duration
	StopGrace      time.Duration
	Hooks          Hooks
	Logger         *zap.Logger
}

type commandOutcome struct {
	data json.RawMessage
	err  error
}

type pendingCommand struct {
	name string
	done chan commandOutcome
}

// Client owns one bridge transport for one device and exposes it as
// correlated request/response calls.
type Client struct {
	serial    string
	transport Transport
	logger    *zap.Logger
	hooks     Hooks

	startupTimeout time.Duration
	commandTimeout time.Duration
	stopGrace      time.Duration

	seq atomic.Uint64

	mu       sync.Mutex
	stream   Stream
	exited   chan struct{}
	starting bool
	ready    bool
	startCh  chan error
	pending  map[string]*pendingCommand
}

// NewClient builds a client for the device with the given serial.
func NewClient(serial string, transport Transport, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		serial:         serial,
		transport:      transport,
		logger:         logger.With(zap.String("device_serial", serial)),
		hooks:          opts.Hooks,
		startupTimeout: opts.StartupTimeout,
		commandTimeout: opts.CommandTimeout,
		stopGrace:      opts.StopGrace,
		pending:        make(map[string]*pendingCommand),
	}
	if c.startupTimeout <= 0 {
		c.startupTimeout = DefaultStartupTimeout
	}
	if c.commandTimeout <= 0 {
		c.commandTimeout = DefaultCommandTimeout
	}
	if c.stopGrace <= 0 {
		c.stopGrace = DefaultStopGrace
	}
	return c
}

// Serial returns the device serial.
func (c *Client) Serial() string {
	return c.serial
}

// Running reports whether the bridge completed its handshake and is still alive.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil && c.ready
}

// Start opens the transport and waits for the bridge's ready event.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.starting || c.stream != nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.starting = true
	c.mu.Unlock()

	stream, err := c.transport.Open(ctx)
	if err != nil {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
		return &StartupError{Reason: err.Error(), Err: err}
	}

	startCh := make(chan error, 1)
	exited := make(chan struct{})
	c.mu.Lock()
	c.stream = stream
	c.exited = exited
	c.ready = false
	c.startCh = startCh
	c.mu.Unlock()

	go c.readLoop(stream, exited)

	timer := time.NewTimer(c.startupTimeout)
	defer timer.Stop()

	select {
	case err := <-startCh:
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
		if err != nil {
			c.terminate(stream, exited)
			return err
		}
		c.logger.Info("bridge ready")
		return nil
	case <-timer.C:
		c.abortStart(stream, exited)
		reason := "timed out waiting for ready"
		if diag := stream.Diagnostics(); diag != "" {
			reason = diag
		}
		return &StartupError{Reason: reason}
	case <-ctx.Done():
		c.abortStart(stream, exited)
		return &StartupError{Reason: ctx.Err().Error(), Err: ctx.Err()}
	}
}

func (c *Client) abortStart(stream Stream, exited chan struct{}) {
	c.mu.Lock()
	c.startCh = nil
	c.starting = false
	c.mu.Unlock()
	c.terminate(stream, exited)
}

// terminate kills the stream and waits a bounded time for the read loop to finish.
func (c *Client) terminate(stream Stream, exited chan struct{}) {
	if err := stream.Kill(); err != nil {
		c.logger.Debug("kill bridge", zap.Error(err))
	}
	select {
	case <-exited:
	case <-time.After(c.stopGrace):
		c.logger.Warn("bridge did not exit after kill")
	}
}

// Stop asks the bridge to quit and kills it after the grace period. Stop is
// idempotent.
func (c *Client) Stop() error {
	c.mu.Lock()
	stream := c.stream
	exited := c.exited
	c.mu.Unlock()
	if stream == nil {
		return nil
	}

	if err := c.sendUncorrelated(stream, CmdQuit); err != nil {
		c.logger.Debug("send quit", zap.Error(err))
	}

	select {
	case <-exited:
		return nil
	case <-time.After(c.stopGrace):
	}

	c.logger.Warn("bridge ignored quit, killing", zap.Duration("grace", c.stopGrace))
	c.terminate(stream, exited)
	return nil
}

// SendCommand sends a correlated command and waits for its response.
func (c *Client) SendCommand(ctx context.Context, name string, args ...string) (json.RawMessage, error) {
	id := c.nextID()
	line, err := FormatCommand(id, name, args...)
	if err != nil {
		return nil, err
	}

	p := &pendingCommand{name: name, done: make(chan commandOutcome, 1)}
	c.mu.Lock()
	stream := c.stream
	if stream == nil || !c.ready {
		c.mu.Unlock()
		return nil, ErrNotRunning
	}
	c.pending[id] = p
	c.mu.Unlock()

	if err := stream.Send(line); err != nil {
		c.takePending(id)
		return nil, fmt.Errorf("bridge: send %s: %w", name, err)
	}

	timer := time.NewTimer(c.commandTimeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.data, out.err
	case <-timer.C:
		if c.takePending(id) != nil {
			c.logger.Warn("bridge command timed out", zap.String("command", name), zap.String("id", id))
			return nil, &TimeoutError{Command: name, ID: id}
		}
	case <-ctx.Done():
		if c.takePending(id) != nil {
			return nil, ctx.Err()
		}
	}
	// Resolved concurrently with the timeout; the outcome is already buffered.
	out := <-p.done
	return out.data, out.err
}

func (c *Client) sendUncorrelated(stream Stream, name string, args ...string) error {
	line, err := FormatCommand(c.nextID(), name, args...)
	if err != nil {
		return err
	}
	return stream.Send(line)
}

func (c *Client) nextID() string {
	return fmt.Sprintf("cmd_%d_%s", c.seq.Add(1), idGenerator())
}

func (c *Client) takePending(id string) *pendingCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return p
}

// signalStart resolves an in-flight Start. It reports whether one was waiting.
func (c *Client) signalStart(err error) bool {
	c.mu.Lock()
	ch := c.startCh
	c.startCh = nil
	if err == nil && ch != nil {
		c.ready = true
	}
	c.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- err
	return true
}

func (c *Client) readLoop(stream Stream, exited chan struct{}) {
	defer close(exited)

	scanner := bufio.NewScanner(stream.Output())
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := ParseMessage(line)
		if err != nil {
			c.logger.Warn("bridge protocol error", zap.Error(err), zap.ByteString("line", truncate(line, 256)))
			continue
		}
		c.dispatch(msg)
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("bridge output unreadable, killing", zap.Error(err))
		_ = stream.Kill()
		_, _ = io.Copy(io.Discard, stream.Output())
	}

	var exitErr error = &ExitError{Code: 0, Diagnostics: stream.Diagnostics()}
	if err := stream.Wait(); err != nil {
		exitErr = err
	}

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCommand)
	if c.stream == stream {
		c.stream = nil
		c.ready = false
	}
	c.mu.Unlock()

	for _, p := range pending {
		p.done <- commandOutcome{err: exitErr}
	}

	reason := exitErr.Error()
	if diag := stream.Diagnostics(); diag != "" {
		reason = diag
	}
	if c.signalStart(&StartupError{Reason: reason, Err: exitErr}) {
		c.logger.Warn("bridge exited before ready", zap.Error(exitErr))
	} else {
		c.logger.Info("bridge exited", zap.Error(exitErr), zap.Int("failed_pending", len(pending)))
	}

	if c.hooks.OnExit != nil {
		c.hooks.OnExit(exitErr)
	}
}

func (c *Client) dispatch(msg *Message) {
	switch msg.Type {
	case TypeEvent:
		if msg.Event == EventReady {
			c.signalStart(nil)
		}
		if c.hooks.OnEvent != nil {
			c.hooks.OnEvent(*msg)
		}
	case TypeResult, TypeError:
		p := c.takePending(msg.ID)
		if p == nil {
			c.logger.Debug("uncorrelated bridge response", zap.String("id", msg.ID), zap.String("type", msg.Type))
			return
		}
		if msg.Type == TypeError {
			p.done <- commandOutcome{err: &CommandError{Command: p.name, Message: msg.Message}}
			return
		}
		p.done <- commandOutcome{data: msg.Data}
	case TypeFatal:
		c.logger.Error("bridge fatal", zap.String("message", msg.Message))
		if c.signalStart(&StartupError{Reason: msg.Message}) {
			return
		}
		if c.hooks.OnEvent != nil {
			c.hooks.OnEvent(*msg)
		}
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

func generateSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
