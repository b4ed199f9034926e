package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message types written by a bridge, one JSON object per line.
const (
	TypeEvent  = "event"
	TypeResult = "result"
	TypeError  = "error"
	TypeFatal  = "fatal"
)

// Event names carried by TypeEvent messages.
const (
	EventReady        = "ready"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventMonitor      = "monitor"
)

// Command names understood by a bridge.
const (
	CmdVersion      = "version"
	CmdParse        = "parse"
	CmdConnect      = "connect"
	CmdDisconnect   = "disconnect"
	CmdStatus       = "status"
	CmdInfo         = "info"
	CmdMonitor      = "monitor"
	CmdStatistics   = "statistics"
	CmdFGStatistics = "fgstatistics"
	CmdLogFiles     = "logfiles"
	CmdReadLog      = "readlog"
	CmdStream       = "stream"
	CmdQuit         = "quit"
)

// Message is one parsed bridge output line.
type Message struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	ID      string          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// ParseMessage decodes a single output line.
func ParseMessage(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("bridge: malformed message: %w", err)
	}

	switch msg.Type {
	case TypeEvent:
		if msg.Event == "" {
			return nil, errors.New("bridge: event without name")
		}
	case TypeResult, TypeError:
		if msg.ID == "" {
			return nil, fmt.Errorf("bridge: %s without id", msg.Type)
		}
	case TypeFatal:
	default:
		return nil, fmt.Errorf("bridge: unknown message type %q", msg.Type)
	}
	return &msg, nil
}

// FormatCommand builds the "<id> <name> [args...]" command line.
func FormatCommand(id, name string, args ...string) (string, error) {
	if id == "" || name == "" {
		return "", errors.New("bridge: command id and name are required")
	}
	parts := make([]string, 0, len(args)+2)
	parts = append(parts, id, name)
	for _, arg := range args {
		if arg == "" || strings.ContainsAny(arg, " \r\n") {
			return "", fmt.Errorf("bridge: invalid argument %q for %s", arg, name)
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " "), nil
}

// TimeoutError is returned when a command receives no response in time.
type TimeoutError struct {
	Command string
	ID      string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bridge: command %s (%s) timed out", e.Command, e.ID)
}

// CommandError carries an explicit error response from the bridge.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("bridge: command %s failed: %s", e.Command, e.Message)
}

// ExitError reports that the bridge transport terminated.
type ExitError struct {
	Code        int
	Diagnostics string
}

func (e *ExitError) Error() string {
	if e.Diagnostics != "" {
		return fmt.Sprintf("bridge: exited with code %d: %s", e.Code, e.Diagnostics)
	}
	return fmt.Sprintf("bridge: exited with code %d", e.Code)
}

// StartupError reports a failed startup handshake.
type StartupError struct {
	Reason string
	Err    error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("bridge: startup failed: %s", e.Reason)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

var (
	// ErrAlreadyStarted is returned by Start while a client is starting or running.
	ErrAlreadyStarted = errors.New("bridge: already started")
	// ErrNotRunning is returned when a command is sent without a live transport.
	ErrNotRunning = errors.New("bridge: not running")
)
