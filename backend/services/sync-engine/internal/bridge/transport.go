package bridge

import (
	"context"
	"io"
)

// Transport opens a channel to one device bridge. A bridge may be a local
// subprocess or a remote gateway; the client only depends on this contract.
type Transport interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is one open bridge channel.
type Stream interface {
	// Output yields newline-delimited JSON messages until the bridge exits.
	Output() io.Reader
	// Send writes a single command line.
	Send(line string) error
	// Diagnostics returns captured error text, if any.
	Diagnostics() string
	// Wait blocks until the bridge has exited. Call it only after Output
	// has been drained. A non-zero exit is reported as *ExitError.
	Wait() error
	// Kill terminates the bridge immediately.
	Kill() error
}
