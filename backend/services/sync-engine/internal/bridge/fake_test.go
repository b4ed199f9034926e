package bridge

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeStream is an in-memory bridge. Lines written with emit are read by the
// client; lines the client sends are recorded and passed to respond.
type fakeStream struct {
	reader *io.PipeReader
	writer *io.PipeWriter

	mu       sync.Mutex
	sent     []string
	sendErr  error
	diag     string
	exitCode int
	killed   bool
	respond  func(s *fakeStream, id, name string, args []string)

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeStream() *fakeStream {
	pr, pw := io.Pipe()
	return &fakeStream{reader: pr, writer: pw, closed: make(chan struct{})}
}

func (f *fakeStream) Output() io.Reader { return f.reader }

func (f *fakeStream) Send(line string) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, line)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		fields := strings.Fields(line)
		go respond(f, fields[0], fields[1], fields[2:])
	}
	return nil
}

func (f *fakeStream) Diagnostics() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.diag
}

func (f *fakeStream) Wait() error {
	<-f.closed
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exitCode != 0 {
		return &ExitError{Code: f.exitCode, Diagnostics: f.diag}
	}
	return nil
}

func (f *fakeStream) Kill() error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	f.exit(-9)
	return nil
}

func (f *fakeStream) emit(v any) {
	var line []byte
	switch msg := v.(type) {
	case string:
		line = []byte(msg)
	default:
		line, _ = json.Marshal(msg)
	}
	_, _ = f.writer.Write(append(line, '\n'))
}

func (f *fakeStream) exit(code int) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.exitCode = code
		f.mu.Unlock()
		_ = f.writer.Close()
		close(f.closed)
	})
}

func (f *fakeStream) sentLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeStream) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

type fakeTransport struct {
	mu      sync.Mutex
	stream  *fakeStream
	openErr error
	opened  int
	onOpen  func(s *fakeStream)
}

func (t *fakeTransport) Open(ctx context.Context) (Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return nil, t.openErr
	}
	t.opened++
	if t.onOpen != nil {
		go t.onOpen(t.stream)
	}
	return t.stream, nil
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened
}

func readyOnOpen(s *fakeStream) {
	s.emit(Message{Type: TypeEvent, Event: EventReady})
}

func result(id string, data any) Message {
	raw, _ := json.Marshal(data)
	return Message{Type: TypeResult, ID: id, Data: raw}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
