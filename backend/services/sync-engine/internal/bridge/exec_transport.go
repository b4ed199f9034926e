package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

const maxDiagnosticBytes = 8 * 1024

// ExecTransport runs the bridge as a local subprocess speaking the line
// protocol over stdin/stdout.
type ExecTransport struct {
	Path string
	Args []string
	Env  []string
}

// NewExecTransport returns a subprocess transport.
func NewExecTransport(path string, args ...string) *ExecTransport {
	return &ExecTransport{Path: path, Args: args}
}

// Open spawns the subprocess.
func (t *ExecTransport) Open(ctx context.Context) (Stream, error) {
	if strings.TrimSpace(t.Path) == "" {
		return nil, errors.New("bridge: exec path is required")
	}

	cmd := exec.Command(t.Path, t.Args...)
	if len(t.Env) > 0 {
		cmd.Env = append(cmd.Environ(), t.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge: stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: maxDiagnosticBytes}
	cmd.Stderr = stderr

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("bridge: spawn %s: %w", t.Path, err)
	}

	return &execStream{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr *tailBuffer

	writeMu sync.Mutex
}

func (s *execStream) Output() io.Reader {
	return s.stdout
}

func (s *execStream) Send(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := io.WriteString(s.stdin, line+"\n")
	return err
}

func (s *execStream) Diagnostics() string {
	return strings.TrimSpace(s.stderr.String())
}

func (s *execStream) Wait() error {
	err := s.cmd.Wait()
	_ = s.stdin.Close()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Diagnostics: s.Diagnostics()}
	}
	return err
}

func (s *execStream) Kill() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
