package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleetsync/backend/services/sync-engine/internal/token"
)

const (
	defaultWSWriteTimeout = 10 * time.Second
	defaultWSPingInterval = 30 * time.Second
	wsReadLimit           = 16 * 1024 * 1024
)

// WebSocketTransport reaches a device bridge hosted by a remote gateway. Each
// websocket text message carries exactly one protocol line in either direction.
type WebSocketTransport struct {
	GatewayURL   string
	DeviceSerial string
	Tokens       *token.Service
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// Open dials the gateway.
func (t *WebSocketTransport) Open(ctx context.Context) (Stream, error) {
	target, err := url.Parse(strings.TrimSpace(t.GatewayURL))
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("bridge: invalid gateway url %q", t.GatewayURL)
	}
	query := target.Query()
	query.Set("serial", t.DeviceSerial)
	target.RawQuery = query.Encode()

	header := http.Header{}
	if t.Tokens != nil {
		signed, err := t.Tokens.Generate(t.DeviceSerial, token.RoleBridge)
		if err != nil {
			return nil, fmt.Errorf("bridge: sign gateway token: %w", err)
		}
		header.Set("Authorization", "Bearer "+signed)
	}

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("bridge: dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("bridge: dial gateway: %w", err)
	}

	writeTimeout := t.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWSWriteTimeout
	}
	pingInterval := t.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultWSPingInterval
	}

	s := newWSStream(conn, writeTimeout, pingInterval)
	go s.writePump()
	go s.readPump()
	return s, nil
}

type wsStream struct {
	ws           *websocket.Conn
	send         chan []byte
	reader       *io.PipeReader
	writer       *io.PipeWriter
	writeTimeout time.Duration
	pingInterval time.Duration
	done         chan struct{}

	mu       sync.Mutex
	closeErr error
}

func newWSStream(ws *websocket.Conn, writeTimeout, pingInterval time.Duration) *wsStream {
	pr, pw := io.Pipe()
	return &wsStream{
		ws:           ws,
		send:         make(chan []byte, 16),
		reader:       pr,
		writer:       pw,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		done:         make(chan struct{}),
	}
}

func (s *wsStream) readPump() {
	defer s.cleanup()
	readWait := 2 * s.pingInterval
	s.ws.SetReadLimit(wsReadLimit)
	_ = s.ws.SetReadDeadline(time.Now().Add(readWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, message, err := s.ws.ReadMessage()
		if err != nil {
			s.setCloseErr(err)
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(readWait))
		if _, err := s.writer.Write(append(message, '\n')); err != nil {
			s.setCloseErr(err)
			return
		}
	}
}

func (s *wsStream) writePump() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				_ = s.ws.Close()
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, []byte("ping")); err != nil {
				_ = s.ws.Close()
				return
			}
		}
	}
}

func (s *wsStream) write(messageType int, data []byte) error {
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.ws.WriteMessage(messageType, data)
}

func (s *wsStream) cleanup() {
	close(s.done)
	_ = s.writer.Close()
	_ = s.ws.Close()
}

func (s *wsStream) setCloseErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr == nil {
		s.closeErr = err
	}
}

func (s *wsStream) Output() io.Reader {
	return s.reader
}

func (s *wsStream) Send(line string) error {
	select {
	case <-s.done:
		return ErrNotRunning
	default:
	}
	select {
	case s.send <- []byte(line):
		return nil
	case <-s.done:
		return ErrNotRunning
	default:
		return errors.New("bridge: outgoing buffer full")
	}
}

func (s *wsStream) Diagnostics() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var closeErr *websocket.CloseError
	if errors.As(s.closeErr, &closeErr) {
		return closeErr.Text
	}
	if s.closeErr != nil {
		return s.closeErr.Error()
	}
	return ""
}

func (s *wsStream) Wait() error {
	<-s.done
	s.mu.Lock()
	err := s.closeErr
	s.mu.Unlock()

	var closeErr *websocket.CloseError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &closeErr):
		if closeErr.Code == websocket.CloseNormalClosure {
			return nil
		}
		return &ExitError{Code: closeErr.Code, Diagnostics: closeErr.Text}
	default:
		return &ExitError{Code: -1, Diagnostics: err.Error()}
	}
}

func (s *wsStream) Kill() error {
	return s.ws.Close()
}
