package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetsync/backend/services/sync-engine/internal/bridge"
)

// scriptedBridge answers commands in memory. It never replies to stream; it
// pushes monitor events instead, like a real bridge.
type scriptedBridge struct {
	reader *io.PipeReader
	writer *io.PipeWriter

	mu   sync.Mutex
	sent []string
	once sync.Once
	done chan struct{}
}

func (b *scriptedBridge) Open(ctx context.Context) (bridge.Stream, error) {
	b.reader, b.writer = io.Pipe()
	b.done = make(chan struct{})
	go b.emit(`{"type":"event","event":"ready"}`)
	return b, nil
}

func (b *scriptedBridge) Output() io.Reader   { return b.reader }
func (b *scriptedBridge) Diagnostics() string { return "" }
func (b *scriptedBridge) Kill() error         { b.exit(); return nil }

func (b *scriptedBridge) Wait() error {
	<-b.done
	return nil
}

func (b *scriptedBridge) Send(line string) error {
	b.mu.Lock()
	b.sent = append(b.sent, line)
	b.mu.Unlock()

	fields := strings.Fields(line)
	id, name, args := fields[0], fields[1], fields[2:]
	go func() {
		switch name {
		case bridge.CmdQuit:
			b.exit()
		case bridge.CmdStream:
			var count int
			fmt.Sscan(args[1], &count)
			for i := 0; i < count; i++ {
				b.emit(fmt.Sprintf(`{"type":"event","event":"monitor","data":{"soc":%d}}`, 50+i))
			}
		case bridge.CmdStatus:
			b.emit(fmt.Sprintf(`{"type":"result","id":%q,"data":{"connected":true,"state":"linked"}}`, id))
		default:
			b.emit(fmt.Sprintf(`{"type":"result","id":%q,"data":null}`, id))
		}
	}()
	return nil
}

func (b *scriptedBridge) emit(line string) {
	_, _ = b.writer.Write([]byte(line + "\n"))
}

func (b *scriptedBridge) exit() {
	b.once.Do(func() {
		_ = b.writer.Close()
		close(b.done)
	})
}

func (b *scriptedBridge) commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, line := range b.sent {
		out = append(out, strings.Fields(line)[1])
	}
	return out
}

func startClient(t *testing.T, b *scriptedBridge) (*bridge.Client, <-chan bridge.Message) {
	t.Helper()
	hooks, monitor := monitorHooks(16)
	client := bridge.NewClient("BM-1", b, bridge.Options{Hooks: hooks, StopGrace: time.Second})
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = client.Stop() })
	return client, monitor
}

func TestStreamPrintsPushedReadings(t *testing.T) {
	b := &scriptedBridge{}
	client, monitor := startClient(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out bytes.Buffer
	result, err := execute(ctx, bridge.CmdStream, request{
		client:    client,
		args:      []string{"100", "3"},
		accessURL: "https://bm.example/1",
		monitor:   monitor,
		out:       &out,
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got := result.(map[string]int)["received"]; got != 3 {
		t.Fatalf("expected 3 readings, got %d", got)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || !strings.Contains(lines[2], `"soc":52`) {
		t.Fatalf("unexpected output %q", out.String())
	}
	if got := b.commands(); strings.Join(got, ",") != "connect,stream" {
		t.Fatalf("unexpected commands %v", got)
	}
}

func TestTypedStatusAndOfflineQuit(t *testing.T) {
	b := &scriptedBridge{}
	client, monitor := startClient(t, b)
	ctx := context.Background()

	result, err := execute(ctx, bridge.CmdStatus, request{client: client, accessURL: "https://bm.example/1", monitor: monitor})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status, ok := result.(*bridge.DeviceStatus); !ok || !status.Connected || status.State != "linked" {
		t.Fatalf("unexpected status %#v", result)
	}

	if _, err := execute(ctx, bridge.CmdQuit, request{client: client}); err != nil {
		t.Fatalf("quit: %v", err)
	}
	if client.Running() {
		t.Fatalf("client still running after quit")
	}
}

func TestExecuteRejectsBadInput(t *testing.T) {
	b := &scriptedBridge{}
	client, _ := startClient(t, b)
	ctx := context.Background()

	if _, err := execute(ctx, "reboot", request{client: client}); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
	if _, err := execute(ctx, bridge.CmdInfo, request{client: client}); err == nil || !strings.Contains(err.Error(), "--url") {
		t.Fatalf("expected missing url error, got %v", err)
	}
	if _, err := execute(ctx, bridge.CmdReadLog, request{client: client, accessURL: "https://bm.example/1", args: []string{"1"}}); err == nil {
		t.Fatalf("expected argument error")
	}
}
