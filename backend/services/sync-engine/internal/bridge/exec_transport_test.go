package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

const helperEnv = "FLEETSYNC_HELPER_BRIDGE"

// TestHelperBridgeProcess is not a real test. It is re-executed as the bridge
// subprocess by the exec transport tests.
func TestHelperBridgeProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}
	defer os.Exit(0)

	switch mode {
	case "broken":
		fmt.Fprintln(os.Stderr, "failed to load native library")
		os.Exit(2)
	case "echo":
		fmt.Println(`{"type":"event","event":"ready"}`)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) < 2 {
				continue
			}
			id, name := fields[0], fields[1]
			switch name {
			case CmdQuit:
				os.Exit(0)
			case CmdVersion:
				fmt.Printf(`{"type":"result","id":%q,"data":{"bridge":"helper","library":"test"}}`+"\n", id)
			default:
				fmt.Printf(`{"type":"error","id":%q,"message":"unsupported"}`+"\n", id)
			}
		}
	}
}

func helperTransport(mode string) *ExecTransport {
	transport := NewExecTransport(os.Args[0], "-test.run=TestHelperBridgeProcess")
	transport.Env = []string{helperEnv + "=" + mode}
	return transport
}

func TestExecTransportRoundTrip(t *testing.T) {
	client := NewClient("BM-EXEC", helperTransport("echo"), Options{StartupTimeout: 5 * time.Second, StopGrace: 2 * time.Second})
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	version, err := client.Version(context.Background())
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version.Bridge != "helper" {
		t.Fatalf("unexpected version %+v", version)
	}

	_, err = client.Status(context.Background())
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected command error, got %v", err)
	}

	if err := client.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if client.Running() {
		t.Fatalf("client still running after stop")
	}
}

func TestExecTransportStartupFailureCarriesStderr(t *testing.T) {
	client := NewClient("BM-EXEC", helperTransport("broken"), Options{StartupTimeout: 5 * time.Second, StopGrace: time.Second})
	err := client.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed to load native library") {
		t.Fatalf("expected stderr diagnostics in error, got %v", err)
	}
}

func TestExecTransportSpawnFailure(t *testing.T) {
	client := NewClient("BM-EXEC", NewExecTransport("/nonexistent/bridge-binary"), Options{})
	var startupErr *StartupError
	if err := client.Start(context.Background()); !errors.As(err, &startupErr) {
		t.Fatalf("expected startup error, got %v", err)
	}
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	buf := &tailBuffer{limit: 4}
	_, _ = buf.Write([]byte("abcdef"))
	_, _ = buf.Write([]byte("gh"))
	if got := buf.String(); got != "efgh" {
		t.Fatalf("expected efgh, got %q", got)
	}
}
