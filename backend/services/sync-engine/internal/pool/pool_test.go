package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetsync/backend/services/sync-engine/internal/bridge"
	"fleetsync/backend/services/sync-engine/internal/models"
)

type fakeClient struct {
	mu         sync.Mutex
	running    bool
	startErr   error
	connectErr error
	gate       chan struct{}
	starts     int
	connects   int
	stopped    bool
	hooks      bridge.Hooks
	onConnect  func(f *fakeClient)
	streams    []int
}

func (f *fakeClient) Start(ctx context.Context) error {
	f.mu.Lock()
	gate := f.gate
	f.starts++
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeClient) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stopped = true
	return nil
}

func (f *fakeClient) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeClient) Connect(ctx context.Context, accessURL string) error {
	f.mu.Lock()
	f.connects++
	err, onConnect := f.connectErr, f.onConnect
	f.mu.Unlock()
	if onConnect != nil {
		onConnect(f)
	}
	return err
}

func (f *fakeClient) StartStream(interval time.Duration, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, count)
	return nil
}

func (f *fakeClient) Monitor(ctx context.Context) (*bridge.MonitorData, error) {
	return &bridge.MonitorData{}, nil
}

func (f *fakeClient) LogFiles(ctx context.Context) ([]models.LogFile, error) {
	return nil, nil
}

func (f *fakeClient) ReadLog(ctx context.Context, fileID, offset, size int64) ([]byte, error) {
	return nil, nil
}

func (f *fakeClient) set(fn func(f *fakeClient)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fakeFactory struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
	prepare func(id string, c *fakeClient)
}

func (ff *fakeFactory) build(device models.Device, hooks bridge.Hooks) DeviceClient {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.clients == nil {
		ff.clients = make(map[string]*fakeClient)
	}
	c := &fakeClient{hooks: hooks}
	if ff.prepare != nil {
		ff.prepare(device.ID, c)
	}
	ff.clients[device.ID] = c
	return c
}

func (ff *fakeFactory) client(id string) *fakeClient {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.clients[id]
}

func device(id string) models.Device {
	return models.Device{ID: id, Serial: "BM-" + id, AccessURL: "https://bm.example/" + id + "#key"}
}

func TestRegisterConnectsDevice(t *testing.T) {
	factory := &fakeFactory{}
	p := New(factory.build, Options{})

	h, err := p.Register(context.Background(), device("a"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if h.State != StateConnected {
		t.Fatalf("expected connected, got %s", h.State)
	}
	if got := p.Stats(); got != (Stats{Total: 1, Connected: 1}) {
		t.Fatalf("unexpected stats %+v", got)
	}

	if _, err := p.Register(context.Background(), device("a")); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	if _, err := p.Register(context.Background(), models.Device{ID: "x"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestFailedStartLeavesDeviceInErrorAndRetries(t *testing.T) {
	factory := &fakeFactory{prepare: func(id string, c *fakeClient) {
		c.startErr = &bridge.StartupError{Reason: "library missing"}
	}}
	p := New(factory.build, Options{})

	h, err := p.Register(context.Background(), device("a"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if h.State != StateError || h.LastError == "" {
		t.Fatalf("expected error state with reason, got %+v", h)
	}
	if got := p.Stats(); got != (Stats{Total: 1, Disconnected: 1}) {
		t.Fatalf("unexpected stats %+v", got)
	}

	factory.client("a").set(func(f *fakeClient) { f.startErr = nil })
	if err := p.Connect(context.Background(), "a"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if h, _ := p.Get("a"); h.State != StateConnected || h.LastError != "" {
		t.Fatalf("expected connected after retry, got %+v", h)
	}
}

func TestConnectIsSerializedPerDevice(t *testing.T) {
	gate := make(chan struct{})
	factory := &fakeFactory{prepare: func(id string, c *fakeClient) { c.gate = gate }}
	p := New(factory.build, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Register(context.Background(), device("a"))
	}()

	waitFor(t, time.Second, func() bool {
		h, ok := p.Get("a")
		return ok && h.State == StateConnecting
	})
	if err := p.Connect(context.Background(), "a"); !errors.Is(err, ErrConnectInProgress) {
		t.Fatalf("expected ErrConnectInProgress, got %v", err)
	}

	close(gate)
	<-done
	if c := factory.client("a"); c.starts != 1 {
		t.Fatalf("expected one start, got %d", c.starts)
	}
	if err := p.Connect(context.Background(), "a"); !errors.Is(err, ErrConnectInProgress) {
		t.Fatalf("expected connected device to reject connect, got %v", err)
	}
}

func TestConnectSkipsStartWhenBridgeRunning(t *testing.T) {
	factory := &fakeFactory{prepare: func(id string, c *fakeClient) { c.connectErr = errors.New("unreachable") }}
	p := New(factory.build, Options{})
	_, _ = p.Register(context.Background(), device("a"))

	c := factory.client("a")
	c.set(func(f *fakeClient) { f.connectErr = nil })
	if err := p.Connect(context.Background(), "a"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.starts != 1 || c.connects != 2 {
		t.Fatalf("expected 1 start and 2 connects, got %d and %d", c.starts, c.connects)
	}
}

func TestBridgeEventsDriveState(t *testing.T) {
	factory := &fakeFactory{}
	p := New(factory.build, Options{})
	_, _ = p.Register(context.Background(), device("a"))
	hooks := factory.client("a").hooks

	hooks.OnEvent(bridge.Message{Type: bridge.TypeEvent, Event: bridge.EventDisconnected, Reason: "link lost"})
	if h, _ := p.Get("a"); h.State != StateDisconnected || h.LastError != "link lost" {
		t.Fatalf("expected disconnected, got %+v", h)
	}

	hooks.OnEvent(bridge.Message{Type: bridge.TypeEvent, Event: bridge.EventConnected})
	if h, _ := p.Get("a"); h.State != StateConnected {
		t.Fatalf("expected connected, got %+v", h)
	}

	hooks.OnExit(&bridge.ExitError{Code: 3})
	if h, _ := p.Get("a"); h.State != StateDisconnected {
		t.Fatalf("expected disconnected after exit, got %+v", h)
	}

	hooks.OnEvent(bridge.Message{Type: bridge.TypeFatal, Message: "native crash"})
	if h, _ := p.Get("a"); h.State != StateError || h.LastError != "native crash" {
		t.Fatalf("expected error after fatal, got %+v", h)
	}
}

func TestExitDuringConnectIsNotCommittedAsConnected(t *testing.T) {
	factory := &fakeFactory{prepare: func(id string, c *fakeClient) {
		c.onConnect = func(f *fakeClient) {
			f.set(func(f *fakeClient) { f.running = false; f.onConnect = nil })
			f.hooks.OnExit(&bridge.ExitError{Code: 1})
		}
	}}
	p := New(factory.build, Options{})

	h, _ := p.Register(context.Background(), device("a"))
	if h.State != StateDisconnected || h.LastError == "" {
		t.Fatalf("expected disconnected with reason, got %+v", h)
	}

	if err := p.Reconnect(context.Background(), "a"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	c := factory.client("a")
	if h, _ := p.Get("a"); h.State != StateConnected || c.starts != 2 {
		t.Fatalf("expected recovery with a fresh start, got %+v after %d starts", h, c.starts)
	}
}

func TestDisconnectEventDuringConnectIsApplied(t *testing.T) {
	factory := &fakeFactory{prepare: func(id string, c *fakeClient) {
		c.onConnect = func(f *fakeClient) {
			f.set(func(f *fakeClient) { f.onConnect = nil })
			f.hooks.OnEvent(bridge.Message{Type: bridge.TypeEvent, Event: bridge.EventDisconnected, Reason: "out of range"})
		}
	}}
	p := New(factory.build, Options{})

	_, _ = p.Register(context.Background(), device("a"))
	if h, _ := p.Get("a"); h.State != StateDisconnected || h.LastError != "out of range" {
		t.Fatalf("expected disconnected, got %+v", h)
	}
	if err := p.Connect(context.Background(), "a"); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestConnectedDeviceWithDeadBridgeAcceptsReconnect(t *testing.T) {
	factory := &fakeFactory{}
	p := New(factory.build, Options{})
	_, _ = p.Register(context.Background(), device("a"))

	c := factory.client("a")
	c.set(func(f *fakeClient) { f.running = false })
	if err := p.Reconnect(context.Background(), "a"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if c.starts != 2 {
		t.Fatalf("expected bridge restart, got %d starts", c.starts)
	}
}

func TestConnectStartsStream(t *testing.T) {
	factory := &fakeFactory{}
	p := New(factory.build, Options{StreamInterval: time.Second, StreamCount: 60})
	_, _ = p.Register(context.Background(), device("a"))

	c := factory.client("a")
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) != 1 || c.streams[0] != 60 {
		t.Fatalf("expected one stream of 60 events, got %v", c.streams)
	}
}

func TestMonitorEventsAreForwarded(t *testing.T) {
	factory := &fakeFactory{}
	var mu sync.Mutex
	var got []string
	p := New(factory.build, Options{OnMonitor: func(id string, data bridge.MonitorData) {
		mu.Lock()
		defer mu.Unlock()
		if data.StateOfCharge == 77 {
			got = append(got, id)
		}
	}})
	_, _ = p.Register(context.Background(), device("a"))

	factory.client("a").hooks.OnEvent(bridge.Message{
		Type:  bridge.TypeEvent,
		Event: bridge.EventMonitor,
		Data:  []byte(`{"soc":77}`),
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected forwarded reading, got %v", got)
	}
}

func TestDeregisterStopsClientAndIgnoresStaleHooks(t *testing.T) {
	factory := &fakeFactory{}
	p := New(factory.build, Options{})
	_, _ = p.Register(context.Background(), device("a"))
	old := factory.client("a")

	if err := p.Deregister("a"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if !old.stopped {
		t.Fatalf("expected client to be stopped")
	}
	if err := p.Deregister("a"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}

	_, _ = p.Register(context.Background(), device("a"))
	old.hooks.OnExit(errors.New("late exit"))
	if h, _ := p.Get("a"); h.State != StateConnected {
		t.Fatalf("stale hook changed state: %+v", h)
	}
}

func TestDevicesSortedAndClose(t *testing.T) {
	factory := &fakeFactory{}
	p := New(factory.build, Options{})
	for _, id := range []string{"c", "a", "b"} {
		_, _ = p.Register(context.Background(), device(id))
	}

	handles := p.Devices()
	if len(handles) != 3 || handles[0].Device.ID != "a" || handles[2].Device.ID != "c" {
		t.Fatalf("unexpected order %+v", handles)
	}

	p.Close()
	if p.Stats().Total != 0 {
		t.Fatalf("expected empty pool after close")
	}
	for _, id := range []string{"a", "b", "c"} {
		if !factory.client(id).stopped {
			t.Fatalf("client %s not stopped", id)
		}
	}
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
