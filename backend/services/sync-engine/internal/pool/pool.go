package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleetsync/backend/services/sync-engine/internal/bridge"
	"fleetsync/backend/services/sync-engine/internal/devicekey"
	"fleetsync/backend/services/sync-engine/internal/models"
)

// State is the lifecycle state of one device connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const defaultConnectTimeout = 20 * time.Second

var (
	ErrAlreadyRegistered = errors.New("pool: device already registered")
	ErrUnknownDevice     = errors.New("pool: unknown device")
	ErrConnectInProgress = errors.New("pool: device already connecting or connected")
	ErrConnectionLost    = errors.New("pool: bridge lost while connecting")
)

// DeviceClient is the bridge surface the pool and its consumers rely on.
type DeviceClient interface {
	Start(ctx context.Context) error
	Stop() error
	Running() bool
	Connect(ctx context.Context, accessURL string) error
	Monitor(ctx context.Context) (*bridge.MonitorData, error)
	LogFiles(ctx context.Context) ([]models.LogFile, error)
	ReadLog(ctx context.Context, fileID, offset, size int64) ([]byte, error)
	StartStream(interval time.Duration, count int) error
}

// ClientFactory builds the client owning one device's transport.
type ClientFactory func(device models.Device, hooks bridge.Hooks) DeviceClient

// MonitorHandler receives readings pushed by a bridge in stream mode.
type MonitorHandler func(deviceID string, data bridge.MonitorData)

// Handle is a point-in-time view of a pooled device.
type Handle struct {
	Device      models.Device `json:"device"`
	State       State         `json:"state"`
	LastError   string        `json:"last_error,omitempty"`
	ConnectedAt time.Time     `json:"connected_at,omitempty"`
	Client      DeviceClient  `json:"-"`
}

// Stats are aggregate connection counts. Devices that are connecting or in
// error count as disconnected.
type Stats struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Disconnected int `json:"disconnected"`
}

// Options tune a Pool. A positive StreamInterval and StreamCount make every
// successful connect ask the bridge to push that many monitor events.
type Options struct {
	ConnectTimeout time.Duration
	OnMonitor      MonitorHandler
	StreamInterval time.Duration
	StreamCount    int
	Logger         *zap.Logger
}

type entry struct {
	device      models.Device
	client      DeviceClient
	state       State
	lastErr     string
	connectedAt time.Time

	// Set by hooks while connecting; applied when the attempt commits.
	lostState  State
	lostReason string
}

// Pool owns one bridge client per registered device and is the only writer
// of connection state.
type Pool struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	newClient ClientFactory

	connectTimeout time.Duration
	onMonitor      MonitorHandler
	streamInterval time.Duration
	streamCount    int
	logger         *zap.Logger
}

// New builds an empty pool.
func New(factory ClientFactory, opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	return &Pool{
		entries:        make(map[string]*entry),
		newClient:      factory,
		connectTimeout: timeout,
		onMonitor:      opts.OnMonitor,
		streamInterval: opts.StreamInterval,
		streamCount:    opts.StreamCount,
		logger:         logger,
	}
}

// Register adds a device and attempts its first connection. A failed
// connection attempt leaves the device registered in the error state.
func (p *Pool) Register(ctx context.Context, device models.Device) (Handle, error) {
	if err := device.Validate(); err != nil {
		return Handle{}, err
	}

	p.mu.Lock()
	if _, ok := p.entries[device.ID]; ok {
		p.mu.Unlock()
		return Handle{}, ErrAlreadyRegistered
	}
	e := &entry{device: device, state: StateDisconnected}
	e.client = p.newClient(device, p.hooksFor(device.ID, e))
	p.entries[device.ID] = e
	p.mu.Unlock()

	p.logger.Info("device registered",
		zap.String("device_id", device.ID),
		zap.String("access_fp", devicekey.Fingerprint(device.AccessURL)),
	)

	if err := p.Connect(ctx, device.ID); err != nil && !errors.Is(err, ErrConnectInProgress) {
		p.logger.Warn("initial connect failed", zap.String("device_id", device.ID), zap.Error(err))
	}
	h, _ := p.Get(device.ID)
	return h, nil
}

// Deregister removes a device and stops its bridge.
func (p *Pool) Deregister(id string) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()
	if !ok {
		return ErrUnknownDevice
	}

	p.logger.Info("device deregistered", zap.String("device_id", id))
	return e.client.Stop()
}

// Connect makes one connection attempt. Attempts are serialized per device:
// a device that is connecting, or connected with a live bridge, rejects a
// second attempt.
func (p *Pool) Connect(ctx context.Context, id string) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownDevice
	}
	if e.state == StateConnecting || (e.state == StateConnected && e.client.Running()) {
		p.mu.Unlock()
		return ErrConnectInProgress
	}
	e.state = StateConnecting
	e.lostState, e.lostReason = "", ""
	client := e.client
	accessURL := e.device.AccessURL
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	err := func() error {
		if !client.Running() {
			if err := client.Start(ctx); err != nil && !errors.Is(err, bridge.ErrAlreadyStarted) {
				return err
			}
		}
		return client.Connect(ctx, accessURL)
	}()

	p.mu.Lock()
	if p.entries[id] != e {
		p.mu.Unlock()
		// Removed while connecting; the bridge must not outlive its entry.
		_ = client.Stop()
		return ErrUnknownDevice
	}
	if err == nil && e.lostState == "" && !client.Running() {
		e.lostState, e.lostReason = StateDisconnected, "bridge not running"
	}
	if err == nil && e.lostState != "" {
		err = fmt.Errorf("%w: %s", ErrConnectionLost, e.lostReason)
		e.state = e.lostState
		e.lastErr = e.lostReason
		e.lostState, e.lostReason = "", ""
		p.mu.Unlock()
		return err
	}
	if err != nil {
		e.state = StateError
		e.lastErr = err.Error()
		p.mu.Unlock()
		return err
	}
	e.state = StateConnected
	e.lastErr = ""
	e.connectedAt = time.Now().UTC()
	p.mu.Unlock()
	p.logger.Info("device connected", zap.String("device_id", id))

	if p.streamInterval > 0 && p.streamCount > 0 {
		if err := client.StartStream(p.streamInterval, p.streamCount); err != nil {
			p.logger.Warn("start stream", zap.String("device_id", id), zap.Error(err))
		}
	}
	return nil
}

// Reconnect makes a single connection attempt for a device that dropped.
func (p *Pool) Reconnect(ctx context.Context, id string) error {
	p.logger.Debug("reconnecting device", zap.String("device_id", id))
	return p.Connect(ctx, id)
}

// Get returns the current view of one device.
func (p *Pool) Get(id string) (Handle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[id]
	if !ok {
		return Handle{}, false
	}
	return e.handle(), true
}

// Devices returns all devices ordered by id.
func (p *Pool) Devices() []Handle {
	p.mu.RLock()
	out := make([]Handle, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.handle())
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Device.ID < out[j].Device.ID })
	return out
}

// Stats returns aggregate counts.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := Stats{Total: len(p.entries)}
	for _, e := range p.entries {
		if e.state == StateConnected {
			stats.Connected++
		}
	}
	stats.Disconnected = stats.Total - stats.Connected
	return stats
}

// Close stops every bridge and empties the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for id, e := range entries {
		wg.Add(1)
		go func(id string, client DeviceClient) {
			defer wg.Done()
			if err := client.Stop(); err != nil {
				p.logger.Warn("stop bridge", zap.String("device_id", id), zap.Error(err))
			}
		}(id, e.client)
	}
	wg.Wait()
}

func (e *entry) handle() Handle {
	return Handle{
		Device:      e.device,
		State:       e.state,
		LastError:   e.lastErr,
		ConnectedAt: e.connectedAt,
		Client:      e.client,
	}
}

// hooksFor routes bridge notifications to state transitions of e. Notifications
// from a client whose entry was removed or replaced are ignored.
func (p *Pool) hooksFor(id string, e *entry) bridge.Hooks {
	return bridge.Hooks{
		OnEvent: func(msg bridge.Message) {
			if msg.Type == bridge.TypeEvent && msg.Event == bridge.EventMonitor {
				p.handleMonitor(id, msg)
				return
			}
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.entries[id] != e {
				return
			}
			switch {
			case msg.Type == bridge.TypeFatal:
				e.lose(StateError, msg.Message)
			case msg.Event == bridge.EventConnected:
				if e.state != StateConnecting {
					e.state = StateConnected
					e.connectedAt = time.Now().UTC()
				}
			case msg.Event == bridge.EventDisconnected:
				e.lose(StateDisconnected, msg.Reason)
				p.logger.Info("device disconnected", zap.String("device_id", id), zap.String("reason", msg.Reason))
			}
		},
		OnExit: func(err error) {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.entries[id] != e {
				return
			}
			reason := "bridge exited"
			if err != nil {
				reason = err.Error()
			}
			e.lose(StateDisconnected, reason)
		},
	}
}

// lose records a dropped link. While a connect is in flight the loss is held
// back so the attempt cannot commit a connected state over it.
func (e *entry) lose(state State, reason string) {
	if e.state == StateConnecting {
		e.lostState, e.lostReason = state, reason
		return
	}
	e.state = state
	if reason != "" {
		e.lastErr = reason
	}
}

func (p *Pool) handleMonitor(id string, msg bridge.Message) {
	if p.onMonitor == nil {
		return
	}
	data, err := bridge.DecodeMonitorEvent(msg)
	if err != nil {
		p.logger.Warn("bad monitor event", zap.String("device_id", id), zap.Error(err))
		return
	}
	p.onMonitor(id, *data)
}
