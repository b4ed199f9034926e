package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"fleetsync/backend/services/sync-engine/internal/models"
)

// VersionInfo is returned by the version command.
type VersionInfo struct {
	Bridge  string `json:"bridge"`
	Library string `json:"library"`
}

// AccessInfo is the decoded form of an AppLink URL.
type AccessInfo struct {
	Host      string `json:"host"`
	ChannelID string `json:"channelId"`
	HasKey    bool   `json:"hasKey"`
}

// DeviceStatus describes the bridge's view of the device link.
type DeviceStatus struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Link      string `json:"link"`
}

// DeviceInfo holds static device identity.
type DeviceInfo struct {
	Serial   string `json:"serial"`
	Model    string `json:"model"`
	Firmware string `json:"firmware"`
	Hardware string `json:"hardware"`
}

// MonitorData is a live telemetry reading.
type MonitorData struct {
	Timestamp      int64   `json:"timestamp"`
	Voltage1       float64 `json:"voltage1"`
	Voltage2       float64 `json:"voltage2"`
	Current        float64 `json:"current"`
	Power          float64 `json:"power"`
	Temperature    float64 `json:"temperature"`
	StateOfCharge  float64 `json:"soc"`
	RuntimeMinutes int     `json:"runtime"`
	PowerStatus    string  `json:"powerStatus"`
	RSSI           int     `json:"rssi"`
}

// Measurement converts the reading. Readings without a device timestamp are
// stamped with now.
func (m MonitorData) Measurement(deviceID string, now time.Time) models.Measurement {
	recordedAt := now.UTC()
	if m.Timestamp > 0 {
		recordedAt = time.Unix(m.Timestamp, 0).UTC()
	}
	return models.Measurement{
		DeviceID:       deviceID,
		RecordedAt:     recordedAt,
		Voltage1:       m.Voltage1,
		Voltage2:       m.Voltage2,
		Current:        m.Current,
		Power:          m.Power,
		Temperature:    m.Temperature,
		StateOfCharge:  m.StateOfCharge,
		RuntimeMinutes: m.RuntimeMinutes,
		PowerStatus:    m.PowerStatus,
		RSSI:           m.RSSI,
		Source:         models.SourcePoll,
	}
}

// Statistics are lifetime counters accumulated by the device.
type Statistics struct {
	ChargeAh      float64 `json:"chargeAh"`
	DischargeAh   float64 `json:"dischargeAh"`
	Cycles        int     `json:"cycles"`
	MinVoltage    float64 `json:"minVoltage"`
	MaxVoltage    float64 `json:"maxVoltage"`
	MaxCurrent    float64 `json:"maxCurrent"`
	UptimeSeconds int64   `json:"uptime"`
}

// FuelGaugeStatistics are the state-of-charge estimator's counters.
type FuelGaugeStatistics struct {
	CapacityAh      float64 `json:"capacityAh"`
	ConsumedAh      float64 `json:"consumedAh"`
	FullCycles      int     `json:"fullCycles"`
	LastFullCharge  int64   `json:"lastFullCharge"`
	SynchronisedSoC bool    `json:"synchronised"`
}

type readLogResult struct {
	Data []byte `json:"data"`
}

// Version queries the bridge version.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	return call[VersionInfo](ctx, c, CmdVersion)
}

// ParseURL asks the bridge to decode an AppLink URL without connecting.
func (c *Client) ParseURL(ctx context.Context, accessURL string) (*AccessInfo, error) {
	return call[AccessInfo](ctx, c, CmdParse, accessURL)
}

// Connect opens the device link described by the AppLink URL.
func (c *Client) Connect(ctx context.Context, accessURL string) error {
	_, err := c.SendCommand(ctx, CmdConnect, accessURL)
	return err
}

// Disconnect closes the device link; the bridge itself keeps running.
func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.SendCommand(ctx, CmdDisconnect)
	return err
}

// Status returns the current link status.
func (c *Client) Status(ctx context.Context) (*DeviceStatus, error) {
	return call[DeviceStatus](ctx, c, CmdStatus)
}

// Info returns static device identity.
func (c *Client) Info(ctx context.Context) (*DeviceInfo, error) {
	return call[DeviceInfo](ctx, c, CmdInfo)
}

// Monitor reads live telemetry.
func (c *Client) Monitor(ctx context.Context) (*MonitorData, error) {
	return call[MonitorData](ctx, c, CmdMonitor)
}

// Statistics reads accumulated device statistics.
func (c *Client) Statistics(ctx context.Context) (*Statistics, error) {
	return call[Statistics](ctx, c, CmdStatistics)
}

// FuelGaugeStatistics reads fuel-gauge counters.
func (c *Client) FuelGaugeStatistics(ctx context.Context) (*FuelGaugeStatistics, error) {
	return call[FuelGaugeStatistics](ctx, c, CmdFGStatistics)
}

// LogFiles lists on-device log files in ascending id order.
func (c *Client) LogFiles(ctx context.Context) ([]models.LogFile, error) {
	files, err := call[[]models.LogFile](ctx, c, CmdLogFiles)
	if err != nil {
		return nil, err
	}
	out := *files
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ReadLog reads size bytes of a log file starting at offset.
func (c *Client) ReadLog(ctx context.Context, fileID, offset, size int64) ([]byte, error) {
	if offset < 0 || size <= 0 {
		return nil, fmt.Errorf("bridge: invalid log range offset=%d size=%d", offset, size)
	}
	res, err := call[readLogResult](ctx, c, CmdReadLog,
		strconv.FormatInt(fileID, 10),
		strconv.FormatInt(offset, 10),
		strconv.FormatInt(size, 10),
	)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// StartStream asks the bridge to push count monitor events every interval.
// The events arrive through Hooks.OnEvent; no response is awaited.
func (c *Client) StartStream(interval time.Duration, count int) error {
	if interval <= 0 || count <= 0 {
		return errors.New("bridge: stream interval and count must be positive")
	}
	c.mu.Lock()
	stream := c.stream
	ready := c.ready
	c.mu.Unlock()
	if stream == nil || !ready {
		return ErrNotRunning
	}
	return c.sendUncorrelated(stream, CmdStream,
		strconv.FormatInt(interval.Milliseconds(), 10),
		strconv.Itoa(count),
	)
}

// DecodeMonitorEvent extracts the reading carried by a monitor push event.
func DecodeMonitorEvent(msg Message) (*MonitorData, error) {
	if msg.Type != TypeEvent || msg.Event != EventMonitor {
		return nil, fmt.Errorf("bridge: not a monitor event: %s/%s", msg.Type, msg.Event)
	}
	var data MonitorData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return nil, fmt.Errorf("bridge: decode monitor event: %w", err)
	}
	return &data, nil
}

func call[T any](ctx context.Context, c *Client, name string, args ...string) (*T, error) {
	raw, err := c.SendCommand(ctx, name, args...)
	if err != nil {
		return nil, err
	}
	var out T
	if len(raw) == 0 || string(raw) == "null" {
		return &out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("bridge: decode %s result: %w", name, err)
	}
	return &out, nil
}
