package logdecode

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"fleetsync/backend/services/sync-engine/internal/models"
)

// RecordSize is the length of one on-device log record.
const RecordSize = 20

// Power status codes stored in byte 15 of a record.
var powerStatus = map[byte]string{
	0: "unknown",
	1: "charging",
	2: "discharging",
	3: "idle",
	4: "float",
}

// Decoder turns raw log bytes into measurements.
type Decoder struct{}

// Decode parses fixed-size little-endian records:
//
//	0  u32 unix seconds     12 i16 temperature (0.1 C)
//	4  u16 voltage1 (mV)    14 u8  state of charge (%)
//	6  u16 voltage2 (mV)    15 u8  power status
//	8  i32 current (mA)     16 u16 runtime (min)
//	                        18 i8  rssi, 19 reserved
//
// A trailing partial record is an error.
func (Decoder) Decode(deviceID string, data []byte) ([]models.Measurement, error) {
	if len(data)%RecordSize != 0 {
		return nil, fmt.Errorf("logdecode: %d bytes is not a whole number of %d byte records", len(data), RecordSize)
	}

	out := make([]models.Measurement, 0, len(data)/RecordSize)
	for off := 0; off < len(data); off += RecordSize {
		m, err := decodeRecord(deviceID, data[off:off+RecordSize])
		if err != nil {
			return nil, fmt.Errorf("logdecode: record at %d: %w", off, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func decodeRecord(deviceID string, rec []byte) (models.Measurement, error) {
	ts := binary.LittleEndian.Uint32(rec[0:4])
	if ts == 0 {
		return models.Measurement{}, fmt.Errorf("zero timestamp")
	}
	soc := rec[14]
	if soc > 100 {
		return models.Measurement{}, fmt.Errorf("state of charge %d out of range", soc)
	}

	v1 := float64(binary.LittleEndian.Uint16(rec[4:6])) / 1000
	v2 := float64(binary.LittleEndian.Uint16(rec[6:8])) / 1000
	current := float64(int32(binary.LittleEndian.Uint32(rec[8:12]))) / 1000
	temp := float64(int16(binary.LittleEndian.Uint16(rec[12:14]))) / 10

	status, ok := powerStatus[rec[15]]
	if !ok {
		status = powerStatus[0]
	}

	return models.Measurement{
		DeviceID:       deviceID,
		RecordedAt:     time.Unix(int64(ts), 0).UTC(),
		Voltage1:       v1,
		Voltage2:       v2,
		Current:        current,
		Power:          v1 * current,
		Temperature:    temp,
		StateOfCharge:  float64(soc),
		RuntimeMinutes: int(binary.LittleEndian.Uint16(rec[16:18])),
		PowerStatus:    status,
		RSSI:           int(int8(rec[18])),
		Source:         models.SourceBackfill,
	}, nil
}

// Encode is the inverse of Decode for one measurement. It is used by test
// bridges and fixtures.
func Encode(m models.Measurement) []byte {
	rec := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(rec[0:4], uint32(m.RecordedAt.Unix()))
	binary.LittleEndian.PutUint16(rec[4:6], uint16(math.Round(m.Voltage1*1000)))
	binary.LittleEndian.PutUint16(rec[6:8], uint16(math.Round(m.Voltage2*1000)))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(int32(math.Round(m.Current*1000))))
	binary.LittleEndian.PutUint16(rec[12:14], uint16(int16(math.Round(m.Temperature*10))))
	rec[14] = byte(m.StateOfCharge)
	for code, name := range powerStatus {
		if name == m.PowerStatus {
			rec[15] = code
		}
	}
	binary.LittleEndian.PutUint16(rec[16:18], uint16(m.RuntimeMinutes))
	rec[18] = byte(int8(m.RSSI))
	return rec
}
