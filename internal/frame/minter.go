// Package frame assembles one immutable telemetry frame per aggregator
// tick from the current sensor snapshot set, tags it with a freshly
// generated frame id, and serialises it into the canonical wire shape.
package frame

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aura-tracking/agent/internal/policy"
	"github.com/aura-tracking/agent/internal/snapshot"
)

// ErrNoFix is returned when the GPS slot is unset; the caller must skip
// the tick rather than substitute a synthetic reading.
var ErrNoFix = errors.New("frame: no gps fix available")

const sentinelOperator = "UNASSIGNED"

// TransmissionMode distinguishes live frames from replayed ones.
type TransmissionMode string

const (
	ModeOnline TransmissionMode = "online"
	ModeQueued TransmissionMode = "queued"
)

// OperatorLookup resolves the operator currently tagged onto frames.
type OperatorLookup interface {
	Current(ctx context.Context) (registration string, ok bool)
}

// Frame is the immutable unit of work handed to the publish-or-enqueue decision.
type Frame struct {
	FrameID          uuid.UUID
	DeviceID         string
	Topic            string
	Payload          []byte
	QoS              byte
	TransmissionMode TransmissionMode
	WallTS           time.Time
}

// Minter mints frames from the current snapshot set.
type Minter struct {
	deviceID string
	registry *snapshot.Registry
	operator OperatorLookup
	clock    policy.Clock
}

// NewMinter constructs a Minter for deviceID, reading sensor state from
// registry and operator identity from operator.
func NewMinter(deviceID string, registry *snapshot.Registry, operator OperatorLookup, clock policy.Clock) *Minter {
	if clock == nil {
		clock = policy.RealClock()
	}
	return &Minter{deviceID: deviceID, registry: registry, operator: operator, clock: clock}
}

// Mint produces a frame from the current snapshot set. linkUp reflects
// the link state at the moment of minting and determines transmission_mode.
func (m *Minter) Mint(ctx context.Context, linkUp bool) (Frame, error) {
	readings := m.registry.Snapshot()
	if !readings.GPSSet {
		return Frame{}, ErrNoFix
	}

	mode := ModeQueued
	if linkUp {
		mode = ModeOnline
	}

	frameID := uuid.New()
	wallTS := m.clock.Now()

	operatorID := sentinelOperator
	if m.operator != nil {
		if reg, ok := m.operator.Current(ctx); ok && reg != "" {
			operatorID = reg
		}
	}

	payload := telemetryPayload{
		MessageID:        frameID.String(),
		DeviceID:         m.deviceID,
		Matricula:        operatorID,
		Timestamp:        wallTS.UnixMilli(),
		TransmissionMode: string(mode),
		GPS:              gpsFromReadings(readings.GPS),
		IMU:              imuFromReadings(readings),
		Orientation:      orientationFromReadings(readings),
		System:           systemFromReadings(readings),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("frame: marshal payload: %w", err)
	}

	return Frame{
		FrameID:          frameID,
		DeviceID:         m.deviceID,
		Topic:            policy.TelemetryTopic(m.deviceID),
		Payload:          body,
		QoS:              policy.DefaultQoS,
		TransmissionMode: mode,
		WallTS:           wallTS,
	}, nil
}

// MintEvent builds a discrete event payload, independent of GPS availability.
func (m *Minter) MintEvent(ctx context.Context, eventType string, data map[string]string) (Frame, error) {
	frameID := uuid.New()
	wallTS := m.clock.Now()
	operatorID := sentinelOperator
	if m.operator != nil {
		if reg, ok := m.operator.Current(ctx); ok && reg != "" {
			operatorID = reg
		}
	}
	payload := eventPayload{
		MessageID: frameID.String(),
		DeviceID:  m.deviceID,
		Matricula: operatorID,
		Timestamp: wallTS.UnixMilli(),
		EventType: eventType,
		Data:      data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("frame: marshal event payload: %w", err)
	}
	return Frame{
		FrameID:  frameID,
		DeviceID: m.deviceID,
		Topic:    policy.EventsTopic(m.deviceID),
		Payload:  body,
		QoS:      0,
		WallTS:   wallTS,
	}, nil
}

func gpsFromReadings(g snapshot.GPS) gpsPayload {
	return gpsPayload{
		Lat: g.Lat, Lon: g.Lon, Alt: g.Alt, Speed: g.Speed, Bearing: g.Bearing, Accuracy: g.Accuracy,
		Satellites: g.Satellites, HAcc: g.HAcc, VAcc: g.VAcc, SAcc: g.SAcc,
		HDOP: g.HDOP, VDOP: g.VDOP, PDOP: g.PDOP, GPSTimestamp: g.GPSTime,
	}
}

func imuFromReadings(r snapshot.Readings) *imuPayload {
	if !r.IMUSet {
		return nil
	}
	i := r.IMU
	p := &imuPayload{
		AccelX: i.Accel.X, AccelY: i.Accel.Y, AccelZ: i.Accel.Z,
		GyroX: i.Gyro.X, GyroY: i.Gyro.Y, GyroZ: i.Gyro.Z,
		AccelMagnitude: i.AccelMagnitude, GyroMagnitude: i.GyroMagnitude,
	}
	if i.Mag != nil {
		x, y, z := i.Mag.X, i.Mag.Y, i.Mag.Z
		p.MagX, p.MagY, p.MagZ = &x, &y, &z
	}
	if i.LinearAccel != nil {
		x, y, z := i.LinearAccel.X, i.LinearAccel.Y, i.LinearAccel.Z
		p.LinearAccelX, p.LinearAccelY, p.LinearAccelZ = &x, &y, &z
	}
	if i.Gravity != nil {
		x, y, z := i.Gravity.X, i.Gravity.Y, i.Gravity.Z
		p.GravityX, p.GravityY, p.GravityZ = &x, &y, &z
	}
	if i.RotationVector != nil {
		x, y, z, w := i.RotationVector.X, i.RotationVector.Y, i.RotationVector.Z, i.RotationVector.W
		p.RotationVectorX, p.RotationVectorY, p.RotationVectorZ, p.RotationVectorW = &x, &y, &z, &w
	}
	return p
}

func orientationFromReadings(r snapshot.Readings) *orientationPayload {
	if !r.OrientSet {
		return nil
	}
	o := r.Orientation
	return &orientationPayload{Azimuth: o.Azimuth, Pitch: o.Pitch, Roll: o.Roll, RotationMatrix: o.RotationMatrix}
}

func systemFromReadings(r snapshot.Readings) *systemPayload {
	if !r.SystemSet {
		return nil
	}
	s := r.System
	out := &systemPayload{}
	if s.Battery != nil {
		b := s.Battery
		out.Battery = &batteryPayload{
			Level: b.Level, Temperature: b.Temperature, Status: b.Status, Voltage: b.Voltage,
			Health: b.Health, Technology: b.Technology, ChargeCounter: b.ChargeCounter, FullCapacity: b.FullCapacity,
		}
	}
	if s.Connectivity != nil {
		conn := &connectivityPayload{}
		if s.Connectivity.WiFi != nil {
			w := s.Connectivity.WiFi
			conn.WiFi = &wifiPayload{SSID: w.SSID, RSSI: w.RSSI, Linked: w.Linked}
		}
		if s.Connectivity.Cellular != nil {
			c := s.Connectivity.Cellular
			cells := make([]cellInfoPayload, 0, len(c.Cells))
			for _, ci := range c.Cells {
				cells = append(cells, cellInfoPayload{SignalStrength: ci.SignalStrength, NetworkType: ci.NetworkType, CellID: ci.CellID})
			}
			conn.Cellular = &cellularPayload{SignalStrength: c.SignalStrength, Cells: cells}
		}
		out.Connectivity = conn
	}
	return out
}
