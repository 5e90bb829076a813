// Package snapshot holds the most recent reading of each sensor class.
// Each slot is single-writer, many-reader: the owning adapter overwrites
// it in place, and readers always observe a complete value, never a
// torn one. Absence ("unset") is representable and distinct from zero.
package snapshot

import "time"

// GPS is the required GPS section of a telemetry frame.
type GPS struct {
	Lat         float64
	Lon         float64
	Alt         float64
	Speed       float64
	Bearing     float64
	Accuracy    float64
	Satellites  *int
	HAcc        *float64
	VAcc        *float64
	SAcc        *float64
	HDOP        *float64
	VDOP        *float64
	PDOP        *float64
	GPSTime     *int64
	ReadingTime time.Time
}

// Vec3 is a three-axis reading.
type Vec3 struct{ X, Y, Z float64 }

// Quaternion is a four-component rotation vector reading.
type Quaternion struct{ X, Y, Z, W float64 }

// IMU is the optional inertial-measurement section.
type IMU struct {
	Accel          Vec3
	Gyro           Vec3
	AccelMagnitude float64
	GyroMagnitude  float64

	Mag             *Vec3
	LinearAccel     *Vec3
	Gravity         *Vec3
	RotationVector  *Quaternion

	ReadingTime time.Time
}

// Orientation is the optional device-attitude section.
type Orientation struct {
	Azimuth        float64
	Pitch          float64
	Roll           float64
	RotationMatrix *[9]float64
	ReadingTime    time.Time
}

// Battery is the optional battery sub-section of System.
type Battery struct {
	Level          float64
	Temperature    float64
	Status         string
	Voltage        float64
	Health         string
	Technology     string
	ChargeCounter  int64
	FullCapacity   int64
}

// CellInfo describes one cellular signal reading.
type CellInfo struct {
	SignalStrength int
	NetworkType    string
	CellID         string
}

// Cellular is the optional cellular connectivity sub-section.
type Cellular struct {
	SignalStrength int
	Cells          []CellInfo
}

// WiFi is the optional Wi-Fi connectivity sub-section.
type WiFi struct {
	SSID    string
	RSSI    int
	Linked  bool
}

// Connectivity is the optional connectivity sub-section of System.
type Connectivity struct {
	WiFi     *WiFi
	Cellular *Cellular
}

// System is the optional system-telemetry section.
type System struct {
	Battery      *Battery
	Connectivity *Connectivity
	ReadingTime  time.Time
}

// Readings holds a copy of every sensor slot, as returned by Registry.Snapshot.
type Readings struct {
	GPS         GPS
	GPSSet      bool
	IMU         IMU
	IMUSet      bool
	Orientation Orientation
	OrientSet   bool
	System      System
	SystemSet   bool
}
