package snapshot

import (
	"sync"
	"time"
)

// Registry holds one slot per sensor class. Writers (sensor adapters)
// overwrite their slot in place; readers copy the set via Snapshot.
// Each slot has its own RWMutex: a write blocks readers of that slot
// only for the assignment, and a reader blocks a writer only for the
// copy.
type Registry struct {
	gpsMu  sync.RWMutex
	gps    GPS
	gpsSet bool

	imuMu  sync.RWMutex
	imu    IMU
	imuSet bool

	orientMu  sync.RWMutex
	orient    Orientation
	orientSet bool

	sysMu  sync.RWMutex
	sys    System
	sysSet bool
}

// NewRegistry returns an empty registry; every slot starts unset.
func NewRegistry() *Registry { return &Registry{} }

// SetGPS overwrites the GPS slot. Safe for concurrent use.
func (r *Registry) SetGPS(v GPS) {
	if v.ReadingTime.IsZero() {
		v.ReadingTime = time.Now()
	}
	r.gpsMu.Lock()
	r.gps = v
	r.gpsSet = true
	r.gpsMu.Unlock()
}

// SetIMU overwrites the IMU slot. Safe for concurrent use.
func (r *Registry) SetIMU(v IMU) {
	if v.ReadingTime.IsZero() {
		v.ReadingTime = time.Now()
	}
	r.imuMu.Lock()
	r.imu = v
	r.imuSet = true
	r.imuMu.Unlock()
}

// SetOrientation overwrites the orientation slot. Safe for concurrent use.
func (r *Registry) SetOrientation(v Orientation) {
	if v.ReadingTime.IsZero() {
		v.ReadingTime = time.Now()
	}
	r.orientMu.Lock()
	r.orient = v
	r.orientSet = true
	r.orientMu.Unlock()
}

// SetSystem overwrites the system slot. Safe for concurrent use.
func (r *Registry) SetSystem(v System) {
	if v.ReadingTime.IsZero() {
		v.ReadingTime = time.Now()
	}
	r.sysMu.Lock()
	r.sys = v
	r.sysSet = true
	r.sysMu.Unlock()
}

// GPS returns the current GPS slot and whether it has ever been set.
func (r *Registry) GPS() (GPS, bool) {
	r.gpsMu.RLock()
	defer r.gpsMu.RUnlock()
	return r.gps, r.gpsSet
}

// Snapshot reads every slot, one after another. Each slot value is
// complete, but the slots are not read as a single atomic cut: a write
// to a later slot may land while an earlier one is being copied. GPS is
// required for a valid frame; callers check Readings.GPSSet.
func (r *Registry) Snapshot() Readings {
	var out Readings
	r.gpsMu.RLock()
	out.GPS, out.GPSSet = r.gps, r.gpsSet
	r.gpsMu.RUnlock()

	r.imuMu.RLock()
	out.IMU, out.IMUSet = r.imu, r.imuSet
	r.imuMu.RUnlock()

	r.orientMu.RLock()
	out.Orientation, out.OrientSet = r.orient, r.orientSet
	r.orientMu.RUnlock()

	r.sysMu.RLock()
	out.System, out.SystemSet = r.sys, r.sysSet
	r.sysMu.RUnlock()

	return out
}
