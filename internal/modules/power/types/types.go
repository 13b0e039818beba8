package types

import "time"

// Reading is one power sample of one plug.
type Reading struct {
	DeviceID   string    `json:"deviceId"`
	Timestamp  time.Time `json:"timestamp"`
	PowerWatts float64   `json:"powerWatts"`
	// EnergyWh is the cumulative meter value; nil when the device did not report it.
	EnergyWh   *float64 `json:"energyWh"`
	RawPayload []byte   `json:"-"`
}

// Device summarises what is stored for one tracked plug.
type Device struct {
	ID string `json:"id"`
	// Tracked is false for devices with stored history that are no longer configured.
	Tracked   bool       `json:"tracked"`
	Readings  int        `json:"readings"`
	FirstSeen *time.Time `json:"firstSeen"`
	LastSeen  *time.Time `json:"lastSeen"`
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 {
	return &v
}
