// Package devices keeps the last known readings of every device seen on the
// controllers' event streams.
package devices

import (
	"maps"
	"time"

	"github.com/kradalby/fhem-gateway/temporal"
)

// Device is one controller device and its readings. The "state" reading is
// stored like any other.
type Device struct {
	Host     string                            `json:"host"`
	Type     string                            `json:"type"`
	Name     string                            `json:"name"`
	Topic    string                            `json:"topic"`
	Readings map[string]temporal.Value[string] `json:"readings"`
	LastSeen time.Time                         `json:"last_seen"`
}

// State is the reading named "state", if any.
func (d Device) State() temporal.Value[string] {
	if v, ok := d.Readings["state"]; ok {
		return v
	}
	return temporal.Invalid[string]()
}

func (d Device) clone() Device {
	d.Readings = maps.Clone(d.Readings)
	return d
}

type key struct {
	host   string
	device string
}
