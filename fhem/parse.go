package fhem

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	ErrHTMLLine      = errors.New("html banner line")
	ErrShortLine     = errors.New("line has fewer than three tokens")
	ErrIllegalDevice = errors.New("illegal device name")
)

const globalDevice = "global"

// ParseLine turns one event stream line into an Event without Host and
// ObservedAt. Lines are "<type> <device> <reading>: <value...>" or
// "<type> <device> <state>".
func ParseLine(line string) (Event, error) {
	if strings.Contains(line, "<html") {
		return Event{}, ErrHTMLLine
	}

	parts := strings.Split(strings.TrimSpace(line), " ")
	if len(parts) < 3 {
		return Event{}, ErrShortLine
	}

	ev := Event{DeviceType: parts[0], Device: parts[1]}

	switch {
	case ev.DeviceType == globalDevice && len(parts) >= 5:
		// Relayed notification: "global <origin> <device> <reading>: <value>".
		ev.Device = parts[2]
		ev.Reading = strings.TrimSuffix(parts[3], ":")
		ev.Value = strings.Join(parts[4:], " ")
	case len(parts) == 3:
		if reading, ok := strings.CutSuffix(parts[2], ":"); ok {
			ev.Reading = reading
		} else {
			ev.Reading = StateReading
			ev.Value = parts[2]
		}
	default:
		if ev.Device == globalDevice {
			ev.Device = parts[3]
		}
		ev.Reading = strings.TrimSuffix(parts[2], ":")
		ev.Value = strings.Join(parts[3:], " ")
	}

	if !validDevice(ev.Device) {
		return ev, fmt.Errorf("%w: %q", ErrIllegalDevice, ev.Device)
	}

	return ev, nil
}

func validDevice(name string) bool {
	first, size := utf8.DecodeRuneInString(name)
	if size == 0 || !unicode.IsLetter(first) {
		return false
	}

	return !strings.Contains(name, ":")
}
