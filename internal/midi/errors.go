package midi

import "errors"

var (
	// ErrNoDevice means no input port matched the configured keyword (or,
	// without a keyword, every port looked like a virtual pass-through).
	// Recoverable: the monitor keeps retrying.
	ErrNoDevice = errors.New("no MIDI device found")

	// ErrPowerCycleFailed means the uhubctl invocation failed or timed
	// out. The monitor falls back to a longer plain-retry wait.
	ErrPowerCycleFailed = errors.New("usb power cycle failed")
)
