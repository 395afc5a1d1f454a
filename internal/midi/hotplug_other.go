//go:build !linux

package midi

import "errors"

// NewHotplugWatcher is only implemented on Linux (netlink uevents). On
// other platforms the monitor runs without the hot-plug fast path and
// relies on its polling health check alone.
func NewHotplugWatcher() (HotplugWatcher, error) {
	return nil, errors.New("usb hotplug events not supported on this platform")
}
