package midi

// HotplugAction is a USB attach/detach notification from the OS.
type HotplugAction int

const (
	DeviceAdded HotplugAction = iota
	DeviceRemoved
)

func (a HotplugAction) String() string {
	if a == DeviceAdded {
		return "add"
	}
	return "remove"
}

// HotplugWatcher surfaces USB attach/detach events so the monitor can
// reconnect instantly when the piano is power-cycled, instead of waiting
// out the reconnect interval.
type HotplugWatcher interface {
	// Poll returns the next pending USB event without blocking;
	// ok is false when nothing is queued.
	Poll() (action HotplugAction, ok bool)

	Close() error
}
