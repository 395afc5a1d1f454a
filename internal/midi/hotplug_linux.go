//go:build linux

package midi

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// ueventWatcher reads kernel uevent broadcasts from a non-blocking netlink
// socket and filters for usb subsystem add/remove events.
type ueventWatcher struct {
	fd int
}

// NewHotplugWatcher subscribes to kernel uevent notifications. Requires no
// privileges; group 1 is the broadcast group udev itself listens on.
func NewHotplugWatcher() (HotplugWatcher, error) {
	fd, err := unix.Socket(unix.AF_NETLINK,
		unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC,
		unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("uevent socket: %w", err)
	}
	sa := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: 1,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("uevent bind: %w", err)
	}
	return &ueventWatcher{fd: fd}, nil
}

func (w *ueventWatcher) Poll() (HotplugAction, bool) {
	buf := make([]byte, 4096)
	for {
		n, _, err := unix.Recvfrom(w.fd, buf, unix.MSG_DONTWAIT)
		if err != nil || n <= 0 {
			// EAGAIN: nothing queued. Any other error is treated the
			// same; the watcher is best-effort and the polling loop
			// still recovers connections without it.
			return 0, false
		}
		if action, ok := parseUevent(buf[:n]); ok {
			return action, true
		}
	}
}

func (w *ueventWatcher) Close() error {
	return unix.Close(w.fd)
}

// parseUevent decodes a kernel uevent datagram: a NUL-separated list whose
// first entry is "action@devpath" followed by KEY=VALUE pairs. Only usb
// subsystem add/remove events are of interest.
func parseUevent(data []byte) (HotplugAction, bool) {
	fields := strings.Split(string(data), "\x00")
	if len(fields) == 0 {
		return 0, false
	}
	header := fields[0]
	at := strings.IndexByte(header, '@')
	if at < 0 {
		return 0, false
	}
	action := header[:at]
	if action != "add" && action != "remove" {
		return 0, false
	}

	subsystem := ""
	for _, f := range fields[1:] {
		if v, ok := strings.CutPrefix(f, "SUBSYSTEM="); ok {
			subsystem = v
			break
		}
	}
	if subsystem != "usb" {
		return 0, false
	}
	if action == "add" {
		return DeviceAdded, true
	}
	return DeviceRemoved, true
}
