package midi

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"time"
)

// PortPower is the last-resort recovery capability: electrically
// power-cycling the USB port the piano hangs off. The piano's firmware
// does not re-initialize its USB interface after a plain software
// reconnect, so forcing re-enumeration from the host side is the only
// remedy short of walking over and pulling the cable.
type PortPower interface {
	PowerCycle(ctx context.Context) error
}

// UhubctlPower drives uhubctl to toggle VBUS on the configured hubs.
type UhubctlPower struct {
	Hubs []string // hub locations, e.g. "1-1" and "2" on a Pi 4
	Port int

	settleDelay time.Duration // power-off dwell before switching back on
	enumDelay   time.Duration // wait for re-enumeration after power-on
	run         func(ctx context.Context, name string, args ...string) error
}

func NewUhubctlPower(hubs []string, port int) *UhubctlPower {
	return &UhubctlPower{
		Hubs:        hubs,
		Port:        port,
		settleDelay: 2 * time.Second,
		enumDelay:   3 * time.Second,
		run:         runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w (%s)", name, args, err, out)
	}
	return nil
}

// PowerCycle turns the port off on every configured hub, waits for power
// to drain, turns it back on, and waits for the device to re-enumerate.
// Each uhubctl invocation gets its own 10s deadline.
func (p *UhubctlPower) PowerCycle(ctx context.Context) error {
	log.Printf("[usb] power cycling port %d (hubs %v)", p.Port, p.Hubs)

	if err := p.setPower(ctx, "off"); err != nil {
		return fmt.Errorf("%w: %v", ErrPowerCycleFailed, err)
	}
	if err := sleepCtx(ctx, p.settleDelay); err != nil {
		return err
	}
	if err := p.setPower(ctx, "on"); err != nil {
		return fmt.Errorf("%w: %v", ErrPowerCycleFailed, err)
	}
	if err := sleepCtx(ctx, p.enumDelay); err != nil {
		return err
	}

	log.Printf("[usb] power cycle complete")
	return nil
}

func (p *UhubctlPower) setPower(ctx context.Context, action string) error {
	for _, hub := range p.Hubs {
		cmdCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := p.run(cmdCtx, "sudo", "uhubctl",
			"-l", hub, "-p", fmt.Sprint(p.Port), "-a", action)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
