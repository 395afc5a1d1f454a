package midi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestPowerCycleCommandSequence(t *testing.T) {
	var calls []string
	p := NewUhubctlPower([]string{"1-1", "2"}, 1)
	p.settleDelay = 0
	p.enumDelay = 0
	p.run = func(ctx context.Context, name string, args ...string) error {
		calls = append(calls, name+" "+strings.Join(args, " "))
		return nil
	}

	if err := p.PowerCycle(context.Background()); err != nil {
		t.Fatalf("PowerCycle() error = %v", err)
	}

	want := []string{
		"sudo uhubctl -l 1-1 -p 1 -a off",
		"sudo uhubctl -l 2 -p 1 -a off",
		"sudo uhubctl -l 1-1 -p 1 -a on",
		"sudo uhubctl -l 2 -p 1 -a on",
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestPowerCycleWrapsFailure(t *testing.T) {
	p := NewUhubctlPower([]string{"1-1"}, 1)
	p.settleDelay = 0
	p.enumDelay = 0
	p.run = func(ctx context.Context, name string, args ...string) error {
		return fmt.Errorf("exit status 1")
	}

	err := p.PowerCycle(context.Background())
	if !errors.Is(err, ErrPowerCycleFailed) {
		t.Fatalf("PowerCycle() error = %v, want ErrPowerCycleFailed", err)
	}
}

func TestPowerCycleHonorsCancellation(t *testing.T) {
	p := NewUhubctlPower([]string{"1-1"}, 1)
	p.run = func(ctx context.Context, name string, args ...string) error {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.PowerCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("PowerCycle() error = %v, want context.Canceled", err)
	}
}
