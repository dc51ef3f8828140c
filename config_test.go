package weaver

import (
	"runtime"
	"testing"
)

func TestSchedulerOptionsNormalizeDefaults(t *testing.T) {
	o := SchedulerOptions{}.Normalize()
	if o.Workers != runtime.GOMAXPROCS(0) {
		t.Errorf("Workers = %d, want GOMAXPROCS (%d)", o.Workers, runtime.GOMAXPROCS(0))
	}
	if o.MaxCommitRetries != DefaultMaxCommitRetries {
		t.Errorf("MaxCommitRetries = %d", o.MaxCommitRetries)
	}
	if o.FgTicks != DefaultFgTicks || o.BgTicks != DefaultBgTicks {
		t.Errorf("tick budgets = %d/%d", o.FgTicks, o.BgTicks)
	}
	if o.FgSeconds != DefaultFgSeconds || o.BgSeconds != DefaultBgSeconds {
		t.Errorf("seconds budgets = %d/%d", o.FgSeconds, o.BgSeconds)
	}
	if o.MaxStackDepth != DefaultMaxStackDepth {
		t.Errorf("MaxStackDepth = %d", o.MaxStackDepth)
	}
}

func TestSchedulerOptionsNormalizeKeepsExplicitValues(t *testing.T) {
	o := SchedulerOptions{Workers: 4, MaxCommitRetries: 9}.Normalize()
	if o.Workers != 4 || o.MaxCommitRetries != 9 {
		t.Errorf("explicit values overwritten: %+v", o)
	}
}
