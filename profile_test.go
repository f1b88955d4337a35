package flare

import (
	"testing"
	"time"

	"github.com/gogpu/flare/device"
)

func TestProfileRingDropsOldest(t *testing.T) {
	ring := newProfileRing(3)
	for i := 1; i <= 5; i++ {
		ring.push(FrameProfile{FrameID: device.FrameID(i)})
	}
	got := ring.slice()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []device.FrameID{3, 4, 5} {
		if got[i].FrameID != want {
			t.Errorf("profile %d = frame %d, want %d", i, got[i].FrameID, want)
		}
	}
}

func TestProfileRingPartiallyFull(t *testing.T) {
	ring := newProfileRing(4)
	ring.push(FrameProfile{FrameID: 1})
	ring.push(FrameProfile{FrameID: 2})
	got := ring.slice()
	if len(got) != 2 || got[0].FrameID != 1 || got[1].FrameID != 2 {
		t.Errorf("slice = %v, want frames 1,2 oldest first", got)
	}
	if ring.len() != 2 {
		t.Errorf("len() = %d, want 2", ring.len())
	}
}

func TestProfileRingMinimumCapacity(t *testing.T) {
	ring := newProfileRing(0)
	ring.push(FrameProfile{FrameID: 1})
	ring.push(FrameProfile{FrameID: 2})
	got := ring.slice()
	if len(got) != 1 || got[0].FrameID != 2 {
		t.Errorf("slice = %v, want only frame 2", got)
	}
}

func TestFrameProfileGPUTime(t *testing.T) {
	p := FrameProfile{GPUTimers: []device.GPUTimer{
		{Label: "alpha", Nanoseconds: 1_000_000},
		{Label: "color", Nanoseconds: 2_500_000},
	}}
	if got := p.GPUTime(); got != 3_500_000*time.Nanosecond {
		t.Errorf("GPUTime() = %v, want 3.5ms", got)
	}
}
