package flare

import (
	"time"

	"github.com/gogpu/flare/device"
)

// FrameProfile records one rendered frame's timing and workload.
type FrameProfile struct {
	FrameID   device.FrameID
	CPUTime   time.Duration
	GPUTimers []device.GPUTimer
	DrawCalls int
	Producer  ProfileCounters
}

// GPUTime sums the frame's resolved GPU timers.
func (p FrameProfile) GPUTime() time.Duration {
	var total uint64
	for _, t := range p.GPUTimers {
		total += t.Nanoseconds
	}
	return time.Duration(total)
}

// profileRing is a bounded ring of recorded frame profiles. Once full, each
// push drops the oldest entry.
type profileRing struct {
	entries []FrameProfile
	next    int
	count   int
}

func newProfileRing(capacity int) *profileRing {
	if capacity < 1 {
		capacity = 1
	}
	return &profileRing{entries: make([]FrameProfile, capacity)}
}

func (r *profileRing) push(p FrameProfile) {
	r.entries[r.next] = p
	r.next = (r.next + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
}

func (r *profileRing) len() int { return r.count }

// slice returns the recorded profiles oldest-first.
func (r *profileRing) slice() []FrameProfile {
	out := make([]FrameProfile, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.entries)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}
