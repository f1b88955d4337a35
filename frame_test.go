package flare

import (
	"testing"

	"github.com/gogpu/flare/device"
	"github.com/gogpu/flare/geom"
)

func TestMustBeDrawn(t *testing.T) {
	tests := []struct {
		name     string
		tasks    bool
		rendered bool
		want     bool
	}{
		{"no cache tasks", false, false, false},
		{"unrendered cache tasks", true, false, true},
		{"already rendered", true, true, false},
	}
	for _, tt := range tests {
		f := &Frame{HasTextureCacheTasks: tt.tasks, HasBeenRendered: tt.rendered}
		if got := f.MustBeDrawn(); got != tt.want {
			t.Errorf("%s: MustBeDrawn() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRenderTargetListIsEmpty(t *testing.T) {
	var empty RenderTargetList
	if !empty.IsEmpty() {
		t.Error("zero list not empty")
	}

	noSize := RenderTargetList{Targets: []*RenderTarget{{}}}
	if !noSize.IsEmpty() {
		t.Error("list with empty MaxDynamicSize not empty")
	}

	full := RenderTargetList{
		Format:         device.FormatR8,
		MaxDynamicSize: geom.Sz(10, 10),
		Targets:        []*RenderTarget{{}},
	}
	if full.IsEmpty() {
		t.Error("populated list reported empty")
	}
}

func TestCompositeStateTiles(t *testing.T) {
	opaque := CompositeTile{Rect: geom.Rect(0, 0, 1, 1)}
	alpha := CompositeTile{Rect: geom.Rect(1, 0, 1, 1)}
	s := CompositeState{
		OpaqueTiles: []CompositeTile{opaque},
		AlphaTiles:  []CompositeTile{alpha},
	}
	tiles := s.Tiles()
	if len(tiles) != 2 || tiles[0].Rect != opaque.Rect || tiles[1].Rect != alpha.Rect {
		t.Errorf("Tiles() = %v, want opaque before alpha", tiles)
	}
}
