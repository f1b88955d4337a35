package flare

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gogpu/flare/device"
)

func newPixelBusCache(t *testing.T, dev *device.RecordingDevice) *GpuCacheTexture {
	t.Helper()
	dev.SetScatterSupport(false)
	c, err := newGpuCacheTexture(dev, NewSharedShaderCache(), true)
	if err != nil {
		t.Fatalf("newGpuCacheTexture: %v", err)
	}
	if c.usesScatter() {
		t.Fatal("expected pixel-buffer bus without scatter support")
	}
	return c
}

func blockAt(dev *device.RecordingDevice, c *GpuCacheTexture, u, v int) GPUBlockData {
	pixels := dev.TexturePixels(c.texture, 0)
	off := (v*MaxVertexTextureWidth + u) * gpuBlockBytes
	var b GPUBlockData
	for i := range b {
		bits := binary.LittleEndian.Uint32(pixels[off+i*4:])
		b[i] = math.Float32frombits(bits)
	}
	return b
}

func TestCacheRowDirtyInterval(t *testing.T) {
	row := newCacheRow()
	if row.isDirty() {
		t.Fatal("new row must be clean")
	}
	row.addDirty(10, 20)
	row.addDirty(5, 12)
	if row.minDirty != 5 || row.maxDirty != 20 {
		t.Errorf("interval = [%d,%d), want [5,20)", row.minDirty, row.maxDirty)
	}
	row.clearDirty()
	if row.isDirty() {
		t.Error("row still dirty after clearDirty")
	}
}

func TestPixelBusRoundTrip(t *testing.T) {
	dev := device.NewRecordingDevice(0)
	defer dev.Close()
	c := newPixelBusCache(t, dev)

	dev.BeginFrame()
	defer dev.EndFrame()
	if err := c.ensureTexture(dev, 2); err != nil {
		t.Fatalf("ensureTexture: %v", err)
	}

	want := GPUBlockData{1, 2, 3, 4}
	c.apply(&GpuCacheUpdateList{
		FrameID: 1,
		Height:  2,
		Blocks:  []GPUBlockData{want},
		Updates: []GpuCacheUpdate{{BlockIndex: 0, BlockCount: 1, Address: GPUCacheAddress{U: 3, V: 1}}},
	})

	if rows := c.flush(dev); rows != 1 {
		t.Fatalf("flush = %d rows, want 1", rows)
	}
	if got := blockAt(dev, c, 3, 1); got != want {
		t.Errorf("block = %v, want %v", got, want)
	}

	// Nothing dirty: the second flush must upload nothing.
	if rows := c.flush(dev); rows != 0 {
		t.Errorf("second flush = %d rows, want 0", rows)
	}
}

func TestPixelBusCoalescesRowInterval(t *testing.T) {
	dev := device.NewRecordingDevice(0)
	defer dev.Close()
	c := newPixelBusCache(t, dev)

	dev.BeginFrame()
	defer dev.EndFrame()
	if err := c.ensureTexture(dev, 2); err != nil {
		t.Fatalf("ensureTexture: %v", err)
	}

	// Three writes into two rows, addresses rising then falling back; the
	// last overlapping write lands on row 0 columns [1,3).
	blocks := []GPUBlockData{{1}, {2}, {3}, {4}, {5}, {6}, {7}}
	c.apply(&GpuCacheUpdateList{
		Blocks: blocks,
		Updates: []GpuCacheUpdate{
			{BlockIndex: 0, BlockCount: 2, Address: GPUCacheAddress{U: 2, V: 0}},
			{BlockIndex: 2, BlockCount: 3, Address: GPUCacheAddress{U: 3, V: 1}},
			{BlockIndex: 5, BlockCount: 2, Address: GPUCacheAddress{U: 1, V: 0}},
		},
	})

	bus := c.bus.(*pixelBufferBus)
	if bus.rows[0].minDirty != 1 || bus.rows[0].maxDirty != 4 {
		t.Fatalf("row 0 interval = [%d,%d), want [1,4)", bus.rows[0].minDirty, bus.rows[0].maxDirty)
	}
	if bus.rows[1].minDirty != 3 || bus.rows[1].maxDirty != 6 {
		t.Fatalf("row 1 interval = [%d,%d), want [3,6)", bus.rows[1].minDirty, bus.rows[1].maxDirty)
	}

	before := dev.Counters.UploadedBytes
	if rows := c.flush(dev); rows != 2 {
		t.Fatalf("flush = %d rows, want 2", rows)
	}
	// Each row uploads exactly the union interval of its writes: 3 blocks
	// per row.
	if got := dev.Counters.UploadedBytes - before; got != 6*gpuBlockBytes {
		t.Errorf("uploaded %d bytes, want %d", got, 6*gpuBlockBytes)
	}

	// The later write wins at the shared column, its neighbors survive.
	if got := blockAt(dev, c, 2, 0); got != blocks[6] {
		t.Errorf("block at overlap = %v, want %v", got, blocks[6])
	}
	if got := blockAt(dev, c, 3, 0); got != blocks[1] {
		t.Errorf("block at (3,0) = %v, want %v", got, blocks[1])
	}
	if got := blockAt(dev, c, 5, 1); got != blocks[4] {
		t.Errorf("block at (5,1) = %v, want %v", got, blocks[4])
	}
}

func TestPixelBusClampsAtRowEnd(t *testing.T) {
	dev := device.NewRecordingDevice(0)
	defer dev.Close()
	c := newPixelBusCache(t, dev)

	dev.BeginFrame()
	defer dev.EndFrame()
	if err := c.ensureTexture(dev, 1); err != nil {
		t.Fatalf("ensureTexture: %v", err)
	}

	blocks := make([]GPUBlockData, 4)
	c.apply(&GpuCacheUpdateList{
		Blocks:  blocks,
		Updates: []GpuCacheUpdate{{BlockCount: 4, Address: GPUCacheAddress{U: MaxVertexTextureWidth - 2}}},
	})
	bus := c.bus.(*pixelBufferBus)
	if bus.rows[0].maxDirty != MaxVertexTextureWidth {
		t.Errorf("maxDirty = %d, want %d", bus.rows[0].maxDirty, MaxVertexTextureWidth)
	}
}

func TestCacheGrowthPreservesContents(t *testing.T) {
	dev := device.NewRecordingDevice(0)
	defer dev.Close()
	c := newPixelBusCache(t, dev)

	dev.BeginFrame()
	defer dev.EndFrame()
	if err := c.ensureTexture(dev, 1); err != nil {
		t.Fatalf("ensureTexture: %v", err)
	}

	want := GPUBlockData{9, 8, 7, 6}
	c.apply(&GpuCacheUpdateList{
		Blocks:  []GPUBlockData{want},
		Updates: []GpuCacheUpdate{{BlockCount: 1, Address: GPUCacheAddress{U: 7}}},
	})
	c.flush(dev)

	if err := c.ensureTexture(dev, 4); err != nil {
		t.Fatalf("grow: %v", err)
	}
	if c.height() != 4 {
		t.Fatalf("height = %d, want 4", c.height())
	}
	if got := blockAt(dev, c, 7, 0); got != want {
		t.Errorf("block after growth = %v, want %v", got, want)
	}

	// Growth never shrinks.
	if err := c.ensureTexture(dev, 2); err != nil {
		t.Fatalf("ensureTexture: %v", err)
	}
	if c.height() != 4 {
		t.Errorf("height after smaller request = %d, want 4", c.height())
	}
}

func TestPixelBusInvalidate(t *testing.T) {
	dev := device.NewRecordingDevice(0)
	defer dev.Close()
	c := newPixelBusCache(t, dev)

	dev.BeginFrame()
	defer dev.EndFrame()
	if err := c.ensureTexture(dev, 2); err != nil {
		t.Fatalf("ensureTexture: %v", err)
	}
	c.apply(&GpuCacheUpdateList{
		Blocks:  []GPUBlockData{{1}},
		Updates: []GpuCacheUpdate{{BlockCount: 1, Address: GPUCacheAddress{V: 1}}},
	})
	c.flush(dev)

	// Invalidation marks every mirrored row dirty, including untouched ones.
	c.invalidate()
	if rows := c.flush(dev); rows != 2 {
		t.Errorf("flush after invalidate = %d rows, want 2", rows)
	}
}

func TestScatterBus(t *testing.T) {
	dev := device.NewRecordingDevice(0)
	defer dev.Close()
	c, err := newGpuCacheTexture(dev, NewSharedShaderCache(), true)
	if err != nil {
		t.Fatalf("newGpuCacheTexture: %v", err)
	}
	if !c.usesScatter() {
		t.Fatal("expected scatter bus on a scatter-capable device")
	}

	dev.BeginFrame()
	defer dev.EndFrame()
	if err := c.ensureTexture(dev, 2); err != nil {
		t.Fatalf("ensureTexture: %v", err)
	}
	c.apply(&GpuCacheUpdateList{
		Blocks:  []GPUBlockData{{1}, {2}, {3}},
		Updates: []GpuCacheUpdate{{BlockCount: 3, Address: GPUCacheAddress{U: 5, V: 1}}},
	})

	if sent := c.flush(dev); sent != 3 {
		t.Fatalf("flush = %d blocks, want 3", sent)
	}
	if dev.Counters.PointDraws != 1 || dev.Counters.DrawnPoints != 3 {
		t.Errorf("point draws = %d/%d, want 1/3",
			dev.Counters.PointDraws, dev.Counters.DrawnPoints)
	}
	if sent := c.flush(dev); sent != 0 {
		t.Errorf("second flush = %d blocks, want 0", sent)
	}

	// The scatter bus has no CPU mirror; invalidation cannot re-upload.
	if c.bus.invalidate() {
		t.Error("scatter invalidate must report false")
	}
}

func TestScatterDisabledByOption(t *testing.T) {
	dev := device.NewRecordingDevice(0)
	defer dev.Close()
	c, err := newGpuCacheTexture(dev, NewSharedShaderCache(), false)
	if err != nil {
		t.Fatalf("newGpuCacheTexture: %v", err)
	}
	if c.usesScatter() {
		t.Error("scatter bus selected despite being disabled")
	}
}

func BenchmarkPixelBusFlush(b *testing.B) {
	dev := device.NewRecordingDevice(0)
	defer dev.Close()
	dev.SetScatterSupport(false)
	c, err := newGpuCacheTexture(dev, NewSharedShaderCache(), false)
	if err != nil {
		b.Fatalf("newGpuCacheTexture: %v", err)
	}
	dev.BeginFrame()
	defer dev.EndFrame()
	if err := c.ensureTexture(dev, 64); err != nil {
		b.Fatalf("ensureTexture: %v", err)
	}

	blocks := make([]GPUBlockData, 256)
	list := &GpuCacheUpdateList{Blocks: blocks}
	for v := 0; v < 64; v++ {
		list.Updates = append(list.Updates, GpuCacheUpdate{
			BlockCount: 256,
			Address:    GPUCacheAddress{V: v},
		})
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.apply(list)
		c.flush(dev)
	}
}
