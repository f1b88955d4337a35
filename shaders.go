package flare

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/gogpu/flare/device"
)

// Embedded WGSL shader sources, compiled through the device at renderer
// construction.

//go:embed shaders/composite.wgsl
var compositeShaderSource string

//go:embed shaders/blit.wgsl
var blitShaderSource string

//go:embed shaders/blur.wgsl
var blurShaderSource string

//go:embed shaders/scale.wgsl
var scaleShaderSource string

//go:embed shaders/cache_scatter.wgsl
var cacheScatterShaderSource string

// Program names, used as shader-cache keys and RefreshShader targets.
const (
	ProgramComposite    = "composite"
	ProgramBlit         = "blit"
	ProgramBlur         = "blur"
	ProgramScale        = "scale"
	ProgramCacheScatter = "cache_scatter"
)

// shaderSource returns the WGSL source of a named engine program.
func shaderSource(name string) (string, bool) {
	switch name {
	case ProgramComposite:
		return compositeShaderSource, true
	case ProgramBlit:
		return blitShaderSource, true
	case ProgramBlur:
		return blurShaderSource, true
	case ProgramScale:
		return scaleShaderSource, true
	case ProgramCacheScatter:
		return cacheScatterShaderSource, true
	default:
		return "", false
	}
}

// ShaderCache holds compiled device programs shared across possibly-multiple
// renderer instances on the same device. Each renderer retains the cache at
// construction and releases it at Close; the last holder to release performs
// the device-side cleanup.
type ShaderCache struct {
	mu       sync.Mutex
	refs     int
	programs map[string]*device.Program
}

// NewSharedShaderCache creates an empty shader cache with one reference held
// by the caller. Pass it to every renderer via WithSharedShaderCache, then
// Release it when done handing it out.
func NewSharedShaderCache() *ShaderCache {
	return &ShaderCache{
		refs:     1,
		programs: make(map[string]*device.Program),
	}
}

// Retain adds a reference.
func (c *ShaderCache) Retain() {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
}

// Release drops a reference. The last release deletes every compiled
// program from the device.
func (c *ShaderCache) Release(dev device.Device) {
	c.mu.Lock()
	c.refs--
	last := c.refs == 0
	var programs map[string]*device.Program
	if last {
		programs = c.programs
		c.programs = nil
	}
	c.mu.Unlock()

	if !last {
		return
	}
	for _, p := range programs {
		dev.DeleteProgram(p)
	}
}

// Get returns the named program, compiling it on first use.
func (c *ShaderCache) Get(dev device.Device, name string) (*device.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.programs[name]; ok {
		return p, nil
	}
	source, ok := shaderSource(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown program %q", ErrShader, name)
	}
	p, err := dev.CreateProgram(name, source)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrShader, name, err)
	}
	c.programs[name] = p
	return p, nil
}

// Refresh recompiles one named program, replacing the cached entry. Unknown
// names error; callers treat refresh failures as recoverable.
func (c *ShaderCache) Refresh(dev device.Device, name string) error {
	source, ok := shaderSource(name)
	if !ok {
		return fmt.Errorf("%w: unknown program %q", ErrShader, name)
	}
	p, err := dev.CreateProgram(name, source)
	if err != nil {
		return fmt.Errorf("%w: refresh %s: %w", ErrShader, name, err)
	}

	c.mu.Lock()
	old := c.programs[name]
	c.programs[name] = p
	c.mu.Unlock()

	dev.DeleteProgram(old)
	return nil
}
