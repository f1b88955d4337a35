// Package geom provides the integer device-pixel geometry shared by the
// frame-execution core and the device boundary.
package geom

// IntPoint is a point in device pixels.
type IntPoint struct {
	X, Y int
}

// Pt is a convenience function to create an IntPoint.
func Pt(x, y int) IntPoint {
	return IntPoint{X: x, Y: y}
}

// Add returns the sum of two points.
func (p IntPoint) Add(q IntPoint) IntPoint {
	return IntPoint{X: p.X + q.X, Y: p.Y + q.Y}
}

// Sub returns the difference of two points.
func (p IntPoint) Sub(q IntPoint) IntPoint {
	return IntPoint{X: p.X - q.X, Y: p.Y - q.Y}
}

// IntSize is a width/height pair in device pixels.
type IntSize struct {
	Width, Height int
}

// Sz is a convenience function to create an IntSize.
func Sz(width, height int) IntSize {
	return IntSize{Width: width, Height: height}
}

// IsEmpty reports whether either dimension is zero or negative.
func (s IntSize) IsEmpty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// Area returns the pixel count as int64 so byte-size math cannot overflow.
func (s IntSize) Area() int64 {
	if s.IsEmpty() {
		return 0
	}
	return int64(s.Width) * int64(s.Height)
}

// Max returns the component-wise maximum of two sizes.
func (s IntSize) Max(t IntSize) IntSize {
	if t.Width > s.Width {
		s.Width = t.Width
	}
	if t.Height > s.Height {
		s.Height = t.Height
	}
	return s
}

// RoundUpTo rounds both dimensions up to the nearest multiple of grid.
// A grid of 1 or less returns the size unchanged.
func (s IntSize) RoundUpTo(grid int) IntSize {
	if grid <= 1 {
		return s
	}
	round := func(v int) int {
		if v <= 0 {
			return 0
		}
		return (v + grid - 1) / grid * grid
	}
	return IntSize{Width: round(s.Width), Height: round(s.Height)}
}

// IntRect is an axis-aligned rectangle in device pixels.
type IntRect struct {
	Origin IntPoint
	Size   IntSize
}

// Rect is a convenience function to create an IntRect.
func Rect(x, y, width, height int) IntRect {
	return IntRect{Origin: IntPoint{X: x, Y: y}, Size: IntSize{Width: width, Height: height}}
}

// IsEmpty reports whether the rectangle covers no pixels.
func (r IntRect) IsEmpty() bool {
	return r.Size.IsEmpty()
}

// MaxX returns the exclusive right edge.
func (r IntRect) MaxX() int {
	return r.Origin.X + r.Size.Width
}

// MaxY returns the exclusive bottom edge.
func (r IntRect) MaxY() int {
	return r.Origin.Y + r.Size.Height
}

// Translate returns the rectangle shifted by d.
func (r IntRect) Translate(d IntPoint) IntRect {
	r.Origin = r.Origin.Add(d)
	return r
}

// Union returns the smallest rectangle covering both r and q.
// An empty rectangle does not extend the result.
func (r IntRect) Union(q IntRect) IntRect {
	if r.IsEmpty() {
		return q
	}
	if q.IsEmpty() {
		return r
	}
	x0 := min(r.Origin.X, q.Origin.X)
	y0 := min(r.Origin.Y, q.Origin.Y)
	x1 := max(r.MaxX(), q.MaxX())
	y1 := max(r.MaxY(), q.MaxY())
	return Rect(x0, y0, x1-x0, y1-y0)
}

// Intersect returns the overlap of r and q, or a zero IntRect when they
// do not overlap.
func (r IntRect) Intersect(q IntRect) IntRect {
	x0 := max(r.Origin.X, q.Origin.X)
	y0 := max(r.Origin.Y, q.Origin.Y)
	x1 := min(r.MaxX(), q.MaxX())
	y1 := min(r.MaxY(), q.MaxY())
	if x1 <= x0 || y1 <= y0 {
		return IntRect{}
	}
	return Rect(x0, y0, x1-x0, y1-y0)
}

// Intersects reports whether r and q share any pixels.
func (r IntRect) Intersects(q IntRect) bool {
	return !r.Intersect(q).IsEmpty()
}

// Contains reports whether p lies inside r.
func (r IntRect) Contains(p IntPoint) bool {
	return p.X >= r.Origin.X && p.X < r.MaxX() && p.Y >= r.Origin.Y && p.Y < r.MaxY()
}

// ContainsRect reports whether q lies entirely inside r.
func (r IntRect) ContainsRect(q IntRect) bool {
	if q.IsEmpty() {
		return true
	}
	return q.Origin.X >= r.Origin.X && q.Origin.Y >= r.Origin.Y &&
		q.MaxX() <= r.MaxX() && q.MaxY() <= r.MaxY()
}

// ColorF is a non-premultiplied RGBA color with float32 components.
type ColorF struct {
	R, G, B, A float32
}

// RGBA is a convenience function to create a ColorF.
func RGBA(r, g, b, a float32) ColorF {
	return ColorF{R: r, G: g, B: b, A: a}
}

// Transparent is the fully transparent black color.
var Transparent = ColorF{}

// White is opaque white.
var White = ColorF{R: 1, G: 1, B: 1, A: 1}
