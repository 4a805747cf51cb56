// Package roi computes the crop regions fed to the detector: a static base
// zoom chosen at setup time and the adaptive zoom the tracker derives from
// a locked object.
package roi

import (
	"fmt"
	"sync"
)

// MaxZoom is the largest base zoom factor accepted.
const MaxZoom = 4.0

// Rect is an axis-aligned rectangle in normalized [0,1] coordinates.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// FullFrame covers the whole image.
var FullFrame = Rect{Left: 0, Top: 0, Right: 1, Bottom: 1}

func (r Rect) Width() float64  { return r.Right - r.Left }
func (r Rect) Height() float64 { return r.Bottom - r.Top }
func (r Rect) Area() float64   { return r.Width() * r.Height() }

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool { return r.Width() <= 0 || r.Height() <= 0 }

func (r Rect) String() string {
	return fmt.Sprintf("[%.3f,%.3f → %.3f,%.3f]", r.Left, r.Top, r.Right, r.Bottom)
}

// Clamp limits every edge to [0,1].
func (r Rect) Clamp() Rect {
	return Rect{
		Left:   clamp01(r.Left),
		Top:    clamp01(r.Top),
		Right:  clamp01(r.Right),
		Bottom: clamp01(r.Bottom),
	}
}

// Pad grows the rectangle by frac of its width and height on each side and
// clamps the result to the frame.
func (r Rect) Pad(frac float64) Rect {
	dx := r.Width() * frac
	dy := r.Height() * frac
	return Rect{
		Left:   r.Left - dx,
		Top:    r.Top - dy,
		Right:  r.Right + dx,
		Bottom: r.Bottom + dy,
	}.Clamp()
}

// Lerp moves each edge of r toward target by alpha.
func (r Rect) Lerp(target Rect, alpha float64) Rect {
	return Rect{
		Left:   r.Left + alpha*(target.Left-r.Left),
		Top:    r.Top + alpha*(target.Top-r.Top),
		Right:  r.Right + alpha*(target.Right-r.Right),
		Bottom: r.Bottom + alpha*(target.Bottom-r.Bottom),
	}
}

// Within maps r, expressed relative to outer, into outer's coordinate space.
func (r Rect) Within(outer Rect) Rect {
	w, h := outer.Width(), outer.Height()
	return Rect{
		Left:   outer.Left + r.Left*w,
		Top:    outer.Top + r.Top*h,
		Right:  outer.Left + r.Right*w,
		Bottom: outer.Top + r.Bottom*h,
	}
}

// Relative expresses r in the coordinate space of outer. It is the inverse
// of Within. A degenerate outer leaves r unchanged.
func (r Rect) Relative(outer Rect) Rect {
	w, h := outer.Width(), outer.Height()
	if w <= 0 || h <= 0 {
		return r
	}
	return Rect{
		Left:   (r.Left - outer.Left) / w,
		Top:    (r.Top - outer.Top) / h,
		Right:  (r.Right - outer.Left) / w,
		Bottom: (r.Bottom - outer.Top) / h,
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// BaseRegion returns the centred crop for a digital zoom factor. Factors at
// or below 1 mean no crop and return nil; factors above MaxZoom are capped.
func BaseRegion(zoom float64) *Rect {
	if zoom <= 1 {
		return nil
	}
	if zoom > MaxZoom {
		zoom = MaxZoom
	}
	size := 1 / zoom
	offset := (1 - size) / 2
	return &Rect{Left: offset, Top: offset, Right: offset + size, Bottom: offset + size}
}

// Effective combines the base and adaptive regions into the crop applied to
// the next frame. The adaptive region is relative to the base crop when both
// are present. A nil result means the full frame.
func Effective(base, adaptive *Rect) *Rect {
	switch {
	case base != nil && adaptive != nil:
		r := adaptive.Within(*base)
		return &r
	case base != nil:
		r := *base
		return &r
	case adaptive != nil:
		r := *adaptive
		return &r
	default:
		return nil
	}
}

// Controller holds the user-configured base zoom. It is safe for concurrent
// use; the setup endpoint writes it while the analysis loop reads it.
type Controller struct {
	mu   sync.RWMutex
	zoom float64
}

// NewController returns a controller with the given initial zoom factor.
func NewController(zoom float64) *Controller {
	c := &Controller{}
	c.SetZoom(zoom)
	return c
}

// SetZoom updates the base zoom factor, clamped to [1, MaxZoom].
func (c *Controller) SetZoom(zoom float64) {
	if zoom < 1 {
		zoom = 1
	}
	if zoom > MaxZoom {
		zoom = MaxZoom
	}
	c.mu.Lock()
	c.zoom = zoom
	c.mu.Unlock()
}

// Zoom returns the current base zoom factor.
func (c *Controller) Zoom() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.zoom
}

// Base returns the current base crop, or nil for the full frame.
func (c *Controller) Base() *Rect {
	return BaseRegion(c.Zoom())
}
