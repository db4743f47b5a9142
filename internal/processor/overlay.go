package processor

import (
	"image"
	"image/color"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	markerArm       = 20
	markerThickness = 3
	labelOffsetX    = 25
	labelOffsetY    = -10
)

// MarkerColor is the crosshair and label color (#00ff00)
var MarkerColor = color.RGBA{R: 0x00, G: 0xff, B: 0x00, A: 0xff}

// Overlay holds the last clicked marker on the portrait canvas.
// Safe for concurrent use.
type Overlay struct {
	mu     sync.RWMutex
	marker *SensorCoordinate
}

// NewOverlay returns an empty overlay
func NewOverlay() *Overlay {
	return &Overlay{}
}

// Mark replaces the current marker
func (o *Overlay) Mark(c SensorCoordinate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.marker = &c
}

// Clear removes the marker
func (o *Overlay) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.marker = nil
}

// Marker returns the current marker, if any
func (o *Overlay) Marker() (SensorCoordinate, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.marker == nil {
		return SensorCoordinate{}, false
	}
	return *o.marker, true
}

// Render draws the marker on a transparent canvas-sized image.
// A cross of ±20 px, 3 px wide, with the label "(x, y)" at (x+25, y-10).
func (o *Overlay) Render(canvas CanvasSize) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, max(canvas.Width, 0), max(canvas.Height, 0)))

	c, ok := o.Marker()
	if !ok {
		return dst
	}

	src := image.NewUniform(MarkerColor)
	half := markerThickness / 2

	horizontal := image.Rect(c.X-markerArm, c.Y-half, c.X+markerArm+1, c.Y+half+1)
	vertical := image.Rect(c.X-half, c.Y-markerArm, c.X+half+1, c.Y+markerArm+1)
	draw.Draw(dst, horizontal.Intersect(dst.Bounds()), src, image.Point{}, draw.Src)
	draw.Draw(dst, vertical.Intersect(dst.Bounds()), src, image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  src,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(c.X+labelOffsetX, c.Y+labelOffsetY),
	}
	d.DrawString(c.Label())

	return dst
}
