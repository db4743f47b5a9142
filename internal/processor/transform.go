/**
 * Display transform shared by the coordinate mapper and the frame capturer
 *
 * The camera is mounted sideways: the native (sensor) frame is landscape and the
 * operator works on a portrait canvas obtained by a fixed 90° clockwise turn.
 * Both the mapper's axis swap and the capturer's raster transform read the
 * rotation from here so they cannot drift apart.
 */

package processor

import "fmt"

// Rotation is a clockwise rotation expressed in quarter turns
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 1
	Rotate180 Rotation = 2
	Rotate270 Rotation = 3
)

// DefaultRotation is the only rotation the mapper and capturer implement today.
const DefaultRotation = Rotate90

// Degrees returns the clockwise angle in degrees
func (r Rotation) Degrees() int {
	return int(r.normalize()) * 90
}

// SwapsAxes reports whether the rotation exchanges width and height
func (r Rotation) SwapsAxes() bool {
	return r.normalize()%2 == 1
}

func (r Rotation) normalize() Rotation {
	return ((r % 4) + 4) % 4
}

func (r Rotation) String() string {
	return fmt.Sprintf("%d°", r.Degrees())
}

// Point is a position in viewport (client) pixels
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DisplayRect is the on-screen bounding box of the rendered preview element,
// as laid out after the CSS rotation.
type DisplayRect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CanvasSize is the portrait working buffer size in sensor pixels
type CanvasSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SensorCoordinate is a pixel position on the portrait canvas, origin top-left
type SensorCoordinate struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// DisplayTransform describes how a native camera frame is shown and captured
type DisplayTransform struct {
	Rotation     Rotation `json:"rotation"`
	NativeWidth  int      `json:"native_width"`
	NativeHeight int      `json:"native_height"`
	CanvasWidth  int      `json:"canvas_width"`
	CanvasHeight int      `json:"canvas_height"`
}

// NewDisplayTransform builds the transform for a native frame of nativeW x nativeH.
// With the default 90° rotation the canvas is nativeH x nativeW.
func NewDisplayTransform(nativeW, nativeH int) DisplayTransform {
	t := DisplayTransform{
		Rotation:     DefaultRotation,
		NativeWidth:  nativeW,
		NativeHeight: nativeH,
		CanvasWidth:  nativeW,
		CanvasHeight: nativeH,
	}
	if t.Rotation.SwapsAxes() {
		t.CanvasWidth, t.CanvasHeight = nativeH, nativeW
	}
	return t
}

// CanvasSize returns the rotated canvas dimensions
func (t DisplayTransform) CanvasSize() CanvasSize {
	return CanvasSize{Width: t.CanvasWidth, Height: t.CanvasHeight}
}

// Scale returns the display-to-canvas scale factors for the given layout
func (c CanvasSize) Scale(rect DisplayRect) (scaleX, scaleY float64) {
	return float64(c.Width) / rect.Width, float64(c.Height) / rect.Height
}

// Scale returns the display-to-canvas scale factors for the given layout
func (t DisplayTransform) Scale(rect DisplayRect) (scaleX, scaleY float64) {
	return t.CanvasSize().Scale(rect)
}

// Ready reports whether the transform was built from a loaded frame
func (t DisplayTransform) Ready() bool {
	return t.CanvasWidth > 0 && t.CanvasHeight > 0
}
