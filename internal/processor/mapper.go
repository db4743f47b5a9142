package processor

import (
	"fmt"
	"math"

	consoleerrors "github.com/parkit/camera-console/internal/errors"
)

// MapPointer converts a viewport pointer position over the rotated preview into
// a portrait-canvas pixel coordinate.
//
// Rounding is half away from zero (math.Round). A pointer inside the preview
// always maps inside the canvas: a result that rounds onto the far edge is
// pulled back to canvas-1. Pointers outside the preview are not clamped.
func MapPointer(rect DisplayRect, pointer Point, canvas CanvasSize) (SensorCoordinate, error) {
	if rect.Width <= 0 || rect.Height <= 0 || canvas.Width <= 0 || canvas.Height <= 0 {
		return SensorCoordinate{}, consoleerrors.NewPreviewNotReadyError(rect.Width, rect.Height)
	}

	displayX := pointer.X - rect.Left
	displayY := pointer.Y - rect.Top

	scaleX, scaleY := canvas.Scale(rect)

	return SensorCoordinate{
		X: scaleAxis(displayX, scaleX, rect.Width, canvas.Width),
		Y: scaleAxis(displayY, scaleY, rect.Height, canvas.Height),
	}, nil
}

func scaleAxis(display, scale, extent float64, canvas int) int {
	actual := int(math.Round(display * scale))
	if display >= 0 && display < extent && actual >= canvas {
		actual = canvas - 1
	}
	return actual
}

// InBounds reports whether c lies on a canvas of the given size
func (c SensorCoordinate) InBounds(canvas CanvasSize) bool {
	return c.X >= 0 && c.X < canvas.Width && c.Y >= 0 && c.Y < canvas.Height
}

// Readout is the floating coordinate text shown next to the pointer
func (c SensorCoordinate) Readout() string {
	return fmt.Sprintf("X: %d, Y: %d", c.X, c.Y)
}

// Label is the text drawn next to a marker
func (c SensorCoordinate) Label() string {
	return fmt.Sprintf("(%d, %d)", c.X, c.Y)
}
