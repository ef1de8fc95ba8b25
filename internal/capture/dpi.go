package capture

import "math"

// ScaleRect multiplies every field of r by factor and rounds to the nearest
// pixel. Factors that are not positive and finite are treated as 1.
func ScaleRect(r Rect, factor float64) Rect {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		factor = 1
	}
	return Rect{
		X:      int(math.Round(float64(r.X) * factor)),
		Y:      int(math.Round(float64(r.Y) * factor)),
		Width:  int(math.Round(float64(r.Width) * factor)),
		Height: int(math.Round(float64(r.Height) * factor)),
	}
}

// ScaleFactorer reports the display scale factor at a logical point.
type ScaleFactorer interface {
	ScaleFactor(x, y int) float64
}

// ToPhysical converts a logical rectangle into physical pixels using the
// scale factor of the display containing the rectangle's origin.
func ToPhysical(s ScaleFactorer, logical Rect) Rect {
	return ScaleRect(logical, s.ScaleFactor(logical.X, logical.Y))
}
