package nn

import (
	"github.com/chewxy/math32"
)

type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

func (p Point) Distance(b Point) float32 {
	return math32.Sqrt((p.X-b.X)*(p.X-b.X) + (p.Y-b.Y)*(p.Y-b.Y))
}

// Box is an axis-aligned rectangle in image coordinates.
// A valid box has X2 > X1 and Y2 > Y1.
type Box struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

func (r Box) Width() float32 {
	return r.X2 - r.X1
}

func (r Box) Height() float32 {
	return r.Y2 - r.Y1
}

// Size returns (width, height) as a Point
func (r Box) Size() Point {
	return Point{X: r.Width(), Y: r.Height()}
}

func (r Box) Area() float32 {
	if r.X2 <= r.X1 || r.Y2 <= r.Y1 {
		return 0
	}
	return r.Width() * r.Height()
}

// IsValid returns true if all coordinates are finite, and the box has positive, finite area
func (r Box) IsValid() bool {
	for _, v := range [4]float32{r.X1, r.Y1, r.X2, r.Y2} {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
	}
	if r.X2 <= r.X1 || r.Y2 <= r.Y1 {
		return false
	}
	return !math32.IsInf(r.Area(), 0)
}

// Area in float64, which can't overflow for finite float32 coordinates
func (r Box) area64() float64 {
	if r.X2 <= r.X1 || r.Y2 <= r.Y1 {
		return 0
	}
	return (float64(r.X2) - float64(r.X1)) * (float64(r.Y2) - float64(r.Y1))
}

func (r Box) Intersection(b Box) Box {
	x1 := max(r.X1, b.X1)
	y1 := max(r.Y1, b.Y1)
	x2 := min(r.X2, b.X2)
	y2 := min(r.Y2, b.Y2)
	return Box{
		X1: x1,
		Y1: y1,
		X2: max(x1, x2),
		Y2: max(y1, y2),
	}
}

// Intersection over Union.
// Returns 0 when the boxes do not overlap, or when either box is degenerate.
func (r Box) IOU(b Box) float32 {
	intersection := r.Intersection(b).area64()
	if intersection == 0 {
		return 0
	}
	union := r.area64() + b.area64() - intersection
	if union <= 0 {
		return 0
	}
	return float32(intersection / union)
}

func (r Box) Center() Point {
	return Point{
		X: (r.X1 + r.X2) / 2,
		Y: (r.Y1 + r.Y2) / 2,
	}
}

func (r *Box) Offset(dx, dy float32) {
	r.X1 += dx
	r.Y1 += dy
	r.X2 += dx
	r.Y2 += dy
}

// BoxFromCenterSize builds a box of the given size, centered on 'center'
func BoxFromCenterSize(center, size Point) Box {
	return Box{
		X1: center.X - size.X/2,
		Y1: center.Y - size.Y/2,
		X2: center.X + size.X/2,
		Y2: center.Y + size.Y/2,
	}
}

// Velocity returns the per-axis displacement of the box centers, divided by dt (seconds).
// The caller must ensure that dt > 0.
func Velocity(prev, next Box, dt float32) Point {
	a := prev.Center()
	b := next.Center()
	return Point{
		X: (b.X - a.X) / dt,
		Y: (b.Y - a.Y) / dt,
	}
}

// SizeRate returns the rate of change of width and height, divided by dt (seconds).
// The caller must ensure that dt > 0.
func SizeRate(prev, next Box, dt float32) Point {
	return Point{
		X: (next.Width() - prev.Width()) / dt,
		Y: (next.Height() - prev.Height()) / dt,
	}
}
