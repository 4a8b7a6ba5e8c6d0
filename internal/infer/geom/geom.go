// Package geom holds the small amount of computational geometry the
// detection pipeline needs: axis-aligned boxes, IoU, even-odd point-in-polygon
// tests and grid-cell quantisation. Everything is dependency-free on purpose.
package geom

import (
	"encoding/json"
	"fmt"
	"math"
)

// BBox is an axis-aligned bounding box in absolute frame coordinates,
// with X1 < X2 and Y1 < Y2.
type BBox struct {
	X1, Y1, X2, Y2 float64
}

// Width returns the horizontal extent of the box.
func (b BBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the vertical extent of the box.
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// Area returns the box area. Degenerate boxes yield zero or negative area.
func (b BBox) Area() float64 { return b.Width() * b.Height() }

// Center returns the box center point.
func (b BBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Corners returns the four box corners in top-left, top-right,
// bottom-left, bottom-right order.
func (b BBox) Corners() [4]Point {
	return [4]Point{
		{b.X1, b.Y1},
		{b.X2, b.Y1},
		{b.X1, b.Y2},
		{b.X2, b.Y2},
	}
}

// Valid reports whether the box has positive extent on both axes.
func (b BBox) Valid() bool { return b.X2 > b.X1 && b.Y2 > b.Y1 }

// Slice returns the box as [x1, y1, x2, y2], the wire form used in events.
func (b BBox) Slice() []float64 { return []float64{b.X1, b.Y1, b.X2, b.Y2} }

// MarshalJSON encodes the box as the four-element array [x1, y1, x2, y2].
func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Slice())
}

// UnmarshalJSON accepts the four-element array form.
func (b *BBox) UnmarshalJSON(data []byte) error {
	var coords []float64
	if err := json.Unmarshal(data, &coords); err != nil {
		return err
	}
	if len(coords) != 4 {
		return fmt.Errorf("bbox: expected 4 coordinates, got %d", len(coords))
	}
	b.X1, b.Y1, b.X2, b.Y2 = coords[0], coords[1], coords[2], coords[3]
	return nil
}

// IoU returns the Intersection-over-Union of two boxes.
// Disjoint boxes return 0, identical non-empty boxes return 1.
func IoU(a, b BBox) float64 {
	ix1 := math.Max(a.X1, b.X1)
	iy1 := math.Max(a.Y1, b.Y1)
	ix2 := math.Min(a.X2, b.X2)
	iy2 := math.Min(a.Y2, b.Y2)
	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}
	inter := (ix2 - ix1) * (iy2 - iy1)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Point is a point in frame coordinates.
type Point struct {
	X, Y float64
}

// Polygon is an ordered list of at least three vertices.
type Polygon []Point

// Contains reports whether p lies inside the polygon using the even-odd
// ray-casting rule: a horizontal ray is cast from p and edge crossings are
// counted; an odd count means inside. Points on a vertical edge or a vertex
// on the ray path count as inside.
func (poly Polygon) Contains(p Point) bool {
	n := len(poly)
	if n < 3 {
		return false
	}
	inside := false
	p1 := poly[0]
	for i := 1; i <= n; i++ {
		p2 := poly[i%n]
		if p.Y > math.Min(p1.Y, p2.Y) && p.Y <= math.Max(p1.Y, p2.Y) && p.X <= math.Max(p1.X, p2.X) {
			var xinters float64
			if p1.Y != p2.Y {
				xinters = (p.Y-p1.Y)*(p2.X-p1.X)/(p2.Y-p1.Y) + p1.X
			}
			if p1.X == p2.X || p.X <= xinters {
				inside = !inside
			}
		}
		p1 = p2
	}
	return inside
}

// OverlapRatio returns the fraction of the box area covered by the polygon,
// in [0, 1]. The box is rasterised at unit-pixel resolution and each pixel
// center is tested against the polygon, matching mask-based overlap
// computation on integer frame coordinates.
func OverlapRatio(b BBox, poly Polygon) float64 {
	if !b.Valid() {
		return 0
	}
	x1 := int(math.Floor(b.X1))
	y1 := int(math.Floor(b.Y1))
	x2 := int(math.Ceil(b.X2))
	y2 := int(math.Ceil(b.Y2))
	total := 0
	covered := 0
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			total++
			if poly.Contains(Point{X: float64(x) + 0.5, Y: float64(y) + 0.5}) {
				covered++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(covered) / float64(total)
}

// GridCell quantises a point to a square grid of the given cell size and
// returns a stable "x_y" identifier, used as the spatial half of dedup keys.
func GridCell(p Point, size int) string {
	if size <= 0 {
		size = 1
	}
	gx := int(math.Floor(p.X / float64(size)))
	gy := int(math.Floor(p.Y / float64(size)))
	return fmt.Sprintf("%d_%d", gx, gy)
}
