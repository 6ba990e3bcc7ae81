package raster

import (
	"fmt"
	"math"

	"rtseg/pkg/geometry"
)

// RasterizeLines draws straight line segments between consecutive vertex
// index pairs, wrapping around from the last vertex back to the first, and
// writes value into every visited mask cell. Vertices and intermediate
// pixels falling outside the mask are silently dropped; a contour may
// legitimately extend past the image it is drawn against.
func RasterizeLines(cols, rows []int, m *Mask, value uint8) {
	n := len(cols)
	if n == 0 || n != len(rows) {
		return
	}
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		drawSegment(cols[i], rows[i], cols[j], rows[j], m, value)
	}
}

// drawSegment rasterizes one segment with integer Bresenham stepping.
func drawSegment(c0, r0, c1, r1 int, m *Mask, value uint8) {
	dc := abs(c1 - c0)
	dr := abs(r1 - r0)
	sc := 1
	if c0 > c1 {
		sc = -1
	}
	sr := 1
	if r0 > r1 {
		sr = -1
	}
	err := dc - dr
	for {
		if m.InBounds(c0, r0) {
			m.Set(c0, r0, value)
		}
		if c0 == c1 && r0 == r1 {
			return
		}
		e2 := 2 * err
		if e2 > -dr {
			err -= dr
			c0 += sc
		}
		if e2 < dc {
			err += dc
			r0 += sr
		}
	}
}

// FloodFill performs an iterative queue-based 4-connected flood fill
// starting at the given seed, replacing every connected cell holding the
// seed's value with fill. A seed outside the mask is clamped to the nearest
// boundary index. The fill is deliberately non-recursive: mask sizes are
// unbounded and stack depth must never be the limiting factor.
func FloodFill(seedCol, seedRow int, m *Mask, fill uint8) {
	if m.Cols == 0 || m.Rows == 0 {
		return
	}
	seedCol = clamp(seedCol, 0, m.Cols-1)
	seedRow = clamp(seedRow, 0, m.Rows-1)

	target := m.At(seedCol, seedRow)
	if target == fill {
		// Flooding a region with its own value is a no-op.
		return
	}

	queue := make([]int, 0, 64)
	queue = append(queue, seedRow*m.Cols+seedCol)
	m.Pix[queue[0]] = fill

	for head := 0; head < len(queue); head++ {
		idx := queue[head]
		col := idx % m.Cols
		row := idx / m.Cols

		// Extend the current row span left and right before queueing the
		// vertical neighbours; this keeps the work list short on wide
		// regions.
		left := col
		for left > 0 && m.Pix[row*m.Cols+left-1] == target {
			left--
			m.Pix[row*m.Cols+left] = fill
		}
		right := col
		for right < m.Cols-1 && m.Pix[row*m.Cols+right+1] == target {
			right++
			m.Pix[row*m.Cols+right] = fill
		}
		for c := left; c <= right; c++ {
			if row > 0 && m.Pix[(row-1)*m.Cols+c] == target {
				m.Pix[(row-1)*m.Cols+c] = fill
				queue = append(queue, (row-1)*m.Cols+c)
			}
			if row < m.Rows-1 && m.Pix[(row+1)*m.Cols+c] == target {
				m.Pix[(row+1)*m.Cols+c] = fill
				queue = append(queue, (row+1)*m.Cols+c)
			}
		}
	}
}

// fill markers used while deciding which side of a drawn contour is the
// interior.
const (
	lineMarker  uint8 = 1
	floodMarker uint8 = 2
)

// FillPolygon converts a contour given in patient coordinates into a filled
// {0,1} mask over the image described by geom.
//
// The boundary is drawn first, then a flood fill is started from the mean
// boundary index. Because the seed can land outside a concave or thin
// contour, the corner pixel (0,0) is probed afterwards: if the flood escaped
// to the mask origin, the filled region is actually the exterior and the
// interior is everything the flood did not reach. Self-intersecting or very
// thin contours can still defeat this heuristic; that is a known, accepted
// approximation of the approach, not an error condition.
func FillPolygon(contour geometry.Contour, geom *geometry.ImageGeometry) (*Mask, error) {
	if len(contour) == 0 {
		return nil, fmt.Errorf("fill polygon: empty contour")
	}

	cols := make([]int, len(contour))
	rows := make([]int, len(contour))
	for i, c := range contour {
		col, row, err := geom.IndexFromCoordinate(c)
		if err != nil {
			return nil, fmt.Errorf("fill polygon: %w", err)
		}
		cols[i] = col
		rows[i] = row
	}

	m := NewMask(geom.Columns, geom.Rows)
	RasterizeLines(cols, rows, m, lineMarker)

	// Seed at the mean boundary index. For convex contours this is interior;
	// for concave ones the corner probe below corrects the classification.
	sumC, sumR := 0, 0
	for i := range cols {
		sumC += cols[i]
		sumR += rows[i]
	}
	seedCol := int(math.Round(float64(sumC) / float64(len(cols))))
	seedRow := int(math.Round(float64(sumR) / float64(len(rows))))

	FloodFill(seedCol, seedRow, m, floodMarker)

	inverted := len(m.Pix) > 0 && m.Pix[0] == floodMarker
	for i, p := range m.Pix {
		if inverted {
			// The flood escaped the contour: the unflooded pixels (drawn
			// boundary plus untouched background) form the interior.
			if p == floodMarker {
				m.Pix[i] = 0
			} else {
				m.Pix[i] = 1
			}
		} else {
			if p == floodMarker || p == lineMarker {
				m.Pix[i] = 1
			} else {
				m.Pix[i] = 0
			}
		}
	}
	return m, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
