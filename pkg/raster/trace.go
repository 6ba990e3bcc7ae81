package raster

import "fmt"

// IndexPoint is a pixel index in (column, row) form.
type IndexPoint struct {
	Col, Row int
}

// IndexPolygon is an ordered, implicitly closed polygon of pixel indices.
type IndexPolygon []IndexPoint

// mooreDirs lists the 8-neighbourhood in clockwise order (rows grow
// downward): W, NW, N, NE, E, SE, S, SW. The boundary walk scans this ring
// starting just past the direction it arrived from.
var mooreDirs = [8]IndexPoint{
	{-1, 0}, {-1, -1}, {0, -1}, {1, -1}, {1, 0}, {1, 1}, {0, 1}, {-1, 1},
}

// TraceContours recovers one ordered boundary polygon per connected
// foreground component of the mask, reduced to its corner pixels. It is the
// inverse of FillPolygon up to vertex placement: re-filling a traced polygon
// reproduces the component's pixel set.
//
// The walk is a radial sweep over the 8-neighbourhood anchored by the
// arrival direction; a closed loop is detected when the first two recorded
// pixels repeat, which is robust for borders that are only 8-connected.
// After each component is traced, its full pixel set is removed from a
// working copy and the scan restarts, so every component is visited exactly
// once. Interior holes are not detected: a donut yields only its outer
// boundary. The input mask is never modified.
func TraceContours(m *Mask) ([]IndexPolygon, error) {
	if err := m.validateBinary(); err != nil {
		return nil, fmt.Errorf("trace contours: %w", err)
	}

	// Work on a copy padded with a 1-pixel zero border so the neighbourhood
	// walk never needs bounds checks, then shift indices back by (-1,-1).
	padded := NewMask(m.Cols+2, m.Rows+2)
	for r := 0; r < m.Rows; r++ {
		copy(padded.Pix[(r+1)*padded.Cols+1:(r+1)*padded.Cols+1+m.Cols], m.Pix[r*m.Cols:(r+1)*m.Cols])
	}

	scratch := NewMask(padded.Cols, padded.Rows)
	var polygons []IndexPolygon

	for {
		seed, ok := findForeground(padded)
		if !ok {
			break
		}
		walk := traceBoundary(padded, seed)
		corners := reduceToCorners(walk)
		removeComponent(padded, scratch, walk)

		poly := make(IndexPolygon, len(corners))
		for i, pt := range corners {
			poly[i] = IndexPoint{Col: pt.Col - 1, Row: pt.Row - 1}
		}
		polygons = append(polygons, poly)
	}
	return polygons, nil
}

// findForeground locates the first foreground pixel in raster-scan order.
func findForeground(m *Mask) (IndexPoint, bool) {
	for i, p := range m.Pix {
		if p == 1 {
			return IndexPoint{Col: i % m.Cols, Row: i / m.Cols}, true
		}
	}
	return IndexPoint{}, false
}

// traceBoundary walks the component boundary clockwise starting at seed.
// The seed is the raster-scan first pixel of its component, so its west
// neighbour is guaranteed background and serves as the initial backtrack.
func traceBoundary(m *Mask, seed IndexPoint) []IndexPoint {
	walk := make([]IndexPoint, 0, 64)
	walk = append(walk, seed)

	cur := seed
	back := IndexPoint{Col: seed.Col - 1, Row: seed.Row}
	maxSteps := 4*len(m.Pix) + 8

	for step := 0; step < maxSteps; step++ {
		bIdx := dirIndex(back.Col-cur.Col, back.Row-cur.Row)
		found := false
		for k := 1; k <= 8; k++ {
			d := mooreDirs[(bIdx+k)%8]
			n := IndexPoint{Col: cur.Col + d.Col, Row: cur.Row + d.Row}
			if m.At(n.Col, n.Row) == 1 {
				prev := mooreDirs[(bIdx+k-1)%8]
				back = IndexPoint{Col: cur.Col + prev.Col, Row: cur.Row + prev.Row}
				cur = n
				found = true
				break
			}
		}
		if !found {
			// Isolated single pixel.
			return walk
		}
		walk = append(walk, cur)

		// Closed-loop test: the first two recorded pixels repeat in order.
		n := len(walk)
		if n >= 4 && walk[n-1] == walk[1] && walk[n-2] == walk[0] {
			return walk[:n-2]
		}
	}
	return walk
}

// dirIndex maps a unit neighbourhood offset to its position in mooreDirs.
func dirIndex(dCol, dRow int) int {
	for i, d := range mooreDirs {
		if d.Col == dCol && d.Row == dRow {
			return i
		}
	}
	return 0
}

// reduceToCorners keeps only the pixels where the arrival direction changes,
// compacting a full boundary walk into a polygon of corner vertices. The
// start pixel is always kept so the polygon stays anchored to the walk.
func reduceToCorners(walk []IndexPoint) []IndexPoint {
	if len(walk) <= 2 {
		out := make([]IndexPoint, len(walk))
		copy(out, walk)
		return out
	}
	corners := make([]IndexPoint, 0, len(walk)/2+1)
	corners = append(corners, walk[0])
	for i := 1; i < len(walk); i++ {
		arrive := IndexPoint{Col: walk[i].Col - walk[i-1].Col, Row: walk[i].Row - walk[i-1].Row}
		var depart IndexPoint
		if i == len(walk)-1 {
			// The walk is closed: the last pixel departs toward the start.
			depart = IndexPoint{Col: walk[0].Col - walk[i].Col, Row: walk[0].Row - walk[i].Row}
		} else {
			depart = IndexPoint{Col: walk[i+1].Col - walk[i].Col, Row: walk[i+1].Row - walk[i].Row}
		}
		if arrive != depart {
			corners = append(corners, walk[i])
		}
	}
	return corners
}

// removeComponent zeroes the traced component (boundary, interior and any
// enclosed holes) from the working mask. The boundary walk is an 8-connected
// closed curve, so a 4-connected flood fill started from the padded corner
// cannot cross it: every pixel the fill does not reach belongs to the
// component. This reuses the iterative FloodFill instead of a second
// dedicated scanning algorithm and is just as explicitly non-recursive.
func removeComponent(m, scratch *Mask, walk []IndexPoint) {
	clear(scratch.Pix)
	for _, pt := range walk {
		scratch.Set(pt.Col, pt.Row, 1)
	}
	FloodFill(0, 0, scratch, 2)
	for i, p := range scratch.Pix {
		if p != 2 {
			m.Pix[i] = 0
		}
	}
}
