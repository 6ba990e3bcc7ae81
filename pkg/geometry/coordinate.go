// Package geometry provides the coordinate types and image-plane transforms
// shared by the rasterization and volume packages. Coordinates are points in
// the patient coordinate system, measured in millimeters.
package geometry

// Coordinate is an (x, y, z) point in patient space, in mm.
// It is an immutable value type: methods return new Coordinates.
type Coordinate struct {
	X, Y, Z float64
}

// Translate returns a copy of the coordinate shifted by the given offsets.
func (c Coordinate) Translate(dx, dy, dz float64) Coordinate {
	return Coordinate{X: c.X + dx, Y: c.Y + dy, Z: c.Z + dz}
}

// Contour is an ordered polygon of coordinates lying on a single image
// plane. The polygon is implicitly closed: the last vertex connects back to
// the first without being duplicated.
type Contour []Coordinate

// SlicePosition returns the z component of the first vertex, which all
// vertices of a well-formed contour share. Returns 0 for an empty contour.
func (c Contour) SlicePosition() float64 {
	if len(c) == 0 {
		return 0
	}
	return c[0].Z
}
