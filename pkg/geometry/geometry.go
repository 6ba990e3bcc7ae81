package geometry

import (
	"fmt"
	"math"
)

// ImageGeometry describes the pixel grid of one source image: its extent,
// spacing, patient-space position of pixel (0,0) and the direction cosines
// of the pixel rows and columns. It is supplied by the DICOM layer and
// consumed by reference; the geometry is never mutated here.
type ImageGeometry struct {
	// Columns and Rows give the pixel extent of the image.
	Columns int
	Rows    int

	// ColumnSpacing and RowSpacing are the physical distances between
	// neighbouring pixel centers, in mm.
	ColumnSpacing float64
	RowSpacing    float64

	// Position is the patient-space location of the center of pixel (0,0).
	Position Coordinate

	// Orientation holds the six direction cosines: [0:3] is the unit vector
	// along increasing column index, [3:6] along increasing row index.
	Orientation [6]float64

	// SlicePosition is the position of the image plane along the slice axis.
	SlicePosition float64
}

// AxialGeometry returns a geometry for an axis-aligned axial image: rows
// along +y, columns along +x. Convenient for synthetic data and tests.
func AxialGeometry(columns, rows int, colSpacing, rowSpacing float64, position Coordinate) *ImageGeometry {
	return &ImageGeometry{
		Columns:       columns,
		Rows:          rows,
		ColumnSpacing: colSpacing,
		RowSpacing:    rowSpacing,
		Position:      position,
		Orientation:   [6]float64{1, 0, 0, 0, 1, 0},
		SlicePosition: position.Z,
	}
}

// validate checks spacing and orientation before a transform is attempted.
func (g *ImageGeometry) validate() error {
	if g.ColumnSpacing <= 0 || g.RowSpacing <= 0 {
		return fmt.Errorf("geometry has non-positive spacing (%g x %g)", g.ColumnSpacing, g.RowSpacing)
	}
	colLen := g.Orientation[0]*g.Orientation[0] + g.Orientation[1]*g.Orientation[1] + g.Orientation[2]*g.Orientation[2]
	rowLen := g.Orientation[3]*g.Orientation[3] + g.Orientation[4]*g.Orientation[4] + g.Orientation[5]*g.Orientation[5]
	if colLen == 0 || rowLen == 0 {
		return fmt.Errorf("geometry is missing direction cosines")
	}
	return nil
}

// IndexFromCoordinate converts a patient-space coordinate to the (column,
// row) pixel index of the image, rounding to the nearest pixel center. The
// coordinate is projected onto the row/column direction cosines, so oblique
// image planes are handled the same way as axis-aligned ones.
func (g *ImageGeometry) IndexFromCoordinate(c Coordinate) (col, row int, err error) {
	if err := g.validate(); err != nil {
		return 0, 0, err
	}
	dx := c.X - g.Position.X
	dy := c.Y - g.Position.Y
	dz := c.Z - g.Position.Z
	alongCol := dx*g.Orientation[0] + dy*g.Orientation[1] + dz*g.Orientation[2]
	alongRow := dx*g.Orientation[3] + dy*g.Orientation[4] + dz*g.Orientation[5]
	col = int(math.Round(alongCol / g.ColumnSpacing))
	row = int(math.Round(alongRow / g.RowSpacing))
	return col, row, nil
}

// CoordinateFromIndex converts a (column, row) pixel index to its
// patient-space coordinate.
func (g *ImageGeometry) CoordinateFromIndex(col, row int) (Coordinate, error) {
	if err := g.validate(); err != nil {
		return Coordinate{}, err
	}
	fc := float64(col) * g.ColumnSpacing
	fr := float64(row) * g.RowSpacing
	return Coordinate{
		X: g.Position.X + fc*g.Orientation[0] + fr*g.Orientation[3],
		Y: g.Position.Y + fc*g.Orientation[1] + fr*g.Orientation[4],
		Z: g.Position.Z + fc*g.Orientation[2] + fr*g.Orientation[5],
	}, nil
}

// SameShape reports whether two geometries have the same pixel extent.
func (g *ImageGeometry) SameShape(other *ImageGeometry) bool {
	return g.Columns == other.Columns && g.Rows == other.Rows
}
