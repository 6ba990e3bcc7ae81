// Package volume models rasterized segmentations: single-slice binary
// images, multi-slice binary volumes and the aligner that makes a set of
// volumes comparable voxel-for-voxel.
package volume

import (
	"fmt"
	"math"

	"rtseg/internal/models"
	"rtseg/pkg/geometry"
	"rtseg/pkg/raster"
)

// Image is a 2D binary mask bound to the geometry of one source image. The
// geometry is referenced, never owned; the mask shape always equals the
// geometry's (Columns, Rows) and values never exceed 1.
type Image struct {
	geom   *geometry.ImageGeometry
	source *models.Image
	mask   *raster.Mask
}

// NewImage returns an all-zero binary image over the source image's
// geometry. source may be nil for synthetic masks that belong to no series.
func NewImage(geom *geometry.ImageGeometry, source *models.Image) *Image {
	return &Image{
		geom:   geom,
		source: source,
		mask:   raster.NewMask(geom.Columns, geom.Rows),
	}
}

// ImageFromContours rasterizes each contour against the geometry and unions
// the results into a single binary image.
func ImageFromContours(contours []geometry.Contour, geom *geometry.ImageGeometry, source *models.Image) (*Image, error) {
	im := NewImage(geom, source)
	for i, contour := range contours {
		m, err := raster.FillPolygon(contour, geom)
		if err != nil {
			return nil, fmt.Errorf("contour %d: %w", i, err)
		}
		if err := im.Add(m); err != nil {
			return nil, fmt.Errorf("contour %d: %w", i, err)
		}
	}
	return im, nil
}

// Geometry returns the bound image geometry.
func (im *Image) Geometry() *geometry.ImageGeometry {
	return im.geom
}

// SourceImage returns the source image this mask was built against, or nil.
func (im *Image) SourceImage() *models.Image {
	return im.source
}

// Mask exposes the underlying pixel mask.
func (im *Image) Mask() *raster.Mask {
	return im.mask
}

// Add unions another mask into this image in place (logical OR). The mask
// must match the image's shape and hold only {0,1} values.
func (im *Image) Add(m *raster.Mask) error {
	if !im.mask.SameShape(m) {
		return fmt.Errorf("add mask: shape %dx%d does not match image %dx%d",
			m.Cols, m.Rows, im.mask.Cols, im.mask.Rows)
	}
	for i, p := range m.Pix {
		if p > 1 {
			return fmt.Errorf("add mask: non-binary value %d at linear index %d", p, i)
		}
		if p == 1 {
			im.mask.Pix[i] = 1
		}
	}
	return nil
}

// Fill sets every pixel of the image to 1.
func (im *Image) Fill() {
	for i := range im.mask.Pix {
		im.mask.Pix[i] = 1
	}
}

// Area returns the physical area covered by foreground pixels (or by
// background pixels when foreground is false), in mm².
func (im *Image) Area(foreground bool) float64 {
	want := uint8(1)
	if !foreground {
		want = 0
	}
	return float64(im.mask.Count(want)) * im.geom.RowSpacing * im.geom.ColumnSpacing
}

// Selection returns the linear indices (row*Columns + col) of all
// foreground pixels.
func (im *Image) Selection() []int {
	idx := make([]int, 0, 64)
	for i, p := range im.mask.Pix {
		if p == 1 {
			idx = append(idx, i)
		}
	}
	return idx
}

// Contours traces the mask back into polygon form and converts the pixel
// indices to patient coordinates. X and Y are rounded to one decimal and Z
// to three, matching the resolution contours are exchanged at.
func (im *Image) Contours() ([]geometry.Contour, error) {
	polygons, err := raster.TraceContours(im.mask)
	if err != nil {
		return nil, err
	}
	contours := make([]geometry.Contour, 0, len(polygons))
	for _, poly := range polygons {
		contour := make(geometry.Contour, len(poly))
		for i, pt := range poly {
			c, err := im.geom.CoordinateFromIndex(pt.Col, pt.Row)
			if err != nil {
				return nil, err
			}
			contour[i] = geometry.Coordinate{
				X: roundTo(c.X, 1),
				Y: roundTo(c.Y, 1),
				Z: roundTo(c.Z, 3),
			}
		}
		contours = append(contours, contour)
	}
	return contours, nil
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}
