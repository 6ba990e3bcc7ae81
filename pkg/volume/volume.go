package volume

import (
	"fmt"
	"sort"

	"rtseg/internal/models"
)

// Source tags what produced a binary volume.
type Source int

const (
	// SourceROI marks a volume rasterized from structure-set contours.
	SourceROI Source = iota
	// SourceDose marks a volume thresholded from a dose grid.
	SourceDose
	// SourceWholeVolume marks an all-ones volume covering a whole series.
	SourceWholeVolume
	// SourceConsensus marks a volume produced by the STAPLE solver.
	SourceConsensus
)

func (s Source) String() string {
	switch s {
	case SourceROI:
		return "roi"
	case SourceDose:
		return "dose"
	case SourceWholeVolume:
		return "whole-volume"
	case SourceConsensus:
		return "consensus"
	}
	return "unknown"
}

// Volume is an ordered stack of binary images forming a 3D segmentation.
// It is a mutable accumulator: images are added one at a time during
// construction, after which the volume is queried (materialized, scored).
// All images of a volume share the same (Columns, Rows) extent.
type Volume struct {
	// Name identifies the volume, e.g. the rater or structure it came from.
	Name string

	source Source
	images []*Image

	// Scores written back by the aligner and the STAPLE solver.
	Dice        float64
	Sensitivity float64
	Specificity float64
}

// New returns an empty volume with the given name and source tag.
func New(name string, source Source) *Volume {
	return &Volume{Name: name, source: source}
}

// Source returns the volume's source tag.
func (v *Volume) Source() Source {
	return v.source
}

// Images returns the volume's image stack in its current order.
func (v *Volume) Images() []*Image {
	return v.images
}

// AddImage appends a binary image to the volume. The image must match the
// (Columns, Rows) extent of the images already present.
func (v *Volume) AddImage(im *Image) error {
	if len(v.images) > 0 {
		first := v.images[0].Geometry()
		if !first.SameShape(im.Geometry()) {
			return fmt.Errorf("add image: extent %dx%d does not match volume %dx%d",
				im.Geometry().Columns, im.Geometry().Rows, first.Columns, first.Rows)
		}
	}
	v.images = append(v.images, im)
	return nil
}

// DefaultPositionToleranceFraction is the fraction of the median slice
// spacing within which a contour slice may sit from its nearest series
// image and still be matched to it.
const DefaultPositionToleranceFraction = 1.0 / 3.0

// FromROI rasterizes a structure-set ROI against an image series. Each ROI
// slice is matched to the series image at its position; when no exact match
// exists, the nearest image within toleranceFraction of the median slice
// spacing is used. A fraction of zero or below falls back to
// DefaultPositionToleranceFraction.
func FromROI(roi *models.ROI, series *models.ImageSeries, toleranceFraction float64) (*Volume, error) {
	if toleranceFraction <= 0 {
		toleranceFraction = DefaultPositionToleranceFraction
	}
	v := New(roi.Name, SourceROI)
	tolerance := series.SliceSpacing() * toleranceFraction
	for _, slice := range roi.Slices {
		img, dist := series.NearestImage(slice.Position)
		if img == nil {
			return nil, fmt.Errorf("roi %q: series %q has no images", roi.Name, series.UID)
		}
		if dist > tolerance {
			return nil, fmt.Errorf("roi %q: no series image within %.3f mm of slice position %.3f",
				roi.Name, tolerance, slice.Position)
		}
		im, err := ImageFromContours(slice.Contours, img.Geometry, img)
		if err != nil {
			return nil, fmt.Errorf("roi %q: %w", roi.Name, err)
		}
		if err := v.AddImage(im); err != nil {
			return nil, fmt.Errorf("roi %q: %w", roi.Name, err)
		}
	}
	return v, nil
}

// FromDoseThreshold builds a volume of the voxels whose scaled dose lies
// within [min, max]. Either bound may be nil, but not both. Dose frames
// align index-for-index with the series images.
func FromDoseThreshold(dose *models.DoseVolume, min, max *float64, series *models.ImageSeries) (*Volume, error) {
	if min == nil && max == nil {
		return nil, fmt.Errorf("dose threshold: at least one of min and max must be given")
	}
	if len(dose.Frames) != len(series.Images) {
		return nil, fmt.Errorf("dose threshold: %d dose frames for %d series images",
			len(dose.Frames), len(series.Images))
	}
	v := New("dose", SourceDose)
	for i, frame := range dose.Frames {
		img := series.Images[i]
		geom := img.Geometry
		if len(frame) != geom.Columns*geom.Rows {
			return nil, fmt.Errorf("dose threshold: frame %d has %d values for a %dx%d image",
				i, len(frame), geom.Columns, geom.Rows)
		}
		im := NewImage(geom, img)
		for j, raw := range frame {
			d := raw * dose.Scaling
			if (min == nil || d >= *min) && (max == nil || d <= *max) {
				im.mask.Pix[j] = 1
			}
		}
		if err := v.AddImage(im); err != nil {
			return nil, fmt.Errorf("dose threshold: %w", err)
		}
	}
	return v, nil
}

// FromSeries builds an all-ones volume covering every image of the series:
// the entire imaged volume is of interest.
func FromSeries(series *models.ImageSeries) (*Volume, error) {
	v := New(series.UID, SourceWholeVolume)
	for _, img := range series.Images {
		im := NewImage(img.Geometry, img)
		im.Fill()
		if err := v.AddImage(im); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Dims returns the volume's extent as (slices, columns, rows). A volume
// with no images has zero extent.
func (v *Volume) Dims() (slices, cols, rows int) {
	if len(v.images) == 0 {
		return 0, 0, 0
	}
	g := v.images[0].Geometry()
	return len(v.images), g.Columns, g.Rows
}

// NArray materializes the volume as a flat 3D array indexed
// slice*cols*rows + row*cols + col, together with its dimensions. When
// sortSlices is true the images are ordered by ascending slice position
// first; the order among images sharing a position is unspecified.
func (v *Volume) NArray(sortSlices bool) (data []uint8, slices, cols, rows int) {
	slices, cols, rows = v.Dims()
	data = make([]uint8, slices*cols*rows)

	images := v.images
	if sortSlices {
		images = make([]*Image, len(v.images))
		copy(images, v.images)
		sort.SliceStable(images, func(i, j int) bool {
			return images[i].Geometry().SlicePosition < images[j].Geometry().SlicePosition
		})
	}
	frame := cols * rows
	for s, im := range images {
		copy(data[s*frame:(s+1)*frame], im.Mask().Pix)
	}
	return data, slices, cols, rows
}

// ToROI traces every slice of the volume back to contour form and registers
// the result as a new ROI on the structure set.
func (v *Volume) ToROI(ss *models.StructureSet, name string) (*models.ROI, error) {
	roi := &models.ROI{Name: name}
	for i, im := range v.images {
		contours, err := im.Contours()
		if err != nil {
			return nil, fmt.Errorf("to roi: slice %d: %w", i, err)
		}
		if len(contours) == 0 {
			continue
		}
		roi.Slices = append(roi.Slices, models.ROISlice{
			Position: im.Geometry().SlicePosition,
			Contours: contours,
		})
	}
	ss.AddROI(roi)
	return roi, nil
}
