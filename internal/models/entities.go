// Package models holds the plain entity structs handed over by the
// surrounding DICOM layer: source images and series, structure-set ROIs and
// dose volumes. The core packages consume these as already-resolved values;
// no UID registries or global lookups exist here.
package models

import (
	"math"
	"sort"

	"rtseg/pkg/geometry"
)

// Image is one source image of a series: its identity plus geometry.
// Binary images reference it by pointer identity when volumes are aligned.
type Image struct {
	// UID identifies the image (SOP Instance UID in DICOM terms).
	UID string

	// Geometry describes the image's pixel grid in patient space.
	Geometry *geometry.ImageGeometry
}

// ImageSeries is an ordered collection of source images sharing a frame of
// reference.
type ImageSeries struct {
	// UID identifies the series.
	UID string

	// Images holds the source images, in acquisition order.
	Images []*Image
}

// SliceSpacing returns the median absolute gap between consecutive slice
// positions, or 0 when the series holds fewer than two images. It is used
// as the tolerance base when matching contours to images by position.
func (s *ImageSeries) SliceSpacing() float64 {
	if len(s.Images) < 2 {
		return 0
	}
	positions := make([]float64, len(s.Images))
	for i, img := range s.Images {
		positions[i] = img.Geometry.SlicePosition
	}
	sort.Float64s(positions)
	gaps := make([]float64, 0, len(positions)-1)
	for i := 1; i < len(positions); i++ {
		gaps = append(gaps, math.Abs(positions[i]-positions[i-1]))
	}
	sort.Float64s(gaps)
	return gaps[len(gaps)/2]
}

// NearestImage returns the image whose slice position is closest to pos,
// along with the absolute distance. Returns nil for an empty series.
func (s *ImageSeries) NearestImage(pos float64) (*Image, float64) {
	var best *Image
	bestDist := math.Inf(1)
	for _, img := range s.Images {
		d := math.Abs(img.Geometry.SlicePosition - pos)
		if d < bestDist {
			best = img
			bestDist = d
		}
	}
	return best, bestDist
}

// ROISlice groups the contours of one ROI lying on a single image plane.
type ROISlice struct {
	// Position is the slice position of the plane the contours lie on.
	Position float64

	// Contours holds one or more closed polygons on that plane.
	Contours []geometry.Contour
}

// ROI is a named region of interest delineated by contours across slices.
type ROI struct {
	// Name is the structure label (e.g. "PTV", "Spinal Cord").
	Name string

	// Number is the ROI number within its structure set.
	Number int

	// Slices holds the per-plane contour groups, in no guaranteed order.
	Slices []ROISlice
}

// StructureSet is the container ROIs are registered on when a binary volume
// is exported back to contour form.
type StructureSet struct {
	// Label names the structure set.
	Label string

	// ROIs holds the registered regions of interest.
	ROIs []*ROI
}

// AddROI registers a ROI on the structure set, assigning the next free
// ROI number.
func (ss *StructureSet) AddROI(roi *ROI) {
	roi.Number = len(ss.ROIs) + 1
	ss.ROIs = append(ss.ROIs, roi)
}

// DoseVolume is a scaled dose grid aligned frame-for-frame with an image
// series: Frames[i] covers the pixel grid of the i-th series image.
type DoseVolume struct {
	// Scaling converts raw frame values to dose in Gy.
	Scaling float64

	// Frames holds the raw per-slice dose values, row-major per frame.
	Frames [][]float64
}
