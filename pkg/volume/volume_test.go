package volume

import (
	"testing"

	"rtseg/internal/models"
	"rtseg/pkg/geometry"
)

// makeSeries builds a series of 8x8 unit-spacing axial images at the given
// slice positions.
func makeSeries(uid string, positions ...float64) *models.ImageSeries {
	s := &models.ImageSeries{UID: uid}
	for i, pos := range positions {
		s.Images = append(s.Images, &models.Image{
			UID:      uid + "-" + string(rune('a'+i)),
			Geometry: geometry.AxialGeometry(8, 8, 1.0, 1.0, geometry.Coordinate{Z: pos}),
		})
	}
	return s
}

func float64Ptr(v float64) *float64 { return &v }

// TestFromROI verifies contour slices are matched to series images by
// position, exactly and within the nearest-image tolerance.
func TestFromROI(t *testing.T) {
	series := makeSeries("s1", 0, 2, 4)

	roi := &models.ROI{
		Name: "PTV",
		Slices: []models.ROISlice{
			{Position: 0, Contours: []geometry.Contour{squareContour(1, 1, 4, 4, 0)}},
			// 0.1 mm off the z=2 image; the tolerance is a third of the
			// 2 mm slice spacing.
			{Position: 2.1, Contours: []geometry.Contour{squareContour(2, 2, 5, 5, 2.1)}},
		},
	}

	v, err := FromROI(roi, series, 0)
	if err != nil {
		t.Fatalf("FromROI: %v", err)
	}
	if v.Name != "PTV" || v.Source() != SourceROI {
		t.Errorf("volume identity: got name %q, source %v", v.Name, v.Source())
	}
	if len(v.Images()) != 2 {
		t.Fatalf("expected 2 images, got %d", len(v.Images()))
	}
	if v.Images()[1].SourceImage() != series.Images[1] {
		t.Error("off-position slice should resolve to the nearest series image")
	}
	if v.Images()[0].Mask().At(2, 2) != 1 {
		t.Error("contour interior should be foreground")
	}
}

// TestFromROITooFar verifies a contour slice farther than the tolerance from
// any series image is an error, not a silent nearest match.
func TestFromROITooFar(t *testing.T) {
	series := makeSeries("s1", 0, 2, 4)
	roi := &models.ROI{
		Name: "stray",
		Slices: []models.ROISlice{
			{Position: 1.0, Contours: []geometry.Contour{squareContour(1, 1, 4, 4, 1.0)}},
		},
	}
	if _, err := FromROI(roi, series, 0); err == nil {
		t.Error("expected error for slice position outside the matching tolerance")
	}
}

// TestFromROIToleranceFraction verifies the matching window scales with the
// configured fraction of the slice spacing.
func TestFromROIToleranceFraction(t *testing.T) {
	series := makeSeries("s1", 0, 2, 4)
	roi := &models.ROI{
		Name: "wide",
		Slices: []models.ROISlice{
			// 0.9 mm off the z=2 image: outside the default third of the
			// 2 mm spacing, inside half of it.
			{Position: 2.9, Contours: []geometry.Contour{squareContour(1, 1, 4, 4, 2.9)}},
		},
	}

	if _, err := FromROI(roi, series, 0); err == nil {
		t.Error("expected the default fraction to reject a 0.9 mm offset")
	}

	v, err := FromROI(roi, series, 0.5)
	if err != nil {
		t.Fatalf("FromROI with widened fraction: %v", err)
	}
	if v.Images()[0].SourceImage() != series.Images[1] {
		t.Error("widened fraction should match the z=2 image")
	}
}

// TestFromDoseThreshold verifies scaled dose windowing with one-sided and
// two-sided bounds.
func TestFromDoseThreshold(t *testing.T) {
	series := makeSeries("s1", 0)
	frame := make([]float64, 64)
	frame[0] = 1 // 2 Gy after scaling
	frame[1] = 3 // 6 Gy
	frame[2] = 5 // 10 Gy
	dose := &models.DoseVolume{Scaling: 2.0, Frames: [][]float64{frame}}

	t.Run("MinOnly", func(t *testing.T) {
		v, err := FromDoseThreshold(dose, float64Ptr(4), nil, series)
		if err != nil {
			t.Fatalf("FromDoseThreshold: %v", err)
		}
		m := v.Images()[0].Mask()
		if m.Pix[0] != 0 || m.Pix[1] != 1 || m.Pix[2] != 1 {
			t.Errorf("min-only window: got %v %v %v", m.Pix[0], m.Pix[1], m.Pix[2])
		}
	})

	t.Run("Band", func(t *testing.T) {
		v, err := FromDoseThreshold(dose, float64Ptr(4), float64Ptr(8), series)
		if err != nil {
			t.Fatalf("FromDoseThreshold: %v", err)
		}
		m := v.Images()[0].Mask()
		if m.Pix[0] != 0 || m.Pix[1] != 1 || m.Pix[2] != 0 {
			t.Errorf("band window: got %v %v %v", m.Pix[0], m.Pix[1], m.Pix[2])
		}
	})

	t.Run("MaxOnly", func(t *testing.T) {
		v, err := FromDoseThreshold(dose, nil, float64Ptr(4), series)
		if err != nil {
			t.Fatalf("FromDoseThreshold: %v", err)
		}
		m := v.Images()[0].Mask()
		// Unirradiated pixels (0 Gy) fall inside a max-only window.
		if m.Pix[0] != 1 || m.Pix[2] != 0 || m.Pix[63] != 1 {
			t.Errorf("max-only window: got %v %v %v", m.Pix[0], m.Pix[2], m.Pix[63])
		}
	})

	t.Run("NoBounds", func(t *testing.T) {
		if _, err := FromDoseThreshold(dose, nil, nil, series); err == nil {
			t.Error("expected error when both bounds are nil")
		}
	})

	t.Run("FrameCountMismatch", func(t *testing.T) {
		two := makeSeries("s2", 0, 2)
		if _, err := FromDoseThreshold(dose, float64Ptr(1), nil, two); err == nil {
			t.Error("expected error for dose frame / series image count mismatch")
		}
	})

	t.Run("FrameSizeMismatch", func(t *testing.T) {
		bad := &models.DoseVolume{Scaling: 1, Frames: [][]float64{make([]float64, 10)}}
		if _, err := FromDoseThreshold(bad, float64Ptr(1), nil, series); err == nil {
			t.Error("expected error for dose frame size mismatch")
		}
	})
}

// TestFromSeries verifies the whole-volume construction is all foreground.
func TestFromSeries(t *testing.T) {
	series := makeSeries("s1", 0, 2, 4)
	v, err := FromSeries(series)
	if err != nil {
		t.Fatalf("FromSeries: %v", err)
	}
	if v.Source() != SourceWholeVolume {
		t.Errorf("source: expected %v, got %v", SourceWholeVolume, v.Source())
	}
	data, slices, cols, rows := v.NArray(false)
	if slices != 3 || cols != 8 || rows != 8 {
		t.Fatalf("dims: expected (3, 8, 8), got (%d, %d, %d)", slices, cols, rows)
	}
	for i, d := range data {
		if d != 1 {
			t.Fatalf("voxel %d: expected foreground, got %d", i, d)
		}
	}
}

// TestAddImageShapeInvariant verifies images of a different extent are
// rejected.
func TestAddImageShapeInvariant(t *testing.T) {
	v := New("test", SourceROI)
	if err := v.AddImage(NewImage(axialGeom(8, 8), nil)); err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	if err := v.AddImage(NewImage(axialGeom(4, 4), nil)); err == nil {
		t.Error("expected error for mismatched image extent")
	}
}

// TestNArraySorting verifies the sorted materialization orders slices by
// position while the unsorted one preserves insertion order.
func TestNArraySorting(t *testing.T) {
	v := New("test", SourceROI)
	// Insert out of order: z = 4, 0, 2, each tagged at a distinct pixel.
	for i, z := range []float64{4, 0, 2} {
		im := NewImage(geometry.AxialGeometry(4, 4, 1, 1, geometry.Coordinate{Z: z}), nil)
		im.Mask().Set(i, 0, 1)
		if err := v.AddImage(im); err != nil {
			t.Fatalf("AddImage: %v", err)
		}
	}

	unsorted, _, cols, rows := v.NArray(false)
	if unsorted[0] != 1 {
		t.Error("unsorted materialization should keep insertion order (z=4 first)")
	}

	sorted, slices, cols, rows := v.NArray(true)
	if slices != 3 {
		t.Fatalf("expected 3 slices, got %d", slices)
	}
	frame := cols * rows
	// After sorting: slice 0 is z=0 (tag at col 1), slice 1 is z=2 (tag at
	// col 2), slice 2 is z=4 (tag at col 0).
	if sorted[0*frame+1] != 1 || sorted[1*frame+2] != 1 || sorted[2*frame+0] != 1 {
		t.Error("sorted materialization should order slices by ascending position")
	}

	// Sorting must not reorder the volume itself.
	if v.Images()[0].Geometry().SlicePosition != 4 {
		t.Error("NArray(true) must not modify the volume's image order")
	}
}

// TestToROI verifies the export back to contour form and the structure-set
// registration.
func TestToROI(t *testing.T) {
	v := New("consensus", SourceConsensus)
	im := NewImage(geometry.AxialGeometry(16, 16, 1, 1, geometry.Coordinate{Z: 5}), nil)
	for r := 2; r <= 6; r++ {
		for c := 3; c <= 8; c++ {
			im.Mask().Set(c, r, 1)
		}
	}
	if err := v.AddImage(im); err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	// An empty slice contributes no ROI slice.
	if err := v.AddImage(NewImage(geometry.AxialGeometry(16, 16, 1, 1, geometry.Coordinate{Z: 6}), nil)); err != nil {
		t.Fatalf("AddImage: %v", err)
	}

	ss := &models.StructureSet{Label: "test"}
	roi, err := v.ToROI(ss, "consensus")
	if err != nil {
		t.Fatalf("ToROI: %v", err)
	}
	if roi.Number != 1 {
		t.Errorf("first registered ROI should be number 1, got %d", roi.Number)
	}
	if len(ss.ROIs) != 1 || ss.ROIs[0] != roi {
		t.Error("ROI should be registered on the structure set")
	}
	if len(roi.Slices) != 1 {
		t.Fatalf("expected 1 contoured slice, got %d", len(roi.Slices))
	}
	if roi.Slices[0].Position != 5 {
		t.Errorf("slice position: expected 5, got %g", roi.Slices[0].Position)
	}
	if len(roi.Slices[0].Contours) != 1 || len(roi.Slices[0].Contours[0]) != 4 {
		t.Errorf("expected one 4-corner contour, got %v", roi.Slices[0].Contours)
	}
}
