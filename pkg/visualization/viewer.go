// Package visualization exports binary volumes as 2D slice images for
// inspection. Masks are written as PNG: lossy codecs would invent gray
// pixels in a {0,1} image.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
)

// Viewer extracts 2D slices from a flat binary volume along any axis.
type Viewer struct {
	// data holds the binary volume, indexed slice*cols*rows + row*cols + col
	data []uint8

	// dimensions of the volume
	cols   int
	rows   int
	slices int
}

// NewViewer creates a viewer over a flat binary volume.
func NewViewer(data []uint8, cols, rows, slices int) *Viewer {
	return &Viewer{
		data:   data,
		cols:   cols,
		rows:   rows,
		slices: slices,
	}
}

// ExtractSlice extracts a 2D slice from the volume along the specified
// axis. Foreground voxels render white, background black.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray

	switch axis {
	case "x", "X":
		// Plane of constant column
		if position >= v.cols {
			return nil, fmt.Errorf("position %d exceeds columns %d", position, v.cols)
		}
		img = image.NewGray(image.Rect(0, 0, v.slices, v.rows))
		for r := 0; r < v.rows; r++ {
			for s := 0; s < v.slices; s++ {
				img.SetGray(s, r, v.gray(s, position, r))
			}
		}

	case "y", "Y":
		// Plane of constant row
		if position >= v.rows {
			return nil, fmt.Errorf("position %d exceeds rows %d", position, v.rows)
		}
		img = image.NewGray(image.Rect(0, 0, v.cols, v.slices))
		for s := 0; s < v.slices; s++ {
			for c := 0; c < v.cols; c++ {
				img.SetGray(c, s, v.gray(s, c, position))
			}
		}

	case "z", "Z":
		// Image plane
		if position >= v.slices {
			return nil, fmt.Errorf("position %d exceeds slices %d", position, v.slices)
		}
		img = image.NewGray(image.Rect(0, 0, v.cols, v.rows))
		for r := 0; r < v.rows; r++ {
			for c := 0; c < v.cols; c++ {
				img.SetGray(c, r, v.gray(position, c, r))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

func (v *Viewer) gray(slice, col, row int) color.Gray {
	idx := slice*v.cols*v.rows + row*v.cols + col
	if idx < len(v.data) && v.data[idx] == 1 {
		return color.Gray{Y: 255}
	}
	return color.Gray{Y: 0}
}

// ExtractRegion extracts a 3D subregion from the volume.
func (v *Viewer) ExtractRegion(startCol, startRow, startSlice, sizeCols, sizeRows, sizeSlices int) ([]uint8, error) {
	if startCol < 0 || startRow < 0 || startSlice < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeCols <= 0 || sizeRows <= 0 || sizeSlices <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	if startCol+sizeCols > v.cols || startRow+sizeRows > v.rows || startSlice+sizeSlices > v.slices {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := make([]uint8, sizeCols*sizeRows*sizeSlices)
	for s := 0; s < sizeSlices; s++ {
		for r := 0; r < sizeRows; r++ {
			for c := 0; c < sizeCols; c++ {
				srcIdx := (startSlice+s)*v.cols*v.rows + (startRow+r)*v.cols + (startCol + c)
				dstIdx := s*sizeCols*sizeRows + r*sizeCols + c
				region[dstIdx] = v.data[srcIdx]
			}
		}
	}
	return region, nil
}

// SaveSlice saves an extracted slice as a PNG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveSliceSequence extracts and saves a sequence of slices along the
// specified axis.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.cols
	case "y", "Y":
		maxPos = v.rows
	case "z", "Z":
		maxPos = v.slices
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
