// Package raster implements the pixel-level segmentation algorithms: line
// rasterization, flood filling, polygon filling and boundary tracing. All
// routines operate on flat binary masks in image-index space; the physical
// coordinate transforms live in pkg/geometry.
package raster

import "fmt"

// Mask is a 2D byte array in row-major order (index = row*Cols + col).
// Filled masks hold only the values 0 and 1; intermediate fill markers may
// appear transiently inside the algorithms of this package.
type Mask struct {
	Cols, Rows int
	Pix        []uint8
}

// NewMask returns an all-zero mask of the given extent.
func NewMask(cols, rows int) *Mask {
	return &Mask{Cols: cols, Rows: rows, Pix: make([]uint8, cols*rows)}
}

// At returns the value at (col, row). The caller is responsible for bounds.
func (m *Mask) At(col, row int) uint8 {
	return m.Pix[row*m.Cols+col]
}

// Set writes v at (col, row). The caller is responsible for bounds.
func (m *Mask) Set(col, row int, v uint8) {
	m.Pix[row*m.Cols+col] = v
}

// InBounds reports whether (col, row) lies inside the mask.
func (m *Mask) InBounds(col, row int) bool {
	return col >= 0 && col < m.Cols && row >= 0 && row < m.Rows
}

// Clone returns a deep copy of the mask.
func (m *Mask) Clone() *Mask {
	c := NewMask(m.Cols, m.Rows)
	copy(c.Pix, m.Pix)
	return c
}

// Count returns the number of pixels holding v.
func (m *Mask) Count(v uint8) int {
	n := 0
	for _, p := range m.Pix {
		if p == v {
			n++
		}
	}
	return n
}

// SameShape reports whether two masks have identical extents.
func (m *Mask) SameShape(other *Mask) bool {
	return m.Cols == other.Cols && m.Rows == other.Rows
}

// validateBinary returns an error if the mask holds values above 1.
func (m *Mask) validateBinary() error {
	for i, p := range m.Pix {
		if p > 1 {
			return fmt.Errorf("mask is not binary: value %d at linear index %d", p, i)
		}
	}
	return nil
}
