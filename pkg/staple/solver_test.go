package staple

import (
	"context"
	"testing"

	"rtseg/pkg/geometry"
	"rtseg/pkg/volume"
)

// maskVolume builds a volume of the given extent whose foreground is decided
// per voxel by the set function.
func maskVolume(t *testing.T, name string, slices, cols, rows int, set func(sl, col, row int) uint8) *volume.Volume {
	t.Helper()
	v := volume.New(name, volume.SourceROI)
	for sl := 0; sl < slices; sl++ {
		im := volume.NewImage(geometry.AxialGeometry(cols, rows, 1, 1, geometry.Coordinate{Z: float64(sl)}), nil)
		for ro := 0; ro < rows; ro++ {
			for co := 0; co < cols; co++ {
				if set(sl, co, ro) == 1 {
					im.Mask().Set(co, ro, 1)
				}
			}
		}
		if err := v.AddImage(im); err != nil {
			t.Fatalf("volume %q: %v", name, err)
		}
	}
	return v
}

// lShape marks the three pixels (1,1), (2,1) and (1,2) of slice 0.
func lShape(sl, col, row int) uint8 {
	if sl != 0 {
		return 0
	}
	if (row == 1 && (col == 1 || col == 2)) || (row == 2 && col == 1) {
		return 1
	}
	return 0
}

func alignerOf(t *testing.T, raters ...*volume.Volume) *volume.Aligner {
	t.Helper()
	master := maskVolume(t, "reference", 1, 4, 4, lShape)
	return volume.NewAligner(master, raters...)
}

// TestNewSolverValidation verifies the rater-set preconditions.
func TestNewSolverValidation(t *testing.T) {
	r1 := maskVolume(t, "r1", 1, 4, 4, lShape)

	t.Run("TooFewRaters", func(t *testing.T) {
		if _, err := NewSolver(alignerOf(t, r1)); err == nil {
			t.Error("expected error for fewer than 2 raters")
		}
	})

	t.Run("ExtentMismatch", func(t *testing.T) {
		other := maskVolume(t, "r2", 1, 8, 8, lShape)
		if _, err := NewSolver(alignerOf(t, r1, other)); err == nil {
			t.Error("expected error for mismatched rater extents")
		}
	})

	t.Run("BadIterationBound", func(t *testing.T) {
		r2 := maskVolume(t, "r2", 1, 4, 4, lShape)
		if _, err := NewSolver(alignerOf(t, r1, r2), WithMaxIterations(0)); err == nil {
			t.Error("expected error for iteration bound below 1")
		}
	})
}

// TestSolveSliceCountMismatch verifies unaligned raters are caught when the
// decision matrix is built.
func TestSolveSliceCountMismatch(t *testing.T) {
	r1 := maskVolume(t, "r1", 2, 4, 4, lShape)
	r2 := maskVolume(t, "r2", 1, 4, 4, lShape)
	s, err := NewSolver(alignerOf(t, r1, r2))
	if err != nil {
		t.Fatalf("NewSolver: %v", err)
	}
	if err := s.Solve(context.Background()); err == nil {
		t.Error("expected error for raters with different slice counts")
	}
}

// TestSolveUnanimous runs the EM loop on two identical raters: the
// consensus must reproduce their segmentation exactly, both rater scores
// must converge to 1, and convergence must beat the iteration bound.
func TestSolveUnanimous(t *testing.T) {
	r1 := maskVolume(t, "r1", 1, 4, 4, lShape)
	r2 := maskVolume(t, "r2", 1, 4, 4, lShape)
	a := alignerOf(t, r1, r2)

	s, err := NewSolver(a)
	if err != nil {
		t.Fatalf("NewSolver: %v", err)
	}
	if err := s.Solve(context.Background()); err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if s.Phase() != PhaseConverged {
		t.Fatalf("phase: expected converged, got %s", s.Phase())
	}
	if s.Iterations() >= DefaultMaxIterations {
		t.Errorf("unanimous raters should converge early, took %d iterations", s.Iterations())
	}

	consensus, err := s.Consensus()
	if err != nil {
		t.Fatalf("Consensus: %v", err)
	}
	if consensus.Source() != volume.SourceConsensus {
		t.Errorf("consensus source: got %v", consensus.Source())
	}

	// Voxel-exact agreement with the unanimous input, at full volume size.
	got, slices, cols, rows := consensus.NArray(false)
	want, ws, wc, wr := r1.NArray(false)
	if slices != ws || cols != wc || rows != wr {
		t.Fatalf("consensus dims (%d, %d, %d) differ from input (%d, %d, %d)",
			slices, cols, rows, ws, wc, wr)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("consensus voxel %d: expected %d, got %d", i, want[i], got[i])
		}
	}

	// Scores converge to perfect and are written back onto the raters.
	for j, p := range s.Sensitivities() {
		if p < 0.999 || p > 1 {
			t.Errorf("sensitivity of rater %d: expected ~1, got %g", j, p)
		}
	}
	for j, q := range s.Specificities() {
		if q < 0.999 || q > 1 {
			t.Errorf("specificity of rater %d: expected ~1, got %g", j, q)
		}
	}
	if r1.Sensitivity != s.Sensitivities()[0] || r2.Specificity != s.Specificities()[1] {
		t.Error("converged scores should be written back onto the rater volumes")
	}

	// The consensus replaces the aligner's reference volume.
	if a.Master() != consensus {
		t.Error("consensus should be installed as the aligner's reference")
	}
}

// TestSolveMajority verifies voxels marked by two of three raters end up in
// the consensus while the dissenting rater's sensitivity collapses.
func TestSolveMajority(t *testing.T) {
	block := func(sl, col, row int) uint8 {
		if sl == 0 && col <= 1 && row <= 1 {
			return 1
		}
		return 0
	}
	empty := func(sl, col, row int) uint8 { return 0 }

	r1 := maskVolume(t, "r1", 1, 4, 4, block)
	r2 := maskVolume(t, "r2", 1, 4, 4, block)
	r3 := maskVolume(t, "r3", 1, 4, 4, empty)

	s, err := NewSolver(alignerOf(t, r1, r2, r3))
	if err != nil {
		t.Fatalf("NewSolver: %v", err)
	}
	if err := s.Solve(context.Background()); err != nil {
		t.Fatalf("Solve: %v", err)
	}

	consensus, err := s.Consensus()
	if err != nil {
		t.Fatalf("Consensus: %v", err)
	}
	data, _, cols, _ := consensus.NArray(false)
	for _, idx := range [][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
		if data[idx[1]*cols+idx[0]] != 1 {
			t.Errorf("majority voxel (%d, %d) missing from consensus", idx[0], idx[1])
		}
	}

	p := s.Sensitivities()
	if p[2] >= p[0] {
		t.Errorf("dissenting rater's sensitivity (%g) should fall below the majority's (%g)", p[2], p[0])
	}
	for j := range p {
		if p[j] < 0 || p[j] > 1 {
			t.Errorf("sensitivity of rater %d out of [0, 1]: %g", j, p[j])
		}
		if q := s.Specificities()[j]; q < 0 || q > 1 {
			t.Errorf("specificity of rater %d out of [0, 1]: %g", j, q)
		}
	}
}

// TestSolveIterationBound verifies WithMaxIterations(1) performs exactly one
// EM pass and still produces a consensus.
func TestSolveIterationBound(t *testing.T) {
	r1 := maskVolume(t, "r1", 1, 4, 4, lShape)
	r2 := maskVolume(t, "r2", 1, 4, 4, lShape)

	s, err := NewSolver(alignerOf(t, r1, r2), WithMaxIterations(1))
	if err != nil {
		t.Fatalf("NewSolver: %v", err)
	}
	if err := s.Solve(context.Background()); err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if s.Iterations() != 1 {
		t.Errorf("expected exactly 1 iteration, got %d", s.Iterations())
	}
	if _, err := s.Consensus(); err != nil {
		t.Errorf("consensus should exist after the bounded run: %v", err)
	}
}

// TestSolveTrimming verifies empty slices are excluded from the EM voxel set
// but reappear, empty, in the full-size consensus.
func TestSolveTrimming(t *testing.T) {
	middle := func(sl, col, row int) uint8 {
		if sl == 1 && col == 2 && row == 1 {
			return 1
		}
		return 0
	}
	r1 := maskVolume(t, "r1", 3, 4, 4, middle)
	r2 := maskVolume(t, "r2", 3, 4, 4, middle)

	s, err := NewSolver(alignerOf(t, r1, r2))
	if err != nil {
		t.Fatalf("NewSolver: %v", err)
	}
	if err := s.Solve(context.Background()); err != nil {
		t.Fatalf("Solve: %v", err)
	}

	// Only the single used slice/column/row survives trimming.
	if n := len(s.Weights()); n != 1 {
		t.Errorf("trimmed voxel count: expected 1, got %d", n)
	}

	consensus, err := s.Consensus()
	if err != nil {
		t.Fatalf("Consensus: %v", err)
	}
	data, slices, cols, rows := consensus.NArray(false)
	if slices != 3 || cols != 4 || rows != 4 {
		t.Fatalf("consensus must be full size, got (%d, %d, %d)", slices, cols, rows)
	}
	for i, d := range data {
		want := uint8(0)
		if i == 1*cols*rows+1*cols+2 {
			want = 1
		}
		if d != want {
			t.Errorf("voxel %d: expected %d, got %d", i, want, d)
		}
	}
}

// TestSolverLifecycle verifies the one-shot contract: no consensus before
// Solve, no second Solve after.
func TestSolverLifecycle(t *testing.T) {
	r1 := maskVolume(t, "r1", 1, 4, 4, lShape)
	r2 := maskVolume(t, "r2", 1, 4, 4, lShape)
	s, err := NewSolver(alignerOf(t, r1, r2))
	if err != nil {
		t.Fatalf("NewSolver: %v", err)
	}

	if _, err := s.Consensus(); err == nil {
		t.Error("expected error asking for a consensus before Solve")
	}
	if err := s.Solve(context.Background()); err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if err := s.Solve(context.Background()); err == nil {
		t.Error("expected error on a second Solve")
	}
}

// TestSolveCancellation verifies a canceled context aborts the loop without
// producing a consensus.
func TestSolveCancellation(t *testing.T) {
	r1 := maskVolume(t, "r1", 1, 4, 4, lShape)
	r2 := maskVolume(t, "r2", 1, 4, 4, lShape)
	s, err := NewSolver(alignerOf(t, r1, r2))
	if err != nil {
		t.Fatalf("NewSolver: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Solve(ctx); err == nil {
		t.Fatal("expected error from canceled context")
	}
	if _, err := s.Consensus(); err == nil {
		t.Error("no consensus should exist after a canceled run")
	}
}
