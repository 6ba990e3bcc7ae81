// Package staple implements the Simultaneous Truth And Performance Level
// Estimation algorithm: given several rater segmentations of the same
// volume, an Expectation-Maximization loop estimates the hidden true
// segmentation together with each rater's sensitivity and specificity.
package staple

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"rtseg/pkg/volume"
)

// Phase tracks the solver's lifecycle. A solver is parametrized and solved
// exactly once; it is not designed for incremental re-solving.
type Phase int

const (
	PhaseConstructed Phase = iota
	PhaseParametrized
	PhaseIterating
	PhaseConverged
)

func (p Phase) String() string {
	switch p {
	case PhaseConstructed:
		return "constructed"
	case PhaseParametrized:
		return "parametrized"
	case PhaseIterating:
		return "iterating"
	case PhaseConverged:
		return "converged"
	}
	return "unknown"
}

// DefaultMaxIterations bounds the EM loop when convergence is not reached.
const DefaultMaxIterations = 25

// initialRaterScore is the near-perfect prior on every rater's sensitivity
// and specificity.
const initialRaterScore = 0.99999

// Option configures a Solver.
type Option func(*Solver)

// WithMaxIterations overrides the EM iteration bound.
func WithMaxIterations(n int) Option {
	return func(s *Solver) { s.maxIterations = n }
}

// WithTolerance sets the convergence tolerance on |Σw_k − Σw_k−1|. The
// default of 0 preserves the original exact-equality stopping rule, which
// is deliberately coarse: document-before-deviate applies, so an epsilon is
// opt-in rather than silently introduced.
func WithTolerance(tol float64) Option {
	return func(s *Solver) { s.tolerance = tol }
}

// Solver runs STAPLE over the candidate volumes of an aligner. The aligned
// candidates are the raters; the consensus replaces the aligner's master.
type Solver struct {
	aligner       *volume.Aligner
	maxIterations int
	tolerance     float64

	phase      Phase
	iterations int

	// Decision matrix: n voxels x r raters.
	decisions *mat.Dense
	n, r      int

	// Per-rater sensitivity p and specificity q; per-voxel weights w.
	p, q, weights []float64

	// Full volume extent and the kept indices per dimension after trimming
	// voxels that no rater marked. The side tables let the consensus be
	// reconstructed at full size without retaining the original arrays.
	slices, cols, rows             int
	keptSlices, keptCols, keptRows []int

	consensus *volume.Volume
}

// NewSolver validates the rater set and returns an unparametrized solver.
// At least two candidate volumes are required and all must share the same
// (columns, rows) extent.
func NewSolver(a *volume.Aligner, opts ...Option) (*Solver, error) {
	raters := a.Volumes()
	if len(raters) < 2 {
		return nil, fmt.Errorf("staple: need at least 2 rater volumes, have %d", len(raters))
	}
	_, cols0, rows0 := raters[0].Dims()
	for _, v := range raters[1:] {
		_, cols, rows := v.Dims()
		if cols != cols0 || rows != rows0 {
			return nil, fmt.Errorf("staple: volume %q extent %dx%d differs from %q extent %dx%d",
				v.Name, cols, rows, raters[0].Name, cols0, rows0)
		}
	}
	s := &Solver{
		aligner:       a,
		maxIterations: DefaultMaxIterations,
		phase:         PhaseConstructed,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxIterations < 1 {
		return nil, fmt.Errorf("staple: max iterations must be at least 1")
	}
	return s, nil
}

// setParameters flattens the rater volumes into the decision matrix and
// initializes the rater scores and voxel weights.
func (s *Solver) setParameters() error {
	raters := s.aligner.Volumes()
	s.r = len(raters)

	arrays := make([][]uint8, s.r)
	for i, v := range raters {
		data, slices, cols, rows := v.NArray(false)
		if i == 0 {
			s.slices, s.cols, s.rows = slices, cols, rows
		}
		if len(data) != s.slices*s.cols*s.rows {
			return fmt.Errorf("staple: volume %q flattens to %d voxels, expected %d (align the volumes first)",
				v.Name, len(data), s.slices*s.cols*s.rows)
		}
		arrays[i] = data
	}

	s.trimEmptyIndices(arrays)
	s.n = len(s.keptSlices) * len(s.keptCols) * len(s.keptRows)

	s.decisions = mat.NewDense(s.n, s.r, nil)
	for j, data := range arrays {
		i := 0
		for _, sl := range s.keptSlices {
			for _, ro := range s.keptRows {
				for _, co := range s.keptCols {
					s.decisions.Set(i, j, float64(data[sl*s.cols*s.rows+ro*s.cols+co]))
					i++
				}
			}
		}
	}

	s.p = make([]float64, s.r)
	s.q = make([]float64, s.r)
	for j := range s.p {
		s.p[j] = initialRaterScore
		s.q[j] = initialRaterScore
	}

	s.weights = make([]float64, s.n)
	row := make([]float64, s.r)
	for i := 0; i < s.n; i++ {
		mat.Row(row, i, s.decisions)
		s.weights[i] = stat.Mean(row, nil)
	}

	s.phase = PhaseParametrized
	return nil
}

// trimEmptyIndices records, per dimension, the indices where at least one
// rater marked at least one voxel. Dimensions with no foreground anywhere
// are kept whole so the decision matrix never degenerates to zero voxels.
func (s *Solver) trimEmptyIndices(arrays [][]uint8) {
	sliceUsed := make([]bool, s.slices)
	colUsed := make([]bool, s.cols)
	rowUsed := make([]bool, s.rows)
	for _, data := range arrays {
		for sl := 0; sl < s.slices; sl++ {
			for ro := 0; ro < s.rows; ro++ {
				base := sl*s.cols*s.rows + ro*s.cols
				for co := 0; co < s.cols; co++ {
					if data[base+co] == 1 {
						sliceUsed[sl] = true
						rowUsed[ro] = true
						colUsed[co] = true
					}
				}
			}
		}
	}
	s.keptSlices = keptIndices(sliceUsed)
	s.keptCols = keptIndices(colUsed)
	s.keptRows = keptIndices(rowUsed)
}

func keptIndices(used []bool) []int {
	kept := make([]int, 0, len(used))
	for i, u := range used {
		if u {
			kept = append(kept, i)
		}
	}
	if len(kept) == 0 {
		for i := range used {
			kept = append(kept, i)
		}
	}
	return kept
}

// Solve runs the EM loop to convergence or the iteration bound, then builds
// the consensus volume, installs it as the aligner's master and writes the
// final sensitivity/specificity back onto each rater volume. The context is
// checked once per iteration; cancellation aborts without a consensus.
func (s *Solver) Solve(ctx context.Context) error {
	if s.phase == PhaseConverged || s.phase == PhaseIterating {
		return fmt.Errorf("staple: solver already %s; re-solving is not supported", s.phase)
	}
	if s.phase == PhaseConstructed {
		if err := s.setParameters(); err != nil {
			return err
		}
	}

	s.phase = PhaseIterating
	prev := make([]float64, s.n)
	sumPrev := floats.Sum(s.weights)

	for k := 0; k < s.maxIterations; k++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("staple: %w", err)
		}
		copy(prev, s.weights)
		s.expectation(prev)
		s.maximization()
		s.iterations = k + 1

		sum := floats.Sum(s.weights)
		diff := sum - sumPrev
		if diff < 0 {
			diff = -diff
		}
		if diff <= s.tolerance {
			break
		}
		sumPrev = sum
	}

	s.buildConsensus()
	s.phase = PhaseConverged
	return nil
}

// expectation recomputes the voxel weights from the previous weights and
// the current rater scores. Raters that marked a voxel contribute p (and
// 1−q); raters that did not contribute 1−p (and q). Empty products are 1;
// a degenerate a+b of zero yields weight 0 so the iteration can proceed.
func (s *Solver) expectation(prev []float64) {
	for i := 0; i < s.n; i++ {
		a := prev[i]
		b := prev[i]
		for j := 0; j < s.r; j++ {
			if s.decisions.At(i, j) == 1 {
				a *= s.p[j]
				b *= 1 - s.q[j]
			} else {
				a *= 1 - s.p[j]
				b *= s.q[j]
			}
		}
		if a+b > 0 {
			s.weights[i] = a / (a + b)
		} else {
			s.weights[i] = 0
		}
	}
}

// maximization refits each rater's sensitivity and specificity to the new
// weights. Degenerate all-one or all-zero weight vectors zero the affected
// score instead of dividing by zero.
func (s *Solver) maximization() {
	sumW := floats.Sum(s.weights)
	sumNotW := float64(s.n) - sumW
	for j := 0; j < s.r; j++ {
		var fg, bg float64
		for i := 0; i < s.n; i++ {
			if s.decisions.At(i, j) == 1 {
				fg += s.weights[i]
			} else {
				bg += 1 - s.weights[i]
			}
		}
		if sumW > 0 {
			s.p[j] = fg / sumW
		} else {
			s.p[j] = 0
		}
		if sumNotW > 0 {
			s.q[j] = bg / sumNotW
		} else {
			s.q[j] = 0
		}
	}
}

// buildConsensus rounds the converged weights into a binary vector,
// reconstructs it at full volume size through the kept-index tables,
// packages it as a volume over the reference image stack and installs it.
func (s *Solver) buildConsensus() {
	full := make([]uint8, s.slices*s.cols*s.rows)
	i := 0
	for _, sl := range s.keptSlices {
		for _, ro := range s.keptRows {
			for _, co := range s.keptCols {
				if s.weights[i] >= 0.5 {
					full[sl*s.cols*s.rows+ro*s.cols+co] = 1
				}
				i++
			}
		}
	}

	raters := s.aligner.Volumes()
	consensus := volume.New("staple-consensus", volume.SourceConsensus)
	for sl, im := range raters[0].Images() {
		out := volume.NewImage(im.Geometry(), im.SourceImage())
		copy(out.Mask().Pix, full[sl*s.cols*s.rows:(sl+1)*s.cols*s.rows])
		// Dims were validated in NewSolver, AddImage cannot fail here.
		_ = consensus.AddImage(out)
	}

	for j, v := range raters {
		v.Sensitivity = s.p[j]
		v.Specificity = s.q[j]
	}

	s.consensus = consensus
	s.aligner.SetMaster(consensus)
}

// Consensus returns the consensus volume; it errors before Solve has run.
func (s *Solver) Consensus() (*volume.Volume, error) {
	if s.phase != PhaseConverged {
		return nil, fmt.Errorf("staple: no consensus available in phase %s", s.phase)
	}
	return s.consensus, nil
}

// Weights returns a copy of the converged voxel-weight vector (over the
// trimmed voxel set).
func (s *Solver) Weights() []float64 {
	out := make([]float64, len(s.weights))
	copy(out, s.weights)
	return out
}

// Sensitivities returns a copy of the per-rater sensitivity vector.
func (s *Solver) Sensitivities() []float64 {
	out := make([]float64, len(s.p))
	copy(out, s.p)
	return out
}

// Specificities returns a copy of the per-rater specificity vector.
func (s *Solver) Specificities() []float64 {
	out := make([]float64, len(s.q))
	copy(out, s.q)
	return out
}

// Iterations returns how many EM passes Solve performed.
func (s *Solver) Iterations() int {
	return s.iterations
}

// Phase returns the solver's lifecycle phase.
func (s *Solver) Phase() Phase {
	return s.phase
}
