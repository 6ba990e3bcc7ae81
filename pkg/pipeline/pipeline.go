// Package pipeline orchestrates the full consensus workflow: load rater
// mask images from disk, build binary volumes over a shared synthetic
// series, align and score them against a reference rater, and run the
// STAPLE solver.
package pipeline

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"

	"rtseg/internal/models"
	"rtseg/pkg/geometry"
	"rtseg/pkg/raster"
	"rtseg/pkg/staple"
	"rtseg/pkg/visualization"
	"rtseg/pkg/volume"
)

// RaterScore holds the per-rater results of a consensus run.
type RaterScore struct {
	// Name is the rater directory name.
	Name string

	// Dice is the overlap with the reference rater before consensus.
	Dice float64

	// Sensitivity and Specificity are the STAPLE performance estimates.
	Sensitivity float64
	Specificity float64
}

// Metrics summarizes a consensus run.
type Metrics struct {
	// Raters holds the per-rater scores, in input order.
	Raters []RaterScore

	// MeanDice and DiceStdDev aggregate the pre-consensus Dice scores.
	MeanDice   float64
	DiceStdDev float64

	// Agreement is the mean pairwise correlation between rater masks,
	// a rough measure of how much the raters agree before consensus.
	Agreement float64

	// Iterations is the number of EM passes the solver performed.
	Iterations int

	// ConsensusVoxels is the foreground voxel count of the consensus.
	ConsensusVoxels int
}

// Params holds the pipeline configuration.
type Params struct {
	// InputDir contains one subdirectory of mask images per rater.
	InputDir string

	// MasterName selects the rater directory used as the reference;
	// when empty, the first rater (sorted by name) is the reference.
	MasterName string

	// OutputDir is where consensus slices are written when
	// SaveConsensusSlices is set.
	OutputDir string

	// NumWorkers bounds how many rater directories are loaded in parallel;
	// 0 or below uses one worker per CPU.
	NumWorkers int

	// MaxIterations bounds the STAPLE EM loop; 0 uses the solver default.
	MaxIterations int

	// Tolerance is the solver convergence tolerance (0 = exact equality).
	Tolerance float64

	// SaveConsensusSlices exports the consensus volume as a PNG sequence.
	SaveConsensusSlices bool

	// CropToStructure restricts the exported slices to the bounding box of
	// the consensus foreground instead of the full image extent.
	CropToStructure bool

	// Verbose enables step-by-step progress output.
	Verbose bool
}

// Pipeline runs the consensus workflow over a set of rater mask
// directories. Each rater directory holds one image per slice; slices are
// ordered by the numeric part of their filenames, and a shared
// unit-spacing axial geometry is synthesized so the volumes are comparable.
type Pipeline struct {
	params *Params

	// raterNames, in processing order; the reference rater is first.
	raterNames []string

	// masks holds the loaded slices per rater, parallel to raterNames.
	masks [][]*raster.Mask

	aligner *volume.Aligner
	metrics Metrics
}

// NewPipeline creates a pipeline for the given parameters.
func NewPipeline(params *Params) *Pipeline {
	return &Pipeline{params: params}
}

// Process runs the complete consensus pipeline.
func (p *Pipeline) Process(ctx context.Context) error {
	p.logf("Step 1: Discovering rater directories...")
	if err := p.discoverRaters(); err != nil {
		return fmt.Errorf("failed to discover raters: %w", err)
	}

	p.logf("Step 2: Loading rater masks...")
	if err := p.loadRaters(); err != nil {
		return fmt.Errorf("failed to load rater masks: %w", err)
	}

	p.logf("Step 3: Building binary volumes...")
	if err := p.buildVolumes(); err != nil {
		return fmt.Errorf("failed to build volumes: %w", err)
	}

	p.logf("Step 4: Aligning and scoring against reference %q...", p.raterNames[0])
	if err := p.alignAndScore(); err != nil {
		return fmt.Errorf("failed to align volumes: %w", err)
	}

	p.logf("Step 5: Running STAPLE consensus...")
	if err := p.solve(ctx); err != nil {
		return fmt.Errorf("consensus failed: %w", err)
	}

	p.logf("Step 6: Aggregating metrics...")
	p.aggregate()

	if p.params.SaveConsensusSlices {
		p.logf("Saving consensus slices to %s...", p.params.OutputDir)
		if err := p.saveConsensus(); err != nil {
			return fmt.Errorf("failed to save consensus slices: %w", err)
		}
	}

	return nil
}

// GetMetrics returns the metrics of the last Process run.
func (p *Pipeline) GetMetrics() Metrics {
	return p.metrics
}

// Aligner exposes the aligner after Process; its master is the consensus.
func (p *Pipeline) Aligner() *volume.Aligner {
	return p.aligner
}

// discoverRaters lists the rater subdirectories and moves the reference
// rater to the front.
func (p *Pipeline) discoverRaters() error {
	entries, err := os.ReadDir(p.params.InputDir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) < 3 {
		return fmt.Errorf("need at least 3 rater directories (1 reference + 2 raters), found %d", len(names))
	}
	sort.Strings(names)

	master := p.params.MasterName
	if master == "" {
		master = names[0]
	}
	idx := -1
	for i, n := range names {
		if n == master {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("reference rater %q not found in %s", master, p.params.InputDir)
	}
	names[0], names[idx] = names[idx], names[0]
	p.raterNames = names

	p.logf("Found %d raters: %s", len(names), strings.Join(names, ", "))
	return nil
}

// loadRaters loads every rater's mask slices through a bounded worker pool.
func (p *Pipeline) loadRaters() error {
	type loadResult struct {
		raterIdx int
		masks    []*raster.Mask
		err      error
	}

	workers := p.params.NumWorkers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if workers > len(p.raterNames) {
		workers = len(p.raterNames)
	}

	// Buffered to full capacity so the workers can always finish their
	// sends and exit, even when an error makes the collection loop below
	// return early.
	jobs := make(chan int, len(p.raterNames))
	resultChan := make(chan loadResult, len(p.raterNames))

	for w := 0; w < workers; w++ {
		go func() {
			for idx := range jobs {
				dir := filepath.Join(p.params.InputDir, p.raterNames[idx])
				masks, err := loadMaskDir(dir)
				resultChan <- loadResult{raterIdx: idx, masks: masks, err: err}
			}
		}()
	}
	for i := range p.raterNames {
		jobs <- i
	}
	close(jobs)

	p.masks = make([][]*raster.Mask, len(p.raterNames))
	for completed := 0; completed < len(p.raterNames); completed++ {
		res := <-resultChan
		if res.err != nil {
			return fmt.Errorf("rater %q: %w", p.raterNames[res.raterIdx], res.err)
		}
		p.masks[res.raterIdx] = res.masks
	}

	for i, masks := range p.masks {
		p.logf("Rater %q: %d slices", p.raterNames[i], len(masks))
	}
	return nil
}

// buildVolumes synthesizes a shared axial series and wraps every rater's
// masks into a binary volume referencing it.
func (p *Pipeline) buildVolumes() error {
	cols, rows, slices := 0, 0, 0
	for i, masks := range p.masks {
		if len(masks) == 0 {
			return fmt.Errorf("rater %q has no mask images", p.raterNames[i])
		}
		if len(masks) > slices {
			slices = len(masks)
		}
		if cols == 0 {
			cols, rows = masks[0].Cols, masks[0].Rows
		}
		for s, m := range masks {
			if m.Cols != cols || m.Rows != rows {
				return fmt.Errorf("rater %q slice %d is %dx%d, expected %dx%d",
					p.raterNames[i], s, m.Cols, m.Rows, cols, rows)
			}
		}
	}

	series := &models.ImageSeries{UID: "rtseg-synthetic"}
	for s := 0; s < slices; s++ {
		geom := geometry.AxialGeometry(cols, rows, 1, 1, geometry.Coordinate{Z: float64(s)})
		series.Images = append(series.Images, &models.Image{
			UID:      fmt.Sprintf("slice-%03d", s),
			Geometry: geom,
		})
	}

	volumes := make([]*volume.Volume, len(p.raterNames))
	for i, masks := range p.masks {
		v := volume.New(p.raterNames[i], volume.SourceROI)
		for s, m := range masks {
			img := series.Images[s]
			im := volume.NewImage(img.Geometry, img)
			if err := im.Add(m); err != nil {
				return fmt.Errorf("rater %q slice %d: %w", p.raterNames[i], s, err)
			}
			if err := v.AddImage(im); err != nil {
				return fmt.Errorf("rater %q: %w", p.raterNames[i], err)
			}
		}
		volumes[i] = v
	}

	p.aligner = volume.NewAligner(volumes[0], volumes[1:]...)
	return nil
}

// alignAndScore fills blanks, sorts the volumes onto the reference order
// and computes the pre-consensus similarity scores.
func (p *Pipeline) alignAndScore() error {
	if err := p.aligner.Align(); err != nil {
		return err
	}
	if err := p.aligner.ScoreDice(); err != nil {
		return err
	}
	return p.aligner.ScoreSensitivitySpecificity()
}

// solve runs the STAPLE solver; it overwrites each rater volume's
// sensitivity/specificity with the EM estimates and installs the consensus
// as the aligner's master.
func (p *Pipeline) solve(ctx context.Context) error {
	opts := []staple.Option{staple.WithTolerance(p.params.Tolerance)}
	if p.params.MaxIterations > 0 {
		opts = append(opts, staple.WithMaxIterations(p.params.MaxIterations))
	}
	solver, err := staple.NewSolver(p.aligner, opts...)
	if err != nil {
		return err
	}
	if err := solver.Solve(ctx); err != nil {
		return err
	}
	p.metrics.Iterations = solver.Iterations()
	return nil
}

// aggregate collects the per-rater scores and summary statistics.
func (p *Pipeline) aggregate() {
	raters := p.aligner.Volumes()
	dice := make([]float64, len(raters))
	p.metrics.Raters = make([]RaterScore, len(raters))
	for i, v := range raters {
		dice[i] = v.Dice
		p.metrics.Raters[i] = RaterScore{
			Name:        v.Name,
			Dice:        v.Dice,
			Sensitivity: v.Sensitivity,
			Specificity: v.Specificity,
		}
	}
	p.metrics.MeanDice = stat.Mean(dice, nil)
	p.metrics.DiceStdDev = math.Sqrt(stat.Variance(dice, nil))
	p.metrics.Agreement = p.pairwiseAgreement(raters)

	consensus, _, _, _ := p.aligner.Master().NArray(false)
	count := 0
	for _, v := range consensus {
		if v == 1 {
			count++
		}
	}
	p.metrics.ConsensusVoxels = count
}

// pairwiseAgreement averages the correlation between every pair of rater
// masks.
func (p *Pipeline) pairwiseAgreement(raters []*volume.Volume) float64 {
	flat := make([][]float64, len(raters))
	for i, v := range raters {
		data, _, _, _ := v.NArray(false)
		f := make([]float64, len(data))
		for j, b := range data {
			f[j] = float64(b)
		}
		flat[i] = f
	}
	var total float64
	var pairs int
	for i := 0; i < len(flat); i++ {
		for j := i + 1; j < len(flat); j++ {
			r := stat.Correlation(flat[i], flat[j], nil)
			if !math.IsNaN(r) {
				total += r
				pairs++
			}
		}
	}
	if pairs == 0 {
		return 0
	}
	return total / float64(pairs)
}

// saveConsensus exports the consensus volume as an axial PNG sequence,
// optionally cropped to the foreground bounding box.
func (p *Pipeline) saveConsensus() error {
	data, slices, cols, rows := p.aligner.Master().NArray(false)
	viewer := visualization.NewViewer(data, cols, rows, slices)

	if p.params.CropToStructure {
		box, ok := boundingBox(data, cols, rows, slices)
		if ok {
			region, err := viewer.ExtractRegion(box.col, box.row, box.slice,
				box.sizeCols, box.sizeRows, box.sizeSlices)
			if err != nil {
				return err
			}
			viewer = visualization.NewViewer(region, box.sizeCols, box.sizeRows, box.sizeSlices)
		}
	}
	return viewer.SaveSliceSequence("z", p.params.OutputDir)
}

// box describes a subvolume in flat-volume index space.
type box struct {
	col, row, slice                int
	sizeCols, sizeRows, sizeSlices int
}

// boundingBox returns the extent of the foreground voxels of a flat volume;
// ok is false when the volume holds no foreground.
func boundingBox(data []uint8, cols, rows, slices int) (box, bool) {
	minCol, minRow, minSlice := cols, rows, slices
	maxCol, maxRow, maxSlice := -1, -1, -1
	for s := 0; s < slices; s++ {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				if data[s*cols*rows+r*cols+c] != 1 {
					continue
				}
				minCol = min(minCol, c)
				minRow = min(minRow, r)
				minSlice = min(minSlice, s)
				maxCol = max(maxCol, c)
				maxRow = max(maxRow, r)
				maxSlice = max(maxSlice, s)
			}
		}
	}
	if maxCol < 0 {
		return box{}, false
	}
	return box{
		col: minCol, row: minRow, slice: minSlice,
		sizeCols:   maxCol - minCol + 1,
		sizeRows:   maxRow - minRow + 1,
		sizeSlices: maxSlice - minSlice + 1,
	}, true
}

func (p *Pipeline) logf(format string, args ...interface{}) {
	if p.params.Verbose {
		fmt.Printf(format+"\n", args...)
	}
}

// loadMaskDir loads the mask images of one rater directory, ordered by the
// numeric part of their filenames. Pixels at or above half intensity are
// foreground.
func loadMaskDir(dir string) ([]*raster.Mask, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var imageFiles []string
	for _, file := range files {
		ext := strings.ToLower(filepath.Ext(file.Name()))
		if ext == ".png" || ext == ".jpg" || ext == ".jpeg" {
			imageFiles = append(imageFiles, file.Name())
		}
	}
	if len(imageFiles) == 0 {
		return nil, fmt.Errorf("no mask images found in %s", dir)
	}

	// Sort by the numeric part of the filename so the anatomical slice
	// order is preserved regardless of zero padding.
	sort.Slice(imageFiles, func(i, j int) bool {
		return extractNumber(imageFiles[i]) < extractNumber(imageFiles[j])
	})

	masks := make([]*raster.Mask, 0, len(imageFiles))
	for _, filename := range imageFiles {
		m, err := loadMaskImage(filepath.Join(dir, filename))
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", filename, err)
		}
		masks = append(masks, m)
	}
	return masks, nil
}

// loadMaskImage decodes one image file into a binary mask.
func loadMaskImage(path string) (*raster.Mask, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	m := raster.NewMask(bounds.Dx(), bounds.Dy())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			if r >= 0x8000 {
				m.Set(x-bounds.Min.X, y-bounds.Min.Y, 1)
			}
		}
	}
	return m, nil
}

// extractNumber extracts the numeric part from a filename.
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}
	if numStr != "" {
		if num, err := strconv.Atoi(numStr); err == nil {
			return num
		}
	}
	return 0
}
