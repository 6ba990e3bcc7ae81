package volume

import (
	"fmt"
	"sort"

	"rtseg/internal/models"
)

// Aligner brings a set of binary volumes onto identical slice geometry so
// they can be compared voxel-for-voxel, and scores them against a
// designated reference ("master") volume. After FillBlanks and SortVolumes,
// every member holds exactly one image per source image referenced anywhere
// in the set, in the same order.
type Aligner struct {
	master  *Volume
	volumes []*Volume
}

// NewAligner returns an aligner over the master and the candidate volumes.
func NewAligner(master *Volume, candidates ...*Volume) *Aligner {
	return &Aligner{master: master, volumes: candidates}
}

// Master returns the current reference volume.
func (a *Aligner) Master() *Volume {
	return a.master
}

// SetMaster replaces the reference volume; the STAPLE solver installs its
// consensus this way.
func (a *Aligner) SetMaster(v *Volume) {
	a.master = v
}

// Volumes returns the candidate volumes (the master is not included).
func (a *Aligner) Volumes() []*Volume {
	return a.volumes
}

// members returns master plus candidates, master first.
func (a *Aligner) members() []*Volume {
	return append([]*Volume{a.master}, a.volumes...)
}

// Align runs FillBlanks followed by SortVolumes.
func (a *Aligner) Align() error {
	if err := a.FillBlanks(); err != nil {
		return err
	}
	return a.SortVolumes()
}

// FillBlanks synthesizes an all-zero binary image for every source image
// that is referenced by some member volume but missing from another, so
// that all members end up with the same slice count. Must run before any
// 3D comparison.
func (a *Aligner) FillBlanks() error {
	// Union of referenced source images, in first-seen order.
	var union []*models.Image
	seen := make(map[*models.Image]bool)
	for _, v := range a.members() {
		for _, im := range v.Images() {
			src := im.SourceImage()
			if src == nil {
				return fmt.Errorf("fill blanks: volume %q holds an image without a source reference", v.Name)
			}
			if !seen[src] {
				seen[src] = true
				union = append(union, src)
			}
		}
	}

	for _, v := range a.members() {
		present := make(map[*models.Image]bool, len(v.Images()))
		for _, im := range v.Images() {
			present[im.SourceImage()] = true
		}
		for _, src := range union {
			if !present[src] {
				if err := v.AddImage(NewImage(src.Geometry, src)); err != nil {
					return fmt.Errorf("fill blanks: volume %q: %w", v.Name, err)
				}
			}
		}
	}
	return nil
}

// SortVolumes reorders every volume's images to the master's ordering, so
// the same source image sits at the same index across all members. Errors
// if the members disagree on image count or if any image lacks a source
// reference.
func (a *Aligner) SortVolumes() error {
	canonical := a.master.Images()
	order := make(map[*models.Image]int, len(canonical))
	for i, im := range canonical {
		src := im.SourceImage()
		if src == nil {
			return fmt.Errorf("sort volumes: reference volume %q holds an image without a source reference", a.master.Name)
		}
		order[src] = i
	}

	for _, v := range a.volumes {
		if len(v.Images()) != len(canonical) {
			return fmt.Errorf("sort volumes: volume %q has %d images, reference has %d (run FillBlanks first)",
				v.Name, len(v.Images()), len(canonical))
		}
		permutation, err := a.compareWith(v, order)
		if err != nil {
			return err
		}
		sorted := make([]*Image, len(v.images))
		for from, to := range permutation {
			sorted[to] = v.images[from]
		}
		v.images = sorted
	}
	return nil
}

// compareWith computes the permutation mapping the volume's current image
// order onto the canonical order.
func (a *Aligner) compareWith(v *Volume, order map[*models.Image]int) ([]int, error) {
	permutation := make([]int, len(v.images))
	for i, im := range v.images {
		src := im.SourceImage()
		if src == nil {
			return nil, fmt.Errorf("sort volumes: volume %q holds an image without a source reference", v.Name)
		}
		to, ok := order[src]
		if !ok {
			return nil, fmt.Errorf("sort volumes: volume %q references an image absent from the reference volume", v.Name)
		}
		permutation[i] = to
	}
	return permutation, nil
}

// ScoreDice computes each candidate's Dice coefficient against the master
// over foreground voxel sets and stores it on the volume. Two volumes with
// no foreground at all are identical and score 1.
func (a *Aligner) ScoreDice() error {
	ref, err := a.flattened(a.master)
	if err != nil {
		return err
	}
	for _, v := range a.volumes {
		cand, err := a.flattened(v)
		if err != nil {
			return err
		}
		if len(cand) != len(ref) {
			return fmt.Errorf("score dice: volume %q has %d voxels, reference has %d",
				v.Name, len(cand), len(ref))
		}
		var intersection, sizeRef, sizeCand int
		for i := range ref {
			if ref[i] == 1 {
				sizeRef++
			}
			if cand[i] == 1 {
				sizeCand++
				if ref[i] == 1 {
					intersection++
				}
			}
		}
		if sizeRef+sizeCand == 0 {
			v.Dice = 1
		} else {
			v.Dice = 2 * float64(intersection) / float64(sizeRef+sizeCand)
		}
	}
	return nil
}

// ScoreSensitivitySpecificity computes each candidate's true-positive and
// true-negative rates against the master's foreground/background partition
// and stores them on the volume. A vacuous partition (master with no
// foreground, or no background) scores 1: the rate is satisfied by every
// candidate when there is nothing to miss.
func (a *Aligner) ScoreSensitivitySpecificity() error {
	ref, err := a.flattened(a.master)
	if err != nil {
		return err
	}
	for _, v := range a.volumes {
		cand, err := a.flattened(v)
		if err != nil {
			return err
		}
		if len(cand) != len(ref) {
			return fmt.Errorf("score sensitivity/specificity: volume %q has %d voxels, reference has %d",
				v.Name, len(cand), len(ref))
		}
		var fg, bg, truePos, trueNeg int
		for i := range ref {
			if ref[i] == 1 {
				fg++
				if cand[i] == 1 {
					truePos++
				}
			} else {
				bg++
				if cand[i] == 0 {
					trueNeg++
				}
			}
		}
		if fg == 0 {
			v.Sensitivity = 1
		} else {
			v.Sensitivity = float64(truePos) / float64(fg)
		}
		if bg == 0 {
			v.Specificity = 1
		} else {
			v.Specificity = float64(trueNeg) / float64(bg)
		}
	}
	return nil
}

// flattened materializes a member volume in aligned image order.
func (a *Aligner) flattened(v *Volume) ([]uint8, error) {
	if len(v.Images()) == 0 {
		return nil, fmt.Errorf("volume %q has no images", v.Name)
	}
	data, _, _, _ := v.NArray(false)
	return data, nil
}

// BySensitivity returns the candidate volumes sorted by descending
// sensitivity; ties keep their current relative order.
func (a *Aligner) BySensitivity() []*Volume {
	return a.ranked(func(v *Volume) float64 { return v.Sensitivity })
}

// BySpecificity returns the candidate volumes sorted by descending
// specificity; ties keep their current relative order.
func (a *Aligner) BySpecificity() []*Volume {
	return a.ranked(func(v *Volume) float64 { return v.Specificity })
}

func (a *Aligner) ranked(score func(*Volume) float64) []*Volume {
	out := make([]*Volume, len(a.volumes))
	copy(out, a.volumes)
	sort.SliceStable(out, func(i, j int) bool {
		return score(out[i]) > score(out[j])
	})
	return out
}
