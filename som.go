package main

import (
	"bufio"
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/kshedden/gonpy"
	"gonum.org/v1/gonum/floats"
)

type somParams struct {
	NBin      int     // bins per grid side
	LearnRate float64 // initial learning rate
	Threshold float64 // activation mass required for a cell to score
	NSom      int     // ensemble size
	NTrain    int     // total training updates
}

// somEngine is an ensemble of 2-D self-organizing maps sharing one input
// dimensionality. Weights and the per-cell influence accumulators are stored
// flat, row-major, map-by-map. After training and normalization the engine is
// read-only.
type somEngine struct {
	somParams
	kdim    int
	weights []float64 // nsom * nbin * nbin * kdim
	mass    []float64 // nsom * nbin * nbin
	updates []int     // per-map training counters
	rnd     *rand.Rand
}

// newSomEngine initializes the ensemble with weights drawn uniformly from
// [0,1]. The seed fully determines initialization and per-update map
// selection.
func newSomEngine(kdim int, p somParams, seed int64) *somEngine {
	s := &somEngine{
		somParams: p,
		kdim:      kdim,
		weights:   make([]float64, p.NSom*p.NBin*p.NBin*kdim),
		mass:      make([]float64, p.NSom*p.NBin*p.NBin),
		updates:   make([]int, p.NSom),
		rnd:       rand.New(rand.NewSource(seed)),
	}
	for i := range s.weights {
		s.weights[i] = s.rnd.Float64()
	}
	return s
}

// train performs one online update with the input vector: pick a map, find
// its best-matching unit, pull every cell within the shrinking neighborhood
// radius toward the input.
//
// The neighborhood kernel exp(-d⁴·0.5/ρ²) uses the fourth power of the grid
// distance, and the time counter advances before the update. Both are kept
// exactly as calibrated; the default activation threshold depends on them.
func (s *somEngine) train(vec []float64) {
	jsom := 0
	if s.NSom > 1 {
		jsom = s.rnd.Intn(s.NSom)
	}
	ncell := s.NBin * s.NBin
	base := jsom * ncell * s.kdim

	minDist := math.Inf(1)
	imin, jmin := 0, 0
	idx := base
	for i := 0; i < s.NBin; i++ {
		for j := 0; j < s.NBin; j++ {
			d := floats.Distance(vec, s.weights[idx:idx+s.kdim], 2)
			if d*d < minDist {
				minDist = d * d
				imin, jmin = i, j
			}
			idx += s.kdim
		}
	}

	t := float64(s.updates[jsom] * s.NSom)
	s.updates[jsom]++
	radius := float64(s.NBin) * math.Exp(-t/float64(s.NTrain))
	radius2 := radius * radius
	rate := s.LearnRate * math.Exp(-t/float64(s.NTrain))

	idx = base
	cidx := jsom * ncell
	for i := 0; i < s.NBin; i++ {
		for j := 0; j < s.NBin; j++ {
			d2 := float64((i-imin)*(i-imin) + (j-jmin)*(j-jmin))
			if d2 <= radius2 {
				alpha := math.Exp(-d2*d2*0.5/radius2) * rate
				cell := s.weights[idx : idx+s.kdim]
				floats.Scale(1-alpha, cell)
				floats.AddScaled(cell, alpha, vec)
				s.mass[cidx] += alpha
			}
			idx += s.kdim
			cidx++
		}
	}
}

// normalize rescales each map's influence accumulator to [0,1] by its own
// maximum. Run once, after the last training update.
func (s *somEngine) normalize() {
	ncell := s.NBin * s.NBin
	for j := 0; j < s.NSom; j++ {
		m := s.mass[j*ncell : (j+1)*ncell]
		max := floats.Max(m)
		if max > 0 {
			floats.Scale(1/max, m)
		}
	}
}

// score returns the squared distance from vec to the nearest sufficiently
// trained cell, minimized over the ensemble and divided by the input
// dimension so that unit-cube inputs score within [0,1].
func (s *somEngine) score(vec []float64) float64 {
	ncell := s.NBin * s.NBin
	best := math.Inf(1)
	idx, cidx := 0, 0
	for j := 0; j < s.NSom; j++ {
		minDist := math.Inf(1)
		for c := 0; c < ncell; c++ {
			if s.mass[cidx] >= s.Threshold {
				d := floats.Distance(vec, s.weights[idx:idx+s.kdim], 2)
				if d*d < minDist {
					minDist = d * d
				}
			}
			cidx++
			idx += s.kdim
		}
		if minDist < best {
			best = minDist
		}
	}
	return best / float64(s.kdim)
}

// dumpNpy writes the trained weights and activation mass as npy arrays for
// offline inspection.
func (s *somEngine) dumpNpy(prefix string) error {
	write := func(path string, shape []int, data []float64) error {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		bufw := bufio.NewWriter(f)
		npw, err := gonpy.NewWriter(nopCloser{bufw})
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		npw.Shape = shape
		if err = npw.WriteFloat64(data); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err = bufw.Flush(); err != nil {
			return err
		}
		return f.Close()
	}
	err := write(prefix+".weights.npy", []int{s.NSom, s.NBin, s.NBin, s.kdim}, s.weights)
	if err != nil {
		return err
	}
	return write(prefix+".mass.npy", []int{s.NSom, s.NBin, s.NBin}, s.mass)
}
