package main

import (
	"math/rand"

	log "github.com/sirupsen/logrus"
)

// trainSOM samples training vectors from the table and builds the trained,
// normalized SOM ensemble.
//
// Two reservoirs are kept: known-good sites fill one, non-good sites passing
// the learning filter fill the other. Sites with any selected annotation
// missing never train. Once a reservoir is full, a newcomer replaces a
// uniformly chosen entry.
type trainCounts struct {
	good, learn int
}

func trainSOM(cfg *Config, r *tableReader, learnFilter *filterExpr, seed int64) (*somEngine, trainCounts, error) {
	nt := cfg.NTrain
	if nt == 0 {
		nt = r.ngood
	}
	som := newSomEngine(r.nannSOM, somParams{
		NBin:      cfg.NBin,
		LearnRate: cfg.LearnRate,
		Threshold: cfg.Threshold,
		NSom:      cfg.NSom,
		NTrain:    nt,
	}, seed)

	goodMax := int(float64(nt) * (1 - cfg.LearnFrac))
	learnMax := int(float64(nt) * cfg.LearnFrac)
	rnd := rand.New(rand.NewSource(seed))
	var good, learn [][]float64

	if err := r.Reset(); err != nil {
		return nil, trainCounts{}, err
	}
	for {
		ok, err := r.Next()
		if err != nil {
			return nil, trainCounts{}, err
		}
		if !ok {
			break
		}
		// Filtering and training require every selected annotation to be
		// present, including filter-only ones.
		if r.NSet != r.nann() {
			continue
		}
		if !r.Good() {
			if learnFilter == nil || learnMax == 0 {
				continue
			}
			if learnFilter.failed(r.Vals) != 0 {
				continue
			}
			learn = reservoirAdd(learn, learnMax, r.Vals[:r.nannSOM], rnd)
		} else {
			if goodMax == 0 {
				continue
			}
			good = reservoirAdd(good, goodMax, r.Vals[:r.nannSOM], rnd)
		}
	}

	if len(good)+len(learn) < som.NTrain {
		log.Warnf("only %d training vectors available, capping the requested %d", len(good)+len(learn), som.NTrain)
		som.NTrain = len(good) + len(learn)
	}
	log.Infof("selected %d training vectors: %d from good sites, %d from learning-filter sites",
		som.NTrain, len(good), len(learn))

	for _, vec := range good {
		som.train(vec)
	}
	for _, vec := range learn {
		som.train(vec)
	}
	som.normalize()
	return som, trainCounts{good: len(good), learn: len(learn)}, nil
}

func reservoirAdd(dst [][]float64, max int, vec []float64, rnd *rand.Rand) [][]float64 {
	cp := append([]float64(nil), vec...)
	if len(dst) < max {
		return append(dst, cp)
	}
	dst[rnd.Intn(max)] = cp
	return dst
}
