package main

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// distStats holds the per-annotation distribution summary persisted in the
// <prefix>.n sidecar file.
type distStats struct {
	nAll, nGood, nMissing int
	goodMin, goodMax      float64
	allMin, allMax        float64
	scaleLo, scaleHi      float64 // values at the lo/hi percentiles
}

// scaleValue maps a raw annotation value onto [0,1] using the percentile
// clamps. A value at scaleLo maps to exactly 0, at scaleHi to exactly 1.
func scaleValue(d *distStats, v float64) float64 {
	switch {
	case v < d.scaleLo:
		return 0
	case v > d.scaleHi:
		return 1
	default:
		return (v - d.scaleLo) / (d.scaleHi - d.scaleLo)
	}
}

// initDists makes distribution stats available on the reader: an existing
// <prefix>.n (or <table>.n) is reused, otherwise a full build pass runs
// first. Degenerate selected annotations are fatal here.
func initDists(cfg *Config, r *tableReader) error {
	path := cfg.OutPrefix + ".n"
	if _, err := os.Stat(path); err != nil {
		alt := cfg.TableFilename + ".n"
		if _, err := os.Stat(alt); err == nil {
			path = alt
		} else {
			if err := createDists(cfg, r); err != nil {
				return err
			}
			return loadDists(path, r)
		}
	}
	log.Infof("re-using %s", path)
	return loadDists(path, r)
}

// createDists streams the whole table once with every column enabled,
// collects counts and extremes, sorts each column's value stream with the
// external sort, and writes the percentile summary to <prefix>.n.
func createDists(cfg *Config, r *tableReader) error {
	log.Infof("sorting annotations and creating distribution stats: %s.n", cfg.OutPrefix)

	full, err := newTableReader(cfg.TableFilename)
	if err != nil {
		return err
	}
	defer full.Close()
	full.goodMask = r.goodMask
	if err := full.selectAnnotations(nil); err != nil {
		return err
	}
	if err := full.Reset(); err != nil {
		return err
	}

	nann := full.nann()
	dists := make([]distStats, nann)
	tmpnames := make([]string, nann)
	files := make([]*bufio.Writer, nann)
	closers := make([]*os.File, nann)
	for i := 0; i < nann; i++ {
		tmpnames[i] = fmt.Sprintf("%s.%s", cfg.OutPrefix, full.names[i])
		f, err := os.Create(tmpnames[i])
		if err != nil {
			return err
		}
		closers[i] = f
		files[i] = bufio.NewWriter(f)
	}

	for {
		ok, err := full.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		good := 0
		if full.Good() {
			good = 1
		}
		for i := 0; i < nann; i++ {
			d := &dists[i]
			if full.Missing[i] {
				d.nMissing++
				continue
			}
			v := full.RawVals[i]
			if good == 1 {
				if d.nGood == 0 {
					d.goodMin, d.goodMax = v, v
				}
				d.goodMin = math.Min(d.goodMin, v)
				d.goodMax = math.Max(d.goodMax, v)
				d.nGood++
			}
			if d.nAll == 0 {
				d.allMin, d.allMax = v, v
			}
			d.allMin = math.Min(d.allMin, v)
			d.allMax = math.Max(d.allMax, v)
			d.nAll++
			fmt.Fprintf(files[i], "%e\t%d\n", v, good)
		}
	}
	for i := 0; i < nann; i++ {
		if err := files[i].Flush(); err != nil {
			return fmt.Errorf("%s: %w", tmpnames[i], err)
		}
		if err := closers[i].Close(); err != nil {
			return fmt.Errorf("%s: %w", tmpnames[i], err)
		}
	}

	for i := 0; i < nann; i++ {
		d := &dists[i]
		if err := scanPercentiles(tmpnames[i], cfg, d); err != nil {
			return err
		}
		os.Remove(tmpnames[i])
	}

	out, err := os.Create(cfg.OutPrefix + ".n")
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	fmt.Fprintf(w, "# [1]nAll\t[2]nGood\t[3]nMissing\t[4]minGood\t[5]maxGood\t[6]minAll\t[7]maxAll\t[8]%f percentile\t[9]%f percentile\t[10]Annotation\n",
		cfg.LoPctl, cfg.HiPctl)
	for i := 0; i < nann; i++ {
		d := &dists[i]
		fmt.Fprintf(w, "%d\t%d\t%d\t%e\t%e\t%e\t%e\t%e\t%e\t%s\n",
			d.nAll, d.nGood, d.nMissing,
			d.goodMin, d.goodMax, d.allMin, d.allMax,
			d.scaleLo, d.scaleHi, full.names[i])
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("%s.n: %w", cfg.OutPrefix, err)
	}
	return out.Close()
}

// scanPercentiles sorts one column's temporary value file and records the
// values at the lo/hi rank percentiles.
func scanPercentiles(path string, cfg *Config, d *distStats) error {
	d.scaleLo, d.scaleHi = math.Inf(1), math.Inf(1)
	if d.nAll == 0 {
		return nil
	}
	sp, err := startSort(path, cfg.SortArgs)
	if err != nil {
		return err
	}
	scan := bufio.NewScanner(sp)
	scan.Buffer(make([]byte, 1<<20), 1<<26)
	count := 0
	var val float64
	for scan.Scan() {
		v, _, found := strings.Cut(scan.Text(), "\t")
		if !found {
			sp.Close()
			return fmt.Errorf("%s: cannot parse sorted line %q", path, scan.Text())
		}
		val, err = strconv.ParseFloat(v, 64)
		if err != nil {
			sp.Close()
			return fmt.Errorf("%s: cannot parse sorted value %q", path, v)
		}
		count++
		pctl := 100 * float64(count) / float64(d.nAll)
		if math.IsInf(d.scaleLo, 1) || pctl < cfg.LoPctl {
			d.scaleLo = val
		}
		if math.IsInf(d.scaleHi, 1) && pctl > cfg.HiPctl {
			d.scaleHi = val
		}
	}
	if err := scan.Err(); err != nil {
		sp.Close()
		return err
	}
	if math.IsInf(d.scaleHi, 1) {
		d.scaleHi = val
	}
	return sp.Close()
}

// loadDists parses the 10-column summary file and attaches per-column stats
// to the reader, keyed by annotation name. Selected annotations whose scale
// endpoints collapsed are rejected.
func loadDists(path string, r *tableReader) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r.dists = make([]distStats, len(r.colnames))
	found := make([]bool, len(r.colnames))
	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 1<<20), 1<<26)
	for scan.Scan() {
		line := scan.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 10 {
			return fmt.Errorf("%s: cannot parse line, expected 10 fields: %q", path, line)
		}
		col := -1
		for j := nfixed; j < len(r.colnames); j++ {
			if r.colnames[j] == fields[9] {
				col = j
				break
			}
		}
		if col < 0 {
			continue
		}
		d := &r.dists[col]
		ints := []*int{&d.nAll, &d.nGood, &d.nMissing}
		for i, dst := range ints {
			if *dst, err = strconv.Atoi(fields[i]); err != nil {
				return fmt.Errorf("%s: cannot parse %q in %q", path, fields[i], line)
			}
		}
		flts := []*float64{&d.goodMin, &d.goodMax, &d.allMin, &d.allMax, &d.scaleLo, &d.scaleHi}
		for i, dst := range flts {
			if *dst, err = strconv.ParseFloat(fields[i+3], 64); err != nil {
				return fmt.Errorf("%s: cannot parse %q in %q", path, fields[i+3], line)
			}
		}
		found[col] = true
		if r.col2slot[col] != -1 && d.scaleLo == d.scaleHi {
			return fmt.Errorf("the annotation %s does not look good (degenerate distribution), please leave it out", r.colnames[col])
		}
	}
	if err := scan.Err(); err != nil {
		return err
	}

	r.ngood, r.nall = math.MaxInt32, math.MaxInt32
	for col := nfixed; col < len(r.colnames); col++ {
		if r.col2slot[col] == -1 {
			continue
		}
		d := &r.dists[col]
		if !found[col] || (d.nAll == 0 && d.nMissing == 0) {
			return fmt.Errorf("no extremes found for the annotation %s in %s", r.colnames[col], path)
		}
		if d.nAll < r.nall {
			r.nall = d.nAll
		}
		if d.nGood < r.ngood {
			r.ngood = d.nGood
		}
	}
	return nil
}
