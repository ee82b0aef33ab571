package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/biogo/hts/bgzf"
	log "github.com/sirupsen/logrus"
)

// Variant class encoding in the sites file. SNPs: transversion=0,
// transition=1. Indels: repeat-inconsistent=0, repeat-consistent=1,
// not-applicable=2.
const (
	classTransversion = 0
	classTransition   = 1
	classNA           = 2
)

func acgt2int(c byte) int {
	switch c {
	case 'A', 'a':
		return 0
	case 'C', 'c':
		return 1
	case 'G', 'g':
		return 2
	case 'T', 't':
		return 3
	}
	return -1
}

// variantClass classifies the current record. SNP transitions are base pairs
// whose A/C/G/T codes differ by exactly 2 (A<->G, C<->T). Indels are
// classified by repeat context; class 2 when the context is uninformative.
func variantClass(vtype int, chrom string, pos int, ref, alt string, ictx IndelContext) int {
	if vtype == VariantSNP {
		d := acgt2int(ref[0]) - acgt2int(alt[0])
		if d == 2 || d == -2 {
			return classTransition
		}
		return classTransversion
	}
	if ictx == nil {
		return classNA
	}
	ndel, nrep, nlen, err := ictx.Type(chrom, pos, ref, alt)
	if err != nil {
		log.Debugf("indel context %s:%d %s>%s: %v", chrom, pos, ref, alt, err)
		return classNA
	}
	if nlen <= 1 || nrep <= 1 {
		return classNA
	}
	if abs(ndel)%nlen != 0 {
		return 0
	}
	return 1
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

type scoreResult struct {
	nAll, nGood int
}

// scoreSites streams the table a final time, scores every complete site
// against the trained ensemble, and writes the bgzf-compressed sites file:
// score, variant class, filter mask with the good bit in the LSB, chrom, pos.
func scoreSites(cfg *Config, r *tableReader, som *somEngine, fixedFilter *filterExpr, ictx IndelContext, argv []string) (scoreResult, error) {
	var res scoreResult
	fname := cfg.OutPrefix + ".sites.gz"
	f, err := os.Create(fname)
	if err != nil {
		return res, err
	}
	bw := bgzf.NewWriter(f, 1)
	wbuf := bufio.NewWriter(bw)
	fmt.Fprintf(wbuf, "# somfiltVersion=%s\n", version)
	fmt.Fprintf(wbuf, "# somfiltCommand=%s\n", strings.Join(argv, " "))
	fmt.Fprintf(wbuf, "# [1]score\t[2]variant class\t[3]filter mask, good(&1)\t[4]chromosome\t[5]position\n")

	log.Info("classifying")
	if err := r.Reset(); err != nil {
		return res, err
	}
	for {
		ok, err := r.Next()
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}
		if r.NSet != r.nann() {
			continue
		}
		score := som.score(r.Vals[:r.nannSOM])
		mask := 0
		if r.Good() {
			res.nGood++
			mask = 1
		}
		if fixedFilter != nil {
			mask |= int(fixedFilter.failed(r.Vals)) << 1
		}
		res.nAll++
		class := variantClass(cfg.VariantType, r.Chrom, r.Pos, r.Ref, r.Alt, ictx)
		fmt.Fprintf(wbuf, "%e\t%d\t%d\t%s\t%d\n", score, class, mask, r.Chrom, r.Pos)
	}
	if err := wbuf.Flush(); err != nil {
		return res, fmt.Errorf("%s: %w", fname, err)
	}
	if err := bw.Close(); err != nil {
		return res, fmt.Errorf("%s: %w", fname, err)
	}
	if err := f.Close(); err != nil {
		return res, fmt.Errorf("%s: %w", fname, err)
	}
	return res, nil
}
