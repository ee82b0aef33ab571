package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/biogo/hts/bgzf"
)

// applyConfig carries the tunables of the apply subcommand.
type applyConfig struct {
	VCFFilename   string
	Output        string
	SnpTh         float64
	SnpSites      string
	IndelTh       float64
	IndelSites    string
	Region        string
	UnsetUnknowns bool
}

type regionSpec struct {
	chrom    string
	from, to int
}

// parseRegion accepts `chr` or `chr:from-to`.
func parseRegion(s string) (*regionSpec, error) {
	if s == "" {
		return nil, nil
	}
	r := &regionSpec{from: 1, to: 1 << 30}
	chrom, span, found := strings.Cut(s, ":")
	r.chrom = chrom
	if !found {
		return r, nil
	}
	fromStr, toStr, found := strings.Cut(span, "-")
	if !found {
		return nil, fmt.Errorf("cannot parse region %q", s)
	}
	var err error
	if r.from, err = strconv.Atoi(fromStr); err != nil {
		return nil, fmt.Errorf("cannot parse region %q", s)
	}
	if r.to, err = strconv.Atoi(toStr); err != nil {
		return nil, fmt.Errorf("cannot parse region %q", s)
	}
	return r, nil
}

func (r *regionSpec) contains(chrom string, pos int) bool {
	return r == nil || (chrom == r.chrom && pos >= r.from && pos <= r.to)
}

// siteStream reads a scored sites file one record ahead, in position order.
type siteStream struct {
	fname    string
	in       io.ReadCloser
	scan     *bufio.Scanner
	region   *regionSpec
	buffered bool

	score float64
	chrom string
	pos   int
}

func openSites(fname string, region *regionSpec) (*siteStream, error) {
	in, err := openTable(fname)
	if err != nil {
		return nil, err
	}
	s := &siteStream{fname: fname, in: in, region: region}
	s.scan = bufio.NewScanner(in)
	s.scan.Buffer(make([]byte, 1<<20), 1<<26)
	return s, nil
}

func (s *siteStream) Close() error { return s.in.Close() }

// fill buffers the next in-region site. Returns false at end of file.
func (s *siteStream) fill() (bool, error) {
	if s.buffered {
		return true, nil
	}
	for s.scan.Scan() {
		line := s.scan.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 5 {
			return false, fmt.Errorf("%s: cannot parse sites line %q", s.fname, line)
		}
		score, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return false, fmt.Errorf("%s: cannot parse score %q", s.fname, fields[0])
		}
		pos, err := strconv.Atoi(fields[4])
		if err != nil {
			return false, fmt.Errorf("%s: cannot parse position %q", s.fname, fields[4])
		}
		if !s.region.contains(fields[3], pos) {
			continue
		}
		s.score, s.chrom, s.pos = score, fields[3], pos
		s.buffered = true
		return true, nil
	}
	return false, s.scan.Err()
}

// sync advances the stream to the given record. It returns true when the
// buffered site matches chrom/pos exactly, false when the record precedes the
// next site. Falling behind the sites file means the two inputs were built
// from different call sets and is fatal.
func (s *siteStream) sync(chrom string, pos int) (bool, error) {
	ok, err := s.fill()
	if err != nil || !ok {
		return false, err
	}
	if s.chrom == chrom && s.pos == pos {
		s.buffered = false
		return true, nil
	}
	if s.chrom != chrom {
		return false, fmt.Errorf("%s: positioned on a different chromosome (%s vs %s), did you want to run with -r?", s.fname, s.chrom, chrom)
	}
	if pos < s.pos {
		return false, nil
	}
	return false, fmt.Errorf("%s is out of sync, was it created from a different VCF? The conflicting site is %s:%d vs %d", s.fname, chrom, s.pos, pos)
}

// vcfVariantTypes returns the VariantSNP/VariantIndel bitmask for a record's
// REF/ALT pair; multiallelic ALTs contribute their union.
func vcfVariantTypes(ref, alt string) int {
	types := 0
	for _, a := range strings.Split(alt, ",") {
		switch {
		case a == "." || a == "":
		case len(a) == len(ref) && len(a) == 1:
			if acgt2int(a[0]) >= 0 && acgt2int(ref[0]) >= 0 {
				types |= VariantSNP
			}
		case len(a) != len(ref):
			types |= VariantIndel
		}
	}
	return types
}

// runApply streams a VCF, annotates each matching site with its SOM score
// and sets FILTER to PASS or FailSOM by the per-type cutoff.
func runApply(cfg *applyConfig, stdin io.Reader, stdout io.Writer, argv []string) error {
	region, err := parseRegion(cfg.Region)
	if err != nil {
		return err
	}

	var snp, indel *siteStream
	if cfg.SnpSites != "" {
		if snp, err = openSites(cfg.SnpSites, region); err != nil {
			return err
		}
		defer snp.Close()
	}
	if cfg.IndelSites != "" {
		if indel, err = openSites(cfg.IndelSites, region); err != nil {
			return err
		}
		defer indel.Close()
	}

	var in io.ReadCloser
	if cfg.VCFFilename == "-" {
		in = io.NopCloser(stdin)
	} else {
		if in, err = openTable(cfg.VCFFilename); err != nil {
			return err
		}
		defer in.Close()
	}

	var out io.Writer = stdout
	var closers []io.Closer
	if cfg.Output != "" && cfg.Output != "-" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			return err
		}
		closers = append(closers, f)
		out = f
		if strings.HasSuffix(cfg.Output, ".gz") {
			bw := bgzf.NewWriter(f, 1)
			closers = append([]io.Closer{bw}, closers...)
			out = bw
		}
	}
	w := bufio.NewWriter(out)

	scan := bufio.NewScanner(in)
	scan.Buffer(make([]byte, 1<<20), 1<<26)
	for scan.Scan() {
		line := scan.Text()
		if strings.HasPrefix(line, "##") {
			fmt.Fprintln(w, line)
			continue
		}
		if strings.HasPrefix(line, "#") {
			writeApplyHeaders(w, cfg, snp != nil, indel != nil, argv)
			fmt.Fprintln(w, line)
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 8 {
			return fmt.Errorf("%s: cannot parse VCF line %q", cfg.VCFFilename, line)
		}
		pos, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("%s: cannot parse POS %q", cfg.VCFFilename, fields[1])
		}
		if !region.contains(fields[0], pos) {
			continue
		}
		types := vcfVariantTypes(fields[3], fields[4])

		matched := false
		if snp != nil && types&VariantSNP != 0 {
			ok, err := snp.sync(fields[0], pos)
			if err != nil {
				return err
			}
			if ok {
				stampRecord(fields, snp.score, cfg.SnpTh)
				matched = true
			}
		}
		if !matched && indel != nil && types&VariantIndel != 0 {
			ok, err := indel.sync(fields[0], pos)
			if err != nil {
				return err
			}
			if ok {
				stampRecord(fields, indel.score, cfg.IndelTh)
				matched = true
			}
		}
		if !matched && cfg.UnsetUnknowns {
			fields[6] = "."
		}
		fmt.Fprintln(w, strings.Join(fields, "\t"))
	}
	if err := scan.Err(); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			return err
		}
	}
	return nil
}

// stampRecord sets INFO/FiltScore and the FILTER verdict on a split VCF
// record.
func stampRecord(fields []string, score, cutoff float64) {
	tag := fmt.Sprintf("FiltScore=%e", score)
	if fields[7] == "." || fields[7] == "" {
		fields[7] = tag
	} else {
		fields[7] += ";" + tag
	}
	if score <= cutoff {
		fields[6] = "PASS"
	} else {
		fields[6] = "FailSOM"
	}
}

func writeApplyHeaders(w io.Writer, cfg *applyConfig, snp, indel bool, argv []string) {
	desc := "Failed SOM filter (lower is better):"
	if snp {
		desc += fmt.Sprintf(" SNP cutoff %e", cfg.SnpTh)
		if indel {
			desc += ";"
		}
	}
	if indel {
		desc += fmt.Sprintf(" INDEL cutoff %e", cfg.IndelTh)
	}
	fmt.Fprintf(w, "##FILTER=<ID=FailSOM,Description=%q>\n", desc+".")
	fmt.Fprintf(w, "##INFO=<ID=FiltScore,Number=1,Type=Float,Description=\"SOM Filtering Score\">\n")
	fmt.Fprintf(w, "##somfiltVersion=%s\n", version)
	fmt.Fprintf(w, "##somfiltCommand=%s\n", strings.Join(argv, " "))
}
