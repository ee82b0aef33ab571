package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// IndelContext reports the tandem-repeat context of an indel: the length
// change ndel (alt minus ref), the repeat unit length nlen and the number of
// unit copies nrep present in the reference at the site.
type IndelContext interface {
	Type(chrom string, pos int, ref, alt string) (ndel, nrep, nlen int, err error)
}

// repeatScanLimit bounds how many repeat units are counted at one site.
const repeatScanLimit = 100

type faiRecord struct {
	length    int
	offset    int64
	lineBases int
	lineWidth int
}

// faidxContext walks a faidx-indexed reference sequence to classify indel
// context.
type faidxContext struct {
	f   *os.File
	idx map[string]faiRecord
}

// NewFaidxContext opens path and its .fai index.
func NewFaidxContext(path string) (*faidxContext, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	idx, err := loadFai(path + ".fai")
	if err != nil {
		f.Close()
		return nil, err
	}
	return &faidxContext{f: f, idx: idx}, nil
}

func (c *faidxContext) Close() error { return c.f.Close() }

func loadFai(path string) (map[string]faiRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	idx := map[string]faiRecord{}
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		fields := strings.Split(scan.Text(), "\t")
		if len(fields) < 5 {
			return nil, fmt.Errorf("%s: cannot parse index line %q", path, scan.Text())
		}
		var rec faiRecord
		if rec.length, err = strconv.Atoi(fields[1]); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if rec.offset, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if rec.lineBases, err = strconv.Atoi(fields[3]); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if rec.lineWidth, err = strconv.Atoi(fields[4]); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		idx[fields[0]] = rec
	}
	return idx, scan.Err()
}

// fetch returns the reference bases in the 0-based half-open interval
// [start,end), clamped to the sequence length.
func (c *faidxContext) fetch(chrom string, start, end int) (string, error) {
	rec, ok := c.idx[chrom]
	if !ok {
		return "", fmt.Errorf("chromosome %q not in the reference index", chrom)
	}
	if start < 0 {
		start = 0
	}
	if end > rec.length {
		end = rec.length
	}
	if start >= end {
		return "", nil
	}
	off := rec.offset + int64(start/rec.lineBases)*int64(rec.lineWidth) + int64(start%rec.lineBases)
	if _, err := c.f.Seek(off, io.SeekStart); err != nil {
		return "", err
	}
	var b strings.Builder
	br := bufio.NewReader(c.f)
	for b.Len() < end-start {
		ch, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if ch == '\n' || ch == '\r' {
			continue
		}
		b.WriteByte(ch)
	}
	return b.String(), nil
}

// Type classifies the indel at (chrom, pos, ref, alt): the inserted or
// deleted sequence is reduced to its shortest repeat unit, and the unit's
// tandem copies are counted in the reference at the site.
func (c *faidxContext) Type(chrom string, pos int, ref, alt string) (ndel, nrep, nlen int, err error) {
	ndel = len(alt) - len(ref)
	if ndel == 0 {
		return 0, 0, 0, nil
	}
	shared := 0
	for shared < len(ref) && shared < len(alt) && ref[shared] == alt[shared] {
		shared++
	}
	var seq string
	if ndel < 0 {
		seq = ref[shared:]
	} else {
		seq = alt[shared:]
	}
	if seq == "" {
		return ndel, 0, 0, nil
	}
	nlen = shortestPeriod(seq)
	unit := strings.ToUpper(seq[:nlen])

	win, err := c.fetch(chrom, pos-1, pos-1+nlen*repeatScanLimit)
	if err != nil {
		return 0, 0, 0, err
	}
	win = strings.ToUpper(win)
	// The repeat run may start at any phase within the first unit.
	for phase := 0; phase < nlen && phase < len(win); phase++ {
		n := 0
		for off := phase; off+nlen <= len(win) && win[off:off+nlen] == unit; off += nlen {
			n++
		}
		if n > nrep {
			nrep = n
		}
	}
	return ndel, nrep, nlen, nil
}

// shortestPeriod returns the length of the shortest unit whose repetition
// forms s.
func shortestPeriod(s string) int {
	for p := 1; p < len(s); p++ {
		if len(s)%p != 0 {
			continue
		}
		match := true
		for i := p; i < len(s); i++ {
			if s[i] != s[i-p] {
				match = false
				break
			}
		}
		if match {
			return p
		}
	}
	return len(s)
}
