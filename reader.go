package main

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
)

// The annotation table starts with five fixed columns; user-selected
// annotations follow. Slot masks are packed into a uint64 with the good bit
// kept aside, hence the 62-slot ceiling.
const (
	nfixed   = 5
	maxSlots = 62
)

var fixedColumns = [nfixed]string{"CHROM", "POS", "MASK", "REF", "ALT"}

// openTable opens a possibly gzip/bgzf-compressed file for line-oriented
// reading. bgzf is gzip-framed, so one decompressor serves both.
func openTable(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gz, err := pgzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &stackedCloser{Reader: gz, closers: []io.Closer{gz, f}}, nil
}

type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var err error
	for _, c := range s.closers {
		if e := c.Close(); err == nil {
			err = e
		}
	}
	return err
}

// tableReader streams one site record at a time from the annotation table.
// The column catalog (which on-disk column feeds which selected slot) lives
// here too: slots [0,nannSOM) feed the SOM, slots added later by filter
// expressions are carried only for filtering.
type tableReader struct {
	filename string
	colnames []string // all columns, [i] prefixes stripped
	col2slot []int    // per column; -1 = ignored
	slot2col []int    // per selected slot
	names    []string // selected annotation names, slot order
	nannSOM  int
	goodMask int

	scale bool
	dists []distStats // per column, valid once initDists ran
	ngood int         // good sites (min across selected columns)
	nall  int

	in     io.ReadCloser
	scan   *bufio.Scanner
	lineno int

	// per-record state, valid until the next call to Next
	Chrom    string
	Pos      int
	Mask     int
	Ref, Alt string
	Vals     []float64 // scaled when scale is on
	RawVals  []float64
	Missing  []bool
	NSet     int
	NSetMask uint64
}

// newTableReader opens the table and parses the header line into the column
// catalog. The reader is positioned at the first data row.
func newTableReader(path string) (*tableReader, error) {
	r := &tableReader{filename: path}
	if err := r.open(); err != nil {
		return nil, err
	}
	if !r.scan.Scan() {
		r.Close()
		return nil, fmt.Errorf("%s: missing header line", path)
	}
	colnames, err := parseTableHeader(r.scan.Text())
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.colnames = colnames
	r.lineno = 1
	r.col2slot = make([]int, len(colnames))
	for i := range r.col2slot {
		r.col2slot[i] = -1
	}
	return r, nil
}

func (r *tableReader) open() error {
	in, err := openTable(r.filename)
	if err != nil {
		return err
	}
	r.in = in
	r.scan = bufio.NewScanner(in)
	r.scan.Buffer(make([]byte, 1<<20), 1<<26)
	r.lineno = 0
	return nil
}

// Reset rewinds the reader to the first data row, keeping the catalog.
func (r *tableReader) Reset() error {
	if r.in != nil {
		r.in.Close()
	}
	if err := r.open(); err != nil {
		return err
	}
	if !r.scan.Scan() {
		return fmt.Errorf("%s: missing header line", r.filename)
	}
	r.lineno = 1
	n := len(r.names)
	r.Vals = make([]float64, n)
	r.RawVals = make([]float64, n)
	r.Missing = make([]bool, n)
	return nil
}

func (r *tableReader) Close() error {
	if r.in == nil {
		return nil
	}
	err := r.in.Close()
	r.in = nil
	return err
}

// parseTableHeader strips the [N] decorations from the header fields and
// verifies the fixed five-column prefix.
func parseTableHeader(line string) ([]string, error) {
	if !strings.HasPrefix(line, "#") {
		return nil, fmt.Errorf("missing # on header line, was the table generated with -H?")
	}
	fields := strings.Split(line, "\t")
	names := make([]string, len(fields))
	for i, f := range fields {
		if j := strings.IndexByte(f, ']'); j >= 0 {
			f = f[j+1:]
		} else {
			f = strings.TrimSpace(strings.TrimPrefix(f, "#"))
		}
		names[i] = f
	}
	if len(names) < nfixed {
		return nil, fmt.Errorf("header mismatch: expected %v", fixedColumns)
	}
	for i, want := range fixedColumns {
		if names[i] != want {
			return nil, fmt.Errorf("header mismatch: column %d is %q, expected %q", i+1, names[i], want)
		}
	}
	seen := map[string]bool{}
	for _, n := range names {
		if seen[n] {
			return nil, fmt.Errorf("duplicate column name %q", n)
		}
		seen[n] = true
	}
	return names, nil
}

// nann returns the number of selected slots (SOM slots plus filter-only
// slots).
func (r *tableReader) nann() int { return len(r.names) }

// Good reports whether the current record carries the good bit.
func (r *tableReader) Good() bool { return r.Mask&2 != 0 }

// selectAnnotations chooses which columns feed the SOM. An empty list selects
// every column after the fixed prefix, in file order.
func (r *tableReader) selectAnnotations(names []string) error {
	if len(names) == 0 {
		for col := nfixed; col < len(r.colnames); col++ {
			names = append(names, r.colnames[col])
		}
	}
	if len(names) > maxSlots {
		return fmt.Errorf("too many annotations (%d), limited to %d", len(names), maxSlots)
	}
	for _, name := range names {
		if _, err := r.addAnnotation(name); err != nil {
			return err
		}
	}
	r.nannSOM = len(r.names)
	return nil
}

// addAnnotation appends one column to the selection and returns its slot.
// Filter expressions use it to adopt annotations that are not part of the SOM
// input. Overflow and unknown names are rejected here, at configuration time.
func (r *tableReader) addAnnotation(name string) (int, error) {
	col := -1
	for i := nfixed; i < len(r.colnames); i++ {
		if r.colnames[i] == name {
			col = i
			break
		}
	}
	if col < 0 {
		return 0, fmt.Errorf("the requested annotation %q is not in %s", name, r.filename)
	}
	if r.col2slot[col] != -1 {
		return 0, fmt.Errorf("the annotation %q given multiple times", name)
	}
	if len(r.names) >= maxSlots {
		return 0, fmt.Errorf("too many annotations, limited to %d", maxSlots)
	}
	slot := len(r.names)
	r.names = append(r.names, name)
	r.slot2col = append(r.slot2col, col)
	r.col2slot[col] = slot
	return slot, nil
}

// Next reads the next record. It returns false at end of input. Field strings
// stay valid until the following call.
func (r *tableReader) Next() (bool, error) {
	if !r.scan.Scan() {
		return false, r.scan.Err()
	}
	r.lineno++
	line := r.scan.Text()
	fields := strings.Split(line, "\t")
	if len(fields) < len(r.colnames) {
		return false, fmt.Errorf("%s:%d: truncated line: %d fields, expected %d", r.filename, r.lineno, len(fields), len(r.colnames))
	}

	r.Chrom = fields[0]
	pos, err := strconv.Atoi(fields[1])
	if err != nil {
		return false, fmt.Errorf("%s:%d: cannot parse POS %q", r.filename, r.lineno, fields[1])
	}
	r.Pos = pos
	r.Mask = 1
	if r.goodMask != 0 && maskIntersects(fields[2], r.goodMask) {
		r.Mask |= 2
	}
	r.Ref = fields[3]
	r.Alt = fields[4]

	r.NSet = 0
	r.NSetMask = 0
	for i := range r.Missing {
		r.Missing[i] = false
	}
	for col := nfixed; col < len(r.colnames); col++ {
		slot := r.col2slot[col]
		if slot < 0 {
			continue
		}
		f := fields[col]
		if f == "." {
			r.Missing[slot] = true
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return false, fmt.Errorf("%s:%d: cannot parse %s value %q", r.filename, r.lineno, r.colnames[col], f)
		}
		if math.IsInf(v, 0) || math.IsNaN(v) {
			r.Missing[slot] = true
			continue
		}
		r.RawVals[slot] = v
		if r.scale && r.dists != nil {
			v = scaleValue(&r.dists[col], v)
		}
		r.Vals[slot] = v
		r.NSet++
		r.NSetMask |= 1 << uint(slot)
	}
	return true, nil
}
