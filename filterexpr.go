package main

import (
	"fmt"
	"strconv"
	"strings"
)

// Comparison operators accepted in filter expressions.
const (
	fltEQ = iota
	fltLT
	fltLE
	fltGT
	fltGE
)

// maxPredicates bounds the failure bitmask to a machine word with one bit to
// spare.
const maxPredicates = 63

type predicate struct {
	slot  int
	op    int
	value float64
	name  string // annotation name, kept for FILTER descriptions
	desc  string // original condition text, whitespace stripped
}

// filterExpr is a conjunction of comparison predicates over named
// annotations. Evaluation yields a bitmask with bit k set iff predicate k is
// violated.
type filterExpr struct {
	preds  []predicate
	scaled bool // thresholds still raw, to be scaled once dists are loaded
}

// parseFilterExpr parses a `predicate ('&' predicate)*` expression. An
// annotation referenced by a predicate but not yet selected is adopted as a
// filter-only slot. When scaled is true the thresholds are given as raw
// annotation values and must be rescaled via scaleThresholds once the
// distribution stats are available.
func parseFilterExpr(r *tableReader, expr string, scaled bool) (*filterExpr, error) {
	f := &filterExpr{scaled: scaled}
	stripped := strings.Map(func(c rune) rune {
		if c == ' ' || c == '\t' {
			return -1
		}
		return c
	}, expr)
	for _, term := range strings.Split(stripped, "&") {
		if term == "" {
			continue
		}
		i := strings.IndexAny(term, "<>=")
		if i < 0 {
			return nil, fmt.Errorf("cannot parse filter expression %q: no operator in %q", expr, term)
		}
		j := i
		for j < len(term) && (term[j] == '<' || term[j] == '>' || term[j] == '=') {
			j++
		}
		if i == 0 || j == len(term) {
			return nil, fmt.Errorf("cannot parse filter expression %q: missing operand in %q", expr, term)
		}
		var op int
		switch term[i:j] {
		case "==", "=":
			op = fltEQ
		case "<":
			op = fltLT
		case "<=":
			op = fltLE
		case ">":
			op = fltGT
		case ">=":
			op = fltGE
		default:
			return nil, fmt.Errorf("cannot parse filter expression %q: bad operator %q", expr, term[i:j])
		}
		left, right := term[:i], term[j:]

		name, num := left, right
		if !r.hasColumn(name) {
			if !r.hasColumn(right) {
				return nil, fmt.Errorf("no such annotation is available: %q", term)
			}
			// number on the left: mirror the comparison
			name, num = right, left
			switch op {
			case fltLT:
				op = fltGT
			case fltLE:
				op = fltGE
			case fltGT:
				op = fltLT
			case fltGE:
				op = fltLE
			}
		}
		value, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse filter threshold %q in %q", num, term)
		}
		slot := r.slotOf(name)
		if slot < 0 {
			if slot, err = r.addAnnotation(name); err != nil {
				return nil, err
			}
		}
		f.preds = append(f.preds, predicate{slot: slot, op: op, value: value, name: name, desc: term})
	}
	if len(f.preds) > maxPredicates {
		return nil, fmt.Errorf("too many hard-filter predicates: %d, limited to %d", len(f.preds), maxPredicates)
	}
	return f, nil
}

func (r *tableReader) hasColumn(name string) bool {
	for i := nfixed; i < len(r.colnames); i++ {
		if r.colnames[i] == name {
			return true
		}
	}
	return false
}

func (r *tableReader) slotOf(name string) int {
	for slot, n := range r.names {
		if n == name {
			return slot
		}
	}
	return -1
}

// scaleThresholds rewrites the predicate thresholds into the [0,1] coordinate
// space. A no-op for expressions whose thresholds were given pre-scaled.
func (f *filterExpr) scaleThresholds(r *tableReader) {
	if f == nil || !f.scaled {
		return
	}
	for i := range f.preds {
		col := r.slot2col[f.preds[i].slot]
		f.preds[i].value = scaleValue(&r.dists[col], f.preds[i].value)
	}
	f.scaled = false
}

// failed evaluates the expression against a slot-ordered value vector and
// returns the failure bitmask.
func (f *filterExpr) failed(vals []float64) uint64 {
	var failed uint64
	for k, p := range f.preds {
		v := vals[p.slot]
		bad := false
		switch p.op {
		case fltEQ:
			bad = v != p.value
		case fltLT:
			bad = v >= p.value
		case fltLE:
			bad = v > p.value
		case fltGT:
			bad = v <= p.value
		case fltGE:
			bad = v < p.value
		}
		if bad {
			failed |= 1 << uint(k)
		}
	}
	return failed
}
