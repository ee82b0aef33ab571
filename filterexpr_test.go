package main

import (
	"gopkg.in/check.v1"
)

type filterSuite struct{}

var _ = check.Suite(&filterSuite{})

func (s *filterSuite) reader(c *check.C) *tableReader {
	path := c.MkDir() + "/annots.tab"
	writeFile(c, path, testHeader)
	r, err := newTableReader(path)
	c.Assert(err, check.IsNil)
	c.Assert(r.selectAnnotations([]string{"QUAL", "DP"}), check.IsNil)
	return r
}

func (s *filterSuite) TestParseConjunction(c *check.C) {
	r := s.reader(c)
	defer r.Close()
	f, err := parseFilterExpr(r, "QUAL>=0.6 & DP<10", false)
	c.Assert(err, check.IsNil)
	c.Assert(f.preds, check.HasLen, 2)
	c.Check(f.preds[0].op, check.Equals, fltGE)
	c.Check(f.preds[0].value, check.Equals, 0.6)
	c.Check(f.preds[1].op, check.Equals, fltLT)

	// slot order is QUAL=0, DP=1
	c.Check(f.failed([]float64{0.7, 5}), check.Equals, uint64(0))
	c.Check(f.failed([]float64{0.5, 5}), check.Equals, uint64(1))
	c.Check(f.failed([]float64{0.7, 10}), check.Equals, uint64(2))
	c.Check(f.failed([]float64{0.5, 10}), check.Equals, uint64(3))
}

func (s *filterSuite) TestGEFailsOnlyBelow(c *check.C) {
	r := s.reader(c)
	defer r.Close()
	f, err := parseFilterExpr(r, "QUAL>=0.6", false)
	c.Assert(err, check.IsNil)
	c.Check(f.failed([]float64{0.6, 0}), check.Equals, uint64(0))
	c.Check(f.failed([]float64{0.5999, 0}), check.Equals, uint64(1))
}

func (s *filterSuite) TestMirroredOperand(c *check.C) {
	r := s.reader(c)
	defer r.Close()
	f, err := parseFilterExpr(r, "0.6<=QUAL", false)
	c.Assert(err, check.IsNil)
	c.Assert(f.preds, check.HasLen, 1)
	c.Check(f.preds[0].op, check.Equals, fltGE)
	c.Check(f.preds[0].value, check.Equals, 0.6)
}

func (s *filterSuite) TestBareEquals(c *check.C) {
	r := s.reader(c)
	defer r.Close()
	f, err := parseFilterExpr(r, "DP=8", false)
	c.Assert(err, check.IsNil)
	c.Check(f.preds[0].op, check.Equals, fltEQ)
	c.Check(f.failed([]float64{0, 8}), check.Equals, uint64(0))
	c.Check(f.failed([]float64{0, 9}), check.Equals, uint64(1))
}

func (s *filterSuite) TestImplicitAdoption(c *check.C) {
	r := s.reader(c)
	defer r.Close()
	c.Assert(r.nann(), check.Equals, 2)
	c.Assert(r.nannSOM, check.Equals, 2)
	f, err := parseFilterExpr(r, "MQ>30", false)
	c.Assert(err, check.IsNil)
	c.Check(r.nann(), check.Equals, 3)
	c.Check(r.nannSOM, check.Equals, 2)
	c.Check(f.preds[0].slot, check.Equals, 2)
}

func (s *filterSuite) TestUnknownAnnotation(c *check.C) {
	r := s.reader(c)
	defer r.Close()
	_, err := parseFilterExpr(r, "NOPE>1", false)
	c.Check(err, check.ErrorMatches, `no such annotation.*`)
}

func (s *filterSuite) TestScaleThresholds(c *check.C) {
	r := s.reader(c)
	defer r.Close()
	f, err := parseFilterExpr(r, "QUAL>10", true)
	c.Assert(err, check.IsNil)
	r.dists = make([]distStats, len(r.colnames))
	r.dists[r.slot2col[0]] = distStats{scaleLo: 0, scaleHi: 20}
	f.scaleThresholds(r)
	c.Check(f.preds[0].value, check.Equals, 0.5)
	// scaling twice must not happen
	f.scaleThresholds(r)
	c.Check(f.preds[0].value, check.Equals, 0.5)
}

func (s *filterSuite) TestNilFilter(c *check.C) {
	var f *filterExpr
	// a nil filter scales as a no-op
	f.scaleThresholds(nil)
}
