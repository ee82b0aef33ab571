package main

import (
	"bytes"
	"strconv"
	"strings"

	"gopkg.in/check.v1"
)

type applySuite struct{}

var _ = check.Suite(&applySuite{})

const sitesHeader = "# [1]score\t[2]variant class\t[3]filter mask, good(&1)\t[4]chromosome\t[5]position\n"

func vcfRecord(chrom string, pos int, ref, alt string) string {
	return strings.Join([]string{chrom, strconv.Itoa(pos), ".", ref, alt, "30", ".", "."}, "\t") + "\n"
}

func (s *applySuite) runApply(c *check.C, cfg *applyConfig, vcf string) []string {
	dir := c.MkDir()
	path := dir + "/in.vcf"
	writeFile(c, path, vcf)
	cfg.VCFFilename = path
	var out bytes.Buffer
	c.Assert(runApply(cfg, nil, &out, []string{"somfilt", "apply"}), check.IsNil)
	return strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
}

func (s *applySuite) TestThresholdStamping(c *check.C) {
	dir := c.MkDir()
	sites := dir + "/snp.sites.gz"
	writeBgzf(c, sites, sitesHeader+
		"4.000000e-03\t1\t1\tchr1\t100\n"+
		"6.000000e-03\t0\t0\tchr1\t200\n")

	vcf := "##fileformat=VCFv4.2\n" +
		"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n" +
		vcfRecord("chr1", 100, "A", "G") +
		vcfRecord("chr1", 200, "A", "C")
	lines := s.runApply(c, &applyConfig{Output: "-", SnpTh: 0.005, SnpSites: sites, IndelTh: -1}, vcf)

	var recs, headers []string
	for _, l := range lines {
		if strings.HasPrefix(l, "#") {
			headers = append(headers, l)
		} else {
			recs = append(recs, l)
		}
	}
	c.Assert(recs, check.HasLen, 2)

	joined := strings.Join(headers, "\n")
	c.Check(strings.Contains(joined, "##FILTER=<ID=FailSOM,"), check.Equals, true)
	c.Check(strings.Contains(joined, "##INFO=<ID=FiltScore,Number=1,Type=Float,"), check.Equals, true)

	f1 := strings.Split(recs[0], "\t")
	c.Check(f1[6], check.Equals, "PASS")
	c.Check(strings.Contains(f1[7], "FiltScore=4.000000e-03"), check.Equals, true)

	f2 := strings.Split(recs[1], "\t")
	c.Check(f2[6], check.Equals, "FailSOM")
	c.Check(strings.Contains(f2[7], "FiltScore=6.000000e-03"), check.Equals, true)
}

func (s *applySuite) TestUnsetUnknowns(c *check.C) {
	dir := c.MkDir()
	sites := dir + "/snp.sites.gz"
	writeBgzf(c, sites, sitesHeader+"1.000000e-03\t1\t1\tchr1\t100\n")

	vcf := "##fileformat=VCFv4.2\n" +
		"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n" +
		vcfRecord("chr1", 100, "A", "G") +
		vcfRecord("chr1", 150, "AT", "A") // indel, no indel sites supplied
	lines := s.runApply(c, &applyConfig{Output: "-", SnpTh: 0.005, SnpSites: sites, IndelTh: -1, UnsetUnknowns: true}, vcf)

	var recs []string
	for _, l := range lines {
		if !strings.HasPrefix(l, "#") {
			recs = append(recs, l)
		}
	}
	c.Assert(recs, check.HasLen, 2)
	c.Check(strings.Split(recs[0], "\t")[6], check.Equals, "PASS")
	c.Check(strings.Split(recs[1], "\t")[6], check.Equals, ".")
}

func (s *applySuite) TestRegionRestriction(c *check.C) {
	dir := c.MkDir()
	sites := dir + "/snp.sites.gz"
	writeBgzf(c, sites, sitesHeader+
		"1.000000e-03\t1\t1\tchr1\t100\n"+
		"2.000000e-03\t1\t0\tchr1\t200\n")

	vcf := "##fileformat=VCFv4.2\n" +
		"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n" +
		vcfRecord("chr1", 100, "A", "G") +
		vcfRecord("chr1", 200, "A", "C")
	lines := s.runApply(c, &applyConfig{Output: "-", SnpTh: 0.005, SnpSites: sites, IndelTh: -1, Region: "chr1:150-250"}, vcf)

	var recs []string
	for _, l := range lines {
		if !strings.HasPrefix(l, "#") {
			recs = append(recs, l)
		}
	}
	c.Assert(recs, check.HasLen, 1)
	f := strings.Split(recs[0], "\t")
	c.Check(f[1], check.Equals, "200")
	c.Check(f[6], check.Equals, "PASS")
}

func (s *applySuite) TestOutOfSyncSites(c *check.C) {
	dir := c.MkDir()
	sites := dir + "/snp.sites.gz"
	writeBgzf(c, sites, sitesHeader+"1.000000e-03\t1\t1\tchr1\t150\n")

	vcf := "##fileformat=VCFv4.2\n" +
		"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n" +
		vcfRecord("chr1", 200, "A", "G")
	path := c.MkDir() + "/in.vcf"
	writeFile(c, path, vcf)
	var out bytes.Buffer
	err := runApply(&applyConfig{VCFFilename: path, Output: "-", SnpTh: 0.005, SnpSites: sites, IndelTh: -1}, nil, &out, nil)
	c.Assert(err, check.NotNil)
	c.Check(err, check.ErrorMatches, `.*out of sync.*150 vs 200.*`)
}

func (s *applySuite) TestVariantTypes(c *check.C) {
	c.Check(vcfVariantTypes("A", "G"), check.Equals, VariantSNP)
	c.Check(vcfVariantTypes("A", "AT"), check.Equals, VariantIndel)
	c.Check(vcfVariantTypes("AT", "A"), check.Equals, VariantIndel)
	c.Check(vcfVariantTypes("A", "G,AT"), check.Equals, VariantSNP|VariantIndel)
	c.Check(vcfVariantTypes("A", "."), check.Equals, 0)
}

func (s *applySuite) TestParseRegion(c *check.C) {
	r, err := parseRegion("chr2:100-300")
	c.Assert(err, check.IsNil)
	c.Check(r.contains("chr2", 100), check.Equals, true)
	c.Check(r.contains("chr2", 300), check.Equals, true)
	c.Check(r.contains("chr2", 301), check.Equals, false)
	c.Check(r.contains("chr1", 200), check.Equals, false)

	r, err = parseRegion("chrX")
	c.Assert(err, check.IsNil)
	c.Check(r.contains("chrX", 12345), check.Equals, true)

	_, err = parseRegion("chr1:abc-5")
	c.Check(err, check.NotNil)

	r, err = parseRegion("")
	c.Assert(err, check.IsNil)
	c.Check(r.contains("anything", 1), check.Equals, true)
}
