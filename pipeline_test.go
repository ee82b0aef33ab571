package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

// buildSNPTable writes a synthetic annotation table with nGood high-quality
// sites clustered in annotation space and nBad diffuse sites. Transitions are
// drawn with tsOdds/10 probability throughout, so the true ts/tv ratio is
// tsOdds/(10-tsOdds).
func buildSNPTable(c *check.C, dir string, nGood, nBad, tsOdds int) string {
	path := dir + "/annots.tab"
	rnd := rand.New(rand.NewSource(1234))
	var b strings.Builder
	b.WriteString(testHeader)
	pair := func() (string, string) {
		if rnd.Intn(10) < tsOdds {
			return "A", "G" // transition
		}
		return "A", "C" // transversion
	}
	pos := 0
	row := func(mask string, qual, dp, mq float64) {
		pos += 10
		ref, alt := pair()
		fmt.Fprintf(&b, "chr1\t%d\t%s\t%s\t%s\t%.4f\t%.4f\t%.4f\n", pos, mask, ref, alt, qual, dp, mq)
	}
	for i := 0; i < nGood; i++ {
		row("010", 80+10*rnd.Float64(), 28+4*rnd.Float64(), 55+5*rnd.Float64())
	}
	for i := 0; i < nBad; i++ {
		row("000", 100*rnd.Float64(), 40*rnd.Float64(), 60*rnd.Float64())
	}
	writeFile(c, path, b.String())
	return path
}

func (s *pipelineSuite) TestSNPPipeline(c *check.C) {
	dir := c.MkDir()
	table := buildSNPTable(c, dir, 1000, 9000, 7)

	cfg := defaultConfig()
	cfg.TableFilename = table
	cfg.OutPrefix = dir + "/out"
	cfg.NTrain = 0 // default to the available good count
	argv := []string{"somfilt", "train", "-p", cfg.OutPrefix, table}
	c.Assert(runTrain(cfg, argv), check.IsNil)

	// distribution sidecar: 10 columns per annotation
	buf, err := os.ReadFile(cfg.OutPrefix + ".n")
	c.Assert(err, check.IsNil)
	nlines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	c.Assert(nlines, check.HasLen, 4) // header + QUAL, DP, MQ
	for _, line := range nlines[1:] {
		c.Check(strings.Split(line, "\t"), check.HasLen, 10)
	}

	// sites file: one scored row per input row, scores within [0,1]
	sites := strings.Split(strings.TrimRight(readGzip(c, cfg.OutPrefix+".sites.gz"), "\n"), "\n")
	c.Assert(sites, check.HasLen, 3+10000)
	nGoodScored := 0
	for _, line := range sites[3:] {
		fields := strings.Split(line, "\t")
		c.Assert(fields, check.HasLen, 5)
		score, err := strconv.ParseFloat(fields[0], 64)
		c.Assert(err, check.IsNil)
		if score < 0 || score > 1 {
			c.Fatalf("score %v outside [0,1]", score)
		}
		mask, err := strconv.Atoi(fields[2])
		c.Assert(err, check.IsNil)
		nGoodScored += mask & 1
	}
	c.Check(nGoodScored, check.Equals, 1000)

	// threshold table: provenance header, 5 columns, monotonic sweep
	buf, err = os.ReadFile(cfg.OutPrefix + ".tab")
	c.Assert(err, check.IsNil)
	tab := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	c.Assert(len(tab) > 3, check.Equals, true)
	c.Check(tab[1], check.Equals, "# somfiltVersion="+version)
	c.Check(strings.HasPrefix(tab[2], "# somfiltCommand=somfilt train"), check.Equals, true)
	prevSens := -1.0
	var lastMetric float64
	for _, line := range tab[3:] {
		fields := strings.Split(line, "\t")
		c.Assert(fields, check.HasLen, 5)
		metric, err := strconv.ParseFloat(fields[0], 64)
		c.Assert(err, check.IsNil)
		sens, err := strconv.ParseFloat(fields[2], 64)
		c.Assert(err, check.IsNil)
		if sens < prevSens {
			c.Fatalf("sensitivity decreased: %v after %v", sens, prevSens)
		}
		prevSens = sens
		lastMetric = metric
	}
	// every class was drawn with 7:3 transition odds; across the whole call
	// set the ratio converges toward 7/3
	if lastMetric < 1.9 || lastMetric > 2.8 {
		c.Errorf("final ts/tv %v implausibly far from 2.33", lastMetric)
	}
}

func (s *pipelineSuite) TestRerunIsDeterministic(c *check.C) {
	dir := c.MkDir()
	table := buildSNPTable(c, dir, 300, 1200, 7)

	var sites [2]string
	for run := 0; run < 2; run++ {
		cfg := defaultConfig()
		cfg.TableFilename = table
		cfg.OutPrefix = fmt.Sprintf("%s/run%d", dir, run)
		cfg.RandSeed = 7
		c.Assert(runTrain(cfg, []string{"somfilt"}), check.IsNil)
		sites[run] = readGzip(c, cfg.OutPrefix+".sites.gz")
	}
	c.Check(sites[0] == sites[1], check.Equals, true)
}

func (s *pipelineSuite) TestTrainThenApply(c *check.C) {
	dir := c.MkDir()
	table := buildSNPTable(c, dir, 200, 800, 7)

	cfg := defaultConfig()
	cfg.TableFilename = table
	cfg.OutPrefix = dir + "/out"
	c.Assert(runTrain(cfg, []string{"somfilt"}), check.IsNil)

	// rebuild the VCF from the sites file so positions stay in sync
	var vcf strings.Builder
	vcf.WriteString("##fileformat=VCFv4.2\n#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n")
	sites := strings.Split(strings.TrimRight(readGzip(c, cfg.OutPrefix+".sites.gz"), "\n"), "\n")
	for _, line := range sites[3:] {
		fields := strings.Split(line, "\t")
		ref, alt := "A", "G"
		if fields[1] == "0" {
			alt = "C"
		}
		vcf.WriteString(vcfRecord(fields[3], atoiOrDie(c, fields[4]), ref, alt))
	}
	vcfPath := dir + "/calls.vcf"
	writeFile(c, vcfPath, vcf.String())

	var out strings.Builder
	err := runApply(&applyConfig{
		VCFFilename: vcfPath,
		Output:      "-",
		SnpTh:       1.0, // everything passes at the maximum cutoff
		SnpSites:    cfg.OutPrefix + ".sites.gz",
		IndelTh:     -1,
	}, nil, &out, []string{"somfilt", "apply"})
	c.Assert(err, check.IsNil)

	nPass, nRec := 0, 0
	for _, line := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		if strings.HasPrefix(line, "#") {
			continue
		}
		nRec++
		fields := strings.Split(line, "\t")
		if fields[6] == "PASS" {
			nPass++
		}
		c.Check(strings.Contains(fields[7], "FiltScore="), check.Equals, true)
	}
	c.Check(nRec, check.Equals, 1000)
	c.Check(nPass, check.Equals, 1000)
}

func atoiOrDie(c *check.C, s string) int {
	n, err := strconv.Atoi(s)
	c.Assert(err, check.IsNil)
	return n
}
