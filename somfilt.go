package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
)

const version = "0.1.0"

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Main is the somfilt command-line entrypoint.
func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		log.StandardLogger().Formatter = &log.TextFormatter{DisableTimestamp: true}
	}
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:            "somfilt",
		Usage:           "SOM (Self-Organizing Map) variant-quality filtering",
		Version:         version,
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "loglevel",
				Value: "info",
				Usage: "logging threshold (trace, debug, info, warn, error, fatal, or panic)",
			},
		},
		Before: func(c *cli.Context) error {
			lvl, err := log.ParseLevel(c.String("loglevel"))
			if err != nil {
				return err
			}
			log.SetLevel(lvl)
			return nil
		},
		Commands: []*cli.Command{
			trainCommand(),
			applyCommand(),
		},
	}
}

func trainCommand() *cli.Command {
	return &cli.Command{
		Name:      "train",
		Usage:     "normalize annotations, train the SOM model and produce score and threshold tables",
		ArgsUsage: "<annots.tab.gz>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "annots", Aliases: []string{"a"}, Usage: "comma-separated list of annotations (default: all annotations)"},
			&cli.StringFlag{Name: "output-prefix", Aliases: []string{"p"}, Usage: "prefix of output files (default: the table path)"},
			&cli.StringFlag{Name: "map-params", Aliases: []string{"m"}, Value: "20,0.1,0.2,1", Usage: "number of bins, learning constant, BMU threshold, number of maps"},
			&cli.StringFlag{Name: "ntrain-sites", Aliases: []string{"n"}, Value: "0,0", Usage: "number of training sites and the fraction taken from learning-filter sites"},
			&cli.StringFlag{Name: "learning-filters", Aliases: []string{"l"}, Usage: "filters for selecting training sites (thresholds on the [0,1] scale)"},
			&cli.StringFlag{Name: "fixed-filter", Aliases: []string{"f"}, Usage: "fixed threshold filters recorded in the sites file (absolute values, e.g. 'QUAL>4')"},
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Value: "SNP", Usage: "variant type to filter, SNP or INDEL"},
			&cli.StringFlag{Name: "fasta-ref", Aliases: []string{"F"}, Usage: "faidx-indexed reference, required to determine INDEL type"},
			&cli.StringFlag{Name: "good-mask", Aliases: []string{"g"}, Value: "010", Usage: "mask to recognize good variants in the table"},
			&cli.Int64Flag{Name: "random-seed", Aliases: []string{"R"}, Value: 1, Usage: "random seed, 0 to seed from the clock"},
			&cli.Float64Flag{Name: "lo-pctl", Value: 0.1, Usage: "percentile of the lower scale clamp"},
			&cli.Float64Flag{Name: "hi-pctl", Value: 99.9, Usage: "percentile of the upper scale clamp"},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML configuration file with training parameters (flags take precedence)"},
			&cli.StringFlag{Name: "dump-som", Usage: "write the trained weights and activation mass as npy arrays under this prefix"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one annotation table argument", 2)
			}
			cfg, err := trainConfig(c)
			if err != nil {
				return cli.Exit(err, 2)
			}
			if err := runTrain(cfg, os.Args); err != nil {
				return cli.Exit(err, 1)
			}
			return nil
		},
	}
}

// trainConfig assembles the pipeline context: defaults, then the optional
// TOML file, then explicitly set flags.
func trainConfig(c *cli.Context) (*Config, error) {
	cfg := defaultConfig()
	if path := c.String("config"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.TableFilename = c.Args().First()
	if c.IsSet("annots") {
		cfg.Annots = strings.Split(c.String("annots"), ",")
	}
	if c.IsSet("output-prefix") {
		cfg.OutPrefix = c.String("output-prefix")
	}
	if cfg.OutPrefix == "" {
		cfg.OutPrefix = cfg.TableFilename
	}
	if c.IsSet("map-params") || cfg.NBin == 0 {
		if err := parseMapParams(c.String("map-params"), cfg); err != nil {
			return nil, err
		}
	}
	if c.IsSet("ntrain-sites") {
		if err := parseNTrain(c.String("ntrain-sites"), cfg); err != nil {
			return nil, err
		}
	}
	if c.IsSet("learning-filters") {
		cfg.LearningFilters = c.String("learning-filters")
	}
	if c.IsSet("fixed-filter") {
		cfg.FixedFilters = c.String("fixed-filter")
	}
	if c.IsSet("fasta-ref") {
		cfg.RefFasta = c.String("fasta-ref")
	}
	if c.IsSet("good-mask") {
		cfg.GoodMask = c.String("good-mask")
	}
	if c.IsSet("random-seed") {
		cfg.RandSeed = c.Int64("random-seed")
	}
	if c.IsSet("lo-pctl") {
		cfg.LoPctl = c.Float64("lo-pctl")
	}
	if c.IsSet("hi-pctl") {
		cfg.HiPctl = c.Float64("hi-pctl")
	}
	if c.IsSet("dump-som") {
		cfg.SomDump = c.String("dump-som")
	}
	switch strings.ToUpper(c.String("type")) {
	case "SNP":
		cfg.VariantType = VariantSNP
	case "INDEL":
		cfg.VariantType = VariantIndel
	default:
		return nil, fmt.Errorf("the variant type %q not recognized", c.String("type"))
	}
	if cfg.VariantType == VariantIndel && cfg.RefFasta == "" {
		return nil, fmt.Errorf("expected --fasta-ref with --type INDEL")
	}
	var err error
	if cfg.SortArgs, err = sortArgsFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseMapParams(s string, cfg *Config) error {
	fields := strings.Split(s, ",")
	if len(fields) != 4 {
		return fmt.Errorf("cannot parse map parameters %q", s)
	}
	var err error
	if cfg.NBin, err = strconv.Atoi(fields[0]); err != nil {
		return fmt.Errorf("cannot parse map parameters %q", s)
	}
	if cfg.LearnRate, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return fmt.Errorf("cannot parse map parameters %q", s)
	}
	if cfg.Threshold, err = strconv.ParseFloat(fields[2], 64); err != nil {
		return fmt.Errorf("cannot parse map parameters %q", s)
	}
	if cfg.NSom, err = strconv.Atoi(fields[3]); err != nil {
		return fmt.Errorf("cannot parse map parameters %q", s)
	}
	return nil
}

func parseNTrain(s string, cfg *Config) error {
	fields := strings.Split(s, ",")
	if len(fields) != 2 {
		return fmt.Errorf("cannot parse training sites %q", s)
	}
	var err error
	if cfg.NTrain, err = strconv.Atoi(fields[0]); err != nil {
		return fmt.Errorf("cannot parse training sites %q", s)
	}
	if cfg.LearnFrac, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return fmt.Errorf("cannot parse training sites %q", s)
	}
	if cfg.LearnFrac > 1 {
		cfg.LearnFrac *= 0.01
	}
	return nil
}

// runTrain drives the full pipeline: catalog, distribution stats, filters,
// SOM training, scoring and threshold evaluation.
func runTrain(cfg *Config, argv []string) error {
	goodMask, err := parseGoodMask(cfg.GoodMask)
	if err != nil {
		return err
	}
	r, err := newTableReader(cfg.TableFilename)
	if err != nil {
		return err
	}
	defer r.Close()
	r.goodMask = goodMask
	if err := r.selectAnnotations(cfg.Annots); err != nil {
		return err
	}

	var learnFilter, fixedFilter *filterExpr
	if cfg.LearningFilters != "" {
		if learnFilter, err = parseFilterExpr(r, cfg.LearningFilters, false); err != nil {
			return err
		}
	}
	if cfg.FixedFilters != "" {
		if fixedFilter, err = parseFilterExpr(r, cfg.FixedFilters, true); err != nil {
			return err
		}
	}

	if err := initDists(cfg, r); err != nil {
		return err
	}
	fixedFilter.scaleThresholds(r)
	r.scale = true

	var ictx IndelContext
	if cfg.VariantType == VariantIndel && cfg.RefFasta != "" {
		fctx, err := NewFaidxContext(cfg.RefFasta)
		if err != nil {
			return err
		}
		defer fctx.Close()
		ictx = fctx
	}

	seed := cfg.Seed()
	log.Infof("initializing and training, random seed %d", seed)
	som, _, err := trainSOM(cfg, r, learnFilter, seed)
	if err != nil {
		return err
	}
	if cfg.SomDump != "" {
		if err := som.dumpNpy(cfg.SomDump); err != nil {
			return err
		}
	}

	res, err := scoreSites(cfg, r, som, fixedFilter, ictx, argv)
	if err != nil {
		return err
	}
	return evalThresholds(cfg, res, argv)
}

func applyCommand() *cli.Command {
	return &cli.Command{
		Name:      "apply",
		Usage:     "annotate a VCF with SOM scores and set FILTER by the chosen cutoffs",
		ArgsUsage: "<in.vcf[.gz]>",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "snp-threshold", Aliases: []string{"s"}, Value: -1, Usage: "filter SNPs at this score cutoff"},
			&cli.StringFlag{Name: "snp-sites", Usage: "sites file produced by train --type SNP"},
			&cli.Float64Flag{Name: "indel-threshold", Aliases: []string{"i"}, Value: -1, Usage: "filter INDELs at this score cutoff"},
			&cli.StringFlag{Name: "indel-sites", Usage: "sites file produced by train --type INDEL"},
			&cli.StringFlag{Name: "region", Aliases: []string{"r"}, Usage: "apply filtering in this region only (chr or chr:from-to)"},
			&cli.BoolFlag{Name: "unset-unknowns", Aliases: []string{"u"}, Usage: "set FILTER of sites missing from the sites files to '.'"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "-", Usage: "output file, '-' for stdout, .gz for bgzf"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one VCF argument", 2)
			}
			cfg := &applyConfig{
				VCFFilename:   c.Args().First(),
				Output:        c.String("output"),
				SnpTh:         c.Float64("snp-threshold"),
				IndelTh:       c.Float64("indel-threshold"),
				Region:        c.String("region"),
				UnsetUnknowns: c.Bool("unset-unknowns"),
			}
			if c.Float64("snp-threshold") >= 0 {
				cfg.SnpSites = c.String("snp-sites")
				if cfg.SnpSites == "" {
					return cli.Exit("--snp-threshold requires --snp-sites", 2)
				}
			}
			if c.Float64("indel-threshold") >= 0 {
				cfg.IndelSites = c.String("indel-sites")
				if cfg.IndelSites == "" {
					return cli.Exit("--indel-threshold requires --indel-sites", 2)
				}
			}
			if cfg.SnpSites == "" && cfg.IndelSites == "" {
				return cli.Exit("nothing to do: pass --snp-threshold and/or --indel-threshold", 2)
			}
			if err := runApply(cfg, os.Stdin, os.Stdout, os.Args); err != nil {
				return cli.Exit(err, 1)
			}
			return nil
		},
	}
}
