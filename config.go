package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// Variant types scored by the pipeline. A VCF record can match both (e.g. a
// multiallelic site with a SNP and an indel allele), hence the bitmask.
const (
	VariantSNP = 1 << iota
	VariantIndel
)

// Config is the pipeline context for the train subcommand. It is built once
// from defaults, an optional TOML file and command-line flags, and each
// component receives only the parts it needs.
type Config struct {
	TableFilename string   `toml:"table"`
	OutPrefix     string   `toml:"output_prefix"`
	Annots        []string `toml:"annotations"`
	VariantType   int      `toml:"-"`

	NBin      int     `toml:"som_bins"`
	LearnRate float64 `toml:"som_learn_rate"`
	Threshold float64 `toml:"som_threshold"`
	NSom      int     `toml:"som_maps"`

	NTrain    int     `toml:"train_sites"`
	LearnFrac float64 `toml:"learn_fraction"`

	LearningFilters string `toml:"learning_filters"`
	FixedFilters    string `toml:"fixed_filters"`

	GoodMask string  `toml:"good_mask"`
	LoPctl   float64 `toml:"lo_pctl"`
	HiPctl   float64 `toml:"hi_pctl"`

	RefFasta string `toml:"fasta_ref"`
	RandSeed int64  `toml:"random_seed"`
	SomDump  string `toml:"som_dump"`

	SortArgs []string `toml:"-"`
}

func defaultConfig() *Config {
	return &Config{
		VariantType: VariantSNP,
		NBin:        20,
		LearnRate:   0.1,
		Threshold:   0.2,
		NSom:        1,
		GoodMask:    "010",
		LoPctl:      0.1,
		HiPctl:      99.9,
		RandSeed:    1,
	}
}

// LoadFile overlays settings from a TOML file onto the config. Flags parsed
// afterwards take precedence.
func (cfg *Config) LoadFile(path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Seed resolves the configured random seed. Seed 0 means "seed from the
// clock", which defeats reproducibility and is therefore logged.
func (cfg *Config) Seed() int64 {
	if cfg.RandSeed != 0 {
		return cfg.RandSeed
	}
	seed := time.Now().Unix()
	log.Warnf("random seed 0 requested, using %d", seed)
	return seed
}

// parseGoodMask converts a 0/1 pattern like "010" to a bitmask with bit i set
// for every '1' at string position i.
func parseGoodMask(s string) (int, error) {
	mask := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '1':
			mask |= 1 << uint(i)
		case '0':
		default:
			return 0, fmt.Errorf("cannot parse good-mask %q: expected a 0/1 pattern", s)
		}
	}
	return mask, nil
}

// maskIntersects reports whether the row's 0/1 mask string has a '1' in any
// position that is also set in mask. Scanning stops at the first non-digit,
// matching the on-disk MASK column format.
func maskIntersects(row string, mask int) bool {
	for i := 0; i < len(row) && (row[i] == '0' || row[i] == '1'); i++ {
		if row[i] == '1' && mask&(1<<uint(i)) != 0 {
			return true
		}
	}
	return false
}

// sortArgsFromEnv reads extra arguments for the external sort utility from
// SORT_ARGS. The value is restricted to a conservative character class before
// it goes anywhere near a command line.
func sortArgsFromEnv() ([]string, error) {
	env := os.Getenv("SORT_ARGS")
	if env == "" {
		return nil, nil
	}
	for _, c := range env {
		ok := c == ' ' || c == '-' || c == '/' ||
			(c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if !ok {
			return nil, fmt.Errorf("cannot validate SORT_ARGS=%q", env)
		}
	}
	log.Infof("detected SORT_ARGS=%q", env)
	return strings.Fields(env), nil
}
