package main

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// metricDrift is the minimum change in the quality metric between emitted
// rows of the threshold table.
const metricDrift = 0.005

// evalThresholds sorts the scored sites by score and sweeps a threshold,
// writing the metric-vs-sensitivity table to <prefix>.tab. The metric is
// ts/tv for SNPs and the repeat-consistency fraction for indels.
func evalThresholds(cfg *Config, res scoreResult, argv []string) error {
	log.Info("evaluating")

	tmp, err := cutSites(cfg.OutPrefix + ".sites.gz")
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	sp, err := startSort(tmp, cfg.SortArgs)
	if err != nil {
		return err
	}

	fname := cfg.OutPrefix + ".tab"
	out, err := os.Create(fname)
	if err != nil {
		sp.Close()
		return err
	}
	w := bufio.NewWriter(out)
	if cfg.VariantType == VariantSNP {
		fmt.Fprintf(w, "# [1]ts/tv (all)\t[2]nAll\t[3]sensitivity\t[4]ts/tv (novel)\t[5]threshold\n")
	} else {
		fmt.Fprintf(w, "# [1]repeat consistency (all)\t[2]nAll\t[3]sensitivity\t[4]repeat consistency (novel)\t[5]threshold\n")
	}
	fmt.Fprintf(w, "# somfiltVersion=%s\n", version)
	fmt.Fprintf(w, "# somfiltCommand=%s\n", strings.Join(argv, " "))

	var nAllRead, nGoodRead int
	var nClass, nClassNovel [3]int
	prevMetric := -1.0
	scan := bufio.NewScanner(sp)
	scan.Buffer(make([]byte, 1<<20), 1<<26)
	for scan.Scan() {
		fields := strings.Split(scan.Text(), "\t")
		if len(fields) < 3 {
			sp.Close()
			return fmt.Errorf("cannot parse sorted sites line %q", scan.Text())
		}
		score, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			sp.Close()
			return fmt.Errorf("cannot parse score %q", fields[0])
		}
		class, err := strconv.Atoi(fields[1])
		if err != nil || class < 0 || class > 2 {
			sp.Close()
			return fmt.Errorf("cannot parse variant class %q", fields[1])
		}
		mask, err := strconv.Atoi(fields[2])
		if err != nil {
			sp.Close()
			return fmt.Errorf("cannot parse filter mask %q", fields[2])
		}

		nAllRead++
		nClass[class]++
		if mask&1 != 0 {
			nGoodRead++
		} else if res.nGood > 0 {
			nClassNovel[class]++
		}

		// warm-up: no output until 10% of the sites are consumed
		if float64(nAllRead)/float64(res.nAll) < 0.1 {
			continue
		}

		metric := classMetric(cfg.VariantType, nClass)
		if prevMetric != -1 && math.Abs(prevMetric-metric) <= metricDrift {
			continue
		}
		metricNovel := 0.0
		if nClassNovel[0] != 0 {
			metricNovel = classMetric(cfg.VariantType, nClassNovel)
		}
		sens := 0.0
		if res.nGood > 0 {
			sens = 100 * float64(nGoodRead) / float64(res.nGood)
		}
		fmt.Fprintf(w, "%.3f\t%d\t%.2f\t%.3f\t%e\n", metric, nAllRead, sens, metricNovel, score)
		prevMetric = metric
	}
	if err := scan.Err(); err != nil {
		sp.Close()
		return err
	}
	if err := sp.Close(); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("%s: %w", fname, err)
	}
	return out.Close()
}

func classMetric(vtype int, n [3]int) float64 {
	if vtype == VariantSNP {
		return float64(n[1]) / float64(n[0])
	}
	return float64(n[1]) / float64(n[1]+n[0])
}

// cutSites decompresses the sites file and writes its first three columns to
// a temporary file, ready to feed the external sort.
func cutSites(path string) (string, error) {
	in, err := openTable(path)
	if err != nil {
		return "", err
	}
	defer in.Close()
	tmpf, err := os.CreateTemp(filepath.Dir(path), "somfilt-sort-")
	if err != nil {
		return "", err
	}
	w := bufio.NewWriter(tmpf)
	scan := bufio.NewScanner(in)
	scan.Buffer(make([]byte, 1<<20), 1<<26)
	for scan.Scan() {
		line := scan.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, "\t", 4)
		if len(fields) < 3 {
			tmpf.Close()
			os.Remove(tmpf.Name())
			return "", fmt.Errorf("%s: cannot parse sites line %q", path, line)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", fields[0], fields[1], fields[2])
	}
	if err := scan.Err(); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return "", err
	}
	if err := w.Flush(); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return "", err
	}
	if err := tmpf.Close(); err != nil {
		os.Remove(tmpf.Name())
		return "", err
	}
	return tmpf.Name(), nil
}
