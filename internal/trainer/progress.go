package trainer

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Columns of the trainer's results.csv.
const (
	colEpoch     = "epoch"
	colBoxLoss   = "train/box_loss"
	colClsLoss   = "train/cls_loss"
	colDFLLoss   = "train/dfl_loss"
	colPrecision = "metrics/precision(B)"
	colRecall    = "metrics/recall(B)"
	colMAP50     = "metrics/mAP50(B)"
	colMAP5095   = "metrics/mAP50-95(B)"
)

// EpochMetrics is one row of results.csv.
type EpochMetrics struct {
	Epoch     int
	BoxLoss   float64
	ClsLoss   float64
	DFLLoss   float64
	Precision float64
	Recall    float64
	MAP50     float64
	MAP5095   float64
}

// WeightFile is a checkpoint saved by the trainer.
type WeightFile struct {
	Name string
	Size int64
}

// Progress summarises a training run directory.
type Progress struct {
	RunDir  string
	Epochs  []EpochMetrics
	Weights []WeightFile
}

// Latest returns the metrics of the last completed epoch.
func (p *Progress) Latest() (EpochMetrics, bool) {
	if len(p.Epochs) == 0 {
		return EpochMetrics{}, false
	}
	return p.Epochs[len(p.Epochs)-1], true
}

// Best returns the epoch with the highest mAP50-95.
func (p *Progress) Best() (EpochMetrics, bool) {
	if len(p.Epochs) == 0 {
		return EpochMetrics{}, false
	}
	best := p.Epochs[0]
	for _, e := range p.Epochs[1:] {
		if e.MAP5095 > best.MAP5095 {
			best = e
		}
	}
	return best, true
}

// ReadProgress reads results.csv and lists the checkpoints in the weights directory of runDir.
// A run without results yet yields an empty Progress.
func ReadProgress(runDir string) (*Progress, error) {
	if fi, err := os.Stat(runDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("run directory %q not found", runDir)
	}

	p := &Progress{RunDir: runDir}

	epochs, err := readResults(filepath.Join(runDir, "results.csv"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	p.Epochs = epochs

	matches, _ := filepath.Glob(filepath.Join(runDir, "weights", "*.pt"))
	sort.Strings(matches)
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil {
			continue
		}
		p.Weights = append(p.Weights, WeightFile{Name: filepath.Base(m), Size: fi.Size()})
	}

	return p, nil
}

func readResults(path string) ([]EpochMetrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("cannot parse %q: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	// Older trainer versions pad the header names with spaces.
	cols := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		cols[strings.TrimSpace(name)] = i
	}
	if _, ok := cols[colEpoch]; !ok {
		return nil, fmt.Errorf("%q has no %s column", path, colEpoch)
	}

	value := func(row []string, col string) float64 {
		i, ok := cols[col]
		if !ok || i >= len(row) {
			return 0
		}
		v, _ := strconv.ParseFloat(strings.TrimSpace(row[i]), 64)
		return v
	}

	epochs := make([]EpochMetrics, 0, len(records)-1)
	for _, row := range records[1:] {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		epochs = append(epochs, EpochMetrics{
			Epoch:     int(value(row, colEpoch)),
			BoxLoss:   value(row, colBoxLoss),
			ClsLoss:   value(row, colClsLoss),
			DFLLoss:   value(row, colDFLLoss),
			Precision: value(row, colPrecision),
			Recall:    value(row, colRecall),
			MAP50:     value(row, colMAP50),
			MAP5095:   value(row, colMAP5095),
		})
	}
	return epochs, nil
}
