package satdet

// Train/val/test dataset splitting.

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Subset names a partition of the dataset.
type Subset string

// The dataset subsets, in split order.
const (
	Train Subset = "train"
	Val   Subset = "val"
	Test  Subset = "test"
)

// Subsets lists all subsets in split order.
var Subsets = []Subset{Train, Val, Test}

// DefaultSeed is the random seed used for splitting when none is configured.
const DefaultSeed int64 = 42

// Pair is an image with its label file.
type Pair struct {
	Image string `yaml:"image"`
	Label string `yaml:"label"`
}

// Name returns the shared file stem of the pair.
func (p Pair) Name() string {
	return stem(p.Image)
}

// PairImagesAndLabels matches the images in imageDir to the .txt label files in labelDir by file
// stem. Files without a counterpart, and files whose stem is already taken by an earlier file, are
// excluded and returned as unmatched.
func PairImagesAndLabels(imageDir, labelDir string) (pairs []Pair, unmatched []string, err error) {
	imageFiles, err := filesByExtInDir(imageDir, imageExtensions...)
	if err != nil {
		return nil, nil, err
	}
	labelFiles, err := filesByExtInDir(labelDir, ".txt")
	if err != nil {
		return nil, nil, err
	}

	labels, labelDups := mapFileNamesToPaths(labelFiles)
	images, imageDups := mapFileNamesToPaths(imageFiles)
	unmatched = append(unmatched, imageDups...)
	unmatched = append(unmatched, labelDups...)

	for name, imagePath := range images {
		if labelPath, ok := labels[name]; ok {
			pairs = append(pairs, Pair{Image: imagePath, Label: labelPath})
		} else {
			slog.Warn("No corresponding label file, excluding", "image", imagePath)
			unmatched = append(unmatched, imagePath)
		}
	}
	for name, labelPath := range labels {
		if _, ok := images[name]; !ok {
			slog.Warn("No corresponding image file, excluding", "label", labelPath)
			unmatched = append(unmatched, labelPath)
		}
	}

	sortPairs(pairs)
	sort.Strings(unmatched)
	return pairs, unmatched, nil
}

// ValidatePairs excludes pairs whose image header cannot be decoded or whose label file is
// malformed or holds a class index outside [0, numClasses).
func ValidatePairs(pairs []Pair, numClasses int) (valid []Pair, corrupt []string) {
	valid = make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		if _, _, err := decodeImageConfig(p.Image); err != nil {
			slog.Warn("Corrupt image, excluding", "image", p.Image, "error", err)
			corrupt = append(corrupt, p.Image)
			continue
		}
		if _, err := ReadYOLOLabels(p.Label, numClasses); err != nil {
			slog.Warn("Corrupt label file, excluding", "label", p.Label, "error", err)
			corrupt = append(corrupt, p.Label)
			continue
		}
		valid = append(valid, p)
	}
	return valid, corrupt
}

// SplitRatios holds the train, val and test percentages.
type SplitRatios [3]int

// DefaultSplitRatios is the 80/15/5 split.
var DefaultSplitRatios = SplitRatios{80, 15, 5}

// ParseSplitRatios parses comma-separated percentages, e.g. "80,15,5". A missing test percentage
// is treated as zero. The values must add up to 100.
func ParseSplitRatios(s string) (SplitRatios, error) {
	var r SplitRatios
	parts := strings.Split(s, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return r, fmt.Errorf("invalid split %q: expected train,val[,test] percentages", s)
	}

	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 || v > 100 {
			return r, fmt.Errorf("invalid value in split %q: %q", s, p)
		}
		r[i] = v
	}

	if err := r.Validate(); err != nil {
		return r, err
	}
	return r, nil
}

// Validate checks that the ratios are non-negative and add up to 100.
func (r SplitRatios) Validate() error {
	sum := 0
	for _, v := range r {
		if v < 0 {
			return fmt.Errorf("negative split percentage %d", v)
		}
		sum += v
	}
	if sum != 100 {
		return fmt.Errorf("the split percentages %v do not add up to 100", r)
	}
	return nil
}

// String formats the ratios as "train/val/test".
func (r SplitRatios) String() string {
	return fmt.Sprintf("%d/%d/%d", r[0], r[1], r[2])
}

// Counts returns the number of items per subset for n items. Train and val receive the floor of
// their share and test the remainder. When there is at least one item and the val share is
// positive, val receives at least one item.
func (r SplitRatios) Counts(n int) [3]int {
	train := n * r[0] / 100
	val := n * r[1] / 100
	if val == 0 && r[1] > 0 && n > 0 {
		val = 1
		if train+val > n {
			train = n - val
		}
	}
	return [3]int{train, val, n - train - val}
}

// SplitManifest records the subset assignment of a split.
type SplitManifest struct {
	Seed     int64             `yaml:"seed"`
	Ratios   SplitRatios       `yaml:"ratios,flow"`
	Subsets  map[Subset][]Pair `yaml:"subsets"`
	Excluded []string          `yaml:"excluded,omitempty"`
}

// Split shuffles the pairs with the given seed and partitions them by ratios. The result depends
// only on the set of pairs, the ratios and the seed.
func Split(pairs []Pair, ratios SplitRatios, seed int64) SplitManifest {
	shuffled := make([]Pair, len(pairs))
	copy(shuffled, pairs)
	sortPairs(shuffled)

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	counts := ratios.Counts(len(shuffled))
	m := SplitManifest{
		Seed:    seed,
		Ratios:  ratios,
		Subsets: make(map[Subset][]Pair, len(Subsets)),
	}
	start := 0
	for i, s := range Subsets {
		end := start + counts[i]
		m.Subsets[s] = shuffled[start:end:end]
		start = end
	}

	return m
}

// Len returns the number of assigned pairs.
func (m SplitManifest) Len() int {
	n := 0
	for _, pairs := range m.Subsets {
		n += len(pairs)
	}
	return n
}

// PlaceMode selects how files are placed into the split directory tree.
type PlaceMode string

// The supported placement modes.
const (
	PlaceCopy     PlaceMode = "copy"
	PlaceSymlink  PlaceMode = "symlink"
	PlaceHardlink PlaceMode = "hardlink"
)

// ParsePlaceMode validates a placement mode name.
func ParsePlaceMode(s string) (PlaceMode, error) {
	switch m := PlaceMode(strings.ToLower(s)); m {
	case PlaceCopy, PlaceSymlink, PlaceHardlink:
		return m, nil
	}
	return "", fmt.Errorf("unknown placement mode %q", s)
}

// Place creates images/<subset> and labels/<subset> below root and places every pair there with
// mirrored file names. Files in those directories that do not belong to the subset, e.g. from an
// earlier split, are removed first. Pairs that fail to be placed are logged, their files removed
// from the tree and the pairs moved from the subsets to Excluded.
func (m *SplitManifest) Place(root string, mode PlaceMode) error {
	place, err := placeFunc(mode)
	if err != nil {
		return err
	}

	for _, s := range Subsets {
		images := make(map[string]bool, len(m.Subsets[s]))
		labels := make(map[string]bool, len(m.Subsets[s]))
		for _, p := range m.Subsets[s] {
			images[filepath.Base(p.Image)] = true
			labels[filepath.Base(p.Label)] = true
		}
		for kind, keep := range map[string]map[string]bool{"images": images, "labels": labels} {
			dir := filepath.Join(root, kind, string(s))
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create %q: %w", dir, err)
			}
			if err := pruneDir(dir, keep); err != nil {
				return err
			}
		}
	}

	var mu sync.Mutex
	failed := make(map[Pair]bool)

	var g errgroup.Group
	g.SetLimit(2 * runtime.NumCPU())
	for _, s := range Subsets {
		imageDir := filepath.Join(root, "images", string(s))
		labelDir := filepath.Join(root, "labels", string(s))
		for _, p := range m.Subsets[s] {
			g.Go(func() error {
				imageDst := filepath.Join(imageDir, filepath.Base(p.Image))
				labelDst := filepath.Join(labelDir, filepath.Base(p.Label))

				err := place(p.Image, imageDst)
				if err == nil {
					err = place(p.Label, labelDst)
				}
				if err == nil {
					return nil
				}

				slog.Warn("Failed to place file, skipping", "image", p.Image, "error", err)
				for _, dst := range []string{imageDst, labelDst} {
					if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
						slog.Warn("Failed to remove partially placed file", "path", dst,
							"error", err)
					}
				}
				mu.Lock()
				failed[p] = true
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	if len(failed) > 0 {
		for _, s := range Subsets {
			kept := m.Subsets[s][:0:0]
			for _, p := range m.Subsets[s] {
				if failed[p] {
					m.Excluded = append(m.Excluded, p.Image)
					continue
				}
				kept = append(kept, p)
			}
			m.Subsets[s] = kept
		}
		sort.Strings(m.Excluded)
	}

	return nil
}

// pruneDir removes the files and links directly in dir whose names are not in keep.
func pruneDir(dir string, keep map[string]bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to access %q: %w", dir, err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || keep[entry.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove stale file: %w", err)
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Removed files of an earlier split", "dir", dir, "files", removed)
	}
	return nil
}

func placeFunc(mode PlaceMode) (func(src, dst string) error, error) {
	replace := func(link func(string, string) error) func(src, dst string) error {
		return func(src, dst string) error {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				return err
			}
			abs, err := filepath.Abs(src)
			if err != nil {
				return err
			}
			return link(abs, dst)
		}
	}

	switch mode {
	case PlaceCopy, "":
		return copyFile, nil
	case PlaceSymlink:
		return replace(os.Symlink), nil
	case PlaceHardlink:
		return replace(os.Link), nil
	}
	return nil, fmt.Errorf("unknown placement mode %q", mode)
}

// WriteSplitManifest writes the manifest as YAML to path.
func WriteSplitManifest(path string, m SplitManifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode the split manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write the split manifest %q: %w", path, err)
	}
	return nil
}

// SplitOptions configures SplitDataset.
type SplitOptions struct {
	ImageDir   string
	LabelDir   string
	OutputDir  string
	Ratios     SplitRatios
	Seed       int64
	Mode       PlaceMode
	NumClasses int // When > 0, pairs are validated and corrupt ones excluded.
}

// SplitDataset pairs, optionally validates, splits and places a dataset below opts.OutputDir and
// writes split.yaml there.
func SplitDataset(opts SplitOptions) (SplitManifest, error) {
	if err := opts.Ratios.Validate(); err != nil {
		return SplitManifest{}, err
	}

	pairs, excluded, err := PairImagesAndLabels(opts.ImageDir, opts.LabelDir)
	if err != nil {
		return SplitManifest{}, err
	}
	if opts.NumClasses > 0 {
		var corrupt []string
		pairs, corrupt = ValidatePairs(pairs, opts.NumClasses)
		excluded = append(excluded, corrupt...)
	}

	m := Split(pairs, opts.Ratios, opts.Seed)
	if err := m.Place(opts.OutputDir, opts.Mode); err != nil {
		return m, err
	}
	m.Excluded = append(m.Excluded, excluded...)
	sort.Strings(m.Excluded)

	slog.Info("Split dataset",
		"train", len(m.Subsets[Train]), "val", len(m.Subsets[Val]), "test", len(m.Subsets[Test]),
		"excluded", len(m.Excluded), "seed", m.Seed, "ratios", m.Ratios.String())

	return m, WriteSplitManifest(filepath.Join(opts.OutputDir, "split.yaml"), m)
}

func sortPairs(pairs []Pair) {
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Name() < pairs[j].Name() })
}
