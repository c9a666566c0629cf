package satdet

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func makePairs(n int) []Pair {
	pairs := make([]Pair, n)
	for i := range pairs {
		pairs[i] = Pair{
			Image: fmt.Sprintf("/images/img_%03d.png", i),
			Label: fmt.Sprintf("/labels/img_%03d.txt", i),
		}
	}
	return pairs
}

func TestParseSplitRatios(t *testing.T) {
	r, err := ParseSplitRatios("80,15,5")
	require.NoError(t, err)
	assert.Equal(t, SplitRatios{80, 15, 5}, r)

	r, err = ParseSplitRatios("90, 10")
	require.NoError(t, err)
	assert.Equal(t, SplitRatios{90, 10, 0}, r)

	for _, s := range []string{"80,15,10", "100", "a,b,c", "80,-5,25", "50,20,20,10"} {
		_, err := ParseSplitRatios(s)
		assert.Error(t, err, s)
	}
}

func TestSplitRatiosCounts(t *testing.T) {
	tests := []struct {
		n    int
		want [3]int
	}{
		{0, [3]int{0, 0, 0}},
		{1, [3]int{0, 1, 0}},
		{3, [3]int{2, 1, 0}},
		{10, [3]int{8, 1, 1}},
		{100, [3]int{80, 15, 5}},
		{847, [3]int{677, 127, 43}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultSplitRatios.Counts(tt.n), "n=%d", tt.n)
	}

	assert.Equal(t, [3]int{1, 0, 0}, SplitRatios{100, 0, 0}.Counts(1))
}

func TestSplitExactCountsAndDisjoint(t *testing.T) {
	pairs := makePairs(100)
	m := Split(pairs, DefaultSplitRatios, DefaultSeed)

	assert.Len(t, m.Subsets[Train], 80)
	assert.Len(t, m.Subsets[Val], 15)
	assert.Len(t, m.Subsets[Test], 5)

	seen := map[Pair]Subset{}
	for _, s := range Subsets {
		for _, p := range m.Subsets[s] {
			prev, dup := seen[p]
			assert.False(t, dup, "%v assigned to %s and %s", p, prev, s)
			seen[p] = s
		}
	}
	assert.Len(t, seen, len(pairs))
	for _, p := range pairs {
		assert.Contains(t, seen, p)
	}
}

func TestSplitIsDeterministic(t *testing.T) {
	pairs := makePairs(57)
	first := Split(pairs, DefaultSplitRatios, 7)

	// Input order must not matter.
	reversed := make([]Pair, len(pairs))
	for i, p := range pairs {
		reversed[len(pairs)-1-i] = p
	}
	second := Split(reversed, DefaultSplitRatios, 7)
	assert.Equal(t, first.Subsets, second.Subsets)

	other := Split(pairs, DefaultSplitRatios, 8)
	assert.NotEqual(t, first.Subsets, other.Subsets)
}

func TestSplitSmallInputKeepsValidation(t *testing.T) {
	m := Split(makePairs(2), DefaultSplitRatios, DefaultSeed)
	assert.Len(t, m.Subsets[Train], 1)
	assert.Len(t, m.Subsets[Val], 1)
	assert.Empty(t, m.Subsets[Test])
}

func TestPairImagesAndLabels(t *testing.T) {
	dir := t.TempDir()
	imageDir := filepath.Join(dir, "images")
	labelDir := filepath.Join(dir, "labels")
	writePNG(t, filepath.Join(imageDir, "a.png"), 4, 4)
	writePNG(t, filepath.Join(imageDir, "a.tif"), 4, 4)
	writePNG(t, filepath.Join(imageDir, "b.png"), 4, 4)
	writeFile(t, filepath.Join(labelDir, "a.txt"), "")
	writeFile(t, filepath.Join(labelDir, "c.txt"), "")

	pairs, unmatched, err := PairImagesAndLabels(imageDir, labelDir)
	require.NoError(t, err)
	assert.Equal(t, []Pair{{
		Image: filepath.Join(imageDir, "a.png"),
		Label: filepath.Join(labelDir, "a.txt"),
	}}, pairs)
	// a.tif shares its stem with a.png, which sorts first and takes the pair.
	assert.ElementsMatch(t, []string{
		filepath.Join(imageDir, "a.tif"),
		filepath.Join(imageDir, "b.png"),
		filepath.Join(labelDir, "c.txt"),
	}, unmatched)
}

func TestValidatePairs(t *testing.T) {
	dir := t.TempDir()
	good := Pair{Image: filepath.Join(dir, "good.png"), Label: filepath.Join(dir, "good.txt")}
	badClass := Pair{Image: filepath.Join(dir, "bad.png"), Label: filepath.Join(dir, "bad.txt")}
	badImage := Pair{Image: filepath.Join(dir, "broken.png"), Label: filepath.Join(dir, "broken.txt")}

	writePNG(t, good.Image, 4, 4)
	writeFile(t, good.Label, "8 0.5 0.5 0.1 0.1\n")
	writePNG(t, badClass.Image, 4, 4)
	writeFile(t, badClass.Label, "9 0.5 0.5 0.1 0.1\n")
	writeFile(t, badImage.Image, "garbage")
	writeFile(t, badImage.Label, "")

	valid, corrupt := ValidatePairs([]Pair{good, badClass, badImage}, 9)
	assert.Equal(t, []Pair{good}, valid)
	assert.ElementsMatch(t, []string{badClass.Label, badImage.Image}, corrupt)
}

func setupSplitFixture(t *testing.T, n int) (imageDir, labelDir string) {
	t.Helper()
	dir := t.TempDir()
	imageDir = filepath.Join(dir, "images")
	labelDir = filepath.Join(dir, "labels")
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("img_%02d", i)
		writePNG(t, filepath.Join(imageDir, name+".png"), 8, 8)
		writeFile(t, filepath.Join(labelDir, name+".txt"), fmt.Sprintf("%d 0.5 0.5 0.25 0.25\n", i%9))
	}
	return imageDir, labelDir
}

func TestSplitDataset(t *testing.T) {
	imageDir, labelDir := setupSplitFixture(t, 20)
	writeFile(t, filepath.Join(labelDir, "img_03.txt"), "9 0.5 0.5 0.25 0.25\n")
	writeFile(t, filepath.Join(labelDir, "orphan.txt"), "")
	out := filepath.Join(t.TempDir(), "dataset")

	m, err := SplitDataset(SplitOptions{
		ImageDir:   imageDir,
		LabelDir:   labelDir,
		OutputDir:  out,
		Ratios:     DefaultSplitRatios,
		Seed:       DefaultSeed,
		Mode:       PlaceCopy,
		NumClasses: 9,
	})
	require.NoError(t, err)

	assert.Equal(t, 19, m.Len())
	assert.Len(t, m.Subsets[Train], 15)
	assert.Len(t, m.Subsets[Val], 2)
	assert.Len(t, m.Subsets[Test], 2)
	assert.Equal(t, []string{
		filepath.Join(labelDir, "img_03.txt"),
		filepath.Join(labelDir, "orphan.txt"),
	}, m.Excluded)

	for _, s := range Subsets {
		images, err := filesByExtInDir(filepath.Join(out, "images", string(s)), ".png")
		require.NoError(t, err)
		labels, err := filesByExtInDir(filepath.Join(out, "labels", string(s)), ".txt")
		require.NoError(t, err)
		assert.Len(t, images, len(m.Subsets[s]))
		assert.Len(t, labels, len(m.Subsets[s]))
		for _, p := range m.Subsets[s] {
			assert.FileExists(t, filepath.Join(out, "images", string(s), filepath.Base(p.Image)))
			assert.Equal(t, readFileString(t, p.Label),
				readFileString(t, filepath.Join(out, "labels", string(s), filepath.Base(p.Label))))
		}
	}

	var saved SplitManifest
	require.NoError(t, yaml.Unmarshal([]byte(readFileString(t, filepath.Join(out, "split.yaml"))), &saved))
	assert.Equal(t, m.Subsets, saved.Subsets)
	assert.Equal(t, DefaultSeed, saved.Seed)
	assert.Equal(t, DefaultSplitRatios, saved.Ratios)
}

func TestSplitDatasetSymlinks(t *testing.T) {
	imageDir, labelDir := setupSplitFixture(t, 5)
	out := filepath.Join(t.TempDir(), "dataset")

	m, err := SplitDataset(SplitOptions{
		ImageDir:  imageDir,
		LabelDir:  labelDir,
		OutputDir: out,
		Ratios:    DefaultSplitRatios,
		Seed:      1,
		Mode:      PlaceSymlink,
	})
	require.NoError(t, err)

	p := m.Subsets[Train][0]
	fi, err := os.Lstat(filepath.Join(out, "images", "train", filepath.Base(p.Image)))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSymlink)

	// Running again replaces the links.
	_, err = SplitDataset(SplitOptions{
		ImageDir:  imageDir,
		LabelDir:  labelDir,
		OutputDir: out,
		Ratios:    DefaultSplitRatios,
		Seed:      1,
		Mode:      PlaceSymlink,
	})
	assert.NoError(t, err)
}

func TestSplitDatasetCopyOverLinksKeepsSources(t *testing.T) {
	for _, mode := range []PlaceMode{PlaceSymlink, PlaceHardlink} {
		t.Run(string(mode), func(t *testing.T) {
			imageDir, labelDir := setupSplitFixture(t, 5)
			out := filepath.Join(t.TempDir(), "dataset")
			opts := SplitOptions{
				ImageDir:  imageDir,
				LabelDir:  labelDir,
				OutputDir: out,
				Ratios:    DefaultSplitRatios,
				Seed:      DefaultSeed,
				Mode:      mode,
			}
			_, err := SplitDataset(opts)
			require.NoError(t, err)

			opts.Mode = PlaceCopy
			m, err := SplitDataset(opts)
			require.NoError(t, err)
			require.Equal(t, 5, m.Len())

			for _, s := range Subsets {
				for _, p := range m.Subsets[s] {
					assert.Equal(t, fmt.Sprintf("%d 0.5 0.5 0.25 0.25\n", pairIndex(t, p)%9),
						readFileString(t, p.Label))
					_, _, err := decodeImageConfig(p.Image)
					assert.NoError(t, err, "source image %s", p.Image)

					dst := filepath.Join(out, "images", string(s), filepath.Base(p.Image))
					fi, err := os.Lstat(dst)
					require.NoError(t, err)
					assert.True(t, fi.Mode().IsRegular())
					assert.Equal(t, readFileString(t, p.Label),
						readFileString(t, filepath.Join(out, "labels", string(s), filepath.Base(p.Label))))
				}
			}
		})
	}
}

func pairIndex(t *testing.T, p Pair) int {
	t.Helper()
	var i int
	_, err := fmt.Sscanf(p.Name(), "img_%d", &i)
	require.NoError(t, err)
	return i
}

func TestSplitDatasetFailedPairLeavesNoFiles(t *testing.T) {
	imageDir, labelDir := setupSplitFixture(t, 1)
	label := filepath.Join(labelDir, "img_00.txt")
	require.NoError(t, os.Remove(label))
	require.NoError(t, os.Symlink(filepath.Join(labelDir, "gone.txt"), label))
	out := filepath.Join(t.TempDir(), "dataset")

	m, err := SplitDataset(SplitOptions{
		ImageDir:  imageDir,
		LabelDir:  labelDir,
		OutputDir: out,
		Ratios:    SplitRatios{100, 0, 0},
		Seed:      DefaultSeed,
		Mode:      PlaceCopy,
	})
	require.NoError(t, err)

	assert.Empty(t, m.Subsets[Train])
	assert.Equal(t, []string{filepath.Join(imageDir, "img_00.png")}, m.Excluded)

	images, err := filesByExtInDir(filepath.Join(out, "images", "train"))
	require.NoError(t, err)
	assert.Empty(t, images)
	labels, err := filesByExtInDir(filepath.Join(out, "labels", "train"))
	require.NoError(t, err)
	assert.Empty(t, labels)
}

func TestSplitDatasetResplitRemovesStaleFiles(t *testing.T) {
	imageDir, labelDir := setupSplitFixture(t, 20)
	out := filepath.Join(t.TempDir(), "dataset")
	opts := SplitOptions{
		ImageDir:  imageDir,
		LabelDir:  labelDir,
		OutputDir: out,
		Ratios:    DefaultSplitRatios,
		Seed:      1,
		Mode:      PlaceCopy,
	}
	_, err := SplitDataset(opts)
	require.NoError(t, err)
	writeFile(t, filepath.Join(out, "labels", "val", "stray.txt"), "")

	opts.Seed = 2
	opts.Ratios = SplitRatios{50, 30, 20}
	m, err := SplitDataset(opts)
	require.NoError(t, err)

	total := 0
	for _, s := range Subsets {
		images, err := filesByExtInDir(filepath.Join(out, "images", string(s)))
		require.NoError(t, err)
		labels, err := filesByExtInDir(filepath.Join(out, "labels", string(s)))
		require.NoError(t, err)

		var want []string
		for _, p := range m.Subsets[s] {
			want = append(want, filepath.Base(p.Image))
		}
		var got []string
		for _, path := range images {
			got = append(got, filepath.Base(path))
		}
		assert.ElementsMatch(t, want, got, "subset %s", s)
		assert.Len(t, labels, len(m.Subsets[s]), "subset %s", s)
		total += len(images)
	}
	assert.Equal(t, 20, total)
}

func TestParsePlaceMode(t *testing.T) {
	m, err := ParsePlaceMode("SymLink")
	require.NoError(t, err)
	assert.Equal(t, PlaceSymlink, m)

	_, err = ParsePlaceMode("move")
	assert.Error(t, err)
}
