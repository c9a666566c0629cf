package satdet

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDatasetConfig(t *testing.T) {
	root := t.TempDir()
	cfg, err := NewDatasetConfig(root, DefaultTaxonomy())
	require.NoError(t, err)

	path := filepath.Join(root, "data.yaml")
	require.NoError(t, WriteDatasetConfig(path, cfg))

	text := readFileString(t, path)
	var keys []string
	for _, line := range strings.Split(text, "\n") {
		if line != "" && !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "-") {
			keys = append(keys, strings.SplitN(line, ":", 2)[0])
		}
	}
	assert.Equal(t, []string{"path", "train", "val", "test", "nc", "names"}, keys)
	assert.Contains(t, text, "nc: 9\n")
	assert.Contains(t, text, "- Storage Tank\n")

	loaded, err := LoadDatasetConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	assert.Equal(t, filepath.Join(root, "images", "val"), loaded.SubsetDir(Val))
}

func TestWriteDatasetConfigRejectsMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.yaml")
	cfg := DatasetConfig{
		Path:  "/data",
		Train: "images/train",
		Val:   "images/val",
		NC:    9,
		Names: DefaultTaxonomy().Names()[:8],
	}

	err := WriteDatasetConfig(path, cfg)
	assert.ErrorContains(t, err, "nc is 9 but 8 class names")
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDatasetConfigValidate(t *testing.T) {
	valid := DatasetConfig{Path: "/d", Train: "t", Val: "v", NC: 1, Names: ClassNames{"a"}}
	require.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*DatasetConfig){
		"zero classes": func(c *DatasetConfig) { c.NC = 0; c.Names = nil },
		"empty name":   func(c *DatasetConfig) { c.Names = ClassNames{""} },
		"missing val":  func(c *DatasetConfig) { c.Val = "" },
		"mismatch":     func(c *DatasetConfig) { c.NC = 2 },
	} {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadDatasetConfigNamesMapping(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.yaml")
	writeFile(t, path, "path: dataset\ntrain: images/train\nval: images/val\nnc: 2\nnames:\n  1: Ship\n  0: Truck\n")

	cfg, err := LoadDatasetConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ClassNames{"Truck", "Ship"}, cfg.Names)
	assert.Equal(t, filepath.Join(dir, "dataset"), cfg.Path)
	assert.Empty(t, cfg.SubsetDir(Test))

	writeFile(t, path, "path: d\ntrain: a\nval: b\nnc: 2\nnames:\n  0: Truck\n  2: Ship\n")
	_, err = LoadDatasetConfig(path)
	assert.Error(t, err)

	writeFile(t, path, "path: d\ntrain: a\nval: b\nnc: 3\nnames: [a, b]\n")
	_, err = LoadDatasetConfig(path)
	assert.ErrorContains(t, err, "nc is 3")
}
