package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorable/satdet"
	"github.com/sensorable/satdet/internal/dashboard"
	"github.com/sensorable/satdet/internal/errors"
	"github.com/sensorable/satdet/internal/trainer"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "satdet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	s, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, "info", s.Log.Level)
	assert.Equal(t, trainer.DefaultHyperparameters(), s.Train.Hyperparameters)
	assert.Equal(t, trainer.DefaultExecutable, s.Train.Executable)
	assert.Equal(t, ":8501", s.Dashboard.Addr)
	assert.Equal(t, 0.25, s.Dashboard.Conf)
	assert.Equal(t, dashboard.DefaultMaxPixels, s.Dashboard.MaxPixels)
	assert.Equal(t, satdet.DefaultAugmentOptions(), s.AugmentOptions())
	assert.Equal(t, trainer.DefaultEvalOptions(), s.EvalOptions())
	assert.Equal(t, trainer.DefaultExportOptions(), s.ExportOptions())
	assert.Equal(t, filepath.Join("dataset", "data.yaml"), s.DatasetConfigPath())

	opts, err := s.SplitOptions(9)
	require.NoError(t, err)
	assert.Equal(t, satdet.DefaultSplitRatios, opts.Ratios)
	assert.Equal(t, satdet.DefaultSeed, opts.Seed)
	assert.Equal(t, satdet.PlaceCopy, opts.Mode)
	assert.Equal(t, 9, opts.NumClasses)

	tax, err := s.Taxonomy()
	require.NoError(t, err)
	assert.Equal(t, satdet.DefaultTaxonomy(), tax)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
dataset:
  root: /data/xview
  ratios: 70,20,10
  seed: 7
  mode: symlink
  validate: false
train:
  model: m
  epochs: 5
  batch: 8
  extra:
    cache: ram
dashboard:
  conf: 0.4
`)
	t.Setenv("SATDET_TRAIN_EPOCHS", "12")
	t.Setenv("SATDET_DASHBOARD_ADDR", "127.0.0.1:9000")

	s, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, "json", s.Log.Format)
	assert.Equal(t, "m", s.Train.Model)
	assert.Equal(t, 12, s.Train.Epochs, "environment overrides the file")
	assert.Equal(t, 8, s.Train.Batch)
	assert.Equal(t, 0.01, s.Train.LR0, "unset keys keep their default")
	assert.Equal(t, map[string]string{"cache": "ram"}, s.Train.Extra)
	assert.Equal(t, "127.0.0.1:9000", s.Dashboard.Addr)
	assert.Equal(t, 0.4, s.Thresholds().Conf)

	opts, err := s.SplitOptions(9)
	require.NoError(t, err)
	assert.Equal(t, satdet.SplitRatios{70, 20, 10}, opts.Ratios)
	assert.Equal(t, int64(7), opts.Seed)
	assert.Equal(t, satdet.PlaceSymlink, opts.Mode)
	assert.Zero(t, opts.NumClasses)
	assert.Equal(t, filepath.Join("/data/xview", "data.yaml"), s.DatasetConfigPath())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestLoadReportsAllInvalidSettings(t *testing.T) {
	path := writeConfig(t, `
log:
  format: xml
dataset:
  ratios: 50,20,10
train:
  epochs: 0
  batch: 0
dashboard:
  conf: 2
  imgsz: 100
  max_pixels: 0
eval:
  split: holdout
`)
	_, err := Load(NewViper(), path)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	var ve ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Errors, 7)
	for _, s := range []string{"log.format", "dataset.ratios", "epochs must be > 0",
		"batch must be", "dashboard: confidence threshold", "dashboard.imgsz",
		"dashboard.max_pixels", "eval.split"} {
		assert.Contains(t, err.Error(), s)
	}
}
