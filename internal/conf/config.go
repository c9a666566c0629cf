// Package conf loads the satdet settings from flags, environment, config file and defaults.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/sensorable/satdet"
	"github.com/sensorable/satdet/internal/detector"
	"github.com/sensorable/satdet/internal/errors"
	"github.com/sensorable/satdet/internal/trainer"
)

// EnvPrefix prefixes environment overrides, e.g. SATDET_TRAIN_EPOCHS.
const EnvPrefix = "SATDET"

// Settings is the complete configuration.
type Settings struct {
	Log       LogSettings       `mapstructure:"log"`
	Classes   string            `mapstructure:"classes"` // Classes YAML; the built-in taxonomy if empty.
	Dataset   DatasetSettings   `mapstructure:"dataset"`
	Augment   AugmentSettings   `mapstructure:"augment"`
	TFRecord  TFRecordSettings  `mapstructure:"tfrecord"`
	Train     TrainSettings     `mapstructure:"train"`
	Eval      EvalSettings      `mapstructure:"eval"`
	Export    ExportSettings    `mapstructure:"export"`
	Dashboard DashboardSettings `mapstructure:"dashboard"`
}

// LogSettings select the log level and handler.
type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// DatasetSettings locate the raw xView data and the prepared dataset.
type DatasetSettings struct {
	GeoJSON  string  `mapstructure:"geojson"`
	Images   string  `mapstructure:"images"`
	Labels   string  `mapstructure:"labels"`
	Root     string  `mapstructure:"root"`   // Output of the split.
	Config   string  `mapstructure:"config"` // data.yaml path, <root>/data.yaml if empty.
	Ratios   string  `mapstructure:"ratios"` // Train, val and test percentages.
	Seed     int64   `mapstructure:"seed"`
	Mode     string  `mapstructure:"mode"`     // copy, symlink or hardlink
	MinBBox  float64 `mapstructure:"min_bbox"` // Minimum box side in pixels.
	Validate bool    `mapstructure:"validate"` // Exclude pairs with unparsable labels.
}

// AugmentSettings configure the photometric augmentation and its output directories.
type AugmentSettings struct {
	Images      string  `mapstructure:"images"`
	Labels      string  `mapstructure:"labels"`
	Copies      int     `mapstructure:"copies"`
	Brightness  float64 `mapstructure:"brightness"`
	Contrast    float64 `mapstructure:"contrast"`
	Noise       float64 `mapstructure:"noise"`
	Seed        int64   `mapstructure:"seed"`
	JPEGQuality int     `mapstructure:"jpeg_quality"`
}

// TFRecordSettings locate the TFRecord export files.
type TFRecordSettings struct {
	Output   string `mapstructure:"output"`
	LabelMap string `mapstructure:"label_map"`
	Shards   int    `mapstructure:"shards"`
}

// TrainSettings are the hyperparameters plus the trainer executable.
type TrainSettings struct {
	trainer.Hyperparameters `mapstructure:",squash"`
	Executable              string `mapstructure:"executable"`
}

// EvalSettings configure the evaluation of trained weights.
type EvalSettings struct {
	Weights string  `mapstructure:"weights"`
	Conf    float64 `mapstructure:"conf"`
	IoU     float64 `mapstructure:"iou"`
	ImgSize int     `mapstructure:"imgsz"`
	Batch   int     `mapstructure:"batch"`
	Split   string  `mapstructure:"split"`
	Device  string  `mapstructure:"device"`
}

// ExportSettings configure the export of trained weights for deployment.
type ExportSettings struct {
	Weights  string `mapstructure:"weights"`
	Format   string `mapstructure:"format"`
	ImgSize  int    `mapstructure:"imgsz"`
	Simplify bool   `mapstructure:"simplify"`
	Half     bool   `mapstructure:"half"`
	Dynamic  bool   `mapstructure:"dynamic"`
}

// DashboardSettings configure the inference dashboard and the model it serves.
type DashboardSettings struct {
	Addr       string  `mapstructure:"addr"`
	Model      string  `mapstructure:"model"`       // Exported ONNX model.
	ORTLibrary string  `mapstructure:"ort_library"` // ONNX Runtime shared library.
	ImgSize    int     `mapstructure:"imgsz"`
	Conf       float64 `mapstructure:"conf"`
	IoU        float64 `mapstructure:"iou"`
	Threads    int     `mapstructure:"threads"`
	BodyLimit  string  `mapstructure:"body_limit"`
	MaxPixels  int     `mapstructure:"max_pixels"` // Largest accepted upload, width x height.
}

// NewViper returns a viper instance with the satdet defaults, config search paths and
// environment bindings.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("satdet")
	v.SetConfigType("yaml")
	for _, p := range configPaths() {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// configPaths lists the directories searched for satdet.yaml, in order.
func configPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "satdet"))
	}
	return append(paths, "/etc/satdet")
}

// Load reads configFile, or satdet.yaml from the search paths when configFile is empty, and
// returns the validated settings. A missing satdet.yaml is not an error; a missing configFile is.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.New(fmt.Errorf("error reading config file: %w", err)).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Build()
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := settings.Validate(); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}
	return settings, nil
}

// Taxonomy loads the classes file, or returns the built-in taxonomy.
func (s *Settings) Taxonomy() (satdet.Taxonomy, error) {
	if s.Classes == "" {
		return satdet.DefaultTaxonomy(), nil
	}
	return satdet.LoadTaxonomy(s.Classes)
}

// DatasetConfigPath returns the data.yaml path.
func (s *Settings) DatasetConfigPath() string {
	if s.Dataset.Config != "" {
		return s.Dataset.Config
	}
	return filepath.Join(s.Dataset.Root, "data.yaml")
}

// SplitOptions returns the splitter options. NumClasses is set when validation is enabled.
func (s *Settings) SplitOptions(numClasses int) (satdet.SplitOptions, error) {
	ratios, err := satdet.ParseSplitRatios(s.Dataset.Ratios)
	if err != nil {
		return satdet.SplitOptions{}, err
	}
	mode, err := satdet.ParsePlaceMode(s.Dataset.Mode)
	if err != nil {
		return satdet.SplitOptions{}, err
	}
	opts := satdet.SplitOptions{
		ImageDir:  s.Dataset.Images,
		LabelDir:  s.Dataset.Labels,
		OutputDir: s.Dataset.Root,
		Ratios:    ratios,
		Seed:      s.Dataset.Seed,
		Mode:      mode,
	}
	if s.Dataset.Validate {
		opts.NumClasses = numClasses
	}
	return opts, nil
}

// AugmentOptions returns the augmentation settings as satdet options.
func (s *Settings) AugmentOptions() satdet.AugmentOptions {
	return satdet.AugmentOptions{
		Copies:      s.Augment.Copies,
		Brightness:  s.Augment.Brightness,
		Contrast:    s.Augment.Contrast,
		Noise:       s.Augment.Noise,
		Seed:        s.Augment.Seed,
		JPEGQuality: s.Augment.JPEGQuality,
	}
}

// EvalOptions returns the evaluation settings as trainer options.
func (s *Settings) EvalOptions() trainer.EvalOptions {
	return trainer.EvalOptions{
		Conf:    s.Eval.Conf,
		IoU:     s.Eval.IoU,
		ImgSize: s.Eval.ImgSize,
		Batch:   s.Eval.Batch,
		Split:   satdet.Subset(s.Eval.Split),
		Device:  s.Eval.Device,
	}
}

// ExportOptions returns the export settings as trainer options.
func (s *Settings) ExportOptions() trainer.ExportOptions {
	return trainer.ExportOptions{
		Format:   s.Export.Format,
		ImgSize:  s.Export.ImgSize,
		Simplify: s.Export.Simplify,
		Half:     s.Export.Half,
		Dynamic:  s.Export.Dynamic,
	}
}

// Thresholds returns the default dashboard thresholds.
func (s *Settings) Thresholds() detector.Thresholds {
	return detector.Thresholds{Conf: s.Dashboard.Conf, IoU: s.Dashboard.IoU}
}
