// Package trainer drives the external YOLO trainer (the ultralytics "yolo" CLI): training,
// validation and export runs, and reading the progress of a run.
package trainer

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ModelVariants are the YOLO12 model sizes.
var ModelVariants = []string{"n", "s", "m", "l", "x"}

var optimizers = []string{"SGD", "Adam", "Adamax", "AdamW", "NAdam", "RAdam", "RMSProp", "auto"}

// Hyperparameters is the training configuration forwarded to the trainer.
type Hyperparameters struct {
	Model      string `mapstructure:"model" yaml:"model"` // Variant (n, s, m, l, x) or a weights path.
	Pretrained bool   `mapstructure:"pretrained" yaml:"pretrained"`
	Epochs     int    `mapstructure:"epochs" yaml:"epochs"`
	ImgSize    int    `mapstructure:"imgsz" yaml:"imgsz"`
	Batch      int    `mapstructure:"batch" yaml:"batch"` // -1 selects the batch size automatically.
	Device     string `mapstructure:"device" yaml:"device"`
	Workers    int    `mapstructure:"workers" yaml:"workers"`
	Project    string `mapstructure:"project" yaml:"project"`
	Name       string `mapstructure:"name" yaml:"name"`
	Patience   int    `mapstructure:"patience" yaml:"patience"`
	SavePeriod int    `mapstructure:"save_period" yaml:"save_period"`
	Resume     bool   `mapstructure:"resume" yaml:"resume"`
	ExistOK    bool   `mapstructure:"exist_ok" yaml:"exist_ok"`

	Optimizer      string  `mapstructure:"optimizer" yaml:"optimizer"`
	LR0            float64 `mapstructure:"lr0" yaml:"lr0"`
	LRF            float64 `mapstructure:"lrf" yaml:"lrf"`
	Momentum       float64 `mapstructure:"momentum" yaml:"momentum"`
	WeightDecay    float64 `mapstructure:"weight_decay" yaml:"weight_decay"`
	WarmupEpochs   float64 `mapstructure:"warmup_epochs" yaml:"warmup_epochs"`
	WarmupMomentum float64 `mapstructure:"warmup_momentum" yaml:"warmup_momentum"`

	// Loss gains.
	Box float64 `mapstructure:"box" yaml:"box"`
	Cls float64 `mapstructure:"cls" yaml:"cls"`
	DFL float64 `mapstructure:"dfl" yaml:"dfl"`

	// Augmentation applied by the trainer.
	HSVH        float64 `mapstructure:"hsv_h" yaml:"hsv_h"`
	HSVS        float64 `mapstructure:"hsv_s" yaml:"hsv_s"`
	HSVV        float64 `mapstructure:"hsv_v" yaml:"hsv_v"`
	Degrees     float64 `mapstructure:"degrees" yaml:"degrees"`
	Translate   float64 `mapstructure:"translate" yaml:"translate"`
	Scale       float64 `mapstructure:"scale" yaml:"scale"`
	Shear       float64 `mapstructure:"shear" yaml:"shear"`
	Perspective float64 `mapstructure:"perspective" yaml:"perspective"`
	FlipUD      float64 `mapstructure:"flipud" yaml:"flipud"`
	FlipLR      float64 `mapstructure:"fliplr" yaml:"fliplr"`
	Mosaic      float64 `mapstructure:"mosaic" yaml:"mosaic"`
	Mixup       float64 `mapstructure:"mixup" yaml:"mixup"`
	CopyPaste   float64 `mapstructure:"copy_paste" yaml:"copy_paste"`

	// Extra holds additional trainer arguments, appended after all others.
	Extra map[string]string `mapstructure:"extra" yaml:"extra,omitempty"`
}

// DefaultHyperparameters returns the settings used for xView training on a small GPU.
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		Model:      "s",
		Pretrained: true,
		Epochs:     100,
		ImgSize:    640,
		Batch:      4,
		Workers:    2,
		Project:    filepath.Join("runs", "detect"),
		Name:       "xview_train",
		Patience:   50,
		SavePeriod: 10,

		Optimizer:      "AdamW",
		LR0:            0.01,
		LRF:            0.01,
		Momentum:       0.937,
		WeightDecay:    0.0005,
		WarmupEpochs:   3,
		WarmupMomentum: 0.8,

		Box: 7.5,
		Cls: 0.5,
		DFL: 1.5,

		HSVH:      0.015,
		HSVS:      0.7,
		HSVV:      0.4,
		Translate: 0.1,
		Scale:     0.5,
		FlipLR:    0.5,
		Mosaic:    1,
	}
}

func isVariant(model string) bool {
	for _, v := range ModelVariants {
		if model == v {
			return true
		}
	}
	return false
}

// ModelWeights returns the model argument: pretrained weights for a variant, the architecture
// config when training from scratch, or the configured path as is.
func (h Hyperparameters) ModelWeights() string {
	if !isVariant(h.Model) {
		return h.Model
	}
	if !h.Pretrained {
		return "yolo12" + h.Model + ".yaml"
	}
	return "yolo12" + h.Model + ".pt"
}

// Validate checks the hyperparameters and reports all problems at once.
func (h Hyperparameters) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch ext := filepath.Ext(h.Model); {
	case isVariant(h.Model):
	case h.Model != "" && (ext == ".pt" || ext == ".yaml"):
	default:
		add("model must be one of %s or a .pt/.yaml path, got %q",
			strings.Join(ModelVariants, ", "), h.Model)
	}
	if h.Epochs <= 0 {
		add("epochs must be > 0")
	}
	if h.ImgSize <= 0 || h.ImgSize%32 != 0 {
		add("imgsz must be a positive multiple of 32, got %d", h.ImgSize)
	}
	if h.Batch == 0 || h.Batch < -1 {
		add("batch must be > 0 or -1, got %d", h.Batch)
	}
	if h.Workers < 0 {
		add("workers must be >= 0")
	}
	if h.Project == "" || h.Name == "" {
		add("project and name are required")
	}
	if h.Patience < 0 {
		add("patience must be >= 0")
	}
	if h.SavePeriod < -1 {
		add("save_period must be >= -1")
	}

	validOptimizer := false
	for _, o := range optimizers {
		if h.Optimizer == o {
			validOptimizer = true
		}
	}
	if !validOptimizer {
		add("optimizer must be one of %s, got %q", strings.Join(optimizers, ", "), h.Optimizer)
	}
	if h.LR0 <= 0 || h.LRF <= 0 {
		add("lr0 and lrf must be > 0")
	}
	if h.WeightDecay < 0 || h.WarmupEpochs < 0 {
		add("weight_decay and warmup_epochs must be >= 0")
	}

	for name, v := range map[string]float64{
		"hsv_h": h.HSVH, "hsv_s": h.HSVS, "hsv_v": h.HSVV, "translate": h.Translate,
		"flipud": h.FlipUD, "fliplr": h.FlipLR, "mosaic": h.Mosaic, "mixup": h.Mixup,
		"copy_paste": h.CopyPaste, "momentum": h.Momentum, "warmup_momentum": h.WarmupMomentum,
	} {
		if v < 0 || v > 1 {
			add("%s must be in [0, 1], got %v", name, v)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid hyperparameters: %s", strings.Join(problems, "; "))
}

// TrainArgs returns the key=value arguments for a training run on dataYAML.
func (h Hyperparameters) TrainArgs(dataYAML string) []string {
	args := []string{
		kv("data", dataYAML),
		kv("model", h.ModelWeights()),
		kv("epochs", h.Epochs),
		kv("imgsz", h.ImgSize),
		kv("batch", h.Batch),
	}
	if h.Device != "" {
		args = append(args, kv("device", h.Device))
	}
	args = append(args,
		kv("workers", h.Workers),
		kv("project", h.Project),
		kv("name", h.Name),
		kv("patience", h.Patience),
		kv("save_period", h.SavePeriod),
		kv("plots", true),
		kv("val", true),
		kv("optimizer", h.Optimizer),
		kv("lr0", h.LR0),
		kv("lrf", h.LRF),
		kv("momentum", h.Momentum),
		kv("weight_decay", h.WeightDecay),
		kv("warmup_epochs", h.WarmupEpochs),
		kv("warmup_momentum", h.WarmupMomentum),
		kv("box", h.Box),
		kv("cls", h.Cls),
		kv("dfl", h.DFL),
		kv("hsv_h", h.HSVH),
		kv("hsv_s", h.HSVS),
		kv("hsv_v", h.HSVV),
		kv("degrees", h.Degrees),
		kv("translate", h.Translate),
		kv("scale", h.Scale),
		kv("shear", h.Shear),
		kv("perspective", h.Perspective),
		kv("flipud", h.FlipUD),
		kv("fliplr", h.FlipLR),
		kv("mosaic", h.Mosaic),
		kv("mixup", h.Mixup),
		kv("copy_paste", h.CopyPaste),
	)
	if h.Resume {
		args = append(args, kv("resume", true))
	}
	if h.ExistOK {
		args = append(args, kv("exist_ok", true))
	}

	return append(args, extraArgs(h.Extra)...)
}

func extraArgs(extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, len(keys))
	for i, k := range keys {
		args[i] = kv(k, extra[k])
	}
	return args
}

// kv formats a trainer argument.
func kv(key string, value any) string {
	var s string
	switch v := value.(type) {
	case bool:
		// The trainer parses Python literals.
		if v {
			s = "True"
		} else {
			s = "False"
		}
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		s = strconv.Itoa(v)
	default:
		s = fmt.Sprint(v)
	}
	return key + "=" + s
}
