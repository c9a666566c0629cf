package conf

import (
	"fmt"
	"strings"

	"github.com/sensorable/satdet"
	"github.com/sensorable/satdet/internal/logging"
)

// ValidationError collects every invalid setting.
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return "invalid settings: " + strings.Join(ve.Errors, "; ")
}

// Validate checks all sections and reports every problem found.
func (s *Settings) Validate() error {
	ve := ValidationError{}
	add := func(format string, args ...any) {
		ve.Errors = append(ve.Errors, fmt.Sprintf(format, args...))
	}
	check := func(section string, err error) {
		if err != nil {
			add("%s: %v", section, err)
		}
	}

	_, err := logging.ParseLevel(s.Log.Level)
	check("log.level", err)
	if f := strings.ToLower(s.Log.Format); f != logging.FormatText && f != logging.FormatJSON {
		add("log.format must be %s or %s, got %q", logging.FormatText, logging.FormatJSON,
			s.Log.Format)
	}

	_, err = satdet.ParseSplitRatios(s.Dataset.Ratios)
	check("dataset.ratios", err)
	_, err = satdet.ParsePlaceMode(s.Dataset.Mode)
	check("dataset.mode", err)
	if s.Dataset.MinBBox < 0 {
		add("dataset.min_bbox must be >= 0")
	}

	check("augment", s.AugmentOptions().Validate())

	if s.TFRecord.Shards < 1 {
		add("tfrecord.shards must be >= 1")
	}

	check("train", s.Train.Validate())
	if s.Train.Executable == "" {
		add("train.executable is required")
	}

	if s.Eval.Conf < 0 || s.Eval.Conf > 1 || s.Eval.IoU < 0 || s.Eval.IoU > 1 {
		add("eval.conf and eval.iou must be in [0, 1]")
	}
	if !isSubset(s.Eval.Split) {
		add("eval.split must be one of train, val, test, got %q", s.Eval.Split)
	}
	checkImgSize(add, "eval.imgsz", s.Eval.ImgSize)
	checkImgSize(add, "export.imgsz", s.Export.ImgSize)

	check("dashboard", s.Thresholds().Validate())
	checkImgSize(add, "dashboard.imgsz", s.Dashboard.ImgSize)
	if s.Dashboard.Addr == "" {
		add("dashboard.addr is required")
	}
	if s.Dashboard.MaxPixels <= 0 {
		add("dashboard.max_pixels must be > 0, got %d", s.Dashboard.MaxPixels)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func checkImgSize(add func(string, ...any), key string, size int) {
	if size <= 0 || size%32 != 0 {
		add("%s must be a positive multiple of 32, got %d", key, size)
	}
}

func isSubset(s string) bool {
	for _, sub := range satdet.Subsets {
		if string(sub) == s {
			return true
		}
	}
	return false
}
