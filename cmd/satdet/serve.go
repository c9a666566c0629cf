package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/sensorable/satdet"
	"github.com/sensorable/satdet/internal/dashboard"
	"github.com/sensorable/satdet/internal/detector"
	"github.com/sensorable/satdet/internal/metrics"
)

func serveCommand(a *app) *cobra.Command {
	bindings := map[string]string{
		"addr":        "dashboard.addr",
		"model":       "dashboard.model",
		"data":        "dataset.config",
		"ort-library": "dashboard.ort_library",
		"imgsz":       "dashboard.imgsz",
		"conf":        "dashboard.conf",
		"iou":         "dashboard.iou",
		"threads":     "dashboard.threads",
		"max-pixels":  "dashboard.max_pixels",
	}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the inference dashboard for an exported ONNX model",
		Args:  cobra.NoArgs,
		RunE: a.runE(bindings, func(ctx context.Context, _ []string) error {
			s := a.settings
			classes, err := a.classNames()
			if err != nil {
				return err
			}

			if err := detector.InitRuntime(s.Dashboard.ORTLibrary); err != nil {
				return err
			}
			defer func() {
				if err := detector.DestroyRuntime(); err != nil {
					a.logger.Warn("Cannot release ONNX Runtime", "error", err)
				}
			}()

			det, err := detector.NewONNX(detector.Options{
				ModelPath: s.Dashboard.Model,
				Classes:   classes,
				InputSize: s.Dashboard.ImgSize,
				Threads:   s.Dashboard.Threads,
			})
			if err != nil {
				return err
			}
			defer det.Close()

			m, err := metrics.New()
			if err != nil {
				return err
			}

			srv := dashboard.New(dashboard.Config{
				Addr:       s.Dashboard.Addr,
				BodyLimit:  s.Dashboard.BodyLimit,
				MaxPixels:  s.Dashboard.MaxPixels,
				Thresholds: s.Thresholds(),
			}, det, m, a.logger)
			return srv.Start(ctx)
		}),
	}

	f := cmd.Flags()
	f.String("addr", a.v.GetString("dashboard.addr"), "Listen `address`")
	f.String("model", a.v.GetString("dashboard.model"), "Exported ONNX model `file`")
	f.String("data", a.v.GetString("dataset.config"),
		"Dataset config `file` providing the class names (default: the taxonomy)")
	f.String("ort-library", a.v.GetString("dashboard.ort_library"),
		"ONNX Runtime shared library `path`")
	f.Int("imgsz", a.v.GetInt("dashboard.imgsz"), "Model input size")
	f.Float64("conf", a.v.GetFloat64("dashboard.conf"), "Default confidence threshold")
	f.Float64("iou", a.v.GetFloat64("dashboard.iou"), "Default NMS IoU threshold")
	f.Int("threads", a.v.GetInt("dashboard.threads"), "Inference threads, 0 for all CPUs")
	f.Int("max-pixels", a.v.GetInt("dashboard.max_pixels"),
		"Largest accepted upload in pixels (width x height)")
	return cmd
}

// classNames returns the class names of the dataset config the model was trained on, or of the
// taxonomy when there is no dataset config.
func (a *app) classNames() ([]string, error) {
	path := a.settings.DatasetConfigPath()
	if _, err := os.Stat(path); err == nil {
		cfg, err := satdet.LoadDatasetConfig(path)
		if err != nil {
			return nil, err
		}
		a.logger.Debug("Using class names from dataset config", "file", path)
		return cfg.Names, nil
	}

	tax, err := a.settings.Taxonomy()
	if err != nil {
		return nil, err
	}
	return tax.Names(), nil
}
