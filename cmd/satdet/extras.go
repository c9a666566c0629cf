package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sensorable/satdet"
)

func augmentCommand(a *app) *cobra.Command {
	bindings := map[string]string{
		"images":       "dataset.images",
		"labels":       "dataset.labels",
		"out-images":   "augment.images",
		"out-labels":   "augment.labels",
		"copies":       "augment.copies",
		"brightness":   "augment.brightness",
		"contrast":     "augment.contrast",
		"noise":        "augment.noise",
		"seed":         "augment.seed",
		"jpeg-quality": "augment.jpeg_quality",
	}
	cmd := &cobra.Command{
		Use:   "augment",
		Short: "Write photometric variants of image/label pairs",
		Long: "Writes brightness, contrast and noise variants of every image/label pair. " +
			"Box geometry is unchanged, so the label files are copied as they are.",
		Args: cobra.NoArgs,
		RunE: a.runE(bindings, func(context.Context, []string) error {
			s := a.settings
			n, err := satdet.Augment(s.Dataset.Images, s.Dataset.Labels, s.Augment.Images,
				s.Augment.Labels, s.AugmentOptions())
			if err != nil {
				return err
			}
			a.logger.Info("Augmentation complete", "variants", n, "images", s.Augment.Images)
			return nil
		}),
	}

	f := cmd.Flags()
	f.String("images", a.v.GetString("dataset.images"), "Input image `dir`")
	f.String("labels", a.v.GetString("dataset.labels"), "Input YOLO label `dir`")
	f.String("out-images", a.v.GetString("augment.images"), "Output image `dir`")
	f.String("out-labels", a.v.GetString("augment.labels"), "Output label `dir`")
	f.Int("copies", a.v.GetInt("augment.copies"), "Variants per image")
	f.Float64("brightness", a.v.GetFloat64("augment.brightness"),
		"Maximum brightness change in [0, 1]")
	f.Float64("contrast", a.v.GetFloat64("augment.contrast"), "Maximum contrast change in [0, 1]")
	f.Float64("noise", a.v.GetFloat64("augment.noise"), "Noise opacity in [0, 1], 0 disables it")
	f.Int64("seed", a.v.GetInt64("augment.seed"), "Random seed")
	f.Int("jpeg-quality", a.v.GetInt("augment.jpeg_quality"), "JPEG quality of the outputs")
	return cmd
}

func tfrecordCommand(a *app) *cobra.Command {
	bindings := map[string]string{
		"images":    "dataset.images",
		"labels":    "dataset.labels",
		"output":    "tfrecord.output",
		"label-map": "tfrecord.label_map",
		"shards":    "tfrecord.shards",
	}
	cmd := &cobra.Command{
		Use:   "tfrecord",
		Short: "Export YOLO labelled images as TFRecord files",
		Args:  cobra.NoArgs,
		RunE: a.runE(bindings, func(context.Context, []string) error {
			s := a.settings
			tax, err := s.Taxonomy()
			if err != nil {
				return err
			}
			data, err := satdet.FromYOLO(s.Dataset.Labels, s.Dataset.Images, tax)
			if err != nil {
				return err
			}
			if err := satdet.WriteTFRecord(s.TFRecord.Output, s.TFRecord.LabelMap, data, tax,
				s.TFRecord.Shards); err != nil {
				return err
			}
			a.logger.Info("Wrote TFRecord", "file", s.TFRecord.Output, "images", len(data),
				"annotations", satdet.AnnotatedFiles(data).NumAnnotations(),
				"shards", s.TFRecord.Shards, "label_map", s.TFRecord.LabelMap)
			return nil
		}),
	}

	f := cmd.Flags()
	f.String("images", a.v.GetString("dataset.images"), "Image `dir`")
	f.String("labels", a.v.GetString("dataset.labels"), "YOLO label `dir`")
	f.String("output", a.v.GetString("tfrecord.output"), "TFRecord output `file`")
	f.String("label-map", a.v.GetString("tfrecord.label_map"), "Label map output `file`")
	f.Int("shards", a.v.GetInt("tfrecord.shards"), "Number of shard files")
	return cmd
}
