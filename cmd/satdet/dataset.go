package main

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sensorable/satdet"
)

var (
	convertBindings = map[string]string{
		"geojson":  "dataset.geojson",
		"images":   "dataset.images",
		"labels":   "dataset.labels",
		"min-bbox": "dataset.min_bbox",
	}
	splitBindings = map[string]string{
		"images":   "dataset.images",
		"labels":   "dataset.labels",
		"root":     "dataset.root",
		"ratios":   "dataset.ratios",
		"seed":     "dataset.seed",
		"mode":     "dataset.mode",
		"validate": "dataset.validate",
	}
	datasetConfigBindings = map[string]string{
		"root":   "dataset.root",
		"output": "dataset.config",
	}
)

func convertCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert xView GeoJSON annotations to YOLO label files",
		Args:  cobra.NoArgs,
		RunE: a.runE(convertBindings, func(context.Context, []string) error {
			_, err := a.convert()
			return err
		}),
	}
	a.convertFlags(cmd)
	return cmd
}

func splitCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Split image/label pairs into train, val and test subsets",
		Args:  cobra.NoArgs,
		RunE: a.runE(splitBindings, func(context.Context, []string) error {
			return a.split()
		}),
	}
	a.splitFlags(cmd)
	return cmd
}

func datasetConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset-config",
		Short: "Write the data.yaml dataset config for a split dataset",
		Args:  cobra.NoArgs,
		RunE: a.runE(datasetConfigBindings, func(context.Context, []string) error {
			return a.writeDatasetConfig()
		}),
	}
	a.datasetConfigFlags(cmd)
	return cmd
}

func prepareCommand(a *app) *cobra.Command {
	bindings := map[string]string{}
	for _, m := range []map[string]string{convertBindings, splitBindings, datasetConfigBindings} {
		for k, v := range m {
			bindings[k] = v
		}
	}

	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Convert, split and write the dataset config in one step",
		Args:  cobra.NoArgs,
		RunE: a.runE(bindings, func(context.Context, []string) error {
			if _, err := a.convert(); err != nil {
				return err
			}
			if err := a.split(); err != nil {
				return err
			}
			return a.writeDatasetConfig()
		}),
	}
	a.convertFlags(cmd)
	f := cmd.Flags()
	f.String("root", a.v.GetString("dataset.root"), "Output `dir` of the split dataset")
	f.String("ratios", a.v.GetString("dataset.ratios"), "Train,val,test `percentages`")
	f.Int64("seed", a.v.GetInt64("dataset.seed"), "Random seed of the split")
	f.String("mode", a.v.GetString("dataset.mode"), "File placement: copy, symlink, hardlink")
	f.Bool("validate", a.v.GetBool("dataset.validate"), "Exclude pairs with unparsable labels")
	f.String("output", a.v.GetString("dataset.config"),
		"Dataset config `file` (default <root>/data.yaml)")
	return cmd
}

func (a *app) convertFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("geojson", a.v.GetString("dataset.geojson"), "xView GeoJSON annotation `file`")
	f.String("images", a.v.GetString("dataset.images"), "Image `dir`")
	f.String("labels", a.v.GetString("dataset.labels"), "Label output `dir`")
	f.Float64("min-bbox", a.v.GetFloat64("dataset.min_bbox"),
		"Drop boxes smaller than this many `pixels` in either dimension")
}

func (a *app) splitFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("images", a.v.GetString("dataset.images"), "Image `dir`")
	f.String("labels", a.v.GetString("dataset.labels"), "YOLO label `dir`")
	f.String("root", a.v.GetString("dataset.root"), "Output `dir` of the split dataset")
	f.String("ratios", a.v.GetString("dataset.ratios"), "Train,val,test `percentages`")
	f.Int64("seed", a.v.GetInt64("dataset.seed"), "Random seed of the split")
	f.String("mode", a.v.GetString("dataset.mode"), "File placement: copy, symlink, hardlink")
	f.Bool("validate", a.v.GetBool("dataset.validate"), "Exclude pairs with unparsable labels")
}

func (a *app) datasetConfigFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("root", a.v.GetString("dataset.root"), "Root `dir` of the split dataset")
	f.String("output", a.v.GetString("dataset.config"),
		"Dataset config `file` (default <root>/data.yaml)")
}

func (a *app) convert() (satdet.ConversionStats, error) {
	s := a.settings
	tax, err := s.Taxonomy()
	if err != nil {
		return satdet.ConversionStats{}, err
	}

	a.logger.Info("Converting annotations", "geojson", s.Dataset.GeoJSON,
		"images", s.Dataset.Images, "labels", s.Dataset.Labels, "classes", tax.Len())
	stats, err := satdet.ConvertGeoJSON(s.Dataset.GeoJSON, s.Dataset.Images, s.Dataset.Labels, tax,
		s.Dataset.MinBBox)
	if err != nil {
		return stats, err
	}

	a.logger.Info("Conversion complete", "stats", stats)
	for _, name := range tax.Names() {
		a.logger.Info("Class", "name", name, "annotations", stats.ClassCounts[name])
	}
	return stats, nil
}

func (a *app) split() error {
	tax, err := a.settings.Taxonomy()
	if err != nil {
		return err
	}
	opts, err := a.settings.SplitOptions(tax.Len())
	if err != nil {
		return err
	}

	m, err := satdet.SplitDataset(opts)
	if err != nil {
		return err
	}
	for _, p := range m.Excluded {
		a.logger.Debug("Excluded from split", "file", p)
	}
	a.logger.Info("Wrote split manifest", "file", filepath.Join(opts.OutputDir, "split.yaml"))
	return nil
}

func (a *app) writeDatasetConfig() error {
	tax, err := a.settings.Taxonomy()
	if err != nil {
		return err
	}
	cfg, err := satdet.NewDatasetConfig(a.settings.Dataset.Root, tax)
	if err != nil {
		return err
	}

	path := a.settings.DatasetConfigPath()
	if err := satdet.WriteDatasetConfig(path, cfg); err != nil {
		return err
	}
	a.logger.Info("Wrote dataset config", "file", path, "nc", cfg.NC, "names", cfg.Names.String())
	return nil
}
