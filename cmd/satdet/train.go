package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sensorable/satdet/internal/trainer"
)

func trainCommand(a *app) *cobra.Command {
	bindings := map[string]string{
		"data":       "dataset.config",
		"executable": "train.executable",
		"model":      "train.model",
		"pretrained": "train.pretrained",
		"epochs":     "train.epochs",
		"imgsz":      "train.imgsz",
		"batch":      "train.batch",
		"device":     "train.device",
		"workers":    "train.workers",
		"project":    "train.project",
		"name":       "train.name",
		"optimizer":  "train.optimizer",
		"lr0":        "train.lr0",
		"patience":   "train.patience",
		"resume":     "train.resume",
	}
	var overrides []string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a YOLO model on the prepared dataset",
		Long: "Runs the external trainer with the configured hyperparameters and blocks until it " +
			"exits. Trainer failures are reported as they are.",
		Args: cobra.NoArgs,
		RunE: a.runE(bindings, func(ctx context.Context, _ []string) error {
			hp := a.settings.Train.Hyperparameters
			extra, err := parseOverrides(overrides)
			if err != nil {
				return err
			}
			if len(extra) > 0 {
				merged := make(map[string]string, len(hp.Extra)+len(extra))
				for k, v := range hp.Extra {
					merged[k] = v
				}
				for k, v := range extra {
					merged[k] = v
				}
				hp.Extra = merged
			}

			d := trainer.New(a.settings.Train.Executable, a.logger)
			res, err := d.Train(ctx, a.settings.DatasetConfigPath(), hp)
			if err != nil {
				return err
			}

			p, err := trainer.ReadProgress(res.RunDir)
			if err != nil {
				a.logger.Warn("Cannot read training results", "run", res.RunDir, "error", err)
				return nil
			}
			return printProgress(d.Output, p)
		}),
	}

	f := cmd.Flags()
	f.String("data", a.v.GetString("dataset.config"), "Dataset config `file` (data.yaml)")
	f.String("executable", a.v.GetString("train.executable"), "Trainer executable")
	f.String("model", a.v.GetString("train.model"),
		"Model variant (n, s, m, l, x) or weights `path`")
	f.Bool("pretrained", a.v.GetBool("train.pretrained"), "Start from pretrained weights")
	f.Int("epochs", a.v.GetInt("train.epochs"), "Number of epochs")
	f.Int("imgsz", a.v.GetInt("train.imgsz"), "Input image size")
	f.Int("batch", a.v.GetInt("train.batch"), "Batch size, -1 for automatic")
	f.String("device", a.v.GetString("train.device"), "Device, e.g. 0, 0,1 or cpu")
	f.Int("workers", a.v.GetInt("train.workers"), "Data loader workers")
	f.String("project", a.v.GetString("train.project"), "Project `dir` of the runs")
	f.String("name", a.v.GetString("train.name"), "Run name")
	f.String("optimizer", a.v.GetString("train.optimizer"), "Optimizer")
	f.Float64("lr0", a.v.GetFloat64("train.lr0"), "Initial learning rate")
	f.Int("patience", a.v.GetInt("train.patience"), "Epochs without improvement before stopping")
	f.Bool("resume", a.v.GetBool("train.resume"), "Resume the last run")
	f.StringArrayVar(&overrides, "set", nil,
		"Additional trainer argument as `key=value`; may be repeated")
	return cmd
}

// parseOverrides parses key=value arguments.
func parseOverrides(args []string) (map[string]string, error) {
	m := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid trainer argument %q, expected key=value", a)
		}
		m[strings.TrimSpace(k)] = v
	}
	return m, nil
}

func valCommand(a *app) *cobra.Command {
	bindings := map[string]string{
		"weights":    "eval.weights",
		"data":       "dataset.config",
		"executable": "train.executable",
		"conf":       "eval.conf",
		"iou":        "eval.iou",
		"imgsz":      "eval.imgsz",
		"batch":      "eval.batch",
		"split":      "eval.split",
		"device":     "eval.device",
	}
	cmd := &cobra.Command{
		Use:   "val",
		Short: "Evaluate trained weights on a dataset subset",
		Args:  cobra.NoArgs,
		RunE: a.runE(bindings, func(ctx context.Context, _ []string) error {
			d := trainer.New(a.settings.Train.Executable, a.logger)
			return d.Validate(ctx, a.settings.Eval.Weights, a.settings.DatasetConfigPath(),
				a.settings.EvalOptions())
		}),
	}

	f := cmd.Flags()
	f.String("weights", a.v.GetString("eval.weights"), "Trained weights `file`")
	f.String("data", a.v.GetString("dataset.config"), "Dataset config `file` (data.yaml)")
	f.String("executable", a.v.GetString("train.executable"), "Trainer executable")
	f.Float64("conf", a.v.GetFloat64("eval.conf"), "Confidence threshold")
	f.Float64("iou", a.v.GetFloat64("eval.iou"), "NMS IoU threshold")
	f.Int("imgsz", a.v.GetInt("eval.imgsz"), "Input image size")
	f.Int("batch", a.v.GetInt("eval.batch"), "Batch size")
	f.String("split", a.v.GetString("eval.split"), "Subset to evaluate: train, val, test")
	f.String("device", a.v.GetString("eval.device"), "Device, e.g. 0 or cpu")
	return cmd
}

func exportCommand(a *app) *cobra.Command {
	bindings := map[string]string{
		"weights":    "export.weights",
		"executable": "train.executable",
		"format":     "export.format",
		"imgsz":      "export.imgsz",
		"half":       "export.half",
		"dynamic":    "export.dynamic",
	}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export trained weights, to ONNX by default, for the dashboard",
		Args:  cobra.NoArgs,
		RunE: a.runE(bindings, func(ctx context.Context, _ []string) error {
			d := trainer.New(a.settings.Train.Executable, a.logger)
			out, err := d.Export(ctx, a.settings.Export.Weights, a.settings.ExportOptions())
			if err != nil {
				return err
			}
			a.logger.Info("Export complete", "model", out)
			return nil
		}),
	}

	f := cmd.Flags()
	f.String("weights", a.v.GetString("export.weights"), "Trained weights `file`")
	f.String("executable", a.v.GetString("train.executable"), "Trainer executable")
	f.String("format", a.v.GetString("export.format"), "Export format")
	f.Int("imgsz", a.v.GetInt("export.imgsz"), "Input image size")
	f.Bool("half", a.v.GetBool("export.half"), "Export with FP16 weights")
	f.Bool("dynamic", a.v.GetBool("export.dynamic"), "Dynamic input shapes")
	return cmd
}

func progressCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <run-dir>",
		Short: "Show the per-epoch metrics and checkpoints of a training run",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(nil, func(_ context.Context, args []string) error {
			p, err := trainer.ReadProgress(args[0])
			if err != nil {
				return err
			}
			return printProgress(os.Stdout, p)
		}),
	}
}

// printProgress writes a table of the epochs of p followed by the best epoch and checkpoints.
func printProgress(w io.Writer, p *trainer.Progress) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	_, _ = fmt.Fprintln(tw, "epoch\tbox\tcls\tdfl\tprecision\trecall\tmAP50\tmAP50-95\t")
	for _, e := range p.Epochs {
		_, _ = fmt.Fprintf(tw, "%d\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t\n", e.Epoch,
			e.BoxLoss, e.ClsLoss, e.DFLLoss, e.Precision, e.Recall, e.MAP50, e.MAP5095)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if best, ok := p.Best(); ok {
		_, _ = fmt.Fprintf(w, "\nbest epoch %d: mAP50 %.4f, mAP50-95 %.4f\n", best.Epoch,
			best.MAP50, best.MAP5095)
	} else {
		_, _ = fmt.Fprintln(w, "no completed epochs yet")
	}
	for _, wf := range p.Weights {
		_, _ = fmt.Fprintf(w, "%s\t%.1f MiB\n", wf.Name, float64(wf.Size)/(1<<20))
	}
	return nil
}
