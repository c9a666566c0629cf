package trainer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/sensorable/satdet"
	"github.com/sensorable/satdet/internal/errors"
)

// DefaultExecutable is the trainer command line entry point.
const DefaultExecutable = "yolo"

// outputTailSize is the amount of trainer output kept for error reports.
const outputTailSize = 8 << 10

// Runner runs an external command, blocking until it exits.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Dir string // Working directory, the current one if empty.
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, name string, args []string, stdout,
	stderr io.Writer) error {

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// Driver invokes the trainer. Failures are returned as they are; there is no retry.
type Driver struct {
	Executable string
	Runner     Runner
	Output     io.Writer // Receives the trainer's output.
	Logger     *slog.Logger
}

// New returns a driver running executable (DefaultExecutable if empty) with ExecRunner.
func New(executable string, logger *slog.Logger) *Driver {
	if executable == "" {
		executable = DefaultExecutable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		Executable: executable,
		Runner:     ExecRunner{},
		Output:     os.Stdout,
		Logger:     logger.With("module", "trainer"),
	}
}

// Result describes a finished training run.
type Result struct {
	RunDir      string
	BestWeights string
	LastWeights string
	Duration    time.Duration
}

// Train validates hp and the dataset config at dataYAML, then runs the trainer and blocks until
// it exits. An inconsistent dataset config prevents the run from starting.
func (d *Driver) Train(ctx context.Context, dataYAML string, hp Hyperparameters) (*Result, error) {
	if err := hp.Validate(); err != nil {
		return nil, errors.New(err).
			Component("trainer").
			Category(errors.CategoryValidation).
			Build()
	}

	if err := checkDataset(dataYAML); err != nil {
		return nil, err
	}

	d.logMemory(ctx, hp)
	d.Logger.Info("Starting training",
		"model", hp.ModelWeights(), "data", dataYAML, "epochs", hp.Epochs, "imgsz", hp.ImgSize,
		"batch", hp.Batch, "device", hp.Device, "run", filepath.Join(hp.Project, hp.Name))

	start := time.Now()
	args := append([]string{"detect", "train"}, hp.TrainArgs(dataYAML)...)
	if err := d.run(ctx, "train", args); err != nil {
		return nil, err
	}

	runDir := latestRunDir(hp.Project, hp.Name, start)
	res := &Result{
		RunDir:      runDir,
		BestWeights: filepath.Join(runDir, "weights", "best.pt"),
		LastWeights: filepath.Join(runDir, "weights", "last.pt"),
		Duration:    time.Since(start),
	}
	d.Logger.Info("Training complete",
		"best", res.BestWeights, "last", res.LastWeights, "duration", res.Duration.Round(time.Second))
	return res, nil
}

// EvalOptions configures a validation run.
type EvalOptions struct {
	Conf    float64
	IoU     float64
	ImgSize int
	Batch   int
	Split   satdet.Subset // The dataset subset to evaluate on.
	Device  string
}

// DefaultEvalOptions returns the thresholds used for evaluation.
func DefaultEvalOptions() EvalOptions {
	return EvalOptions{Conf: 0.25, IoU: 0.45, ImgSize: 640, Batch: 16, Split: satdet.Val}
}

// Validate runs the trainer's validation mode for weights on the dataset at dataYAML.
func (d *Driver) Validate(ctx context.Context, weights, dataYAML string, opts EvalOptions) error {
	if err := checkDataset(dataYAML); err != nil {
		return err
	}
	if err := checkFile(weights, "weights"); err != nil {
		return err
	}

	args := []string{
		"detect", "val",
		kv("model", weights),
		kv("data", dataYAML),
		kv("conf", opts.Conf),
		kv("iou", opts.IoU),
		kv("imgsz", opts.ImgSize),
		kv("batch", opts.Batch),
		kv("split", string(opts.Split)),
	}
	if opts.Device != "" {
		args = append(args, kv("device", opts.Device))
	}

	d.Logger.Info("Starting validation", "weights", weights, "split", opts.Split)
	return d.run(ctx, "val", args)
}

// ExportOptions configures a model export.
type ExportOptions struct {
	Format   string
	ImgSize  int
	Simplify bool
	Half     bool
	Dynamic  bool
}

// DefaultExportOptions exports a simplified ONNX model at 640 pixels.
func DefaultExportOptions() ExportOptions {
	return ExportOptions{Format: "onnx", ImgSize: 640, Simplify: true}
}

// exportExtensions maps export formats to the extension of the exported artifact.
var exportExtensions = map[string]string{
	"onnx":        ".onnx",
	"torchscript": ".torchscript",
	"engine":      ".engine",
	"openvino":    "_openvino_model",
	"coreml":      ".mlpackage",
	"paddle":      "_paddle_model",
}

// Export converts weights to opts.Format and returns the path of the exported model.
func (d *Driver) Export(ctx context.Context, weights string, opts ExportOptions) (string, error) {
	ext, ok := exportExtensions[opts.Format]
	if !ok {
		return "", errors.Newf("unsupported export format %q", opts.Format).
			Component("trainer").
			Category(errors.CategoryValidation).
			Build()
	}
	if err := checkFile(weights, "weights"); err != nil {
		return "", err
	}

	args := []string{
		"export",
		kv("model", weights),
		kv("format", opts.Format),
		kv("imgsz", opts.ImgSize),
	}
	if opts.Format == "onnx" {
		args = append(args, kv("simplify", opts.Simplify), kv("dynamic", opts.Dynamic))
	}
	if opts.Half {
		args = append(args, kv("half", true))
	}

	d.Logger.Info("Exporting model", "weights", weights, "format", opts.Format)
	if err := d.run(ctx, "export", args); err != nil {
		return "", err
	}
	return strings.TrimSuffix(weights, filepath.Ext(weights)) + ext, nil
}

// run executes the trainer, streaming its output to d.Output. On failure the error carries the
// exit status and the unmodified tail of the output.
func (d *Driver) run(ctx context.Context, op string, args []string) error {
	out := d.Output
	if out == nil {
		out = io.Discard
	}
	tail := &tailBuffer{max: outputTailSize}
	w := io.MultiWriter(out, tail)

	d.Logger.Debug("Running trainer", "cmd", d.Executable, "args", args)
	err := d.Runner.Run(ctx, d.Executable, args, w, w)
	if err == nil {
		return nil
	}

	b := errors.New(fmt.Errorf("%s %s failed: %w\n%s", d.Executable, op, err, tail.String())).
		Component("trainer").
		Category(errors.CategoryCommandExecution).
		Context("operation", op)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		b = b.Context("exit_code", exitErr.ExitCode())
	}
	if ctx.Err() != nil {
		b = b.Context("cancelled", true)
	}
	return b.Build()
}

// logMemory logs the host memory before a run, as running out of memory is the common failure
// with large batches.
func (d *Driver) logMemory(ctx context.Context, hp Hyperparameters) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		d.Logger.Debug("Cannot read host memory", "error", err)
		return
	}
	const gib = 1 << 30
	d.Logger.Info("Host memory",
		"total_gib", fmt.Sprintf("%.1f", float64(vm.Total)/gib),
		"available_gib", fmt.Sprintf("%.1f", float64(vm.Available)/gib),
		"used_percent", fmt.Sprintf("%.0f", vm.UsedPercent))
	if vm.Available < 4*gib && hp.Batch > 8 {
		d.Logger.Warn("Low available memory for the batch size, consider a smaller batch or model",
			"batch", hp.Batch, "model", hp.ModelWeights())
	}
}

// checkDataset loads the dataset config and checks that the train and val directories exist.
func checkDataset(dataYAML string) error {
	cfg, err := satdet.LoadDatasetConfig(dataYAML)
	if err != nil {
		return errors.New(err).
			Component("trainer").
			Category(errors.CategoryConfiguration).
			Context("data", dataYAML).
			Build()
	}

	for _, s := range []satdet.Subset{satdet.Train, satdet.Val} {
		dir := cfg.SubsetDir(s)
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			return errors.Newf("the %s image directory %q does not exist", s, dir).
				Component("trainer").
				Category(errors.CategoryConfiguration).
				Context("data", dataYAML).
				Build()
		}
	}
	return nil
}

func checkFile(path, what string) error {
	if fi, err := os.Stat(path); err != nil || fi.IsDir() {
		return errors.Newf("%s file %q not found", what, path).
			Component("trainer").
			Category(errors.CategoryFileIO).
			Build()
	}
	return nil
}

// latestRunDir returns the run directory the trainer wrote to. The trainer appends a number to
// name when the directory exists, so the most recently modified candidate since start is used.
func latestRunDir(project, name string, start time.Time) string {
	best := filepath.Join(project, name)
	var bestTime time.Time

	entries, err := os.ReadDir(project)
	if err != nil {
		return best
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), name) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().Before(start) {
			continue
		}
		if info.ModTime().After(bestTime) {
			best = filepath.Join(project, e.Name())
			bestTime = info.ModTime()
		}
	}
	return best
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
