package trainer

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorable/satdet"
	"github.com/sensorable/satdet/internal/errors"
)

// fakeRunner records invocations and replays canned output.
type fakeRunner struct {
	calls  [][]string
	output string
	err    error
	onRun  func(args []string)
}

func (f *fakeRunner) Run(_ context.Context, name string, args []string, stdout,
	_ io.Writer) error {

	f.calls = append(f.calls, append([]string{name}, args...))
	if f.onRun != nil {
		f.onRun(args)
	}
	_, _ = io.WriteString(stdout, f.output)
	return f.err
}

func newTestDriver(r Runner) (*Driver, *bytes.Buffer) {
	var out bytes.Buffer
	return &Driver{
		Executable: "yolo",
		Runner:     r,
		Output:     &out,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, &out
}

// writeDataset creates a split dataset layout with a data.yaml and returns its path.
func writeDataset(t *testing.T, nc int, names []string) string {
	t.Helper()
	root := t.TempDir()
	for _, s := range satdet.Subsets {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "images", string(s)), 0o755))
	}
	path := filepath.Join(root, "data.yaml")
	content := "path: " + root + "\ntrain: images/train\nval: images/val\ntest: images/test\n" +
		"nc: " + strconv.Itoa(nc) + "\nnames: [" + strings.Join(names, ", ") + "]\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func argMap(args []string) map[string]string {
	m := map[string]string{}
	for _, a := range args {
		if k, v, ok := strings.Cut(a, "="); ok {
			m[k] = v
		}
	}
	return m
}

func TestTrainArgs(t *testing.T) {
	hp := DefaultHyperparameters()
	hp.Device = "0"
	hp.Extra = map[string]string{"cache": "ram", "amp": "False"}

	args := hp.TrainArgs("data.yaml")
	assert.Equal(t, "data=data.yaml", args[0])
	assert.Equal(t, "model=yolo12s.pt", args[1])
	assert.Equal(t, []string{"amp=False", "cache=ram"}, args[len(args)-2:])

	m := argMap(args)
	for k, v := range map[string]string{
		"epochs": "100", "imgsz": "640", "batch": "4", "device": "0", "workers": "2",
		"optimizer": "AdamW", "lr0": "0.01", "lrf": "0.01", "momentum": "0.937",
		"weight_decay": "0.0005", "warmup_epochs": "3", "warmup_momentum": "0.8",
		"box": "7.5", "cls": "0.5", "dfl": "1.5", "hsv_h": "0.015", "hsv_s": "0.7",
		"hsv_v": "0.4", "degrees": "0", "translate": "0.1", "scale": "0.5", "fliplr": "0.5",
		"mosaic": "1", "mixup": "0", "copy_paste": "0", "patience": "50", "save_period": "10",
		"project": filepath.Join("runs", "detect"), "name": "xview_train", "plots": "True",
	} {
		assert.Equal(t, v, m[k], k)
	}
	assert.NotContains(t, m, "resume")
}

func TestModelWeights(t *testing.T) {
	hp := DefaultHyperparameters()
	hp.Model = "x"
	assert.Equal(t, "yolo12x.pt", hp.ModelWeights())

	hp.Pretrained = false
	assert.Equal(t, "yolo12x.yaml", hp.ModelWeights())

	hp.Model = "runs/detect/xview_train/weights/last.pt"
	assert.Equal(t, hp.Model, hp.ModelWeights())
}

func TestHyperparametersValidate(t *testing.T) {
	require.NoError(t, DefaultHyperparameters().Validate())

	hp := DefaultHyperparameters()
	hp.Model = "q"
	hp.Epochs = 0
	hp.ImgSize = 650
	hp.Batch = 0
	hp.Optimizer = "Lion"
	hp.Mosaic = 1.5
	err := hp.Validate()
	require.Error(t, err)
	for _, s := range []string{"model", "epochs", "imgsz", "batch", "optimizer", "mosaic"} {
		assert.Contains(t, err.Error(), s)
	}

	hp = DefaultHyperparameters()
	hp.Batch = -1
	assert.NoError(t, hp.Validate())
}

func TestTrainRunsTrainer(t *testing.T) {
	data := writeDataset(t, 2, []string{"Ship", "Truck"})
	project := t.TempDir()

	r := &fakeRunner{output: "Epoch 1/1\n", onRun: func(args []string) {
		m := argMap(args)
		_ = os.MkdirAll(filepath.Join(m["project"], m["name"], "weights"), 0o755)
	}}
	d, out := newTestDriver(r)

	hp := DefaultHyperparameters()
	hp.Project = project
	hp.Epochs = 1

	res, err := d.Train(context.Background(), data, hp)
	require.NoError(t, err)
	require.Len(t, r.calls, 1)
	assert.Equal(t, []string{"yolo", "detect", "train", "data=" + data}, r.calls[0][:4])
	assert.Equal(t, filepath.Join(project, "xview_train"), res.RunDir)
	assert.Equal(t, filepath.Join(project, "xview_train", "weights", "best.pt"), res.BestWeights)
	assert.Equal(t, "Epoch 1/1\n", out.String())
}

func TestTrainRejectsInconsistentDataset(t *testing.T) {
	data := writeDataset(t, 9, []string{"Ship", "Truck"})
	r := &fakeRunner{}
	d, _ := newTestDriver(r)

	_, err := d.Train(context.Background(), data, DefaultHyperparameters())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
	assert.Contains(t, err.Error(), "nc is 9 but 2 class names")
	assert.Empty(t, r.calls, "training must not start")
}

func TestTrainRejectsMissingSubsetDir(t *testing.T) {
	data := writeDataset(t, 1, []string{"Ship"})
	require.NoError(t, os.RemoveAll(filepath.Join(filepath.Dir(data), "images", "val")))
	r := &fakeRunner{}
	d, _ := newTestDriver(r)

	_, err := d.Train(context.Background(), data, DefaultHyperparameters())
	assert.ErrorContains(t, err, "val image directory")
	assert.Empty(t, r.calls)
}

func TestTrainRejectsInvalidHyperparameters(t *testing.T) {
	data := writeDataset(t, 1, []string{"Ship"})
	r := &fakeRunner{}
	d, _ := newTestDriver(r)

	hp := DefaultHyperparameters()
	hp.Epochs = -1
	_, err := d.Train(context.Background(), data, hp)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Empty(t, r.calls)
}

func TestTrainSurfacesFailureVerbatim(t *testing.T) {
	data := writeDataset(t, 1, []string{"Ship"})
	oom := "torch.OutOfMemoryError: CUDA out of memory. Tried to allocate 20.00 MiB\n"
	r := &fakeRunner{output: oom, err: stderrors.New("exit status 1")}
	d, _ := newTestDriver(r)

	hp := DefaultHyperparameters()
	hp.Project = t.TempDir()
	_, err := d.Train(context.Background(), data, hp)
	require.Error(t, err)
	assert.Len(t, r.calls, 1, "no retry")
	assert.Contains(t, err.Error(), oom)
	assert.Contains(t, err.Error(), "exit status 1")
	assert.True(t, errors.IsCategory(err, errors.CategoryCommandExecution))
}

func TestValidateAndExport(t *testing.T) {
	data := writeDataset(t, 1, []string{"Ship"})
	weights := filepath.Join(t.TempDir(), "best.pt")
	require.NoError(t, os.WriteFile(weights, []byte("pt"), 0o644))

	r := &fakeRunner{}
	d, _ := newTestDriver(r)

	opts := DefaultEvalOptions()
	opts.Split = satdet.Test
	require.NoError(t, d.Validate(context.Background(), weights, data, opts))
	m := argMap(r.calls[0])
	assert.Equal(t, []string{"yolo", "detect", "val"}, r.calls[0][:3])
	assert.Equal(t, "0.25", m["conf"])
	assert.Equal(t, "0.45", m["iou"])
	assert.Equal(t, "test", m["split"])

	out, err := d.Export(context.Background(), weights, DefaultExportOptions())
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSuffix(weights, ".pt")+".onnx", out)
	assert.Equal(t, []string{"yolo", "export", "model=" + weights, "format=onnx", "imgsz=640",
		"simplify=True", "dynamic=False"}, r.calls[1])

	_, err = d.Export(context.Background(), weights, ExportOptions{Format: "tflite"})
	assert.Error(t, err)

	_, err = d.Export(context.Background(), weights+".missing", DefaultExportOptions())
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 5}
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defg"))
	assert.Equal(t, "cdefg", tb.String())
}

func TestReadProgress(t *testing.T) {
	run := t.TempDir()
	csv := "                  epoch,         train/box_loss,         train/cls_loss,         train/dfl_loss," +
		"   metrics/precision(B),      metrics/recall(B),       metrics/mAP50(B),    metrics/mAP50-95(B)\n" +
		"                      1,                 1.9,                 2.5,                 1.3," +
		"                 0.41,                0.22,                0.18,               0.09\n" +
		"                      2,                 1.7,                 2.1,                 1.2," +
		"                 0.52,                0.31,                0.27,               0.15\n" +
		"                      3,                 1.6,                 1.9,                 1.2," +
		"                 0.50,                0.30,                0.26,               0.14\n"
	require.NoError(t, os.WriteFile(filepath.Join(run, "results.csv"), []byte(csv), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(run, "weights"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(run, "weights", "last.pt"), []byte("12345"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(run, "weights", "best.pt"), []byte("123"), 0o644))

	p, err := ReadProgress(run)
	require.NoError(t, err)
	require.Len(t, p.Epochs, 3)

	latest, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, 3, latest.Epoch)
	assert.InDelta(t, 0.26, latest.MAP50, 1e-9)

	best, ok := p.Best()
	require.True(t, ok)
	assert.Equal(t, 2, best.Epoch)
	assert.InDelta(t, 0.52, best.Precision, 1e-9)

	assert.Equal(t, []WeightFile{{"best.pt", 3}, {"last.pt", 5}}, p.Weights)
}

func TestReadProgressWithoutResults(t *testing.T) {
	p, err := ReadProgress(t.TempDir())
	require.NoError(t, err)
	_, ok := p.Latest()
	assert.False(t, ok)

	_, err = ReadProgress(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
