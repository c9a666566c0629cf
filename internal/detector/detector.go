// Package detector runs an exported YOLO model on images and draws the results.
package detector

import (
	"context"
	"fmt"
	"image"
	"math"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/sensorable/satdet/internal/errors"
)

// Default inference settings.
const (
	DefaultInputSize = 640
	DefaultConf      = 0.25
	DefaultIoU       = 0.45
)

// Box is an axis aligned box in source image pixels.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Area of the box, 0 if it is degenerate.
func (b Box) Area() float64 {
	return math.Max(0, b.X2-b.X1) * math.Max(0, b.Y2-b.Y1)
}

// IoU returns the intersection over union of b and o.
func (b Box) IoU(o Box) float64 {
	inter := Box{
		X1: math.Max(b.X1, o.X1),
		Y1: math.Max(b.Y1, o.Y1),
		X2: math.Min(b.X2, o.X2),
		Y2: math.Min(b.Y2, o.Y2),
	}.Area()
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Rect rounds the box to integer pixels.
func (b Box) Rect() image.Rectangle {
	return image.Rect(int(math.Round(b.X1)), int(math.Round(b.Y1)), int(math.Round(b.X2)),
		int(math.Round(b.Y2)))
}

// Detection is one detected object.
type Detection struct {
	ClassID    int     `json:"class_id"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Thresholds control which raw predictions are reported.
type Thresholds struct {
	Conf float64 // Minimum class score.
	IoU  float64 // Overlap above which a lower scoring box of the same class is suppressed.
}

// DefaultThresholds returns the dashboard defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Conf: DefaultConf, IoU: DefaultIoU}
}

// Validate checks that both thresholds lie in [0, 1].
func (t Thresholds) Validate() error {
	if t.Conf < 0 || t.Conf > 1 {
		return fmt.Errorf("confidence threshold must be in [0, 1], got %v", t.Conf)
	}
	if t.IoU < 0 || t.IoU > 1 {
		return fmt.Errorf("IoU threshold must be in [0, 1], got %v", t.IoU)
	}
	return nil
}

// Detector finds objects in images.
type Detector interface {
	Detect(ctx context.Context, img image.Image, th Thresholds) ([]Detection, error)
	Classes() []string
	InputSize() int
	ModelPath() string
}

// InitRuntime loads the ONNX Runtime shared library. An empty libPath uses the platform default
// library name. It must be called once before NewONNX.
func InitRuntime(libPath string) error {
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.New(fmt.Errorf("cannot initialize ONNX Runtime: %w", err)).
			Component("detector").
			Category(errors.CategoryModelLoad).
			Context("library", libPath).
			Build()
	}
	return nil
}

// DestroyRuntime releases the ONNX Runtime environment.
func DestroyRuntime() error {
	return ort.DestroyEnvironment()
}

// Options configures an ONNXDetector.
type Options struct {
	ModelPath string
	Classes   []string
	InputSize int // Square model input size, a multiple of 32.
	Threads   int // Intra-op threads, runtime.NumCPU() if 0.
}

// ONNXDetector runs a YOLO model exported to ONNX. The session and its tensors are created once
// and reused; Detect calls are serialized.
type ONNXDetector struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	modelPath string
	classes   []string
	size      int
	anchors   int
}

// NewONNX loads the model at opts.ModelPath.
func NewONNX(opts Options) (*ONNXDetector, error) {
	if opts.InputSize == 0 {
		opts.InputSize = DefaultInputSize
	}
	if opts.InputSize%32 != 0 {
		return nil, fmt.Errorf("input size must be a multiple of 32, got %d", opts.InputSize)
	}
	if len(opts.Classes) == 0 {
		return nil, fmt.Errorf("no class names given")
	}
	if opts.Threads <= 0 {
		opts.Threads = runtime.NumCPU()
	}

	modelErr := func(err error, what string) error {
		return errors.New(fmt.Errorf("%s: %w", what, err)).
			Component("detector").
			Category(errors.CategoryModelLoad).
			Context("model", opts.ModelPath).
			Build()
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, modelErr(err, "cannot create session options")
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(opts.Threads); err != nil {
		return nil, modelErr(err, "cannot set thread count")
	}

	size := opts.InputSize
	anchors := anchorCount(size)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, modelErr(err, "cannot create input tensor")
	}
	output, err := ort.NewEmptyTensor[float32](
		ort.NewShape(1, int64(4+len(opts.Classes)), int64(anchors)))
	if err != nil {
		input.Destroy()
		return nil, modelErr(err, "cannot create output tensor")
	}

	session, err := ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, modelErr(err, "cannot create session")
	}

	return &ONNXDetector{
		session:   session,
		input:     input,
		output:    output,
		modelPath: opts.ModelPath,
		classes:   append([]string(nil), opts.Classes...),
		size:      size,
		anchors:   anchors,
	}, nil
}

// Close releases the session and its tensors.
func (d *ONNXDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.session != nil {
		err = d.session.Destroy()
		d.session = nil
	}
	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
	if d.output != nil {
		d.output.Destroy()
		d.output = nil
	}
	return err
}

// Classes returns the class names indexed by model class id.
func (d *ONNXDetector) Classes() []string { return d.classes }

// InputSize returns the square model input size in pixels.
func (d *ONNXDetector) InputSize() int { return d.size }

// ModelPath returns the path of the loaded model.
func (d *ONNXDetector) ModelPath() string { return d.modelPath }

// Detect runs the model on img and returns the detections in img's pixel coordinates, sorted by
// descending confidence.
func (d *ONNXDetector) Detect(ctx context.Context, img image.Image, th Thresholds) ([]Detection,
	error) {

	if err := th.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	canvas, lb := letterboxImage(img, d.size)

	d.mu.Lock()
	if d.session == nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("detector is closed")
	}
	toCHW(canvas, d.input.GetData())
	err := d.session.Run()
	var raw []float32
	if err == nil {
		raw = append(raw, d.output.GetData()...)
	}
	d.mu.Unlock()

	if err != nil {
		return nil, errors.New(fmt.Errorf("inference failed: %w", err)).
			Component("detector").
			Category(errors.CategoryInference).
			Build()
	}

	b := img.Bounds()
	dets, err := decode(raw, d.classes, d.anchors, th.Conf, lb, b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}
	return nms(dets, th.IoU), nil
}

// anchorCount is the number of predictions of a three scale YOLO head with strides 8, 16 and 32.
func anchorCount(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		n += (size / stride) * (size / stride)
	}
	return n
}
