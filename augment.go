package satdet

// Offline photometric augmentation. Geometry is unchanged, so label files are copied as they are.

import (
	"fmt"
	"image"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/anthonynsimon/bild/blend"
	"github.com/anthonynsimon/bild/noise"
)

// AugmentOptions configures Augment.
type AugmentOptions struct {
	Copies      int     // Variants written per image.
	Brightness  float64 // Maximum absolute brightness change in [0, 1].
	Contrast    float64 // Maximum absolute contrast change in [0, 1].
	Noise       float64 // Opacity of the gaussian noise layer in [0, 1]; zero disables noise.
	Seed        int64
	JPEGQuality int
}

// DefaultAugmentOptions returns moderate augmentation settings.
func DefaultAugmentOptions() AugmentOptions {
	return AugmentOptions{
		Copies:      2,
		Brightness:  0.2,
		Contrast:    0.2,
		Noise:       0.1,
		Seed:        DefaultSeed,
		JPEGQuality: 95,
	}
}

// Validate checks the option ranges.
func (o AugmentOptions) Validate() error {
	switch {
	case o.Copies < 1:
		return fmt.Errorf("copies must be >= 1, got %d", o.Copies)
	case o.Brightness < 0 || o.Brightness > 1:
		return fmt.Errorf("brightness must be in [0, 1], got %v", o.Brightness)
	case o.Contrast < 0 || o.Contrast > 1:
		return fmt.Errorf("contrast must be in [0, 1], got %v", o.Contrast)
	case o.Noise < 0 || o.Noise > 1:
		return fmt.Errorf("noise must be in [0, 1], got %v", o.Noise)
	case o.JPEGQuality < 1 || o.JPEGQuality > 100:
		return fmt.Errorf("jpeg quality must be in [1, 100], got %d", o.JPEGQuality)
	}
	return nil
}

// augmentTask is one variant of one image.
type augmentTask struct {
	pair       Pair
	index      int
	brightness float64
	contrast   float64
}

// Augment writes opts.Copies photometric variants of every image/label pair found in imageDir and
// labelDir to outImageDir and outLabelDir, named "<stem>_aug<N>". Returns the number of variants
// written. Images that fail to load or save are logged and skipped.
func Augment(imageDir, labelDir, outImageDir, outLabelDir string, opts AugmentOptions) (int,
	error) {

	if err := opts.Validate(); err != nil {
		return 0, err
	}
	for _, dir := range []string{outImageDir, outLabelDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("failed to create %q: %w", dir, err)
		}
	}

	pairs, _, err := PairImagesAndLabels(imageDir, labelDir)
	if err != nil {
		return 0, err
	}

	// Draw all random factors up front so that they do not depend on scheduling.
	rng := rand.New(rand.NewSource(opts.Seed))
	tasks := make([]augmentTask, 0, len(pairs)*opts.Copies)
	for _, p := range pairs {
		for i := 1; i <= opts.Copies; i++ {
			tasks = append(tasks, augmentTask{
				pair:       p,
				index:      i,
				brightness: (rng.Float64()*2 - 1) * opts.Brightness,
				contrast:   (rng.Float64()*2 - 1) * opts.Contrast,
			})
		}
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	// Limit the number of goroutines in flight, as they hold decoded images in memory.
	numWorkers := runtime.NumCPU()
	if len(tasks) < numWorkers {
		numWorkers = len(tasks)
	}
	workQueue := make(chan augmentTask, 2*numWorkers)

	var written atomic.Int64
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for t := range workQueue {
				if err := augmentImage(t, outImageDir, outLabelDir, opts); err != nil {
					slog.Warn("Augmentation failed, skipping", "image", t.pair.Image, "error", err)
					continue
				}
				written.Add(1)
			}
		}()
	}

	for _, t := range tasks {
		workQueue <- t
	}
	close(workQueue)
	wg.Wait()

	slog.Info("Augmented images", "pairs", len(pairs), "written", written.Load())
	return int(written.Load()), nil
}

// augmentImage writes a single variant of t.pair.
func augmentImage(t augmentTask, outImageDir, outLabelDir string, opts AugmentOptions) error {
	img, _, err := loadImage(t.pair.Image)
	if err != nil {
		return err
	}

	out := photometric(img, t.brightness, t.contrast, opts.Noise)

	name := fmt.Sprintf("%s_aug%d", t.pair.Name(), t.index)
	ext := writableImageExt(filepath.Ext(t.pair.Image))
	if err := saveImage(filepath.Join(outImageDir, name+ext), out, opts.JPEGQuality); err != nil {
		return err
	}
	return copyFile(t.pair.Label, filepath.Join(outLabelDir, name+".txt"))
}

// photometric applies the brightness and contrast changes and blends in a gaussian noise layer
// with the given opacity.
func photometric(img image.Image, brightness, contrast, noiseOpacity float64) image.Image {
	out := adjust.Brightness(img, brightness)
	out = adjust.Contrast(out, contrast)

	if noiseOpacity > 0 {
		b := out.Bounds()
		n := noise.Generate(b.Dx(), b.Dy(), &noise.Options{NoiseFn: noise.Gaussian, Monochrome: true})
		// Overlay with mid-gray is neutral, so the noise perturbs around the original values.
		out = blend.Opacity(out, blend.Overlay(out, n), noiseOpacity)
	}

	return out
}
