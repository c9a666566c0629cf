package satdet

import (
	"image"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAugment(t *testing.T) {
	imageDir, labelDir := setupSplitFixture(t, 3)
	out := t.TempDir()
	outImages := filepath.Join(out, "images")
	outLabels := filepath.Join(out, "labels")

	opts := DefaultAugmentOptions()
	n, err := Augment(imageDir, labelDir, outImages, outLabels, opts)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	for _, name := range []string{"img_00_aug1", "img_00_aug2", "img_02_aug2"} {
		cfg, _, err := decodeImageConfig(filepath.Join(outImages, name+".png"))
		require.NoError(t, err)
		assert.Equal(t, image.Config{Width: 8, Height: 8, ColorModel: cfg.ColorModel}, cfg)
	}
	assert.Equal(t, readFileString(t, filepath.Join(labelDir, "img_01.txt")),
		readFileString(t, filepath.Join(outLabels, "img_01_aug1.txt")))
}

func TestAugmentOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultAugmentOptions().Validate())

	for name, mutate := range map[string]func(*AugmentOptions){
		"copies":     func(o *AugmentOptions) { o.Copies = 0 },
		"brightness": func(o *AugmentOptions) { o.Brightness = 1.5 },
		"contrast":   func(o *AugmentOptions) { o.Contrast = -0.1 },
		"noise":      func(o *AugmentOptions) { o.Noise = 2 },
		"quality":    func(o *AugmentOptions) { o.JPEGQuality = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			o := DefaultAugmentOptions()
			mutate(&o)
			assert.Error(t, o.Validate())
		})
	}
}

func TestPhotometricKeepsBounds(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 9))
	out := photometric(img, 0.3, -0.2, 0.5)
	assert.Equal(t, 16, out.Bounds().Dx())
	assert.Equal(t, 9, out.Bounds().Dy())
}

func TestWritableImageExt(t *testing.T) {
	assert.Equal(t, ".jpg", writableImageExt(".jpg"))
	assert.Equal(t, ".tif", writableImageExt(".tif"))
	assert.Equal(t, ".png", writableImageExt(".webp"))
}
