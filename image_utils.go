package satdet

import (
	"image"
	_ "image/jpeg" // Register the decoders used by image.DecodeConfig.
	_ "image/png"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/tiff" // xView scenes are GeoTIFFs.
	_ "golang.org/x/image/webp"
)

// decodeImageConfig opens the file at path and returns the results of image.DecodeConfig.
func decodeImageConfig(path string) (config image.Config, format string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return image.Config{}, "", err
	}
	defer file.Close()

	return image.DecodeConfig(file)
}

// loadImage reads and decodes the image at path and returns the results of image.Decode.
func loadImage(path string) (img image.Image, format string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	return image.Decode(f)
}

// saveImage writes img to path in the format selected by its file extension.
func saveImage(path string, img image.Image, jpegQuality int) error {
	return imaging.Save(img, path, imaging.JPEGQuality(jpegQuality))
}

// writableImageExt returns ext if imaging can encode it, otherwise ".png".
func writableImageExt(ext string) string {
	if _, err := imaging.FormatFromExtension(ext); err != nil {
		return ".png"
	}
	if strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}
