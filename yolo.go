package satdet

// YOLO label format specific functionality.

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// coordPrecision is the number of decimals written for normalized coordinates.
const coordPrecision = 1e6

// YOLOLabel is a single line of a YOLO label file. The coordinates are relative to the image
// width and height.
type YOLOLabel struct {
	Class int
	CX    float64
	CY    float64
	W     float64
	H     float64
}

// String formats the label as "class cx cy w h".
func (l YOLOLabel) String() string {
	return fmt.Sprintf("%d %s %s %s %s", l.Class,
		formatCoord(l.CX), formatCoord(l.CY), formatCoord(l.W), formatCoord(l.H))
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(roundCoord(v), 'f', -1, 64)
}

func roundCoord(v float64) float64 {
	return math.Round(v*coordPrecision) / coordPrecision
}

// ParseYOLOLabel parses a label line. The class index must be in [0, numClasses) unless
// numClasses is zero.
func ParseYOLOLabel(line string, numClasses int) (YOLOLabel, error) {
	fields := strings.Fields(line)
	if len(fields) != 5 {
		return YOLOLabel{}, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	class, err := strconv.Atoi(fields[0])
	if err != nil {
		return YOLOLabel{}, fmt.Errorf("invalid class index %q", fields[0])
	}
	if class < 0 || (numClasses > 0 && class >= numClasses) {
		return YOLOLabel{}, fmt.Errorf("class %d outside of [0, %d)", class, numClasses)
	}

	var v [4]float64
	for i := range v {
		v[i], err = strconv.ParseFloat(fields[i+1], 64)
		if err != nil || math.IsNaN(v[i]) || v[i] < 0 || v[i] > 1 {
			return YOLOLabel{}, fmt.Errorf("invalid normalized coordinate %q", fields[i+1])
		}
	}
	if v[2] == 0 || v[3] == 0 {
		return YOLOLabel{}, fmt.Errorf("zero area box")
	}

	return YOLOLabel{Class: class, CX: v[0], CY: v[1], W: v[2], H: v[3]}, nil
}

// YOLOAnnotatedFile defines the YOLO annotation structure for a single image.
type YOLOAnnotatedFile struct {
	Labels   []YOLOLabel
	FilePath string // The image file.
}

// ToYOLO converts the intermediate representation to normalized YOLO labels.
//
// Boxes are clipped to the image before normalization. Boxes that degenerate to zero width or
// height and annotations with a class outside [0, numClasses) are dropped with a warning. Returns
// the number of dropped annotations.
func ToYOLO(data []AnnotatedFile, numClasses int) ([]YOLOAnnotatedFile, int) {
	yoloData := make([]YOLOAnnotatedFile, 0, len(data))
	dropped := 0

	for _, f := range data {
		if f.Width <= 0 || f.Height <= 0 {
			slog.Warn("Missing image dimensions, skipping", "image", f.FilePath)
			dropped += len(f.Annotations)
			continue
		}
		w, h := float64(f.Width), float64(f.Height)

		labels := make([]YOLOLabel, 0, len(f.Annotations))
		for _, a := range f.Annotations {
			if a.Class < 0 || a.Class >= numClasses {
				slog.Warn("Class index out of range, dropping annotation",
					"image", f.FilePath, "class", a.Class, "classes", numClasses)
				dropped++
				continue
			}

			c := a.clamped(w, h)
			l := YOLOLabel{
				Class: a.Class,
				CX:    (c[0] + c[2]) / 2 / w,
				CY:    (c[1] + c[3]) / 2 / h,
				W:     (c[2] - c[0]) / w,
				H:     (c[3] - c[1]) / h,
			}
			if roundCoord(l.W) <= 0 || roundCoord(l.H) <= 0 {
				slog.Warn("Degenerate bounding box, dropping annotation",
					"image", f.FilePath, "label", a.Label, "coords", a.Coords)
				dropped++
				continue
			}
			labels = append(labels, l)
		}

		yoloData = append(yoloData, YOLOAnnotatedFile{Labels: labels, FilePath: f.FilePath})
	}

	return yoloData, dropped
}

// WriteYOLO writes one label file per image to dirPath, named after the image with a .txt
// extension. Images without labels get an empty file.
func WriteYOLO(dirPath string, data []YOLOAnnotatedFile) error {
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return fmt.Errorf("failed to create the label directory %q: %w", dirPath, err)
	}

	for _, f := range data {
		var b strings.Builder
		for _, l := range f.Labels {
			b.WriteString(l.String())
			b.WriteByte('\n')
		}

		path := filepath.Join(dirPath, stem(f.FilePath)+".txt")
		if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
			return fmt.Errorf("failed to write labels to %q: %w", path, err)
		}
	}

	return nil
}

// ReadYOLOLabels parses the label file at path. Any malformed line or class index outside
// [0, numClasses) fails the whole file.
func ReadYOLOLabels(path string, numClasses int) ([]YOLOLabel, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}

	labels := make([]YOLOLabel, 0, len(lines))
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		l, err := ParseYOLOLabel(line, numClasses)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, i+1, err)
		}
		labels = append(labels, l)
	}

	return labels, nil
}

// FromYOLO reads the YOLO label files in labelDir and matches them to the images in imageDir.
// The coordinates are converted back to absolute pixels.
func FromYOLO(labelDir, imageDir string, taxonomy Taxonomy) ([]AnnotatedFile, error) {
	parse := func(labelPath, imagePath string) (AnnotatedFile, error) {
		labels, err := ReadYOLOLabels(labelPath, taxonomy.Len())
		if err != nil {
			return AnnotatedFile{}, err
		}

		cfg, _, err := decodeImageConfig(imagePath)
		if err != nil {
			return AnnotatedFile{}, fmt.Errorf("failed to decode the image metadata: %w", err)
		}

		f := AnnotatedFile{
			Annotations: make([]Annotation, len(labels)),
			FilePath:    imagePath,
			Width:       cfg.Width,
			Height:      cfg.Height,
		}
		for i, l := range labels {
			f.Annotations[i] = Annotation{
				Class:  l.Class,
				Coords: [4]float64{l.CX - l.W/2, l.CY - l.H/2, l.CX + l.W/2, l.CY + l.H/2},
				Label:  taxonomy[l.Class].Name,
			}
		}
		f.scaleCoords(float64(cfg.Width), float64(cfg.Height))

		return f, nil
	}

	return parseLabelsWithOneToOneImages(labelDir, ".txt", imageDir, parse)
}
