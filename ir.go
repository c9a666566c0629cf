package satdet

// The intermediate annotation metadata representation.

import (
	"log/slog"
)

// Keys for known annotation attributes.
const (
	FeatureID   = "FeatureID"   // The xView feature identifier. Type string.
	SourceClass = "SourceClass" // The xView type id before mapping to the taxonomy. Type int.
)

// Annotation is the intermediate representation of an object label.
type Annotation struct {
	Attributes map[string]interface{} // Additional attributes of this annotation.
	Class      int                    // Index into the Taxonomy.
	Coords     [4]float64             // Absolute x1, y1, x2, y2 offsets from the top-left corner.
	Label      string
}

// Width is the object width from a.Coords.
func (a Annotation) Width() float64 {
	return a.Coords[2] - a.Coords[0]
}

// Height is the object height from a.Coords.
func (a Annotation) Height() float64 {
	return a.Coords[3] - a.Coords[1]
}

// clamped returns the bounding box clipped to an image of the given size.
func (a Annotation) clamped(width, height float64) [4]float64 {
	clip := func(v, hi float64) float64 {
		if v < 0 {
			return 0
		}
		if v > hi {
			return hi
		}
		return v
	}

	x1, x2 := a.Coords[0], a.Coords[2]
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	y1, y2 := a.Coords[1], a.Coords[3]
	if y1 > y2 {
		y1, y2 = y2, y1
	}

	return [4]float64{clip(x1, width), clip(y1, height), clip(x2, width), clip(y2, height)}
}

// AnnotatedFile is the intermediate representation of file metadata.
type AnnotatedFile struct {
	Annotations []Annotation // The annotations.
	FilePath    string       // The annotated file.
	Width       int          // Image width in pixels.
	Height      int          // Image height in pixels.
}

// scaleCoords scales all Annotations.Coords by the given scale factors.
func (f *AnnotatedFile) scaleCoords(width, height float64) {
	for i := range f.Annotations {
		for j := 0; j < 4; j++ {
			if j&1 == 0 {
				f.Annotations[i].Coords[j] *= width
			} else {
				f.Annotations[i].Coords[j] *= height
			}
		}
	}
}

// AnnotatedFiles is the annotation metadata for a list of files.
type AnnotatedFiles []AnnotatedFile

// Filter removes annotations whose bounding box, clipped to the image, is narrower than
// minBboxWidth or lower than minBboxHeight pixels. Files are kept even when all of their
// annotations are removed, so that they still receive an (empty) label file.
func (data AnnotatedFiles) Filter(minBboxWidth, minBboxHeight float64) {
	if minBboxWidth <= 0 && minBboxHeight <= 0 {
		return
	}

	removed := 0
	for i := range data {
		d := &data[i]
		kept := d.Annotations[:0]
		for _, a := range d.Annotations {
			c := a.Coords
			if d.Width > 0 && d.Height > 0 {
				c = a.clamped(float64(d.Width), float64(d.Height))
			}
			if c[2]-c[0] < minBboxWidth || c[3]-c[1] < minBboxHeight {
				removed++
				continue
			}
			kept = append(kept, a)
		}
		d.Annotations = kept
	}

	slog.Info("Filtered out small bounding boxes", "removed", removed)
}

// ClassCounts returns the number of annotations per class label.
func (data AnnotatedFiles) ClassCounts() map[string]int {
	counts := make(map[string]int)
	for _, f := range data {
		for _, a := range f.Annotations {
			counts[a.Label]++
		}
	}
	return counts
}

// NumAnnotations returns the total number of annotations.
func (data AnnotatedFiles) NumAnnotations() int {
	n := 0
	for _, f := range data {
		n += len(f.Annotations)
	}
	return n
}
