package detector

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/disintegration/imaging"
)

// padColor fills the letterbox border, as in training.
var padColor = color.NRGBA{R: 114, G: 114, B: 114, A: 255}

// letterbox maps between source image and model input coordinates.
type letterbox struct {
	scale      float64
	padX, padY int
	w, h       int // Size of the resized image inside the input.
}

func newLetterbox(srcW, srcH, size int) letterbox {
	scale := math.Min(float64(size)/float64(srcW), float64(size)/float64(srcH))
	w := max(1, int(math.Round(float64(srcW)*scale)))
	h := max(1, int(math.Round(float64(srcH)*scale)))
	return letterbox{scale: scale, padX: (size - w) / 2, padY: (size - h) / 2, w: w, h: h}
}

// toSource maps a point of the model input back to the source image.
func (l letterbox) toSource(x, y float64) (float64, float64) {
	return (x - float64(l.padX)) / l.scale, (y - float64(l.padY)) / l.scale
}

// letterboxImage scales img to fit a size x size square keeping its aspect ratio and centres it on
// a gray background.
func letterboxImage(img image.Image, size int) (*image.NRGBA, letterbox) {
	b := img.Bounds()
	lb := newLetterbox(b.Dx(), b.Dy(), size)
	resized := imaging.Resize(img, lb.w, lb.h, imaging.Linear)
	canvas := imaging.New(size, size, padColor)
	return imaging.Paste(canvas, resized, image.Pt(lb.padX, lb.padY)), lb
}

// toCHW writes img as planar RGB scaled to [0, 1] into dst.
func toCHW(img *image.NRGBA, dst []float32) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	plane := w * h
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			p := row[x*4:]
			dst[i] = float32(p[0]) / 255
			dst[plane+i] = float32(p[1]) / 255
			dst[2*plane+i] = float32(p[2]) / 255
		}
	}
}

// decode turns the [4+nc, anchors] model output into detections above conf. Boxes are mapped back
// through lb and clipped to the width x height source image.
func decode(out []float32, classes []string, anchors int, conf float64, lb letterbox,
	width, height int) ([]Detection, error) {

	nc := len(classes)
	if want := (4 + nc) * anchors; len(out) != want {
		return nil, fmt.Errorf("unexpected output length %d, want %d for %d classes", len(out),
			want, nc)
	}

	var dets []Detection
	for i := 0; i < anchors; i++ {
		best, score := -1, float32(0)
		for c := 0; c < nc; c++ {
			if s := out[(4+c)*anchors+i]; s > score {
				best, score = c, s
			}
		}
		if best < 0 || float64(score) < conf {
			continue
		}

		cx, cy := float64(out[i]), float64(out[anchors+i])
		bw, bh := float64(out[2*anchors+i]), float64(out[3*anchors+i])
		x1, y1 := lb.toSource(cx-bw/2, cy-bh/2)
		x2, y2 := lb.toSource(cx+bw/2, cy+bh/2)
		box := Box{
			X1: clip(x1, float64(width)),
			Y1: clip(y1, float64(height)),
			X2: clip(x2, float64(width)),
			Y2: clip(y2, float64(height)),
		}
		if box.X2 <= box.X1 || box.Y2 <= box.Y1 {
			continue
		}

		dets = append(dets, Detection{
			ClassID:    best,
			Class:      classes[best],
			Confidence: float64(score),
			Box:        box,
		})
	}
	return dets, nil
}

func clip(v, hi float64) float64 {
	return math.Max(0, math.Min(v, hi))
}

// nms applies per-class non-maximum suppression and returns the kept detections by descending
// confidence.
func nms(dets []Detection, iou float64) []Detection {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})

	kept := make([]Detection, 0, len(dets))
	for _, d := range dets {
		suppressed := false
		for _, k := range kept {
			if k.ClassID == d.ClassID && k.Box.IoU(d.Box) > iou {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, d)
		}
	}
	return kept
}

// Counts returns the number of detections per class name.
func Counts(dets []Detection) map[string]int {
	counts := make(map[string]int)
	for _, d := range dets {
		counts[d.Class]++
	}
	return counts
}
