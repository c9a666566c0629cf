package detector

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Palette returns n distinct colours spread over the hue circle.
func Palette(n int) []color.NRGBA {
	p := make([]color.NRGBA, n)
	for i := range p {
		r, g, b := colorful.Hsv(float64(i)*360/float64(n), 0.8, 0.95).RGB255()
		p[i] = color.NRGBA{R: r, G: g, B: b, A: 255}
	}
	return p
}

// Render returns a copy of img with a box and a "name confidence" caption drawn for every
// detection, coloured by class.
func Render(img image.Image, dets []Detection, classes []string) *image.NRGBA {
	dst := imaging.Clone(img)
	palette := Palette(max(1, len(classes)))

	b := dst.Bounds()
	thickness := max(2, min(b.Dx(), b.Dy())/300)
	face := basicfont.Face7x13

	for _, d := range dets {
		c := palette[0]
		if d.ClassID >= 0 && d.ClassID < len(palette) {
			c = palette[d.ClassID]
		}
		r := d.Box.Rect()
		strokeRect(dst, r, thickness, c)

		label := fmt.Sprintf("%s %.2f", d.Class, d.Confidence)
		lw := font.MeasureString(face, label).Ceil() + 4
		lh := face.Height + 2
		top := r.Min.Y - lh
		if top < b.Min.Y {
			top = r.Min.Y
		}
		bg := image.Rect(r.Min.X, top, r.Min.X+lw, top+lh).Intersect(b)
		draw.Draw(dst, bg, image.NewUniform(c), image.Point{}, draw.Src)

		fd := font.Drawer{
			Dst:  dst,
			Src:  image.White,
			Face: face,
			Dot:  fixed.P(r.Min.X+2, top+face.Ascent+1),
		}
		fd.DrawString(label)
	}
	return dst
}

// strokeRect draws the outline of r with the given line thickness, inside r.
func strokeRect(dst draw.Image, r image.Rectangle, t int, c color.Color) {
	src := image.NewUniform(c)
	b := dst.Bounds()
	for _, edge := range []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	} {
		draw.Draw(dst, edge.Intersect(b), src, image.Point{}, draw.Src)
	}
}
