// Package annotate draws detection boxes and status text onto frames.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

var (
	Green = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	Red   = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	black = color.RGBA{A: 255}
)

const (
	boxThickness = 2
	labelPadding = 2
	lineHeight   = 20
)

var face = basicfont.Face7x13

// ToRGBA copies img into a new RGBA image.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// ColorFor returns the box colour for a class policy group.
func ColorFor(mode types.ClassMode) color.RGBA {
	if mode == types.Cooldown {
		return Red
	}
	return Green
}

// Label formats a detection label, e.g. "sale 75.00%".
func Label(d types.Detection) string {
	return fmt.Sprintf("%s %.2f%%", d.ClassName, d.Confidence*100)
}

// DrawDetection draws the bounding box and a filled label above it.
func DrawDetection(img *image.RGBA, d types.Detection, c color.RGBA) {
	r := image.Rect(int(d.Box.X1), int(d.Box.Y1), int(d.Box.X2), int(d.Box.Y2)).Canon().Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	drawRect(img, r, c, boxThickness)

	label := Label(d)
	w := font.MeasureString(face, label).Ceil() + 2*labelPadding
	h := face.Metrics().Height.Ceil() + 2*labelPadding

	top := r.Min.Y - h
	if top < img.Bounds().Min.Y {
		top = r.Min.Y
	}
	bg := image.Rect(r.Min.X, top, r.Min.X+w, top+h)
	draw.Draw(img, bg.Intersect(img.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
	drawText(img, r.Min.X+labelPadding, top+labelPadding+face.Metrics().Ascent.Ceil(), label, black)
}

// DrawStatus writes lines in the top-left corner, one per row.
func DrawStatus(img *image.RGBA, lines ...string) {
	for i, line := range lines {
		y := 10 + (i+1)*lineHeight
		// Dark outline keeps the text readable on bright frames.
		for _, off := range [][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
			drawText(img, 10+off[0], y+off[1], line, black)
		}
		drawText(img, 10, y, line, Green)
	}
}

func drawText(img *image.RGBA, x, y int, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func drawRect(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}
