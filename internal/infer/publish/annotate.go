package publish

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/warpcomdev/kvsinfer/internal/infer/event"
)

var annotationColor = color.RGBA{R: 255, A: 255}

// annotate copies the frame and draws each event's bounding box with a
// label and confidence caption. The original frame is left untouched.
func annotate(frame image.Image, events []event.Event) *image.RGBA {
	bounds := frame.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, frame, bounds.Min, draw.Src)
	for _, ev := range events {
		rect := image.Rect(int(ev.BBox.X1), int(ev.BBox.Y1), int(ev.BBox.X2), int(ev.BBox.Y2)).Intersect(bounds)
		if rect.Empty() {
			continue
		}
		drawRect(out, rect)
		drawLabel(out, rect, fmt.Sprintf("%s %.2f", ev.Label, ev.Conf))
	}
	return out
}

func drawRect(img *image.RGBA, r image.Rectangle) {
	const thickness = 2
	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, r.Min.Y+t, annotationColor)
			img.SetRGBA(x, r.Max.Y-1-t, annotationColor)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.SetRGBA(r.Min.X+t, y, annotationColor)
			img.SetRGBA(r.Max.X-1-t, y, annotationColor)
		}
	}
}

func drawLabel(img *image.RGBA, r image.Rectangle, text string) {
	face := basicfont.Face7x13
	y := r.Min.Y - 3
	if y < face.Height {
		y = r.Min.Y + face.Height + 3
	}
	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(annotationColor),
		Face: face,
		Dot:  fixed.P(r.Min.X, y),
	}
	drawer.DrawString(text)
}
