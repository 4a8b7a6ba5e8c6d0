package detector

import (
	"context"
	"image"
	"math"
	"strings"

	"github.com/warpcomdev/kvsinfer/internal/infer/event"
	"github.com/warpcomdev/kvsinfer/internal/infer/geom"
)

// alpr detects license plates and recognises their text. ROI and size
// rejection happen here, before cropping, so frames with plates outside the
// region never reach the OCR engine.
type alpr struct {
	model        Model
	ocr          OCR
	plateClasses map[string]bool
	threshold    float64
	cropExpand   float64
	ocrThreshold float64
}

func newALPR(cfg Config, model Model, ocr OCR) *alpr {
	classes := make(map[string]bool, len(cfg.PlateClasses))
	for _, c := range cfg.PlateClasses {
		classes[c] = true
	}
	return &alpr{
		model:        model,
		ocr:          ocr,
		plateClasses: classes,
		threshold:    cfg.ConfThreshold,
		cropExpand:   cfg.CropExpand,
		ocrThreshold: cfg.OCRConfThreshold,
	}
}

func (a *alpr) Name() string { return TypeALPR }

func (a *alpr) Process(ctx context.Context, frame image.Image, tsMs int64, dctx *Context) ([]event.Detection, error) {
	boxes, err := a.model.Detect(ctx, frame)
	if err != nil {
		return nil, err
	}
	var out []event.Detection
	for _, b := range boxes {
		if !a.plateClasses[b.Label] || b.Conf < a.threshold {
			continue
		}
		if !b.BBox.Valid() {
			continue
		}
		if !dctx.ROI.Admits(b.BBox) {
			continue
		}
		if dctx.MinBoxArea > 0 && b.BBox.Area() < dctx.MinBoxArea {
			continue
		}
		crop := cropExpanded(frame, b.BBox, a.cropExpand)
		if crop == nil {
			continue
		}
		text, conf, err := a.ocr.Recognize(ctx, crop)
		if err != nil {
			return out, err
		}
		text = strings.TrimSpace(text)
		if text == "" || conf < a.ocrThreshold {
			continue
		}
		out = append(out, event.Detection{
			Type:      TypeALPR,
			Label:     b.Label,
			Conf:      b.Conf,
			BBox:      b.BBox,
			DedupText: text,
			Extras: map[string]interface{}{
				"text":     text,
				"ocr_conf": conf,
			},
		})
	}
	return out, nil
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// cropExpanded cuts the plate region out of the frame, grown by the expand
// ratio on each side and clamped to the frame bounds.
func cropExpanded(frame image.Image, b geom.BBox, expand float64) image.Image {
	si, ok := frame.(subImager)
	if !ok {
		return frame
	}
	growW := b.Width() * expand
	growH := b.Height() * expand
	rect := image.Rect(
		int(math.Floor(b.X1-growW)),
		int(math.Floor(b.Y1-growH)),
		int(math.Ceil(b.X2+growW)),
		int(math.Ceil(b.Y2+growH)),
	).Intersect(frame.Bounds())
	if rect.Empty() {
		return nil
	}
	return si.SubImage(rect)
}
