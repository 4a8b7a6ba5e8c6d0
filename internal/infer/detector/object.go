package detector

import (
	"context"
	"image"

	"github.com/warpcomdev/kvsinfer/internal/infer/event"
)

// weapon keeps boxes whose label is in the configured class set and whose
// confidence reaches the single shared threshold.
type weapon struct {
	model     Model
	classes   map[string]bool
	threshold float64
}

func newWeapon(cfg Config, model Model) *weapon {
	classes := make(map[string]bool, len(cfg.Classes))
	for _, c := range cfg.Classes {
		classes[c] = true
	}
	return &weapon{
		model:     model,
		classes:   classes,
		threshold: cfg.ConfThreshold,
	}
}

func (w *weapon) Name() string { return TypeWeapon }

func (w *weapon) Process(ctx context.Context, frame image.Image, tsMs int64, dctx *Context) ([]event.Detection, error) {
	boxes, err := w.model.Detect(ctx, frame)
	if err != nil {
		return nil, err
	}
	var out []event.Detection
	for _, b := range boxes {
		if len(w.classes) > 0 && !w.classes[b.Label] {
			continue
		}
		if b.Conf < w.threshold {
			continue
		}
		out = append(out, event.Detection{
			Type:  TypeWeapon,
			Label: b.Label,
			Conf:  b.Conf,
			BBox:  b.BBox,
		})
	}
	return out, nil
}

// fireSmoke maps fire and smoke labels to distinct event types with
// separate confidence thresholds.
type fireSmoke struct {
	model       Model
	fireLabels  map[string]bool
	smokeLabels map[string]bool
	fireThr     float64
	smokeThr    float64
}

func newFireSmoke(cfg Config, model Model) *fireSmoke {
	fire := make(map[string]bool, len(cfg.FireLabels))
	for _, l := range cfg.FireLabels {
		fire[l] = true
	}
	smoke := make(map[string]bool, len(cfg.SmokeLabels))
	for _, l := range cfg.SmokeLabels {
		smoke[l] = true
	}
	return &fireSmoke{
		model:       model,
		fireLabels:  fire,
		smokeLabels: smoke,
		fireThr:     cfg.FireConfThreshold,
		smokeThr:    cfg.SmokeConfThreshold,
	}
}

func (f *fireSmoke) Name() string { return TypeFireSmoke }

func (f *fireSmoke) Process(ctx context.Context, frame image.Image, tsMs int64, dctx *Context) ([]event.Detection, error) {
	boxes, err := f.model.Detect(ctx, frame)
	if err != nil {
		return nil, err
	}
	var out []event.Detection
	for _, b := range boxes {
		var typ string
		var thr float64
		switch {
		case f.fireLabels[b.Label]:
			typ, thr = "fire", f.fireThr
		case f.smokeLabels[b.Label]:
			typ, thr = "smoke", f.smokeThr
		default:
			continue
		}
		if b.Conf < thr {
			continue
		}
		out = append(out, event.Detection{
			Type:  typ,
			Label: b.Label,
			Conf:  b.Conf,
			BBox:  b.BBox,
		})
	}
	return out, nil
}
