// Package detector implements the per-frame inference stages: the generic
// object detector used for weapons and fire/smoke, and the plate-recognition
// detector that chains detection with OCR. Detectors hold no video history;
// the filter package owns temporal and dedup state.
package detector

import (
	"context"
	"fmt"
	"image"

	"github.com/warpcomdev/kvsinfer/internal/infer/event"
	"github.com/warpcomdev/kvsinfer/internal/infer/filter"
)

// Known detector type names accepted in configuration.
const (
	TypeWeapon    = "weapon"
	TypeFireSmoke = "fire_smoke"
	TypeALPR      = "alpr"
)

type detectorError string

func (e detectorError) Error() string {
	return string(e)
}

// ErrUnknownType is returned when configuration names a detector type
// that is not implemented.
const ErrUnknownType = detectorError("unknown detector type")

// Context carries per-frame camera information into Process calls.
// Plate recognition uses the ROI to reject boxes before paying for OCR.
type Context struct {
	CameraID   string
	Width      int
	Height     int
	ROI        filter.ROI
	MinBoxArea float64
}

// Detector turns one frame into raw detections. Implementations must be
// stateless with respect to video content.
type Detector interface {
	Name() string
	Process(ctx context.Context, frame image.Image, tsMs int64, dctx *Context) ([]event.Detection, error)
}

// Config is the per-detector configuration block. Fields apply only to the
// detector type that recognises them.
type Config struct {
	Type  string `toml:"type"`
	Model string `toml:"model"`

	// Object detectors (weapon).
	Classes       []string `toml:"classes"`
	ConfThreshold float64  `toml:"conf_threshold"`

	// Fire/smoke split thresholds.
	FireLabels         []string `toml:"fire_labels"`
	SmokeLabels        []string `toml:"smoke_labels"`
	FireConfThreshold  float64  `toml:"fire_conf_threshold"`
	SmokeConfThreshold float64  `toml:"smoke_conf_threshold"`

	// Plate recognition.
	PlateClasses     []string `toml:"plate_classes"`
	CropExpand       float64  `toml:"crop_expand"`
	OCRLang          string   `toml:"ocr_lang"`
	OCRConfThreshold float64  `toml:"ocr_conf_threshold"`

	// Temporal confirmation and dedup, consumed by the filter.
	TemporalWindow   int     `toml:"temporal_window"`
	MinConfirmations int     `toml:"min_confirmations"`
	TemporalIoU      float64 `toml:"temporal_iou"`
	DedupWindow      int     `toml:"dedup_window"`
	DedupGridSize    int     `toml:"dedup_grid_size"`
}

// Check fills defaults and validates ranges.
func (c *Config) Check() error {
	switch c.Type {
	case TypeWeapon, TypeFireSmoke, TypeALPR:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	}
	if c.Model == "" {
		return fmt.Errorf("detector %q: model reference is required", c.Type)
	}
	if c.ConfThreshold == 0 {
		c.ConfThreshold = 0.6
	}
	if len(c.FireLabels) == 0 {
		c.FireLabels = []string{"fire"}
	}
	if len(c.SmokeLabels) == 0 {
		c.SmokeLabels = []string{"smoke"}
	}
	if c.FireConfThreshold == 0 {
		c.FireConfThreshold = 0.6
	}
	if c.SmokeConfThreshold == 0 {
		c.SmokeConfThreshold = 0.55
	}
	if len(c.PlateClasses) == 0 {
		c.PlateClasses = []string{"plate", "license_plate"}
	}
	if c.CropExpand == 0 {
		c.CropExpand = 0.1
	}
	if c.OCRLang == "" {
		c.OCRLang = "en"
	}
	if c.OCRConfThreshold == 0 {
		c.OCRConfThreshold = 0.6
	}
	if c.TemporalWindow == 0 {
		c.TemporalWindow = 5
	}
	if c.MinConfirmations == 0 {
		c.MinConfirmations = 3
	}
	if c.TemporalIoU == 0 {
		c.TemporalIoU = 0.3
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 30
	}
	if c.DedupGridSize == 0 {
		c.DedupGridSize = 20
	}
	for _, thr := range []float64{c.ConfThreshold, c.FireConfThreshold, c.SmokeConfThreshold, c.OCRConfThreshold, c.TemporalIoU} {
		if thr < 0 || thr > 1 {
			return fmt.Errorf("detector %q: threshold %v outside [0, 1]", c.Type, thr)
		}
	}
	if c.MinConfirmations > c.TemporalWindow {
		return fmt.Errorf("detector %q: min_confirmations %d exceeds temporal_window %d", c.Type, c.MinConfirmations, c.TemporalWindow)
	}
	return nil
}

// FilterConfig builds the filter settings for this detector on a camera
// with the given ROI and minimum box area.
func (c *Config) FilterConfig(roi filter.ROI, minBoxArea float64) filter.Config {
	return filter.Config{
		ROI:              roi,
		MinBoxArea:       minBoxArea,
		TemporalWindow:   c.TemporalWindow,
		MinConfirmations: c.MinConfirmations,
		IoUThreshold:     c.TemporalIoU,
		DedupWindow:      c.DedupWindow,
		GridSize:         c.DedupGridSize,
	}
}

// New builds the detector named by cfg.Type. The model runs all inference;
// ocr is only used by plate recognition and may be nil for other types.
func New(cfg Config, model Model, ocr OCR) (Detector, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeWeapon:
		return newWeapon(cfg, model), nil
	case TypeFireSmoke:
		return newFireSmoke(cfg, model), nil
	case TypeALPR:
		if ocr == nil {
			return nil, detectorError("alpr detector requires an OCR engine")
		}
		return newALPR(cfg, model, ocr), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
}
