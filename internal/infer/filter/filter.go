// Package filter implements the per-detector admission pipeline: ROI
// masking, minimum-size rejection, temporal confirmation across frames and
// spatial deduplication. One Filter instance belongs to exactly one
// (worker, detector) pair and is not safe for concurrent use.
package filter

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/warpcomdev/kvsinfer/internal/infer/event"
	"github.com/warpcomdev/kvsinfer/internal/infer/geom"
)

// Mode selects how a bounding box is matched against the ROI polygons.
type Mode string

const (
	// ModeCenter admits a box whose center lies inside any polygon.
	ModeCenter Mode = "center"
	// ModeAny admits a box with at least one corner inside any polygon.
	ModeAny Mode = "any"
	// ModeAll admits a box with all four corners inside a single polygon.
	ModeAll Mode = "all"
	// ModeOverlap admits a box whose covered-area ratio inside some
	// polygon reaches MinOverlap.
	ModeOverlap Mode = "overlap"
)

// ValidMode reports whether m names a known filter mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeCenter, ModeAny, ModeAll, ModeOverlap:
		return true
	}
	return false
}

// ROI is the region-of-interest configuration for one camera.
// An empty Polygons list admits the whole frame.
type ROI struct {
	Polygons   []geom.Polygon
	Mode       Mode
	MinOverlap float64
}

// Admits reports whether the box passes the ROI under the configured mode.
func (r ROI) Admits(b geom.BBox) bool {
	if len(r.Polygons) == 0 {
		return true
	}
	mode := r.Mode
	if mode == "" {
		mode = ModeCenter
	}
	for _, poly := range r.Polygons {
		switch mode {
		case ModeAny:
			for _, c := range b.Corners() {
				if poly.Contains(c) {
					return true
				}
			}
		case ModeAll:
			all := true
			for _, c := range b.Corners() {
				if !poly.Contains(c) {
					all = false
					break
				}
			}
			if all {
				return true
			}
		case ModeOverlap:
			if geom.OverlapRatio(b, poly) >= r.MinOverlap {
				return true
			}
		default: // ModeCenter
			if poly.Contains(b.Center()) {
				return true
			}
		}
	}
	return false
}

// Config carries the full filter configuration for one detector instance.
type Config struct {
	ROI        ROI
	MinBoxArea float64

	// Temporal confirmation: a detection is emitted once at least
	// MinConfirmations matching detections (same label, IoU at or above
	// IoUThreshold, current one included) fall within the trailing
	// TemporalWindow frames.
	TemporalWindow   int
	MinConfirmations int
	IoUThreshold     float64

	// Dedup: a confirmed detection is suppressed when the same dedup key
	// was emitted within the last DedupWindow frames. GridSize is the
	// spatial quantisation applied to the box center.
	DedupWindow int
	GridSize    int
}

type temporalEntry struct {
	label      string
	bbox       geom.BBox
	frameIndex int64
}

type dedupEntry struct {
	key        string
	frameIndex int64
}

// Filter holds the temporal and dedup histories for one detector instance.
type Filter struct {
	cfg      Config
	temporal *ring[temporalEntry]
	dedup    *ring[dedupEntry]
}

// New builds a Filter. Window sizes below one are treated as one.
func New(cfg Config) *Filter {
	if cfg.TemporalWindow < 1 {
		cfg.TemporalWindow = 1
	}
	if cfg.MinConfirmations < 1 {
		cfg.MinConfirmations = 1
	}
	if cfg.DedupWindow < 1 {
		cfg.DedupWindow = 1
	}
	if cfg.GridSize < 1 {
		cfg.GridSize = 1
	}
	return &Filter{
		cfg:      cfg,
		temporal: newRing[temporalEntry](cfg.TemporalWindow),
		dedup:    newRing[dedupEntry](cfg.DedupWindow),
	}
}

// Apply runs the full admission pipeline over one frame's raw detections
// and returns the events to emit. Order per detection: zero-area reject,
// ROI, minimum size, temporal confirmation, dedup.
func (f *Filter) Apply(cameraID string, frameIndex, tsMs int64, dets []event.Detection) []event.Event {
	var out []event.Event
	for _, d := range dets {
		if !d.BBox.Valid() {
			continue
		}
		if !f.cfg.ROI.Admits(d.BBox) {
			continue
		}
		if f.cfg.MinBoxArea > 0 && d.BBox.Area() < f.cfg.MinBoxArea {
			continue
		}
		confirmed := f.confirm(d, frameIndex)
		f.temporal.push(temporalEntry{label: d.Label, bbox: d.BBox, frameIndex: frameIndex})
		if !confirmed {
			continue
		}
		key := f.dedupKey(d)
		if f.seen(key, frameIndex) {
			continue
		}
		f.dedup.push(dedupEntry{key: key, frameIndex: frameIndex})

		ev := event.Event{
			CameraID: cameraID,
			Type:     d.Type,
			Label:    d.Label,
			Conf:     d.Conf,
			BBox:     d.BBox,
			TsMs:     tsMs,
			Extras:   make(map[string]interface{}, len(d.Extras)+2),
		}
		for k, v := range d.Extras {
			ev.Extras[k] = v
		}
		ev.Extras["frame_index"] = frameIndex
		ev.Extras["dedup_key"] = key
		out = append(out, ev)
	}
	return out
}

// confirm counts matching history entries inside the trailing window plus
// the current detection itself.
func (f *Filter) confirm(d event.Detection, frameIndex int64) bool {
	count := 1
	lo := frameIndex - int64(f.cfg.TemporalWindow)
	f.temporal.each(func(e temporalEntry) {
		if e.frameIndex <= lo || e.label != d.Label {
			return
		}
		if geom.IoU(e.bbox, d.BBox) >= f.cfg.IoUThreshold {
			count++
		}
	})
	return count >= f.cfg.MinConfirmations
}

func (f *Filter) seen(key string, frameIndex int64) bool {
	lo := frameIndex - int64(f.cfg.DedupWindow)
	found := false
	f.dedup.each(func(e dedupEntry) {
		if e.key == key && e.frameIndex > lo {
			found = true
		}
	})
	return found
}

func (f *Filter) dedupKey(d event.Detection) string {
	base := d.Label
	if d.DedupText != "" {
		base = d.DedupText
	}
	cell := geom.GridCell(d.BBox.Center(), f.cfg.GridSize)
	sum := sha1.Sum([]byte(fmt.Sprintf("%s:%s", base, cell)))
	return hex.EncodeToString(sum[:])
}

// Reset drops both histories, used when a camera reconnects after a long
// outage and frame indices restart.
func (f *Filter) Reset() {
	f.temporal.reset()
	f.dedup.reset()
}
