package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpcomdev/kvsinfer/internal/infer/event"
	"github.com/warpcomdev/kvsinfer/internal/infer/geom"
)

var roiSquare = geom.Polygon{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 0, Y: 100}}

func knife(conf float64) event.Detection {
	return event.Detection{
		Type:  "weapon",
		Label: "knife",
		Conf:  conf,
		BBox:  geom.BBox{X1: 100, Y1: 100, X2: 200, Y2: 200},
	}
}

func TestConfirmThenDedup(t *testing.T) {
	f := New(Config{
		TemporalWindow:   5,
		MinConfirmations: 3,
		IoUThreshold:     0.5,
		DedupWindow:      30,
		GridSize:         20,
	})

	var emitted []event.Event
	for frame := int64(1); frame <= 5; frame++ {
		evs := f.Apply("cam-A", frame, 1700000000000+frame*100, []event.Detection{knife(0.8)})
		emitted = append(emitted, evs...)
		switch frame {
		case 1, 2:
			assert.Empty(t, evs, "frame %d not yet confirmed", frame)
		case 3:
			require.Len(t, evs, 1, "third sighting confirms")
		case 4, 5:
			assert.Empty(t, evs, "frame %d suppressed by dedup", frame)
		}
	}

	require.Len(t, emitted, 1)
	ev := emitted[0]
	assert.Equal(t, "cam-A", ev.CameraID)
	assert.Equal(t, "weapon", ev.Type)
	assert.Equal(t, "knife", ev.Label)
	assert.Equal(t, int64(3), ev.Extras["frame_index"])
	assert.NotEmpty(t, ev.Extras["dedup_key"])
	assert.Equal(t, event.EventID("cam-A", "weapon", "knife", ev.TsMs), ev.ID())
}

func TestLateConfirmationEmitsImmediately(t *testing.T) {
	f := New(Config{
		TemporalWindow:   5,
		MinConfirmations: 3,
		IoUThreshold:     0.5,
		DedupWindow:      30,
		GridSize:         20,
	})

	d := knife(0.8)
	assert.Empty(t, f.Apply("c", 1, 1000, []event.Detection{d}))
	assert.Empty(t, f.Apply("c", 2, 2000, []event.Detection{d}))
	// No sighting at frame 3. Unconfirmed detections stay tracked, so the
	// next sighting completes the count.
	assert.Len(t, f.Apply("c", 4, 4000, []event.Detection{d}), 1)
}

func TestTemporalWindowExpiry(t *testing.T) {
	f := New(Config{
		TemporalWindow:   3,
		MinConfirmations: 2,
		IoUThreshold:     0.5,
		DedupWindow:      100,
		GridSize:         20,
	})

	d := knife(0.8)
	assert.Empty(t, f.Apply("c", 1, 1000, []event.Detection{d}))
	// Frame 5 is outside the trailing window of frame 1, so the old
	// sighting no longer counts.
	assert.Empty(t, f.Apply("c", 5, 5000, []event.Detection{d}))
	assert.Len(t, f.Apply("c", 6, 6000, []event.Detection{d}), 1)
}

func TestDedupExpiresAfterWindow(t *testing.T) {
	f := New(Config{
		TemporalWindow:   1,
		MinConfirmations: 1,
		DedupWindow:      3,
		GridSize:         20,
	})

	d := knife(0.9)
	assert.Len(t, f.Apply("c", 1, 1000, []event.Detection{d}), 1)
	assert.Empty(t, f.Apply("c", 2, 2000, []event.Detection{d}))
	assert.Empty(t, f.Apply("c", 3, 3000, []event.Detection{d}))
	// Frame 4 is past the dedup window of the frame 1 emission, which
	// starts a fresh window suppressing frame 5.
	assert.Len(t, f.Apply("c", 4, 4000, []event.Detection{d}), 1)
	assert.Empty(t, f.Apply("c", 5, 5000, []event.Detection{d}))
}

func TestDifferentLabelsDoNotConfirmEachOther(t *testing.T) {
	f := New(Config{
		TemporalWindow:   5,
		MinConfirmations: 2,
		IoUThreshold:     0.5,
		DedupWindow:      30,
		GridSize:         20,
	})

	a := knife(0.8)
	b := a
	b.Label = "pistol"
	assert.Empty(t, f.Apply("c", 1, 1000, []event.Detection{a}))
	assert.Empty(t, f.Apply("c", 2, 2000, []event.Detection{b}))
	assert.Len(t, f.Apply("c", 3, 3000, []event.Detection{a}), 1)
}

func TestZeroAreaRejected(t *testing.T) {
	f := New(Config{TemporalWindow: 1, MinConfirmations: 1, DedupWindow: 1, GridSize: 20})
	d := event.Detection{Type: "weapon", Label: "knife", Conf: 0.9,
		BBox: geom.BBox{X1: 100, Y1: 100, X2: 100, Y2: 200}}
	assert.Empty(t, f.Apply("c", 1, 1000, []event.Detection{d}))
}

func TestMinBoxArea(t *testing.T) {
	f := New(Config{MinBoxArea: 500, TemporalWindow: 1, MinConfirmations: 1, DedupWindow: 1, GridSize: 20})
	small := event.Detection{Type: "weapon", Label: "knife", Conf: 0.9,
		BBox: geom.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}}
	big := event.Detection{Type: "weapon", Label: "knife", Conf: 0.9,
		BBox: geom.BBox{X1: 0, Y1: 0, X2: 100, Y2: 100}}
	evs := f.Apply("c", 1, 1000, []event.Detection{small, big})
	require.Len(t, evs, 1)
	assert.Equal(t, big.BBox, evs[0].BBox)
}

func TestROICenterMode(t *testing.T) {
	roi := ROI{Polygons: []geom.Polygon{roiSquare}, Mode: ModeCenter}
	assert.True(t, roi.Admits(geom.BBox{X1: 20, Y1: 20, X2: 60, Y2: 60}))
	// Center (175, 175) falls outside the polygon.
	assert.False(t, roi.Admits(geom.BBox{X1: 150, Y1: 150, X2: 200, Y2: 200}))
	// Straddling box with center still inside.
	assert.True(t, roi.Admits(geom.BBox{X1: 60, Y1: 60, X2: 120, Y2: 120}))
}

func TestROIAnyMode(t *testing.T) {
	roi := ROI{Polygons: []geom.Polygon{roiSquare}, Mode: ModeAny}
	// Only the top-left corner is inside.
	assert.True(t, roi.Admits(geom.BBox{X1: 90, Y1: 90, X2: 300, Y2: 300}))
	assert.False(t, roi.Admits(geom.BBox{X1: 150, Y1: 150, X2: 300, Y2: 300}))
}

func TestROIAllMode(t *testing.T) {
	roi := ROI{Polygons: []geom.Polygon{roiSquare}, Mode: ModeAll}
	assert.True(t, roi.Admits(geom.BBox{X1: 10, Y1: 10, X2: 90, Y2: 90}))
	assert.False(t, roi.Admits(geom.BBox{X1: 10, Y1: 10, X2: 150, Y2: 90}))
}

func TestROIOverlapMode(t *testing.T) {
	roi := ROI{Polygons: []geom.Polygon{roiSquare}, Mode: ModeOverlap, MinOverlap: 0.4}
	// Left half of the box is covered.
	assert.True(t, roi.Admits(geom.BBox{X1: 80, Y1: 10, X2: 120, Y2: 50}))
	roi.MinOverlap = 0.6
	assert.False(t, roi.Admits(geom.BBox{X1: 80, Y1: 10, X2: 120, Y2: 50}))
}

func TestROIEmptyAdmitsAll(t *testing.T) {
	assert.True(t, ROI{}.Admits(geom.BBox{X1: 500, Y1: 500, X2: 600, Y2: 600}))
}

func TestROIMultiplePolygons(t *testing.T) {
	far := geom.Polygon{{X: 300, Y: 300}, {X: 400, Y: 300}, {X: 400, Y: 400}, {X: 300, Y: 400}}
	roi := ROI{Polygons: []geom.Polygon{roiSquare, far}, Mode: ModeCenter}
	assert.True(t, roi.Admits(geom.BBox{X1: 320, Y1: 320, X2: 380, Y2: 380}))
	assert.False(t, roi.Admits(geom.BBox{X1: 150, Y1: 150, X2: 250, Y2: 250}))
}

func TestDedupTextOverridesLabel(t *testing.T) {
	f := New(Config{TemporalWindow: 1, MinConfirmations: 1, DedupWindow: 30, GridSize: 20})
	plate := func(text string) event.Detection {
		return event.Detection{
			Type: "alpr", Label: "plate", Conf: 0.9,
			BBox:      geom.BBox{X1: 100, Y1: 100, X2: 200, Y2: 150},
			DedupText: text,
		}
	}
	// Same spot, two distinct plates: both emitted.
	assert.Len(t, f.Apply("c", 1, 1000, []event.Detection{plate("ABC123")}), 1)
	assert.Len(t, f.Apply("c", 2, 2000, []event.Detection{plate("XYZ789")}), 1)
	assert.Empty(t, f.Apply("c", 3, 3000, []event.Detection{plate("ABC123")}))
}

func TestDifferentGridCellsNotDeduped(t *testing.T) {
	f := New(Config{TemporalWindow: 1, MinConfirmations: 1, DedupWindow: 30, GridSize: 20})
	a := knife(0.9)
	b := a
	b.BBox = geom.BBox{X1: 400, Y1: 400, X2: 500, Y2: 500}
	assert.Len(t, f.Apply("c", 1, 1000, []event.Detection{a}), 1)
	assert.Len(t, f.Apply("c", 2, 2000, []event.Detection{b}), 1)
}

func TestReset(t *testing.T) {
	f := New(Config{TemporalWindow: 5, MinConfirmations: 1, DedupWindow: 30, GridSize: 20})
	d := knife(0.9)
	assert.Len(t, f.Apply("c", 1, 1000, []event.Detection{d}), 1)
	assert.Empty(t, f.Apply("c", 2, 2000, []event.Detection{d}))
	f.Reset()
	assert.Len(t, f.Apply("c", 1, 1000, []event.Detection{d}), 1)
}

func TestValidMode(t *testing.T) {
	assert.True(t, ValidMode(ModeCenter))
	assert.True(t, ValidMode(ModeOverlap))
	assert.False(t, ValidMode("centroid"))
}

func TestRing(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	var got []int
	r.each(func(v int) { got = append(got, v) })
	assert.Equal(t, []int{3, 4, 5}, got)
	assert.Equal(t, 3, r.len())
	r.reset()
	assert.Equal(t, 0, r.len())
}
