// Package event defines the inference event model shared by detectors,
// filters and publishers, along with the deterministic event identifier
// used for downstream idempotence.
package event

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/warpcomdev/kvsinfer/internal/infer/geom"
)

// Producer identifies this service in published envelopes.
const Producer = "kvs-infer/1.0"

// Detection is a raw detector output for one frame, before ROI, temporal
// and dedup filtering turn it into an Event.
type Detection struct {
	Type   string
	Label  string
	Conf   float64
	BBox   geom.BBox
	Extras map[string]interface{}

	// DedupText replaces Label when building dedup keys. Plate recognition
	// sets it to the recognised text so distinct plates in one spot are
	// not collapsed together.
	DedupText string
}

// Event is a single confirmed detection on one frame of one camera.
type Event struct {
	CameraID string                 `json:"camera_id"`
	Type     string                 `json:"type"`
	Label    string                 `json:"label"`
	Conf     float64                `json:"conf"`
	BBox     geom.BBox              `json:"bbox"`
	TsMs     int64                  `json:"ts_ms"`
	Extras   map[string]interface{} `json:"extras,omitempty"`
}

// ID returns the deterministic identifier for the event. Two events for
// the same camera, type and label within the same wall-clock second share
// an identifier, which is what lets record sinks deduplicate replays.
func (e *Event) ID() string {
	return EventID(e.CameraID, e.Type, e.Label, e.TsMs)
}

// EventID hashes camera, type, label and the millisecond timestamp rounded
// down to whole seconds.
func EventID(cameraID, typ, label string, tsMs int64) string {
	bucket := (tsMs / 1000) * 1000
	sum := sha1.Sum([]byte(fmt.Sprintf("%s:%s:%s:%d", cameraID, typ, label, bucket)))
	return hex.EncodeToString(sum[:])
}

// SetExtra stores a key on the event, allocating the map on first use.
func (e *Event) SetExtra(key string, value interface{}) {
	if e.Extras == nil {
		e.Extras = make(map[string]interface{})
	}
	e.Extras[key] = value
}

// Extra returns the string form of an extras value, or "" when absent.
func (e *Event) Extra(key string) string {
	if e.Extras == nil {
		return ""
	}
	v, ok := e.Extras[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Envelope is the wire form sent to the stream bus.
type Envelope struct {
	EventID  string `json:"event_id"`
	CameraID string `json:"camera_id"`
	Producer string `json:"producer"`
	Payload  Event  `json:"payload"`
}

// Wrap builds the publishable envelope for an event.
func Wrap(e Event) Envelope {
	return Envelope{
		EventID:  e.ID(),
		CameraID: e.CameraID,
		Producer: Producer,
		Payload:  e,
	}
}

// Encode serializes the envelope for transport.
func (env Envelope) Encode() ([]byte, error) {
	return json.Marshal(env)
}
