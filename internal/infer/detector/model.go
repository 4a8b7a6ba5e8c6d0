package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"net/url"

	"github.com/warpcomdev/kvsinfer/internal/infer/geom"
)

// RawBox is one box returned by the model runtime, before any filtering.
type RawBox struct {
	Label string    `json:"label"`
	Conf  float64   `json:"conf"`
	BBox  geom.BBox `json:"bbox"`
}

// Model runs object detection on one frame.
type Model interface {
	Detect(ctx context.Context, img image.Image) ([]RawBox, error)
}

// Client is the part of http.Client the runtime clients use.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	// ErrModelStatus is returned when the model runtime answers with a
	// non-success HTTP status.
	ErrModelStatus = detectorError("model runtime returned error status")
	// ErrOCRStatus is the OCR engine counterpart.
	ErrOCRStatus = detectorError("ocr engine returned error status")
)

// HTTPModel talks to an external model runtime over HTTP: the frame goes
// out as JPEG, boxes come back as JSON.
type HTTPModel struct {
	client   Client
	endpoint string
	model    string
	quality  int
}

// NewHTTPModel builds a runtime client for one named model.
func NewHTTPModel(client Client, endpoint, model string) *HTTPModel {
	return &HTTPModel{
		client:   client,
		endpoint: endpoint,
		model:    model,
		quality:  85,
	}
}

type detectResponse struct {
	Detections []RawBox `json:"detections"`
}

// Detect implements Model.
func (m *HTTPModel) Detect(ctx context.Context, img image.Image) ([]RawBox, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: m.quality}); err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	target := fmt.Sprintf("%s/v1/models/%s/detect", m.endpoint, url.PathEscape(m.model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrModelStatus, resp.Status)
	}
	var decoded detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding model response: %w", err)
	}
	return decoded.Detections, nil
}

// OCR recognises text on a cropped plate image.
type OCR interface {
	Recognize(ctx context.Context, img image.Image) (text string, conf float64, err error)
}

// HTTPOCR talks to an external OCR engine over HTTP.
type HTTPOCR struct {
	client   Client
	endpoint string
	lang     string
	quality  int
}

// NewHTTPOCR builds an OCR client for one language.
func NewHTTPOCR(client Client, endpoint, lang string) *HTTPOCR {
	return &HTTPOCR{
		client:   client,
		endpoint: endpoint,
		lang:     lang,
		quality:  90,
	}
}

type ocrResponse struct {
	Text string  `json:"text"`
	Conf float64 `json:"conf"`
}

// Recognize implements OCR.
func (o *HTTPOCR) Recognize(ctx context.Context, img image.Image) (string, float64, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: o.quality}); err != nil {
		return "", 0, fmt.Errorf("encoding crop: %w", err)
	}
	target := fmt.Sprintf("%s/v1/ocr?lang=%s", o.endpoint, url.QueryEscape(o.lang))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &buf)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	resp, err := o.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%w: %s", ErrOCRStatus, resp.Status)
	}
	var decoded ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", 0, fmt.Errorf("decoding ocr response: %w", err)
	}
	return decoded.Text, decoded.Conf, nil
}
