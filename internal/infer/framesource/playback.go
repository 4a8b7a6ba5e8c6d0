package framesource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Client is the part of http.Client the playback client uses.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

// PlaybackAPI resolves a named stream into a live playback URL with a
// bounded lifetime.
type PlaybackAPI interface {
	PlaybackURL(ctx context.Context, streamName string, sessionSeconds int) (string, error)
}

// ErrPlaybackStatus is returned when the video service answers with a
// non-success HTTP status.
const ErrPlaybackStatus = sourceError("video service returned error status")

// HTTPPlayback implements the two-step playback URL fetch against the
// upstream video service: first resolve the data endpoint that serves the
// stream, then request a session URL from that endpoint.
type HTTPPlayback struct {
	client     Client
	controlURL string
}

// NewHTTPPlayback builds a playback client rooted at the control API.
func NewHTTPPlayback(client Client, controlURL string) *HTTPPlayback {
	return &HTTPPlayback{client: client, controlURL: controlURL}
}

type endpointResponse struct {
	Endpoint string `json:"endpoint"`
}

type sessionResponse struct {
	URL string `json:"url"`
}

// PlaybackURL implements PlaybackAPI.
func (p *HTTPPlayback) PlaybackURL(ctx context.Context, streamName string, sessionSeconds int) (string, error) {
	endpoint, err := p.dataEndpoint(ctx, streamName)
	if err != nil {
		return "", err
	}
	target := fmt.Sprintf("%s/v1/sessions?stream=%s&expires=%d",
		endpoint, url.QueryEscape(streamName), sessionSeconds)
	var session sessionResponse
	if err := p.getJSON(ctx, target, &session); err != nil {
		return "", err
	}
	if session.URL == "" {
		return "", sourceError("video service returned empty session url")
	}
	return session.URL, nil
}

func (p *HTTPPlayback) dataEndpoint(ctx context.Context, streamName string) (string, error) {
	target := fmt.Sprintf("%s/v1/streams/%s/endpoint", p.controlURL, url.PathEscape(streamName))
	var resolved endpointResponse
	if err := p.getJSON(ctx, target, &resolved); err != nil {
		return "", err
	}
	if resolved.Endpoint == "" {
		return "", sourceError("video service returned empty data endpoint")
	}
	return resolved.Endpoint, nil
}

func (p *HTTPPlayback) getJSON(ctx context.Context, target string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s (%s)", ErrPlaybackStatus, resp.Status, target)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
