// Package decode turns a playback URL into a stream of decoded frames by
// piping the remote stream through an ffmpeg subprocess that emits MJPEG
// on stdout.
package decode

import (
	"context"
	"image"
)

// Frame is one decoded video frame with its capture timestamp in
// milliseconds since the epoch.
type Frame struct {
	Image image.Image
	TsMs  int64
}

// Width returns the frame width in pixels.
func (f Frame) Width() int { return f.Image.Bounds().Dx() }

// Height returns the frame height in pixels.
func (f Frame) Height() int { return f.Image.Bounds().Dy() }

// Decoder opens decoding sessions on playback URLs.
type Decoder interface {
	Open(ctx context.Context, url string) (Session, error)
}

// Session yields frames from one playback URL until the stream ends or
// the session is closed. Not safe for concurrent use.
type Session interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

type decodeError string

func (e decodeError) Error() string {
	return string(e)
}

const (
	// ErrStreamEnded is returned by Next when the upstream finished
	// cleanly. The frame source treats it as a reconnect trigger.
	ErrStreamEnded = decodeError("stream ended")
	// ErrFrameTooLarge is returned when a frame exceeds the scan buffer
	// limit, which indicates a corrupted stream.
	ErrFrameTooLarge = decodeError("frame exceeds buffer limit")
)
